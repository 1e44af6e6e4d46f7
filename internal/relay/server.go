package relay

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const deviceIDContextKey = "caravel_device_id"

var (
	errMissingMailbox       = errors.New("mailbox dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the relay HTTP handler.
type Dependencies struct {
	Mailbox *Mailbox
	Tokens  *TokenIssuer
	Logger  *zap.Logger
}

// NewHTTPHandler builds the relay's gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Mailbox == nil {
		return nil, errMissingMailbox
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		mailbox: deps.Mailbox,
		tokens:  deps.Tokens,
		logger:  logger,
	}

	router.POST("/register", handler.handleRegister)
	router.GET("/stats", handler.handleStats)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/send", handler.handleSend)
	protected.GET("/fetch", handler.handleFetch)
	protected.GET("/pending", handler.handlePending)

	return router, nil
}

type httpHandler struct {
	mailbox *Mailbox
	tokens  *TokenIssuer
	logger  *zap.Logger
}

type registerRequestPayload struct {
	DeviceID      string `json:"device_id"`
	PublicKeyHash string `json:"public_key_hash"`
}

type registerResponsePayload struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.mailbox.RegisterDevice(request.DeviceID, request.PublicKeyHash); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, expiresIn, err := h.tokens.Issue(request.DeviceID)
	if err != nil {
		h.logger.Error("failed to issue relay token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, registerResponsePayload{Token: token, ExpiresIn: expiresIn})
}

type sendResponsePayload struct {
	ID string `json:"id"`
}

func (h *httpHandler) handleSend(c *gin.Context) {
	var envelope Envelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// The bearer subject must be the claimed sender; devices cannot inject
	// envelopes on behalf of others.
	if envelope.FromDeviceID != c.GetString(deviceIDContextKey) {
		c.JSON(http.StatusForbidden, gin.H{"error": "sender_mismatch"})
		return
	}

	envelopeID, err := h.mailbox.SubmitMessage(envelope)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, sendResponsePayload{ID: envelopeID})
}

type fetchResponsePayload struct {
	Messages []Envelope `json:"messages"`
}

func (h *httpHandler) handleFetch(c *gin.Context) {
	deviceID := c.GetString(deviceIDContextKey)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	envelopes, err := h.mailbox.FetchMessages(deviceID, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, fetchResponsePayload{Messages: envelopes})
}

type pendingResponsePayload struct {
	Count int `json:"count"`
}

func (h *httpHandler) handlePending(c *gin.Context) {
	deviceID := c.GetString(deviceIDContextKey)

	count, err := h.mailbox.PendingCount(deviceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, pendingResponsePayload{Count: count})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.mailbox.Stats())
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	deviceID, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("relay token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceIDContextKey, deviceID)
	c.Next()
}

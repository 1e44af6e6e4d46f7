package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultRequestTimeout = 30 * time.Second

// ErrRelayUnavailable wraps transport-level failures so callers can fall
// back to waiting for direct connectivity.
var ErrRelayUnavailable = errors.New("relay: unavailable")

// Client talks to a relay server on behalf of one device. Register must
// succeed before any other call; the bearer token it returns is stored on
// the client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// NewClient returns a client for the relay at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
}

// Register enrolls the device and stores the returned bearer token.
func (c *Client) Register(ctx context.Context, deviceID, publicKeyHash string) error {
	var response registerResponsePayload
	err := c.post(ctx, "/register", registerRequestPayload{
		DeviceID:      deviceID,
		PublicKeyHash: publicKeyHash,
	}, &response)
	if err != nil {
		return err
	}
	c.token = response.Token
	return nil
}

// Send submits one envelope and returns the relay-assigned id.
func (c *Client) Send(ctx context.Context, envelope Envelope) (string, error) {
	var response sendResponsePayload
	if err := c.post(ctx, "/send", envelope, &response); err != nil {
		return "", err
	}
	return response.ID, nil
}

// Fetch returns up to limit queued envelopes without draining them. Zero
// fetches everything pending. Transient transport failures are retried
// with exponential backoff until ctx is done.
func (c *Client) Fetch(ctx context.Context, limit int) ([]Envelope, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var envelopes []Envelope
	operation := func() error {
		var response fetchResponsePayload
		if err := c.get(ctx, "/fetch", query, &response); err != nil {
			if errors.Is(err, ErrRelayUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		envelopes = response.Messages
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return envelopes, nil
}

// Pending returns the device's queue depth.
func (c *Client) Pending(ctx context.Context) (int, error) {
	var response pendingResponsePayload
	if err := c.get(ctx, "/pending", nil, &response); err != nil {
		return 0, err
	}
	return response.Count, nil
}

// Stats returns the relay's load counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (c *Client) post(ctx context.Context, path string, payload, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	return c.do(request, target)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, target any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(request, target)
}

func (c *Client) do(request *http.Request, target any) error {
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}

	if response.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &failure); err == nil && failure.Error != "" {
			return fmt.Errorf("relay: %s (status %d)", failure.Error, response.StatusCode)
		}
		return fmt.Errorf("relay: unexpected status %d", response.StatusCode)
	}

	if target == nil {
		return nil
	}
	return json.Unmarshal(body, target)
}

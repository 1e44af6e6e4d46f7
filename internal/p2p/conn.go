package p2p

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"

	"github.com/caravelhq/caravel-sync/internal/protocol"
)

// wsConn adapts a websocket connection to the protocol message transport.
// Each envelope travels as one text frame of JSON.
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(ctx context.Context, envelope protocol.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return protocol.Envelope{}, err
	}
	var envelope protocol.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return protocol.Envelope{}, err
	}
	return envelope, nil
}

func (c *wsConn) close(code websocket.StatusCode, reason string) {
	_ = c.conn.Close(code, reason)
}

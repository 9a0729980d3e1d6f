package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/Dana-Harb/brewrelay/pkg/upstream"
)

// conn adapts a *websocket.Conn to [upstream.Conn]. One goroutine may read
// while another writes; concurrent writers are serialised by writeMu.
type conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// Read blocks until the next frame arrives and maps the WebSocket frame kind
// onto [upstream.MessageType].
func (c *conn) Read(ctx context.Context) (upstream.Message, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return upstream.Message{}, fmt.Errorf("openai: read: %w", err)
	}
	msg := upstream.Message{Type: upstream.MessageText, Data: data}
	if typ == websocket.MessageBinary {
		msg.Type = upstream.MessageBinary
	}
	return msg, nil
}

// WriteJSON marshals v and sends it as a text frame.
func (c *conn) WriteJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("openai: write: %w", err)
	}
	return nil
}

// Close terminates the session stream. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

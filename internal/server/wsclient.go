package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/Dana-Harb/brewrelay/internal/relay"
)

// wsClient adapts a *websocket.Conn to [relay.ClientConn]. Both session
// tasks write to the client, so writes are serialised by writeMu.
type wsClient struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

var _ relay.ClientConn = (*wsClient)(nil)

func (c *wsClient) Read(ctx context.Context) (relay.ClientFrame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return relay.ClientFrame{}, fmt.Errorf("server: client read: %w", err)
	}
	return relay.ClientFrame{
		Binary: typ == websocket.MessageBinary,
		Data:   data,
	}, nil
}

func (c *wsClient) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal client frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("server: client write: %w", err)
	}
	return nil
}

func (c *wsClient) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// Package upstream defines the relay's contract with the realtime
// conversational model service it bridges to.
//
// The upstream is an opaque bidirectional message stream: the relay writes
// JSON protocol messages (audio appends, response requests, cancellations)
// and reads back a mix of JSON events and raw binary audio. Speech
// recognition, synthesis, and generation all happen on the far side of this
// boundary — the relay only forwards, tracks response lifecycle, and cancels.
//
// Implementations live in sub-packages (e.g. [openai] for the OpenAI/Azure
// Realtime API). All implementations must be safe for concurrent use: one
// goroutine reads while another writes for the whole session lifetime.
package upstream

import (
	"context"
	"errors"
)

// ErrRateLimited indicates a dial attempt was rejected with a rate-limit
// status. It is the only connect failure a [Connector] retries; everything
// else fails immediately.
var ErrRateLimited = errors.New("upstream: rate limited")

// MessageType discriminates the two frame kinds an upstream stream carries.
type MessageType int

const (
	// MessageText is a JSON protocol event.
	MessageText MessageType = iota

	// MessageBinary is a raw audio payload.
	MessageBinary
)

// Message is one frame received from the upstream stream.
type Message struct {
	Type MessageType
	Data []byte
}

// ToolDefinition describes one callable capability declared to the model
// during the session handshake. Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Conn is one open session stream to the upstream service.
//
// Exactly one connection is open per relay session. The relay never retries
// failed sends mid-stream: a write error tears the session down. Close must
// be idempotent.
type Conn interface {
	// Read blocks until the next frame arrives, the stream closes, or ctx is
	// cancelled.
	Read(ctx context.Context) (Message, error)

	// WriteJSON marshals v and sends it as a text frame.
	WriteJSON(ctx context.Context, v any) error

	// Close terminates the stream and releases resources. Safe to call more
	// than once.
	Close() error
}

// Connector establishes upstream sessions. The returned Conn has already
// completed the session-configuration handshake and is ready for audio.
// The caller owns the Conn and is responsible for closing it.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

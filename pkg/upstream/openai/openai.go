// Package openai implements [upstream.Connector] for the OpenAI and Azure
// OpenAI Realtime APIs.
//
// Connect dials the realtime WebSocket endpoint, retrying a bounded number of
// times when the service answers with HTTP 429, and sends the initial
// session.update message (modalities, voice, audio formats, transcription
// model, turn detection, and tool schema) before handing the connection to
// the caller. Audio travels as base64-encoded PCM16 inside JSON events.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/Dana-Harb/brewrelay/pkg/upstream"
)

// Compile-time assertions that Connector and conn satisfy the upstream interfaces.
var _ upstream.Connector = (*Connector)(nil)
var _ upstream.Conn = (*conn)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultVoice              = "alloy"
	defaultTranscriptionModel = "whisper-1"
	defaultMaxRetries         = 3
	defaultRetryDelay         = 2 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Connector.
type Option func(*Connector)

// WithModel sets the realtime model requested via the URL query string.
func WithModel(model string) Option {
	return func(c *Connector) { c.model = model }
}

// WithVoice sets the synthesis voice declared in the session handshake.
func WithVoice(voice string) Option {
	return func(c *Connector) { c.voice = voice }
}

// WithInstructions sets the system-level instructions declared in the
// session handshake.
func WithInstructions(instructions string) Option {
	return func(c *Connector) { c.instructions = instructions }
}

// WithTranscriptionModel sets the input-audio transcription model.
func WithTranscriptionModel(model string) Option {
	return func(c *Connector) { c.transcriptionModel = model }
}

// WithTools declares the callable tool schema offered to the model.
func WithTools(tools []upstream.ToolDefinition) Option {
	return func(c *Connector) { c.tools = tools }
}

// WithMaxRetries bounds the number of dial attempts on rate-limit responses.
func WithMaxRetries(n int) Option {
	return func(c *Connector) { c.maxRetries = n }
}

// WithRetryDelay sets the fixed delay between rate-limited dial attempts.
// Primarily used in tests to keep suite execution fast.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Connector) { c.retryDelay = d }
}

// WithHTTPClient overrides the HTTP client used for the WebSocket dial.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connector) { c.httpClient = hc }
}

// ── Connector ──────────────────────────────────────────────────────────────────

// Connector implements upstream.Connector for the OpenAI/Azure Realtime API.
// A single Connector is safe for concurrent use; each Connect call yields an
// independent session.
type Connector struct {
	apiKey             string
	endpoint           string
	model              string
	voice              string
	instructions       string
	transcriptionModel string
	tools              []upstream.ToolDefinition
	maxRetries         int
	retryDelay         time.Duration
	httpClient         *http.Client
}

// New creates a Connector for the realtime endpoint at rawURL. HTTP(S)
// schemes are normalised to their WebSocket equivalents, so an Azure
// https:// deployment URI can be passed through unchanged.
func New(apiKey, rawURL string, opts ...Option) *Connector {
	c := &Connector{
		apiKey:             apiKey,
		endpoint:           normalizeEndpoint(rawURL),
		model:              defaultModel,
		voice:              defaultVoice,
		transcriptionModel: defaultTranscriptionModel,
		maxRetries:         defaultMaxRetries,
		retryDelay:         defaultRetryDelay,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// normalizeEndpoint rewrites https:// and http:// URLs to wss:// and ws://.
func normalizeEndpoint(rawURL string) string {
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		return "wss://" + strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "http://"):
		return "ws://" + strings.TrimPrefix(rawURL, "http://")
	}
	return rawURL
}

// wsURL appends the model selector to the endpoint, respecting any query
// string already present (Azure URIs carry api-version).
func (c *Connector) wsURL() string {
	if c.model == "" {
		return c.endpoint
	}
	sep := "?"
	if strings.Contains(c.endpoint, "?") {
		sep = "&"
	}
	return c.endpoint + sep + "model=" + c.model
}

// Connect dials the realtime endpoint and performs the session handshake.
// Rate-limited attempts (HTTP 429) are retried up to the configured bound
// with a fixed delay; any other failure is returned immediately.
func (c *Connector) Connect(ctx context.Context) (upstream.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		wsConn, err := c.dial(ctx)
		if err == nil {
			sc := &conn{ws: wsConn}
			if err := sc.WriteJSON(ctx, c.sessionUpdate()); err != nil {
				_ = sc.Close()
				return nil, fmt.Errorf("openai: session update: %w", err)
			}
			return sc, nil
		}

		if !errors.Is(err, upstream.ErrRateLimited) {
			return nil, err
		}
		lastErr = err

		if attempt < c.maxRetries {
			slog.Info("upstream rate limited, retrying",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"delay", c.retryDelay,
			)
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("openai: connect after %d attempts: %w", c.maxRetries, lastErr)
}

// dial performs a single WebSocket dial attempt. A 429 response is reported
// as [upstream.ErrRateLimited] so Connect can distinguish it.
func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	wsConn, resp, err := websocket.Dial(ctx, c.wsURL(), &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{
			// Azure authenticates via api-key; openai.com via bearer token.
			// Sending both lets one connector serve either deployment shape.
			"api-key":       []string{c.apiKey},
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("openai: dial: %w", upstream.ErrRateLimited)
		}
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	return wsConn, nil
}

// ── Handshake message ──────────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities         []string             `json:"modalities"`
	Instructions       string               `json:"instructions,omitempty"`
	Voice              string               `json:"voice,omitempty"`
	InputAudioFormat   string               `json:"input_audio_format"`
	OutputAudioFormat  string               `json:"output_audio_format"`
	InputTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection      *turnDetectionParams `json:"turn_detection,omitempty"`
	Tools              []oaiTool            `json:"tools,omitempty"`
	ToolChoice         string               `json:"tool_choice,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// sessionUpdate builds the initial session-configuration message. Both text
// and audio modalities are always requested so every response carries a
// transcript alongside its speech.
func (c *Connector) sessionUpdate() sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Instructions:      c.instructions,
		Voice:             c.voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetectionParams{Type: "server_vad"},
	}
	if c.transcriptionModel != "" {
		params.InputTranscription = &transcriptionParams{Model: c.transcriptionModel}
	}
	if len(c.tools) > 0 {
		params.Tools = toOAITools(c.tools)
		params.ToolChoice = "auto"
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// toOAITools converts ToolDefinition slices to the Realtime tool format.
func toOAITools(tools []upstream.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

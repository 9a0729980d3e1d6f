package relay

import (
	"encoding/json"
	"strings"
)

// ── Client-facing frames ────────────────────────────────────────────────────
//
// The browser protocol is a small set of flat JSON objects. Audio travels
// base64-encoded inside a JSON envelope rather than as binary frames, because
// the web client multiplexes audio with transcript updates on one socket.

// audioFrame carries one base64-encoded audio chunk to the client.
type audioFrame struct {
	AudioChunk string `json:"audioChunk"`
}

// transcriptFrame carries a transcript update. Who is "user" or "bot".
type transcriptFrame struct {
	Transcript string `json:"transcript"`
	Who        string `json:"who"`
}

// eventFrame signals a lifecycle event: flush_audio, model_speech_start,
// model_speech_end, or new_response (which carries the response id).
type eventFrame struct {
	Event      string `json:"event"`
	ResponseID string `json:"response_id,omitempty"`
}

// toolResultFrame mirrors a completed tool call to the client so the UI can
// surface what the model looked up.
type toolResultFrame struct {
	Event     string          `json:"event"`
	Function  string          `json:"function"`
	Arguments json.RawMessage `json:"arguments"`
	Result    json.RawMessage `json:"result"`
}

const (
	eventFlushAudio       = "flush_audio"
	eventModelSpeechStart = "model_speech_start"
	eventModelSpeechEnd   = "model_speech_end"
	eventNewResponse      = "new_response"
	eventToolResult       = "tool_result"

	// stoppedMarker replaces the bot transcript when a barge-in cuts a
	// response off, so the UI does not display a half-sentence as final.
	stoppedMarker = "[stopped]"
)

// clientControl is the decoded form of a client text frame.
type clientControl struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	controlCommit    = "commit"
	controlInputText = "input_text"
	controlStop      = "stop"
)

// ── Upstream protocol messages (relay → model) ─────────────────────────────

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type commitAudioMessage struct {
	Type string `json:"type"`
}

type clearAudioMessage struct {
	Type string `json:"type"`
}

type createResponseMessage struct {
	Type     string          `json:"type"`
	Response responseRequest `json:"response"`
}

type responseRequest struct {
	Modalities []string `json:"modalities"`
}

type cancelResponseMessage struct {
	Type string `json:"type"`

	// ResponseID targets a specific response; omitted for a broadcast cancel.
	ResponseID string `json:"response_id,omitempty"`
}

type inputTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResultMessage struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id"`
	Output json.RawMessage `json:"output"`
}

func newAppendAudio(b64 string) appendAudioMessage {
	return appendAudioMessage{Type: "input_audio_buffer.append", Audio: b64}
}

func newCommitAudio() commitAudioMessage {
	return commitAudioMessage{Type: "input_audio_buffer.commit"}
}

func newClearAudio() clearAudioMessage {
	return clearAudioMessage{Type: "input_audio_buffer.clear"}
}

func newCreateResponse() createResponseMessage {
	return createResponseMessage{
		Type:     "response.create",
		Response: responseRequest{Modalities: []string{"text", "audio"}},
	}
}

func newCancelResponse(responseID string) cancelResponseMessage {
	return cancelResponseMessage{Type: "response.cancel", ResponseID: responseID}
}

func newToolResult(callID string, output string) toolResultMessage {
	return toolResultMessage{
		Type:   "response.function_call_result",
		CallID: callID,
		Output: json.RawMessage(output),
	}
}

// ── Upstream server events (model → relay) ─────────────────────────────────

// serverEvent is the permissive decode target for upstream JSON events. The
// Realtime API has shipped several overlapping event vocabularies; the fields
// here are the union of what the dispatch switch reads, and absent fields
// simply decode to their zero values.
type serverEvent struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	ResponseID string          `json:"response_id"`
	Delta      json.RawMessage `json:"delta"`
	Text       string          `json:"text"`
	Transcript string          `json:"transcript"`
	Audio      string          `json:"audio"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	CallID     string          `json:"call_id"`

	Response     *responsePayload     `json:"response"`
	FunctionCall *functionCallPayload `json:"function_call"`
	Tool         *functionCallPayload `json:"tool"`
}

// responsePayload is the nested response object present on lifecycle events.
type responsePayload struct {
	ID         string        `json:"id"`
	OutputText string        `json:"output_text"`
	Content    []contentPart `json:"content"`
}

type contentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	OutputText string `json:"output_text"`
}

// functionCallPayload is the nested shape some API versions use for tool
// invocations.
type functionCallPayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	CallID    string          `json:"call_id"`
}

// deltaString interprets the event's delta as a plain string (the shape used
// for audio and transcription deltas). Returns "" for any other shape.
func (ev *serverEvent) deltaString() string {
	if len(ev.Delta) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(ev.Delta, &s); err == nil {
		return s
	}
	return ""
}

// deltaText extracts text from the delta regardless of shape: a bare string,
// an object with a "text" field, or — failing both — the event's top-level
// text field.
func (ev *serverEvent) deltaText() string {
	if len(ev.Delta) > 0 {
		var s string
		if err := json.Unmarshal(ev.Delta, &s); err == nil {
			return s
		}
		var obj struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(ev.Delta, &obj); err == nil && obj.Text != "" {
			return obj.Text
		}
	}
	return ev.Text
}

// responseID digs the response id out of whichever field this API version
// put it in.
func (ev *serverEvent) responseID() string {
	if ev.ResponseID != "" {
		return ev.ResponseID
	}
	if ev.ID != "" {
		return ev.ID
	}
	if ev.Response != nil {
		return ev.Response.ID
	}
	return ""
}

// functionCall normalizes the three shapes a tool invocation arrives in. The
// arguments are returned as a JSON string regardless of whether the API sent
// them string-encoded or as an inline object.
func (ev *serverEvent) functionCall() (name, args, callID string) {
	name, args, callID = ev.Name, normalizeArgs(ev.Arguments), ev.CallID
	for _, nested := range []*functionCallPayload{ev.FunctionCall, ev.Tool} {
		if nested == nil {
			continue
		}
		if name == "" {
			name = nested.Name
		}
		if args == "" {
			args = normalizeArgs(nested.Arguments)
		}
		if callID == "" {
			callID = nested.CallID
		}
	}
	if callID == "" {
		callID = ev.ID
	}
	return name, args, callID
}

// normalizeArgs unwraps string-encoded JSON arguments; inline objects pass
// through as-is.
func normalizeArgs(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// finalText performs the best-effort extraction of a complete answer from a
// response-completed payload, for responses that never streamed text deltas.
func (ev *serverEvent) finalText() string {
	if ev.Response == nil {
		return ""
	}
	if ev.Response.OutputText != "" {
		return ev.Response.OutputText
	}
	var parts []string
	for _, c := range ev.Response.Content {
		switch {
		case c.Text != "":
			parts = append(parts, c.Text)
		case c.OutputText != "":
			parts = append(parts, c.OutputText)
		}
	}
	return strings.Join(parts, " ")
}

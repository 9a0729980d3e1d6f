package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
)

// runIngress pumps frames from the client to the upstream: binary frames
// become audio appends, text frames are control messages. It returns when
// the client disconnects or an upstream write fails.
func (s *Session) runIngress(ctx context.Context, log *slog.Logger) error {
	for {
		frame, err := s.client.Read(ctx)
		if err != nil {
			return fmt.Errorf("relay: client read: %w", err)
		}

		if frame.Binary {
			if err := s.forwardClientAudio(ctx, frame.Data); err != nil {
				return err
			}
			continue
		}

		if err := s.handleControl(ctx, log, frame.Data); err != nil {
			return err
		}
	}
}

// forwardClientAudio base64-encodes a microphone chunk into an audio append.
// While a stop is settling the chunk is discarded silently: appending to the
// buffer the interrupt just cleared would resurrect the utterance it threw
// away. Forwarding resumes at the next response boundary.
func (s *Session) forwardClientAudio(ctx context.Context, chunk []byte) error {
	if !s.st.AllowAudio() {
		return nil
	}
	msg := newAppendAudio(base64.StdEncoding.EncodeToString(chunk))
	if err := s.up.WriteJSON(ctx, msg); err != nil {
		return fmt.Errorf("relay: forward client audio: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordAudioForwarded(ctx, "client_to_upstream")
	}
	return nil
}

// handleControl dispatches one client control message. Unknown types and
// unparseable payloads degrade to a plain text input rather than failing
// the session.
func (s *Session) handleControl(ctx context.Context, log *slog.Logger, data []byte) error {
	var ctrl clientControl
	if err := json.Unmarshal(data, &ctrl); err != nil {
		log.Debug("unparseable client control, forwarding as text", "error", err)
		return s.forwardInputText(ctx, string(data))
	}

	switch ctrl.Type {
	case controlCommit:
		if err := s.up.WriteJSON(ctx, newCommitAudio()); err != nil {
			return fmt.Errorf("relay: commit audio: %w", err)
		}
		if err := s.up.WriteJSON(ctx, newCreateResponse()); err != nil {
			return fmt.Errorf("relay: request response: %w", err)
		}
		return nil

	case controlInputText:
		// Forward the client's message verbatim so extra fields survive.
		if err := s.up.WriteJSON(ctx, json.RawMessage(data)); err != nil {
			return fmt.Errorf("relay: forward input text: %w", err)
		}
		return nil

	case controlStop:
		s.clientStop(ctx, log)
		return nil

	default:
		log.Debug("unknown client control, forwarding as text", "type", ctrl.Type)
		return s.forwardInputText(ctx, string(data))
	}
}

// forwardInputText wraps raw client text in an input_text message. The send
// is best-effort: malformed client chatter must not kill the session, and a
// genuinely dead upstream will surface on the next required write.
func (s *Session) forwardInputText(ctx context.Context, text string) error {
	_ = s.up.WriteJSON(ctx, inputTextMessage{Type: "input_text", Text: text})
	return nil
}

// clientStop actions an explicit stop request. The suppression flip happens
// first and atomically; everything after is best-effort notification, so
// audio arriving concurrently is already being dropped before the client
// hears back.
func (s *Session) clientStop(ctx context.Context, log *slog.Logger) {
	responseID := s.st.Suppress(s.now())
	log.Info("client stop", "response_id", responseID)

	s.interrupt(ctx, responseID, false)

	if s.metrics != nil {
		s.metrics.RecordBargeIn(ctx, "client_stop")
	}
}

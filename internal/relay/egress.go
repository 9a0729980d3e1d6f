package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Dana-Harb/brewrelay/internal/bargein"
	"github.com/Dana-Harb/brewrelay/pkg/upstream"
)

// runEgress pumps frames from the upstream to the client, tracking response
// lifecycle, enforcing suppression, detecting barge-in on user speech, and
// dispatching tool calls. It returns when the upstream disconnects or a
// client write fails.
func (s *Session) runEgress(ctx context.Context, log *slog.Logger) error {
	for {
		msg, err := s.up.Read(ctx)
		if err != nil {
			return fmt.Errorf("relay: upstream read: %w", err)
		}

		if msg.Type == upstream.MessageBinary {
			if err := s.forwardModelAudio(ctx, msg.Data); err != nil {
				return err
			}
			continue
		}

		var ev serverEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			// Not JSON; surface it as bot text so nothing is silently lost.
			if werr := s.client.WriteJSON(ctx, transcriptFrame{
				Transcript: string(msg.Data),
				Who:        "bot",
			}); werr != nil {
				return fmt.Errorf("relay: client write: %w", werr)
			}
			continue
		}

		if err := s.dispatch(ctx, log, &ev); err != nil {
			return err
		}
	}
}

// forwardModelAudio relays a raw audio frame, base64-wrapped, unless
// suppression is active.
func (s *Session) forwardModelAudio(ctx context.Context, data []byte) error {
	if !s.st.AllowAudio() {
		if s.metrics != nil {
			s.metrics.AudioChunksDropped.Add(ctx, 1)
		}
		return nil
	}
	b64 := base64.StdEncoding.EncodeToString(data)
	if err := s.client.WriteJSON(ctx, audioFrame{AudioChunk: b64}); err != nil {
		return fmt.Errorf("relay: forward model audio: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordAudioForwarded(ctx, "upstream_to_client")
	}
	return nil
}

// dispatch routes one upstream JSON event to its handler.
func (s *Session) dispatch(ctx context.Context, log *slog.Logger, ev *serverEvent) error {
	switch ev.Type {
	case "response.created", "response.started":
		return s.onResponseStarted(ctx, log, ev)

	case "response.output_audio.delta", "response.audio.delta":
		return s.onAudioDelta(ctx, ev)

	case "response.output_text.delta", "response.text.delta",
		"response.audio_transcript.delta",
		"response.content_part.added", "response.content_part.delta",
		"response.refusal.delta":
		return s.onTextDelta(ctx, ev)

	case "response.output_text.done", "response.text.done":
		return s.onTextDone(ctx, ev)

	case "response.input_audio_transcription.delta",
		"input_audio_transcription.delta",
		"conversation.item.input_audio_transcription.delta":
		return s.onUserTranscriptionDelta(ctx, log, ev)

	case "response.input_audio_transcription.completed",
		"input_audio_transcription.completed",
		"conversation.item.input_audio_transcription.completed":
		return s.onUserTranscriptionDone(ctx, log, ev)

	case "response.canceled", "response.cancelled", "response.error":
		return s.onResponseCanceled(ctx, log, ev)

	case "response.completed", "response.done", "response.output_audio.done":
		return s.onResponseCompleted(ctx, log, ev)

	case "response.function_call_arguments.done":
		return s.onFunctionCall(ctx, log, ev)

	default:
		return s.onUnrecognized(ctx, ev)
	}
}

// onResponseStarted handles a response boundary: all suppression from the
// previous response is cleared and the client is told a new response began.
func (s *Session) onResponseStarted(ctx context.Context, log *slog.Logger, ev *serverEvent) error {
	id := ev.responseID()
	s.st.BeginResponse(id)
	log.Debug("response started", "response_id", id)

	if err := s.client.WriteJSON(ctx, eventFrame{Event: eventNewResponse, ResponseID: id}); err != nil {
		return fmt.Errorf("relay: client write: %w", err)
	}
	return nil
}

// onAudioDelta handles model speech: the first delta of a response flips the
// session into speaking and notifies the client before any audio flows.
func (s *Session) onAudioDelta(ctx context.Context, ev *serverEvent) error {
	if first := s.st.MarkSpeaking(); first {
		if err := s.client.WriteJSON(ctx, eventFrame{Event: eventModelSpeechStart}); err != nil {
			return fmt.Errorf("relay: client write: %w", err)
		}
	}

	if !s.st.AllowAudio() {
		if s.metrics != nil {
			s.metrics.AudioChunksDropped.Add(ctx, 1)
		}
		return nil
	}
	chunk := ev.deltaString()
	if chunk == "" {
		return nil
	}
	if err := s.client.WriteJSON(ctx, audioFrame{AudioChunk: chunk}); err != nil {
		return fmt.Errorf("relay: forward model audio: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordAudioForwarded(ctx, "upstream_to_client")
	}
	return nil
}

// onTextDelta accumulates bot text and re-emits the full transcript so the
// client never has to do its own stitching.
func (s *Session) onTextDelta(ctx context.Context, ev *serverEvent) error {
	txt := ev.deltaText()
	if txt == "" {
		return nil
	}
	full, ok := s.st.AppendBotText(txt)
	if !ok {
		return nil
	}
	if err := s.client.WriteJSON(ctx, transcriptFrame{Transcript: full, Who: "bot"}); err != nil {
		return fmt.Errorf("relay: client write: %w", err)
	}
	return nil
}

// onTextDone appends the final text segment and re-emits the transcript.
func (s *Session) onTextDone(ctx context.Context, ev *serverEvent) error {
	txt := ev.Text
	if txt == "" {
		txt = ev.deltaText()
	}
	if txt == "" {
		return nil
	}
	full, ok := s.st.AppendBotText(txt)
	if !ok {
		return nil
	}
	if err := s.client.WriteJSON(ctx, transcriptFrame{Transcript: full, Who: "bot"}); err != nil {
		return fmt.Errorf("relay: client write: %w", err)
	}
	return nil
}

// onUserTranscriptionDelta relays live user speech and runs barge-in
// detection against both the delta and the accumulated utterance.
func (s *Session) onUserTranscriptionDelta(ctx context.Context, log *slog.Logger, ev *serverEvent) error {
	delta := ev.deltaString()
	if delta == "" {
		delta = ev.Transcript
	}
	if delta == "" {
		return nil
	}

	full := s.st.AppendUserText(delta)
	if err := s.client.WriteJSON(ctx, transcriptFrame{Transcript: full, Who: "user"}); err != nil {
		return fmt.Errorf("relay: client write: %w", err)
	}

	policy := s.policy.Load()
	if !bargein.Triggered(policy, delta, full) {
		return nil
	}
	source := "stop_phrase"
	if policy.CancelOnAnySpeech {
		source = "any_speech"
	}
	s.bargeIn(ctx, log, policy, source)
	return nil
}

// onUserTranscriptionDone replaces the accumulated utterance with the final
// transcription and runs a backup stop-phrase check against it. This covers
// recognizers that never emit deltas.
func (s *Session) onUserTranscriptionDone(ctx context.Context, log *slog.Logger, ev *serverEvent) error {
	final := strings.TrimSpace(ev.Transcript)
	if final == "" {
		final = strings.TrimSpace(ev.Text)
	}
	if final == "" {
		return nil
	}

	s.st.SetUserTranscript(final)
	if err := s.client.WriteJSON(ctx, transcriptFrame{Transcript: final, Who: "user"}); err != nil {
		return fmt.Errorf("relay: client write: %w", err)
	}

	if bargein.IsStopPhrase(final) {
		s.bargeIn(ctx, log, s.policy.Load(), "stop_phrase")
	}
	return nil
}

// bargeIn attempts the debounced interruption. The debounce check and the
// suppression flip are one atomic state transition, so concurrent triggers
// inside the window produce exactly one cancellation.
func (s *Session) bargeIn(ctx context.Context, log *slog.Logger, policy bargein.Policy, source string) {
	responseID, ok := s.st.TryBargeIn(s.now(), policy.EffectiveDebounce())
	if !ok {
		return
	}
	log.Info("barge-in", "source", source, "response_id", responseID)

	s.interrupt(ctx, responseID, true)

	if s.metrics != nil {
		s.metrics.RecordBargeIn(ctx, source)
	}
}

// onResponseCanceled acknowledges an upstream cancellation or error: the
// client flushes whatever it buffered, and suppression stays in force until
// the next response boundary.
func (s *Session) onResponseCanceled(ctx context.Context, log *slog.Logger, ev *serverEvent) error {
	log.Debug("response canceled", "type", ev.Type, "response_id", s.st.ResponseID())

	if err := s.client.WriteJSON(ctx, eventFrame{Event: eventFlushAudio}); err != nil {
		return fmt.Errorf("relay: client write: %w", err)
	}
	if err := s.client.WriteJSON(ctx, eventFrame{Event: eventModelSpeechEnd}); err != nil {
		return fmt.Errorf("relay: client write: %w", err)
	}
	s.st.CancelResponse()
	return nil
}

// onResponseCompleted handles normal completion. Responses that never
// streamed text deltas get a best-effort final-answer extraction from the
// completion payload so the client always sees the bot's words.
func (s *Session) onResponseCompleted(ctx context.Context, log *slog.Logger, ev *serverEvent) error {
	if !s.st.SawBotText() && s.st.AllowText() {
		if txt := ev.finalText(); txt != "" {
			if err := s.client.WriteJSON(ctx, transcriptFrame{Transcript: txt, Who: "bot"}); err != nil {
				return fmt.Errorf("relay: client write: %w", err)
			}
		}
	}

	if err := s.client.WriteJSON(ctx, eventFrame{Event: eventModelSpeechEnd}); err != nil {
		return fmt.Errorf("relay: client write: %w", err)
	}
	s.st.EndResponse()
	log.Debug("response completed", "type", ev.Type)

	// Drop any microphone audio buffered during the response; failures here
	// are harmless since the buffer resets with the next utterance anyway.
	_ = s.up.WriteJSON(ctx, newClearAudio())
	return nil
}

// onFunctionCall executes the requested tool and feeds the result back so
// the model can continue the conversation with it.
func (s *Session) onFunctionCall(ctx context.Context, log *slog.Logger, ev *serverEvent) error {
	name, args, callID := ev.functionCall()
	if args == "" {
		args = "{}"
	}
	log.Info("tool call", "tool", name, "call_id", callID)

	var result string
	if s.registry != nil {
		result = s.registry.Execute(ctx, name, args)
	} else {
		result = fmt.Sprintf(`{"error":%q}`, "no tools registered")
	}

	if err := s.up.WriteJSON(ctx, newToolResult(callID, result)); err != nil {
		return fmt.Errorf("relay: send tool result: %w", err)
	}
	if err := s.up.WriteJSON(ctx, newCreateResponse()); err != nil {
		return fmt.Errorf("relay: request response: %w", err)
	}

	if err := s.client.WriteJSON(ctx, toolResultFrame{
		Event:     eventToolResult,
		Function:  name,
		Arguments: argumentsJSON(args),
		Result:    json.RawMessage(result),
	}); err != nil {
		return fmt.Errorf("relay: client write: %w", err)
	}
	return nil
}

// onUnrecognized is the fallback for event types the dispatch does not
// know: any audio or text payload it carries is still delivered, subject to
// the suppression flags.
func (s *Session) onUnrecognized(ctx context.Context, ev *serverEvent) error {
	if ev.Audio != "" && s.st.AllowAudio() {
		if err := s.client.WriteJSON(ctx, audioFrame{AudioChunk: ev.Audio}); err != nil {
			return fmt.Errorf("relay: client write: %w", err)
		}
	}
	txt := ev.Transcript
	if txt == "" {
		txt = ev.Text
	}
	if txt != "" && s.st.AllowText() {
		if err := s.client.WriteJSON(ctx, transcriptFrame{Transcript: txt, Who: "bot"}); err != nil {
			return fmt.Errorf("relay: client write: %w", err)
		}
	}
	return nil
}

// argumentsJSON renders tool arguments as a JSON value for the client frame,
// quoting them as a string when they are not valid JSON themselves.
func argumentsJSON(args string) json.RawMessage {
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return json.RawMessage(quoted)
}

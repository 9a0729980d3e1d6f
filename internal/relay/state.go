package relay

import (
	"strings"
	"sync"
	"time"
)

// Phase is the coarse per-response lifecycle state of a session.
type Phase int

const (
	// PhaseIdle means no response is in flight.
	PhaseIdle Phase = iota

	// PhaseActive means a response has started but no audio has arrived yet.
	PhaseActive

	// PhaseSpeaking means model audio is being delivered.
	PhaseSpeaking

	// PhaseSuppressed means the in-flight response was interrupted and its
	// remaining output is being discarded.
	PhaseSuppressed
)

// String implements fmt.Stringer for log output.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	case PhaseSpeaking:
		return "speaking"
	case PhaseSuppressed:
		return "suppressed"
	}
	return "unknown"
}

// SessionState tracks whether the model is currently speaking, which
// response owns that speech, and whether delivery to the client is
// suppressed. Both relay tasks of a session mutate it, so every access goes
// through the mutex; each method is one atomic state transition.
type SessionState struct {
	mu sync.Mutex

	modelSpeaking bool
	dropAudio     bool
	dropText      bool

	// currentResponseID targets precise upstream cancellation. Empty when
	// the upstream never supplied an id; cancellation is then broadcast.
	currentResponseID string

	// lastStopAt is when the last barge-in was actioned, for debouncing.
	lastStopAt time.Time

	userTranscript strings.Builder
	botTranscript  strings.Builder
	sawBotText     bool
}

// NewSessionState returns an idle, unsuppressed state.
func NewSessionState() *SessionState {
	return &SessionState{}
}

// BeginResponse records a new response boundary: the suppression flags are
// cleared unconditionally and transcript accumulators reset, so a stop
// actioned against the previous response cannot leak into this one.
func (s *SessionState) BeginResponse(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		s.currentResponseID = id
	}
	s.modelSpeaking = false
	s.dropAudio = false
	s.dropText = false
	s.userTranscript.Reset()
	s.botTranscript.Reset()
	s.sawBotText = false
}

// MarkSpeaking records the arrival of model audio. It reports whether this
// was the first audio delta of the response. While suppression is active the
// call is a no-op: a stop, once actioned, holds until the next response
// boundary no matter how much more audio the upstream streams.
func (s *SessionState) MarkSpeaking() (first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropAudio || s.modelSpeaking {
		return false
	}
	s.modelSpeaking = true
	return true
}

// AllowAudio reports whether model audio may currently be forwarded.
func (s *SessionState) AllowAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dropAudio
}

// AllowText reports whether model text may currently be forwarded.
func (s *SessionState) AllowText() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dropText
}

// Speaking reports whether the model is mid-utterance.
func (s *SessionState) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelSpeaking
}

// ResponseID returns the id of the in-flight response, or "".
func (s *SessionState) ResponseID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentResponseID
}

// Suppress actions an explicit client stop: both drop flags are set, the
// model is marked silent, and the debounce timer armed. It returns the
// response id to cancel upstream ("" means broadcast only). Unlike
// TryBargeIn it is unconditional — an explicit stop is never debounced.
func (s *SessionState) Suppress(now time.Time) (responseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressLocked(now)
	return s.currentResponseID
}

// TryBargeIn actions a detected stop phrase if the model is speaking and the
// debounce window since the last actioned stop has elapsed. The check and
// the state change are one atomic step, so two qualifying transcripts racing
// within the window yield exactly one cancellation.
func (s *SessionState) TryBargeIn(now time.Time, debounce time.Duration) (responseID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.modelSpeaking {
		return "", false
	}
	if !s.lastStopAt.IsZero() && now.Sub(s.lastStopAt) <= debounce {
		return "", false
	}
	s.suppressLocked(now)
	return s.currentResponseID, true
}

func (s *SessionState) suppressLocked(now time.Time) {
	s.dropAudio = true
	s.dropText = true
	s.modelSpeaking = false
	s.lastStopAt = now
}

// CancelResponse records an upstream cancellation or error acknowledgement.
// The drop flags stay set until the next response boundary; the id is
// cleared because the response is gone.
func (s *SessionState) CancelResponse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelSpeaking = false
	s.dropAudio = true
	s.dropText = true
	s.currentResponseID = ""
}

// EndResponse records normal completion and resets for the next response.
// The debounce timer deliberately survives: a stop actioned at the tail of
// one response still debounces re-triggering at the head of the next.
func (s *SessionState) EndResponse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelSpeaking = false
	s.dropAudio = false
	s.dropText = false
	s.currentResponseID = ""
	s.botTranscript.Reset()
	s.sawBotText = false
}

// SawBotText reports whether any bot text delta arrived for the current
// response.
func (s *SessionState) SawBotText() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawBotText
}

// AppendBotText appends a bot text delta and returns the accumulated
// transcript. ok is false when text delivery is suppressed; the delta is
// then discarded entirely.
func (s *SessionState) AppendBotText(delta string) (full string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropText {
		return "", false
	}
	s.botTranscript.WriteString(delta)
	s.sawBotText = true
	return s.botTranscript.String(), true
}

// AppendUserText appends a user transcription delta and returns the
// accumulated utterance. User speech is never suppressed.
func (s *SessionState) AppendUserText(delta string) (full string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userTranscript.WriteString(delta)
	return s.userTranscript.String()
}

// SetUserTranscript replaces the accumulated user utterance with the final
// transcription and returns it.
func (s *SessionState) SetUserTranscript(final string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userTranscript.Reset()
	s.userTranscript.WriteString(final)
	return final
}

// Phase derives the coarse lifecycle phase. Exactly one phase holds at any
// time.
func (s *SessionState) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.modelSpeaking:
		return PhaseSpeaking
	case s.currentResponseID != "" && s.dropAudio && s.dropText:
		return PhaseSuppressed
	case s.currentResponseID != "":
		return PhaseActive
	}
	return PhaseIdle
}

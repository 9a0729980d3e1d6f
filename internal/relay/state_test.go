package relay

import (
	"testing"
	"time"
)

func TestSessionState_PhaseLifecycle(t *testing.T) {
	t.Parallel()

	st := NewSessionState()
	if got := st.Phase(); got != PhaseIdle {
		t.Fatalf("initial phase = %v, want idle", got)
	}

	st.BeginResponse("resp_1")
	if got := st.Phase(); got != PhaseActive {
		t.Fatalf("after begin phase = %v, want active", got)
	}

	if first := st.MarkSpeaking(); !first {
		t.Error("first audio delta should report first = true")
	}
	if got := st.Phase(); got != PhaseSpeaking {
		t.Fatalf("after first audio phase = %v, want speaking", got)
	}
	if first := st.MarkSpeaking(); first {
		t.Error("second audio delta should report first = false")
	}

	st.Suppress(time.Now())
	if got := st.Phase(); got != PhaseSuppressed {
		t.Fatalf("after stop phase = %v, want suppressed", got)
	}

	st.EndResponse()
	if got := st.Phase(); got != PhaseIdle {
		t.Fatalf("after completion phase = %v, want idle", got)
	}
}

func TestSessionState_SuppressionHoldsUntilBoundary(t *testing.T) {
	t.Parallel()

	st := NewSessionState()
	st.BeginResponse("resp_1")
	st.MarkSpeaking()
	st.Suppress(time.Now())

	if st.AllowAudio() || st.AllowText() {
		t.Fatal("suppression should block both audio and text")
	}

	// More audio from the interrupted response must not lift the drop.
	if first := st.MarkSpeaking(); first {
		t.Error("audio after a stop must not restart speech")
	}
	if st.AllowAudio() {
		t.Error("audio after a stop must stay dropped")
	}
	if _, ok := st.AppendBotText("leftover"); ok {
		t.Error("text after a stop must stay dropped")
	}
}

func TestSessionState_BeginResponseClearsSuppression(t *testing.T) {
	t.Parallel()

	st := NewSessionState()
	st.BeginResponse("resp_1")
	st.MarkSpeaking()
	st.Suppress(time.Now())

	st.BeginResponse("resp_2")

	if !st.AllowAudio() || !st.AllowText() {
		t.Error("a new response must clear both drop flags")
	}
	if got := st.ResponseID(); got != "resp_2" {
		t.Errorf("response id = %q, want resp_2", got)
	}
	if got := st.Phase(); got != PhaseActive {
		t.Errorf("phase = %v, want active", got)
	}

	// Idempotent: a second boundary changes nothing.
	st.BeginResponse("resp_2")
	if !st.AllowAudio() || !st.AllowText() || st.Phase() != PhaseActive {
		t.Error("repeated boundary should leave state unchanged")
	}
}

func TestSessionState_BeginResponseKeepsIDWhenAbsent(t *testing.T) {
	t.Parallel()

	st := NewSessionState()
	st.BeginResponse("resp_1")
	st.BeginResponse("")
	if got := st.ResponseID(); got != "resp_1" {
		t.Errorf("response id = %q, want resp_1 retained", got)
	}
}

func TestSessionState_TryBargeInDebounce(t *testing.T) {
	t.Parallel()

	const window = 600 * time.Millisecond
	t0 := time.Now()

	st := NewSessionState()
	st.BeginResponse("resp_1")
	st.MarkSpeaking()

	rid, ok := st.TryBargeIn(t0, window)
	if !ok || rid != "resp_1" {
		t.Fatalf("first barge-in = (%q, %v), want (resp_1, true)", rid, ok)
	}

	// The model starts a fresh response right away; a second trigger inside
	// the window is swallowed.
	st.BeginResponse("resp_2")
	st.MarkSpeaking()
	if _, ok := st.TryBargeIn(t0.Add(300*time.Millisecond), window); ok {
		t.Fatal("trigger inside the debounce window should be ignored")
	}

	// Outside the window it fires again.
	if rid, ok := st.TryBargeIn(t0.Add(700*time.Millisecond), window); !ok || rid != "resp_2" {
		t.Fatalf("post-window barge-in = (%q, %v), want (resp_2, true)", rid, ok)
	}
}

func TestSessionState_TryBargeInRequiresSpeech(t *testing.T) {
	t.Parallel()

	st := NewSessionState()
	st.BeginResponse("resp_1")

	if _, ok := st.TryBargeIn(time.Now(), 0); ok {
		t.Error("barge-in before any audio should be ignored")
	}

	st.MarkSpeaking()
	st.Suppress(time.Now())
	if _, ok := st.TryBargeIn(time.Now().Add(time.Hour), 0); ok {
		t.Error("barge-in after suppression should be ignored until new speech")
	}
}

func TestSessionState_CancelKeepsDropsSetsIdle(t *testing.T) {
	t.Parallel()

	st := NewSessionState()
	st.BeginResponse("resp_1")
	st.MarkSpeaking()
	st.CancelResponse()

	if st.AllowAudio() || st.AllowText() {
		t.Error("cancellation must leave both drops set")
	}
	if got := st.ResponseID(); got != "" {
		t.Errorf("response id = %q, want cleared", got)
	}
	if got := st.Phase(); got != PhaseIdle {
		t.Errorf("phase = %v, want idle", got)
	}
}

func TestSessionState_Transcripts(t *testing.T) {
	t.Parallel()

	st := NewSessionState()
	st.BeginResponse("resp_1")

	if st.SawBotText() {
		t.Error("no bot text seen yet")
	}
	full, ok := st.AppendBotText("Ethiopian beans ")
	if !ok || full != "Ethiopian beans " {
		t.Fatalf("append = (%q, %v)", full, ok)
	}
	full, _ = st.AppendBotText("are fruity.")
	if full != "Ethiopian beans are fruity." {
		t.Errorf("accumulated = %q", full)
	}
	if !st.SawBotText() {
		t.Error("bot text should be recorded")
	}

	if got := st.AppendUserText("hold "); got != "hold " {
		t.Errorf("user accumulated = %q", got)
	}
	if got := st.AppendUserText("on"); got != "hold on" {
		t.Errorf("user accumulated = %q", got)
	}
	if got := st.SetUserTranscript("Hold on a second"); got != "Hold on a second" {
		t.Errorf("final user transcript = %q", got)
	}

	st.EndResponse()
	if st.SawBotText() {
		t.Error("completion should reset the bot transcript")
	}
}

func TestPhase_String(t *testing.T) {
	t.Parallel()

	cases := map[Phase]string{
		PhaseIdle:       "idle",
		PhaseActive:     "active",
		PhaseSpeaking:   "speaking",
		PhaseSuppressed: "suppressed",
		Phase(42):       "unknown",
	}
	for p, want := range cases {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(p), got, want)
		}
	}
}

// Package relay implements the duplex streaming session between a browser
// client and the upstream realtime model: two concurrent pump tasks sharing
// one [SessionState], with barge-in detection and tool dispatch folded into
// the upstream-to-client pump.
package relay

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dana-Harb/brewrelay/internal/bargein"
	"github.com/Dana-Harb/brewrelay/internal/observe"
	"github.com/Dana-Harb/brewrelay/internal/tools"
	"github.com/Dana-Harb/brewrelay/pkg/upstream"
)

// ClientFrame is one frame received from the browser client.
type ClientFrame struct {
	// Binary marks a raw audio frame; otherwise Data is a JSON control
	// message.
	Binary bool
	Data   []byte
}

// ClientConn abstracts the client WebSocket so sessions can be tested with
// in-memory fakes. WriteJSON must be safe to call from both session tasks
// concurrently.
type ClientConn interface {
	Read(ctx context.Context) (ClientFrame, error)
	WriteJSON(ctx context.Context, v any) error
	Close() error
}

// PolicySource holds the current barge-in policy and allows the config
// watcher to swap it at runtime. Sessions read it on every transcription
// delta, so a reload takes effect mid-conversation.
type PolicySource struct {
	v atomic.Value
}

// NewPolicySource returns a source initialized with p.
func NewPolicySource(p bargein.Policy) *PolicySource {
	s := &PolicySource{}
	s.v.Store(p)
	return s
}

// Load returns the current policy.
func (s *PolicySource) Load() bargein.Policy {
	p, _ := s.v.Load().(bargein.Policy)
	return p
}

// Store replaces the current policy.
func (s *PolicySource) Store(p bargein.Policy) {
	s.v.Store(p)
}

// Session is one live relay between a client connection and an upstream
// connection. Create with [NewSession] and drive with [Session.Run]; a
// Session is single-use.
type Session struct {
	id       string
	client   ClientConn
	up       upstream.Conn
	st       *SessionState
	registry *tools.Registry
	policy   *PolicySource
	metrics  *observe.Metrics

	// now is stubbed in tests to control the debounce clock.
	now func() time.Time
}

// NewSession assembles a session over an established client and upstream
// connection. registry and metrics may be nil; policy must not be.
func NewSession(id string, client ClientConn, up upstream.Conn, registry *tools.Registry, policy *PolicySource, metrics *observe.Metrics) *Session {
	return &Session{
		id:       id,
		client:   client,
		up:       up,
		st:       NewSessionState(),
		registry: registry,
		policy:   policy,
		metrics:  metrics,
		now:      time.Now,
	}
}

// State exposes the session's lifecycle state, primarily for health and
// test introspection.
func (s *Session) State() *SessionState {
	return s.st
}

// Run pumps both directions until either side disconnects, either task
// fails, or ctx is cancelled. When one task finishes for any reason the
// sibling is cancelled, and the upstream connection is closed exactly once
// before Run returns. The client connection is owned by the caller.
func (s *Session) Run(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "relay.session")
	defer span.End()

	log := observe.Logger(ctx).With("session_id", s.id)
	start := s.now()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
		defer func() {
			s.metrics.ActiveSessions.Add(ctx, -1)
			s.metrics.SessionDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return s.runIngress(gctx, log)
	})
	g.Go(func() error {
		defer cancel()
		return s.runEgress(gctx, log)
	})

	err := g.Wait()

	// Close once regardless of which side went down first; Conn.Close is
	// idempotent so a racing egress failure cannot double-close.
	if cerr := s.up.Close(); cerr != nil {
		log.Debug("upstream close", "error", cerr)
	}

	log.Info("session finished",
		"duration", time.Since(start),
		"phase", s.st.Phase().String(),
	)
	return err
}

// interrupt actions a stop: the state is already suppressed by the caller
// (atomically, under the state lock), so this only performs the follow-up
// sends. All of them are best-effort — a failure on either socket will
// surface through that socket's pump loop soon enough, and a stop must
// never be lost because a notification could not be delivered.
func (s *Session) interrupt(ctx context.Context, responseID string, marker bool) {
	_ = s.client.WriteJSON(ctx, eventFrame{Event: eventFlushAudio})
	if marker {
		_ = s.client.WriteJSON(ctx, transcriptFrame{Transcript: stoppedMarker, Who: "bot"})
	}
	_ = s.client.WriteJSON(ctx, eventFrame{Event: eventModelSpeechEnd})

	// Targeted cancel when the response id is known, then a broadcast cancel
	// for API versions that ignore the targeted form.
	if responseID != "" {
		_ = s.up.WriteJSON(ctx, newCancelResponse(responseID))
	}
	_ = s.up.WriteJSON(ctx, newCancelResponse(""))
	_ = s.up.WriteJSON(ctx, newClearAudio())
}

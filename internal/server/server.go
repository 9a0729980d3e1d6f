// Package server exposes the relay over HTTP: the /ws/livechat WebSocket
// endpoint for browser sessions plus the health and metrics surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dana-Harb/brewrelay/internal/config"
	"github.com/Dana-Harb/brewrelay/internal/health"
	"github.com/Dana-Harb/brewrelay/internal/observe"
	"github.com/Dana-Harb/brewrelay/internal/relay"
	"github.com/Dana-Harb/brewrelay/internal/tools"
	"github.com/Dana-Harb/brewrelay/pkg/upstream"
)

// shutdownTimeout bounds the graceful drain when Run's context is cancelled.
const shutdownTimeout = 10 * time.Second

// connectFailedMessage is the last frame a client sees when the upstream
// session could not be established.
const connectFailedMessage = "GPT connection failed"

// Server hosts the relay endpoints. Construct with [New], start with
// [Server.Run].
type Server struct {
	cfg       config.ServerConfig
	connector upstream.Connector
	registry  *tools.Registry
	policy    *relay.PolicySource
	metrics   *observe.Metrics
	health    *health.Handler

	// sessions tracks live WebSocket sessions. http.Server.Shutdown does not
	// wait for hijacked connections, so Run drains this after Shutdown.
	sessions sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics attaches the metrics instruments recorded per session.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth attaches the health handler serving /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// New assembles a Server. connector, registry, and policy must not be nil;
// metrics and health default to a bare setup when not injected.
func New(cfg config.ServerConfig, connector upstream.Connector, registry *tools.Registry, policy *relay.PolicySource, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		connector: connector,
		registry:  registry,
		policy:    policy,
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Handler builds the full route table. The health and metrics routes get the
// tracing middleware; the WebSocket route does not, because the middleware's
// response wrapper would break the connection hijack.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	var wrapped http.Handler = mux
	if s.metrics != nil {
		wrapped = observe.Middleware(s.metrics)(mux)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /ws/livechat", s.handleLiveChat)
	root.Handle("/", wrapped)
	return root
}

// Run serves until ctx is cancelled, then drains with a bounded graceful
// shutdown: first the plain HTTP surface via [http.Server.Shutdown], then the
// live WebSocket sessions, which Shutdown does not cover because their
// connections are hijacked. It returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLS != nil)
		if s.cfg.TLS != nil {
			errCh <- srv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	// The sessions saw ctx cancel through BaseContext and are tearing down;
	// give them the rest of the shutdown budget to finish.
	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timeout with sessions still draining")
	}
	return nil
}

// handleLiveChat upgrades the request and runs one relay session for the
// lifetime of the connection.
func (s *Server) handleLiveChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	var acceptOpts *websocket.AcceptOptions
	if len(s.cfg.AllowedOrigins) > 0 {
		acceptOpts = &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins}
	}
	ws, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		log.Warn("websocket accept failed", "error", err)
		return
	}
	defer ws.CloseNow()

	s.sessions.Add(1)
	defer s.sessions.Done()

	connectStart := time.Now()
	up, err := s.connector.Connect(ctx)
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordUpstreamConnect(ctx, status)
		s.metrics.UpstreamConnectDuration.Record(ctx, time.Since(connectStart).Seconds())
	}
	if err != nil {
		log.Error("upstream connect failed", "error", err)
		// Best-effort: tell the client why before dropping it.
		_ = wsjson.Write(ctx, ws, map[string]string{"error": connectFailedMessage})
		_ = ws.Close(websocket.StatusInternalError, "upstream unavailable")
		return
	}

	id := uuid.NewString()
	log.Info("session starting", "session_id", id, "remote", r.RemoteAddr)

	sess := relay.NewSession(id, &wsClient{ws: ws}, up, s.registry, s.policy, s.metrics)
	if err := sess.Run(ctx); err != nil && !isExpectedClose(err) {
		log.Warn("session ended with error", "session_id", id, "error", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "session finished")
}

// isExpectedClose filters the errors every ordinary hang-up produces.
func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.StatusNormalClosure ||
			closeErr.Code == websocket.StatusGoingAway
	}
	return false
}

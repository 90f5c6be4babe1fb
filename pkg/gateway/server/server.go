package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/care-live/pkg/gateway/config"
	"github.com/vango-go/care-live/pkg/gateway/handlers"
	"github.com/vango-go/care-live/pkg/gateway/lifecycle"
	"github.com/vango-go/care-live/pkg/gateway/live/registry"
	"github.com/vango-go/care-live/pkg/gateway/live/resumption"
	"github.com/vango-go/care-live/pkg/gateway/metrics"
	"github.com/vango-go/care-live/pkg/gateway/mw"
	"github.com/vango-go/care-live/pkg/gateway/ratelimit"
	"github.com/vango-go/care-live/pkg/gateway/upstream"
	"github.com/vango-go/care-live/pkg/gateway/voice"
)

// Dependencies are the long-lived collaborators built by the command. Only
// Dialer is required; the rest degrade to disabled features.
type Dependencies struct {
	Dialer        upstream.Dialer
	Registry      *registry.Registry
	Resumption    resumption.Store
	Conversations handlers.ConversationStore
	Voice         *voice.Service
	Metrics       *metrics.Metrics
}

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	mux       *http.ServeMux
	deps      Dependencies
	lifecycle *lifecycle.Lifecycle
	limiter   *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Resumption == nil {
		deps.Resumption = resumption.NewMemoryStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(cfg.MetricsNamespace)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		deps:      deps,
		lifecycle: &lifecycle.Lifecycle{},
		limiter: ratelimit.New(ratelimit.Config{
			MaxSessionsPerClient: cfg.LiveMaxSessionsPerClient,
			RPS:                  cfg.NotifyRPS,
			Burst:                cfg.NotifyBurst,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle, Registry: s.deps.Registry})
	s.mux.Handle("/metrics", s.deps.Metrics.Handler())

	live := handlers.LiveHandler{
		Config:        s.cfg,
		Dialer:        s.deps.Dialer,
		Registry:      s.deps.Registry,
		Resumption:    s.deps.Resumption,
		Conversations: s.deps.Conversations,
		Metrics:       s.deps.Metrics,
		Logger:        s.logger,
		Lifecycle:     s.lifecycle,
		Limiter:       s.limiter,
	}
	notify := handlers.NotifyHandler{
		Registry: s.deps.Registry,
		Metrics:  s.deps.Metrics,
		Logger:   s.logger,
		Limiter:  s.limiter,
		Timeout:  s.cfg.NotificationTimeout,
	}
	if s.deps.Voice != nil {
		live.Voice = s.deps.Voice
		notify.Voice = s.deps.Voice
	}
	s.mux.Handle("/v1/live", live)
	s.mux.Handle("/v1/notifications/voice", notify)

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		mw.WriteError(w, r, http.StatusNotFound, &mw.Error{Type: mw.ErrNotFound, Message: "route not found"})
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) SetDraining(draining bool) {
	if s == nil || s.lifecycle == nil {
		return
	}
	s.lifecycle.SetDraining(draining)
}

// LiveSessions reports the number of registered live sessions.
func (s *Server) LiveSessions() int {
	if s == nil {
		return 0
	}
	return s.deps.Registry.Count()
}

// WaitLiveSessions blocks until every live session has ended or ctx is done.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	if s == nil {
		return true
	}
	return s.deps.Registry.Wait(ctx)
}

// CloseLiveSessions asks every live session to close with 1001 and waits up
// to timeout for them to finish.
func (s *Server) CloseLiveSessions(timeout time.Duration) int {
	if s == nil {
		return 0
	}
	n := s.deps.Registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	if n > 0 && timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.deps.Registry.Wait(ctx)
	}
	return n
}

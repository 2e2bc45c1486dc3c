// Package api provides the HTTP surface of the relay: stream admission,
// health and stats, and the producer publish endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/polyglot-sync/relay/internal/auth"
	"github.com/polyglot-sync/relay/internal/backbone"
	"github.com/polyglot-sync/relay/internal/config"
	"github.com/polyglot-sync/relay/internal/metrics"
	"github.com/polyglot-sync/relay/internal/stream"
	"github.com/polyglot-sync/relay/internal/upstream"
	"github.com/polyglot-sync/relay/pkg/protocol"
)

// IdentityChecker verifies a sync client's bearer token.
type IdentityChecker interface {
	Me(ctx context.Context, token string) (upstream.Identity, error)
}

// Server is the HTTP API server.
type Server struct {
	manager   *stream.Manager
	identity  IdentityChecker
	publisher *backbone.Publisher
	validator auth.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	mux       *chi.Mux
	upgrader  websocket.Upgrader
	rl        *admissionLimiter

	startTime      time.Time
	maxBodyBytes   int64
	retryMillis    int
	heartbeat      time.Duration
	allowedOrigins []string
}

// NewServer creates the API server. publisher and validator may be nil, in
// which case the publish endpoint is not registered.
func NewServer(mgr *stream.Manager, ic IdentityChecker, pub *backbone.Publisher, v auth.Validator, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		manager:        mgr,
		identity:       ic,
		publisher:      pub,
		validator:      v,
		metrics:        m,
		logger:         logger.With("component", "api"),
		startTime:      time.Now(),
		maxBodyBytes:   cfg.Server.MaxBodyBytes,
		retryMillis:    cfg.Server.RetryMillis,
		heartbeat:      cfg.Server.HeartbeatInterval.Duration,
		allowedOrigins: cfg.Server.AllowedOrigins,
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(srv.allowedOrigins, r.Header.Get("Origin"))
		},
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/health", srv.handleHealth)
	mux.Get("/stats", srv.handleStats)
	mux.Handle("/metrics", m.Handler())

	srv.rl = newAdmissionLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(admissionLimitMiddleware(srv.rl))

		r.Get("/auth/device/{deviceCode}/stream", srv.handleDeviceStream)
		r.Get("/sync/stream", srv.handleSyncStream)
		r.Get("/merge-preview/{token}/stream", srv.handleMergeStream)

		r.Get("/auth/device/{deviceCode}/ws", srv.handleDeviceWS)
		r.Get("/sync/ws", srv.handleSyncWS)
		r.Get("/merge-preview/{token}/ws", srv.handleMergeWS)
	})

	if pub != nil && v != nil {
		mux.With(srv.publisherAuthMiddleware).Post("/internal/publish", srv.handlePublish)
	}

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts eviction of idle admission limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartEviction(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.metrics.Active.Value(),
	})
}

type statsResponse struct {
	Uptime      string `json:"uptime"`
	Connections int64  `json:"connections"`
	Goroutines  int    `json:"goroutines"`
	OpenFDs     int32  `json:"open_fds,omitempty"`
	RSSBytes    uint64 `json:"rss_bytes,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Uptime:      time.Since(s.startTime).Truncate(time.Second).String(),
		Connections: s.metrics.Active.Value(),
		Goroutines:  runtime.NumGoroutine(),
	}

	// Process figures are best effort; some platforms cannot report them.
	if p, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid())); err == nil {
		if n, err := p.NumFDsWithContext(r.Context()); err == nil {
			resp.OpenFDs = n
		}
		if mem, err := p.MemoryInfoWithContext(r.Context()); err == nil && mem != nil {
			resp.RSSBytes = mem.RSS
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Publish handler ---

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req protocol.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
		return
	}

	if err := s.publisher.Publish(r.Context(), req); err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		s.logger.Error("publish failed", "topic", req.Topic, "error", err)
		writeError(w, http.StatusServiceUnavailable, codePublishFailed, "backbone unavailable")
		return
	}

	s.metrics.Published()
	subject := ""
	if pub := publisherFromContext(r.Context()); pub != nil {
		subject = pub.Subject
	}
	s.logger.Debug("published", "topic", req.Topic, "event", req.Event, "final", req.ResultKey != "", "publisher", subject)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

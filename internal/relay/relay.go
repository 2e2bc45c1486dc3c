// Package relay is the orchestrator that ties the relay components together.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/polyglot-sync/relay/internal/api"
	"github.com/polyglot-sync/relay/internal/auth"
	"github.com/polyglot-sync/relay/internal/backbone"
	"github.com/polyglot-sync/relay/internal/config"
	"github.com/polyglot-sync/relay/internal/metrics"
	"github.com/polyglot-sync/relay/internal/stream"
	"github.com/polyglot-sync/relay/internal/upstream"
)

// Relay is the relay process.
type Relay struct {
	cfg      *config.Config
	backbone *backbone.Backbone
	metrics  *metrics.Metrics
	sessions *stream.Manager
	api      *api.Server
	logger   *slog.Logger

	addr  net.Addr
	ready chan struct{}
}

// New creates a relay from configuration. It connects to the backbone, so a
// broker that cannot be reached fails here rather than on the first stream.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*Relay, error) {
	bb, err := backbone.Open(ctx, cfg.Backbone, cfg.Results)
	if err != nil {
		return nil, fmt.Errorf("init backbone: %w", err)
	}

	var (
		pub       *backbone.Publisher
		validator auth.Validator
	)
	if cfg.Publisher.Enabled {
		validator, err = auth.NewValidator(cfg.Publisher)
		if err != nil {
			_ = bb.Close()
			return nil, fmt.Errorf("init publisher auth: %w", err)
		}
		pub = backbone.NewPublisher(bb.Broker, bb.Results, cfg.Results.TTL.Duration)
	}

	m := metrics.New()
	client := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.Timeout.Duration, version)
	mgr := stream.NewManager(stream.Options{
		Broker:  bb.Broker,
		Results: bb.Results,
		Fetcher: client,
		Metrics: m,
		Lifetimes: stream.Lifetimes{
			Device: cfg.Sessions.DeviceLifetime.Duration,
			Sync:   cfg.Sessions.SyncLifetime.Duration,
			Merge:  cfg.Sessions.MergeLifetime.Duration,
		},
		Heartbeat: cfg.Server.HeartbeatInterval.Duration,
	}, logger)

	r := &Relay{
		cfg:      cfg,
		backbone: bb,
		metrics:  m,
		sessions: mgr,
		api:      api.NewServer(mgr, client, pub, validator, m, cfg, logger),
		logger:   logger.With("component", "relay"),
		ready:    make(chan struct{}),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*'; restrict to specific origins in production")
			break
		}
	}
	return r, nil
}

// Addr blocks until the listener is bound and returns its address.
func (r *Relay) Addr() net.Addr {
	<-r.ready
	return r.addr
}

// Run serves until ctx is canceled. On shutdown every live stream observes a
// canceled request context and runs its cleanup before the backbone closes.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Server.Addr)
	if err != nil {
		_ = r.backbone.Close()
		return fmt.Errorf("listen: %w", err)
	}
	r.addr = ln.Addr()
	close(r.ready)

	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	srv := &http.Server{
		Handler:           r.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	r.api.StartBackgroundTasks(ctx)
	if purger, ok := r.backbone.Results.(backbone.Purger); ok && r.cfg.Results.SweepInterval.Duration > 0 {
		go r.runResultSweeper(ctx, purger, r.cfg.Results.SweepInterval.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("relay listening", "addr", r.addr.String(),
			"backbone", r.cfg.Backbone.Driver, "results", r.cfg.Results.Driver)
		if r.cfg.Server.TLSCert != "" && r.cfg.Server.TLSKey != "" {
			errCh <- srv.ServeTLS(ln, r.cfg.Server.TLSCert, r.cfg.Server.TLSKey)
		} else {
			r.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutting down relay gracefully", "connections", r.metrics.Active.Value())
		cancelStreams()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			r.logger.Info("http server stopped gracefully")
		}
		r.drainSessions(shutdownCtx)

		r.logger.Info("closing backbone")
		if err := r.backbone.Close(); err != nil {
			r.logger.Warn("close backbone failed", "error", err)
		}
		r.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		cancelStreams()
		drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		r.drainSessions(drainCtx)
		_ = r.backbone.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// drainSessions waits for every session, including hijacked WebSocket ones
// that http.Server.Shutdown does not track, to release its subscription.
func (r *Relay) drainSessions(ctx context.Context) {
	if err := r.sessions.Wait(ctx); err != nil {
		r.logger.Warn("sessions still open at backbone close", "connections", r.metrics.Active.Value(), "error", err)
	}
}

func (r *Relay) runResultSweeper(ctx context.Context, p backbone.Purger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepResults(ctx, p)
		}
	}
}

func (r *Relay) sweepResults(ctx context.Context, p backbone.Purger) {
	n, err := p.PurgeExpired(ctx, time.Now())
	if err != nil {
		r.logger.Warn("result sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("result sweep: deleted expired results", "count", n)
	}
}

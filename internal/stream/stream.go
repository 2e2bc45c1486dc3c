// Package stream runs relay sessions: one client-visible stream backed by a
// dedicated backbone subscription, a heartbeat, and a hard lifetime.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyglot-sync/relay/internal/backbone"
	"github.com/polyglot-sync/relay/internal/clock"
	"github.com/polyglot-sync/relay/internal/metrics"
	"github.com/polyglot-sync/relay/internal/upstream"
)

// Kind is the notification flow a session serves.
type Kind string

const (
	KindDevice Kind = "device"
	KindSync   Kind = "sync"
	KindMerge  Kind = "merge"
)

// State is a session lifecycle state.
type State int32

const (
	StateAdmitted State = iota
	StateSubscribed
	StateDelivering
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateSubscribed:
		return "subscribed"
	case StateDelivering:
		return "delivering"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons recorded in metrics and logs.
const (
	ReasonTerminal   = "terminal"
	ReasonCached     = "cached"
	ReasonDeadline   = "deadline"
	ReasonDisconnect = "disconnect"
	ReasonUpstream   = "upstream_error"
	ReasonBackbone   = "backbone_error"
)

// Encoder writes events to a client transport. Once a write has failed or
// Close has been called, further writes are dropped and return nil.
type Encoder interface {
	// Open commits the stream headers. Nothing may be written before it.
	Open() error
	WriteEvent(id uint64, name string, data json.RawMessage) error
	WriteHeartbeat() error
	Close()
}

// StateFetcher fetches sync state snapshots.
type StateFetcher interface {
	State(ctx context.Context, token, uuid, hash string) (upstream.State, error)
}

// Lifetimes holds the hard deadline per kind.
type Lifetimes struct {
	Device time.Duration
	Sync   time.Duration
	Merge  time.Duration
}

func (l Lifetimes) For(k Kind) time.Duration {
	switch k {
	case KindDevice:
		return l.Device
	case KindSync:
		return l.Sync
	default:
		return l.Merge
	}
}

// Options configures a Manager.
type Options struct {
	Broker    backbone.Broker
	Results   backbone.ResultStore
	Fetcher   StateFetcher
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Lifetimes Lifetimes
	Heartbeat time.Duration
}

// Manager creates sessions that share the backbone, upstream client and
// metrics.
type Manager struct {
	opts   Options
	logger *slog.Logger
	live   sync.WaitGroup
}

// NewManager creates a manager. A nil Clock means the real clock.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Manager{opts: opts, logger: logger.With("component", "stream")}
}

// Request describes one admitted stream.
type Request struct {
	Kind    Kind
	Subject string // device code, resource uuid or merge token

	// Sync only.
	Token string
	Hash  string
}

// NewSession admits a session and counts it as an active connection. The
// caller must call Run, which releases it.
func (m *Manager) NewSession(req Request, enc Encoder) *Session {
	now := m.opts.Clock.Now()
	s := &Session{
		id:         uuid.NewString(),
		req:        req,
		enc:        enc,
		opts:       &m.opts,
		createdAt:  now,
		deadlineAt: now.Add(m.opts.Lifetimes.For(req.Kind)),
	}
	s.logger = m.logger.With("session_id", s.id, "kind", string(req.Kind), "subject", req.Subject)
	s.state.Store(int32(StateAdmitted))

	m.live.Add(1)
	s.released = m.live.Done
	m.opts.Metrics.Active.Inc()
	m.opts.Metrics.SessionOpened(string(req.Kind))
	return s
}

// Wait blocks until every admitted session has finished its cleanup, or ctx
// is done. Shutdown calls it before closing the backbone, since hijacked
// WebSocket handlers are not tracked by http.Server.Shutdown.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

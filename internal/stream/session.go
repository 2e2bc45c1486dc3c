package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polyglot-sync/relay/internal/backbone"
	"github.com/polyglot-sync/relay/internal/clock"
	"github.com/polyglot-sync/relay/internal/upstream"
	"github.com/polyglot-sync/relay/pkg/protocol"
)

// cleanupTimeout bounds unsubscribing once the request context is gone.
const cleanupTimeout = 5 * time.Second

// Session is one client stream. All of its state is owned by the goroutine
// running Run.
type Session struct {
	id     string
	req    Request
	enc    Encoder
	opts   *Options
	logger *slog.Logger

	createdAt  time.Time
	deadlineAt time.Time

	state   atomic.Int32
	counter uint64
	topics  []string
	sub     backbone.Subscription

	// Sync only: the secondary resource id currently subscribed.
	resourceID string

	heartbeat *clock.Ticker
	deadline  *clock.Timer
	reason    string
	closeOnce sync.Once
	released  func()
}

// ID returns the session's log identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// EventCount returns the id of the last event written.
func (s *Session) EventCount() uint64 { return s.counter }

// Topics returns the topics the session is subscribed to.
func (s *Session) Topics() []string { return append([]string(nil), s.topics...) }

// DeadlineAt returns the hard deadline.
func (s *Session) DeadlineAt() time.Time { return s.deadlineAt }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run drives the session until a terminal event, the deadline, a fatal error
// or ctx cancellation (client disconnect), then cleans up exactly once.
func (s *Session) Run(ctx context.Context) {
	s.reason = ReasonDisconnect
	defer s.cleanup()

	if err := s.enc.Open(); err != nil {
		s.logger.Debug("stream open failed", "error", err)
		return
	}
	s.heartbeat = s.opts.Clock.NewTicker(s.opts.Heartbeat)
	s.deadline = s.opts.Clock.NewTimer(s.deadlineAt.Sub(s.opts.Clock.Now()))
	s.logger.Info("session opened", "deadline", s.deadlineAt)

	switch s.req.Kind {
	case KindSync:
		s.runSync(ctx)
	default:
		s.runTerminal(ctx)
	}
}

// runTerminal serves device and merge sessions. The cache is consulted before
// subscribing, so a late subscriber never opens a subscription, and again
// after the subscription is confirmed, which covers a result published in
// between. Producers cache a result before publishing it, so once the second
// check misses, the live message is guaranteed to arrive.
func (s *Session) runTerminal(ctx context.Context) {
	key := s.resultKey()
	if res, ok := s.cachedResult(ctx, key); ok {
		s.deliverCached(res)
		return
	}

	if !s.subscribe(ctx, s.primaryTopic()) {
		return
	}

	if res, ok := s.cachedResult(ctx, key); ok {
		s.deliverCached(res)
		return
	}
	s.loop(ctx, s.handleTerminal)
}

// runSync serves sync sessions. The primary topic is subscribed before the
// state fetch so no update between snapshot and subscription is lost.
func (s *Session) runSync(ctx context.Context) {
	if !s.subscribe(ctx, backbone.ResourceTopic(s.req.Subject)) {
		return
	}

	st, err := s.opts.Fetcher.State(ctx, s.req.Token, s.req.Subject, s.req.Hash)
	if err != nil {
		s.upstreamFailed(ctx, err)
		return
	}
	if st.ResourceID != "" {
		if err := s.sub.Subscribe(ctx, backbone.ResourceIDTopic(st.ResourceID)); err != nil {
			s.subscribeFailed(ctx, err)
			return
		}
		s.resourceID = st.ResourceID
		s.topics = append(s.topics, backbone.ResourceIDTopic(st.ResourceID))
	}

	if err := s.emit(protocol.EventState, st.Raw); err != nil {
		return
	}
	s.setState(StateDelivering)
	s.loop(ctx, s.handleSync)
}

// handler processes one decoded message and reports whether the session is
// finished.
type handler func(ctx context.Context, msg protocol.Message) (done bool)

func (s *Session) loop(ctx context.Context, handle handler) {
	messages := s.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.reason = ReasonDisconnect
			return

		case payload, ok := <-messages:
			if !ok {
				s.logger.Warn("backbone subscription closed")
				s.reason = ReasonBackbone
				_ = s.emitError(protocol.CodeBackboneSubscribeFailure, "backbone subscription lost")
				return
			}
			msg, err := protocol.DecodeMessage(payload)
			if err != nil {
				s.logger.Warn("dropping malformed backbone message", "error", err, "bytes", len(payload))
				s.opts.Metrics.MalformedMessage(string(s.req.Kind))
				continue
			}
			if s.State() == StateSubscribed {
				s.setState(StateDelivering)
			}
			s.logger.Debug("backbone message", "event", msg.Event)
			if handle(ctx, msg) {
				return
			}

		case <-s.heartbeat.C:
			if err := s.enc.WriteHeartbeat(); err != nil {
				s.logger.Debug("heartbeat failed", "error", err)
				s.reason = ReasonDisconnect
				return
			}

		case <-s.deadline.C:
			s.reason = ReasonDeadline
			_ = s.emit(protocol.EventExpired, protocol.TimeoutData)
			return
		}
	}
}

func (s *Session) handleTerminal(ctx context.Context, msg protocol.Message) bool {
	if err := s.emit(msg.Event, msg.Data); err != nil {
		return true
	}
	if s.isTerminal(msg.Event) {
		s.reason = ReasonTerminal
		return true
	}
	return false
}

func (s *Session) isTerminal(event string) bool {
	if s.req.Kind == KindMerge {
		return true
	}
	switch event {
	case protocol.EventAuthorized, protocol.EventExpired, protocol.EventDenied:
		return true
	}
	return false
}

func (s *Session) handleSync(ctx context.Context, msg protocol.Message) bool {
	if msg.Event != protocol.EventLineageChanged {
		return s.emit(msg.Event, msg.Data) != nil
	}

	st, err := s.opts.Fetcher.State(ctx, s.req.Token, s.req.Subject, "")
	if err != nil {
		s.upstreamFailed(ctx, err)
		return true
	}
	if st.ResourceID != s.resourceID {
		if err := s.moveResource(ctx, st.ResourceID); err != nil {
			s.subscribeFailed(ctx, err)
			return true
		}
	}
	return s.emit(protocol.EventState, st.Raw) != nil
}

// moveResource swaps the secondary subscription to id on the same subscriber.
func (s *Session) moveResource(ctx context.Context, id string) error {
	if id != "" {
		if err := s.sub.Subscribe(ctx, backbone.ResourceIDTopic(id)); err != nil {
			return err
		}
	}
	if s.resourceID != "" {
		old := backbone.ResourceIDTopic(s.resourceID)
		if err := s.sub.Unsubscribe(ctx, old); err != nil {
			s.logger.Warn("unsubscribe previous resource failed", "topic", old, "error", err)
		}
		s.topics = removeTopic(s.topics, old)
	}
	if id != "" {
		s.topics = append(s.topics, backbone.ResourceIDTopic(id))
	}
	s.logger.Info("resource lineage changed", "from", s.resourceID, "to", id)
	s.resourceID = id
	return nil
}

func removeTopic(topics []string, topic string) []string {
	out := topics[:0]
	for _, t := range topics {
		if t != topic {
			out = append(out, t)
		}
	}
	return out
}

// subscribe allocates the session's subscriber and confirms topic on it.
func (s *Session) subscribe(ctx context.Context, topic string) bool {
	sub, err := s.opts.Broker.NewSubscription(ctx)
	if err != nil {
		s.subscribeFailed(ctx, err)
		return false
	}
	s.sub = sub
	if err := sub.Subscribe(ctx, topic); err != nil {
		s.subscribeFailed(ctx, err)
		return false
	}
	s.topics = append(s.topics, topic)
	s.setState(StateSubscribed)
	return true
}

func (s *Session) subscribeFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		s.reason = ReasonDisconnect
		return
	}
	s.logger.Warn("backbone subscribe failed", "error", err)
	s.reason = ReasonBackbone
	_ = s.emitError(protocol.CodeBackboneSubscribeFailure, "could not subscribe to updates")
}

func (s *Session) upstreamFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		s.reason = ReasonDisconnect
		return
	}
	code, msg := protocol.CodeUpstreamUnavailable, "state service unavailable"
	if errors.Is(err, upstream.ErrUnauthorized) {
		code, msg = protocol.CodeAuthInvalid, "token rejected by state service"
	}
	s.logger.Warn("state fetch failed", "error", err)
	s.reason = ReasonUpstream
	_ = s.emitError(code, msg)
}

// cachedResult looks up a terminal result. Store errors are logged and
// treated as a miss; the live subscription still delivers the outcome.
func (s *Session) cachedResult(ctx context.Context, key string) (protocol.Result, bool) {
	res, err := s.opts.Results.GetResult(ctx, key)
	if err == nil {
		if !protocol.ValidEventName(res.Event) {
			s.logger.Warn("dropping malformed cached result", "key", key, "event", res.Event)
			s.opts.Metrics.MalformedMessage(string(s.req.Kind))
			return protocol.Result{}, false
		}
		return res, true
	}
	if !errors.Is(err, backbone.ErrNotFound) && ctx.Err() == nil {
		s.logger.Warn("result cache lookup failed", "key", key, "error", err)
	}
	return protocol.Result{}, false
}

func (s *Session) deliverCached(res protocol.Result) {
	s.logger.Debug("delivering cached result", "event", res.Event)
	if err := s.emit(res.Event, res.Data); err == nil {
		s.reason = ReasonCached
	}
}

func (s *Session) emit(name string, data json.RawMessage) error {
	s.counter++
	if err := s.enc.WriteEvent(s.counter, name, data); err != nil {
		s.logger.Debug("write failed", "event", name, "error", err)
		s.reason = ReasonDisconnect
		return err
	}
	s.opts.Metrics.EventDelivered(string(s.req.Kind), name)
	return nil
}

func (s *Session) emitError(code, message string) error {
	return s.emit(protocol.EventError, protocol.NewErrorData(code, message))
}

func (s *Session) primaryTopic() string {
	if s.req.Kind == KindMerge {
		return backbone.MergeTopic(s.req.Subject)
	}
	return backbone.DeviceTopic(s.req.Subject)
}

func (s *Session) resultKey() string {
	if s.req.Kind == KindMerge {
		return backbone.MergeResultKey(s.req.Subject)
	}
	return backbone.DeviceResultKey(s.req.Subject)
}

// cleanup releases everything the session holds. It runs at most once.
func (s *Session) cleanup() {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		if s.heartbeat != nil {
			s.heartbeat.Stop()
		}
		if s.deadline != nil {
			s.deadline.Stop()
		}
		if s.sub != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if err := s.sub.Unsubscribe(ctx, s.topics...); err != nil {
				s.logger.Debug("unsubscribe failed", "error", err)
			}
			cancel()
			if err := s.sub.Close(); err != nil {
				s.logger.Debug("close subscription failed", "error", err)
			}
		}
		s.enc.Close()
		s.opts.Metrics.Active.Dec()
		s.opts.Metrics.SessionClosed(string(s.req.Kind), s.reason)
		s.setState(StateClosed)
		s.logger.Info("session closed",
			"reason", s.reason,
			"events", s.counter,
			"duration", s.opts.Clock.Now().Sub(s.createdAt))
		if s.released != nil {
			s.released()
		}
	})
}

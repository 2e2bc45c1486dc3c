package backbone

import (
	"context"
	"sync"
	"time"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

// memoryBuffer is the per-subscriber channel capacity. A subscriber whose
// buffer is full misses the message.
const memoryBuffer = 64

// MemoryBroker is an in-process fan-out broker for single-node deployments
// and tests.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]map[string]bool
	counts map[string]int // subscribe calls per topic, for observability
	closed bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:   make(map[*memorySubscription]map[string]bool),
		counts: make(map[string]int),
	}
}

func (b *MemoryBroker) NewSubscription(ctx context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySubscription{broker: b, ch: make(chan []byte, memoryBuffer)}
	b.subs[s] = make(map[string]bool)
	return s, nil
}

// Publish delivers payload to every subscriber of topic without blocking.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s, topics := range b.subs {
		if !topics[topic] {
			continue
		}
		msg := make([]byte, len(payload))
		copy(msg, payload)
		select {
		case s.ch <- msg:
		default:
			// slow subscriber, drop
		}
	}
	return nil
}

// Subscribers returns how many live subscriptions currently include topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, topics := range b.subs {
		if topics[topic] {
			n++
		}
	}
	return n
}

// SubscribeCount returns how many times topic has ever been subscribed to.
func (b *MemoryBroker) SubscribeCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts[topic]
}

// Close closes every subscription channel.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
	return nil
}

type memorySubscription struct {
	broker *MemoryBroker
	ch     chan []byte
}

func (s *memorySubscription) Subscribe(ctx context.Context, topics ...string) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[s]
	if !ok {
		return ErrClosed
	}
	for _, t := range topics {
		set[t] = true
		b.counts[t]++
	}
	return nil
}

func (s *memorySubscription) Unsubscribe(ctx context.Context, topics ...string) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[s]
	if !ok {
		return nil
	}
	for _, t := range topics {
		delete(set, t)
	}
	return nil
}

func (s *memorySubscription) Channel() <-chan []byte { return s.ch }

func (s *memorySubscription) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
	return nil
}

// MemoryResults is an in-process ResultStore. Expired entries are treated as
// absent and removed lazily on read.
type MemoryResults struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	result    protocol.Result
	expiresAt time.Time // zero = never
}

// NewMemoryResults creates an empty result store.
func NewMemoryResults() *MemoryResults {
	return &MemoryResults{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryResults) GetResult(ctx context.Context, key string) (protocol.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return protocol.Result{}, ErrNotFound
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return protocol.Result{}, ErrNotFound
	}
	return e.result, nil
}

func (m *MemoryResults) PutResult(ctx context.Context, key string, r protocol.Result, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{result: r}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryResults) Close() error { return nil }

package backbone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

// RedisOptions configures the redis client shared by RedisBroker and
// RedisResults.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// NewRedisClient creates a client and verifies connectivity.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// RedisBroker implements Broker with redis PUBLISH/SUBSCRIBE. Each
// subscription holds its own pub/sub connection.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) NewSubscription(ctx context.Context) (Subscription, error) {
	ps := b.client.Subscribe(ctx)
	s := &redisSubscription{
		ps:      ps,
		out:     make(chan []byte, memoryBuffer),
		pending: make(map[string][]chan struct{}),
		done:    make(chan struct{}),
	}
	go s.pump(ps.ChannelWithSubscriptions())
	return s, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Close() error { return nil }

type redisSubscription struct {
	ps  *redis.PubSub
	out chan []byte

	mu      sync.Mutex
	pending map[string][]chan struct{} // topic -> waiters for the subscribe ack
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// pump forwards messages and resolves subscribe confirmations. It owns out
// and closes it when the pub/sub channel ends.
func (s *redisSubscription) pump(in <-chan interface{}) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case v, ok := <-in:
			if !ok {
				return
			}
			switch m := v.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" {
					s.confirm(m.Channel)
				}
			case *redis.Message:
				select {
				case s.out <- []byte(m.Payload):
				case <-s.done:
					return
				}
			}
		}
	}
}

func (s *redisSubscription) confirm(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.pending[topic] {
		close(w)
	}
	delete(s.pending, topic)
}

func (s *redisSubscription) Subscribe(ctx context.Context, topics ...string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	waiters := make([]chan struct{}, len(topics))
	for i, t := range topics {
		w := make(chan struct{})
		s.pending[t] = append(s.pending[t], w)
		waiters[i] = w
	}
	s.mu.Unlock()

	if err := s.ps.Subscribe(ctx, topics...); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	for i, w := range waiters {
		select {
		case <-w:
		case <-s.done:
			return ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("redis subscribe %s: %w", topics[i], ctx.Err())
		}
	}
	return nil
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if err := s.ps.Unsubscribe(ctx, topics...); err != nil {
		return fmt.Errorf("redis unsubscribe: %w", err)
	}
	return nil
}

func (s *redisSubscription) Channel() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// RedisResults implements ResultStore with GET and SET EX. Expiry is handled
// by redis itself.
type RedisResults struct {
	client *redis.Client
}

func NewRedisResults(client *redis.Client) *RedisResults {
	return &RedisResults{client: client}
}

func (r *RedisResults) GetResult(ctx context.Context, key string) (protocol.Result, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return protocol.Result{}, ErrNotFound
	}
	if err != nil {
		return protocol.Result{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	res, err := protocol.DecodeMessage(raw)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("cached result %s: %w", key, err)
	}
	return res, nil
}

func (r *RedisResults) PutResult(ctx context.Context, key string, res protocol.Result, ttl time.Duration) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisResults) Close() error { return nil }

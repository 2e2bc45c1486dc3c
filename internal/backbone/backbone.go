// Package backbone connects the relay to the publish/subscribe bus that
// producers fan events through, and to the short-lived result cache that lets
// late subscribers observe outcomes published before they connected.
//
// Every session owns a dedicated Subscription; subscriptions are never shared
// so that one session's unsubscribe and teardown cannot affect another.
package backbone

import (
	"context"
	"errors"
	"time"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

// ErrNotFound is returned by ResultStore.GetResult when no unexpired result
// exists for the key.
var ErrNotFound = errors.New("result not found")

// ErrClosed is returned by operations on a closed subscription or broker.
var ErrClosed = errors.New("backbone closed")

// Broker is the publish/subscribe side of the backbone.
type Broker interface {
	// NewSubscription allocates a subscriber. It is not subscribed to anything
	// until Subscribe is called.
	NewSubscription(ctx context.Context) (Subscription, error)

	// Publish sends payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	Close() error
}

// Subscription is one subscriber's view of the bus.
type Subscription interface {
	// Subscribe adds topics and returns once the bus has confirmed them, so
	// any message published afterwards is guaranteed to arrive on Channel.
	Subscribe(ctx context.Context, topics ...string) error

	// Unsubscribe removes topics. Messages already buffered may still arrive.
	Unsubscribe(ctx context.Context, topics ...string) error

	// Channel delivers raw message payloads. It is closed when the
	// subscription is closed or the underlying connection fails.
	Channel() <-chan []byte

	// Close unsubscribes from everything and releases the subscriber.
	// It is safe to call more than once.
	Close() error
}

// ResultStore is the key-value side of the backbone holding cached terminal
// results.
type ResultStore interface {
	// GetResult returns the cached result for key, or ErrNotFound.
	GetResult(ctx context.Context, key string) (protocol.Result, error)

	// PutResult stores r under key. A ttl <= 0 means no expiry.
	PutResult(ctx context.Context, key string, r protocol.Result, ttl time.Duration) error

	Close() error
}

// Purger is implemented by result stores that do not expire entries on their
// own and need a periodic sweep.
type Purger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

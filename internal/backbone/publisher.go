package backbone

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

// Publisher is the producer side of the backbone.
type Publisher struct {
	broker  Broker
	results ResultStore
	ttl     time.Duration
}

// NewPublisher creates a publisher. ttl is the default expiry for cached
// results when a request does not set one.
func NewPublisher(broker Broker, results ResultStore, ttl time.Duration) *Publisher {
	return &Publisher{broker: broker, results: results, ttl: ttl}
}

// Publish sends req to its topic. When req names a result key the result is
// cached before the message is published, so a session that misses the live
// message is guaranteed to find the cached copy.
func (p *Publisher) Publish(ctx context.Context, req protocol.PublishRequest) error {
	if !strings.HasPrefix(req.Topic, "topic:") {
		return fmt.Errorf("%w: topic %q must start with \"topic:\"", protocol.ErrMalformed, req.Topic)
	}
	msg := protocol.Message{Event: req.Event, Data: req.Data}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	if req.ResultKey != "" {
		ttl := p.ttl
		if req.TTLSeconds > 0 {
			ttl = time.Duration(req.TTLSeconds) * time.Second
		}
		if err := p.results.PutResult(ctx, req.ResultKey, msg, ttl); err != nil {
			return fmt.Errorf("cache result: %w", err)
		}
	}
	if err := p.broker.Publish(ctx, req.Topic, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

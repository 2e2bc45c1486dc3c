package backbone

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

// orderBroker records whether the result was already cached when Publish ran.
type orderBroker struct {
	*MemoryBroker
	results         ResultStore
	key             string
	cachedAtPublish bool
}

func (b *orderBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if _, err := b.results.GetResult(ctx, b.key); err == nil {
		b.cachedAtPublish = true
	}
	return b.MemoryBroker.Publish(ctx, topic, payload)
}

func TestPublisherCachesBeforePublishing(t *testing.T) {
	ctx := context.Background()
	results := NewMemoryResults()
	broker := &orderBroker{MemoryBroker: NewMemoryBroker(), results: results, key: DeviceResultKey("ABCD1234")}
	p := NewPublisher(broker, results, time.Minute)

	err := p.Publish(ctx, protocol.PublishRequest{
		Topic:     DeviceTopic("ABCD1234"),
		Event:     "authorized",
		Data:      json.RawMessage(`{"token":"t1"}`),
		ResultKey: DeviceResultKey("ABCD1234"),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !broker.cachedAtPublish {
		t.Error("result was not cached before publish")
	}
	got, err := results.GetResult(ctx, DeviceResultKey("ABCD1234"))
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got.Event != "authorized" {
		t.Errorf("cached event: got %q", got.Event)
	}
}

func TestPublisherLiveOnly(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	results := NewMemoryResults()
	p := NewPublisher(broker, results, time.Minute)

	sub, _ := broker.NewSubscription(ctx)
	_ = sub.Subscribe(ctx, ResourceTopic("U1"))

	err := p.Publish(ctx, protocol.PublishRequest{
		Topic: ResourceTopic("U1"),
		Event: "translation_updated",
		Data:  json.RawMessage(`{"key":"greeting"}`),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msg, err := protocol.DecodeMessage(recv(t, sub.Channel()))
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if msg.Event != "translation_updated" || string(msg.Data) != `{"key":"greeting"}` {
		t.Errorf("message: got %+v", msg)
	}
}

func TestPublisherRejectsBadRequests(t *testing.T) {
	p := NewPublisher(NewMemoryBroker(), NewMemoryResults(), time.Minute)
	tests := []protocol.PublishRequest{
		{Topic: "device:ABCD", Event: "authorized"},
		{Topic: "topic:device:ABCD"},
	}
	for _, req := range tests {
		if err := p.Publish(context.Background(), req); !errors.Is(err, protocol.ErrMalformed) {
			t.Errorf("Publish(%+v): got %v, want ErrMalformed", req, err)
		}
	}
}

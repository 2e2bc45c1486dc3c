package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestGaugeConcurrent(t *testing.T) {
	var g Gauge
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Inc()
			g.Dec()
		}()
	}
	wg.Wait()
	if v := g.Value(); v != 0 {
		t.Errorf("gauge: got %d, want 0", v)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Active.Inc()
	m.Active.Inc()
	m.SessionOpened("device")
	m.EventDelivered("device", "authorized")
	m.MalformedMessage("merge")
	m.SessionClosed("device", "terminal")
	m.Published()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	out := string(body)

	for _, want := range []string{
		"relay_active_connections 2",
		`relay_sessions_total{kind="device"} 1`,
		`relay_events_delivered_total{event="authorized",kind="device"} 1`,
		`relay_malformed_messages_total{kind="merge"} 1`,
		`relay_sessions_closed_total{kind="device",reason="terminal"} 1`,
		"relay_published_total 1",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestUnknownEventNamesShareOneLabel(t *testing.T) {
	m := New()
	for i := 0; i < 50; i++ {
		m.EventDelivered("merge", fmt.Sprintf("merge_step_%d", i))
	}
	m.EventDelivered("merge", "authorized")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	out := w.Body.String()

	if !strings.Contains(out, `relay_events_delivered_total{event="other",kind="merge"} 50`) {
		t.Errorf("unknown events not bucketed:\n%s", out)
	}
	if !strings.Contains(out, `relay_events_delivered_total{event="authorized",kind="merge"} 1`) {
		t.Errorf("known event missing:\n%s", out)
	}
	if strings.Contains(out, "merge_step_") {
		t.Error("producer event name leaked into labels")
	}
}

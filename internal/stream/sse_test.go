package stream

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

func TestSSEFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewSSEEncoder(rec, 3000)

	if err := enc.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := enc.WriteEvent(1, "authorized", json.RawMessage("{\n  \"token\": \"t1\"\n}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.WriteHeartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := enc.WriteEvent(2, "denied", nil); err != nil {
		t.Fatalf("write: %v", err)
	}

	want := "retry: 3000\n\n" +
		"id: 1\nevent: authorized\ndata: {\"token\":\"t1\"}\n\n" +
		": heartbeat\n\n" +
		"id: 2\nevent: denied\ndata: null\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body:\n%q\nwant:\n%q", got, want)
	}

	headers := map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"Connection":        "keep-alive",
		"X-Accel-Buffering": "no",
	}
	for k, v := range headers {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("header %s: got %q, want %q", k, got, v)
		}
	}
	if !rec.Flushed {
		t.Error("response was never flushed")
	}
}

func TestSSENonJSONDataIsSplit(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewSSEEncoder(rec, 3000)
	_ = enc.Open()
	_ = enc.WriteEvent(7, "note", json.RawMessage("line one\nline two"))

	want := "retry: 3000\n\nid: 7\nevent: note\ndata: line one\ndata: line two\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body: got %q, want %q", got, want)
	}
}

func TestSSERejectsUnprintableEventName(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewSSEEncoder(rec, 3000)
	_ = enc.Open()
	for _, name := range []string{"", "a\nid: 9", "a\rb", "tab\there", "del\x7f"} {
		if err := enc.WriteEvent(1, name, json.RawMessage(`{}`)); !errors.Is(err, protocol.ErrMalformed) {
			t.Errorf("WriteEvent(%q): got %v, want ErrMalformed", name, err)
		}
	}
	if err := enc.WriteEvent(1, "merge_ready", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	want := "retry: 3000\n\nid: 1\nevent: merge_ready\ndata: {}\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body: got %q, want %q", got, want)
	}
}

func TestSSEWritesAfterCloseAreDropped(t *testing.T) {
	rec := httptest.NewRecorder()
	enc := NewSSEEncoder(rec, 3000)
	_ = enc.Open()
	enc.Close()

	if err := enc.WriteEvent(1, "authorized", json.RawMessage(`{}`)); err != nil {
		t.Errorf("write after close: %v", err)
	}
	if err := enc.WriteHeartbeat(); err != nil {
		t.Errorf("heartbeat after close: %v", err)
	}
	if got := rec.Body.String(); got != "retry: 3000\n\n" {
		t.Errorf("body: got %q", got)
	}
}

// brokenWriter fails every body write, like a client that has gone away.
type brokenWriter struct {
	header http.Header
	writes int
}

func (w *brokenWriter) Header() http.Header { return w.header }
func (w *brokenWriter) WriteHeader(int)     {}
func (w *brokenWriter) Flush()              {}

func (w *brokenWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func TestSSEWriteErrorClosesEncoder(t *testing.T) {
	w := &brokenWriter{header: http.Header{}}
	enc := NewSSEEncoder(w, 3000)

	if err := enc.Open(); err == nil {
		t.Fatal("expected open to fail")
	}
	if err := enc.WriteEvent(1, "x", nil); err != nil {
		t.Errorf("write after failure: %v", err)
	}
	if w.writes != 1 {
		t.Errorf("writes: got %d, want 1", w.writes)
	}
}

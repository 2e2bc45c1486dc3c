package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polyglot-sync/relay/internal/backbone"
	"github.com/polyglot-sync/relay/internal/config"
	"github.com/polyglot-sync/relay/pkg/protocol"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`{
		"server": {"addr": "127.0.0.1:0", "shutdown_timeout": "5s"},
		"upstream": {"base_url": "http://127.0.0.1:1"},
		"backbone": {"driver": "memory"},
		"results": {"driver": "sqlite", "dsn": "`+filepath.ToSlash(filepath.Join(t.TempDir(), "results.db"))+`"},
		"publisher": {"enabled": true, "jwt_secret": "test-secret-at-least-32-chars-long"}
	}`), ".json")
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShutdownClosesLiveStreams(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	base := "http://" + r.Addr().String()
	resp, err := http.Get(base + "/auth/device/D1/stream")
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)
	if line, _ := br.ReadString('\n'); !strings.HasPrefix(line, "retry:") {
		t.Fatalf("first line: %q", line)
	}

	mem := r.backbone.Broker.(*backbone.MemoryBroker)
	deadline := time.Now().Add(2 * time.Second)
	for mem.Subscribers(backbone.DeviceTopic("D1")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run: got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down")
	}

	_, _ = io.ReadAll(br)
	if v := r.metrics.Active.Value(); v != 0 {
		t.Errorf("active connections after shutdown: got %d", v)
	}
}

func TestShutdownWaitsForWebSocketSessions(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	conns := make([]*websocket.Conn, 0, 3)
	for _, code := range []string{"D1", "D2", "D3"} {
		conn, _, err := websocket.DefaultDialer.Dial("ws://"+r.Addr().String()+"/auth/device/"+code+"/ws", nil)
		if err != nil {
			cancel()
			t.Fatalf("dial %s: %v", code, err)
		}
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for r.metrics.Active.Value() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("active sessions: got %d, want 3", r.metrics.Active.Value())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down")
	}
	if v := r.metrics.Active.Value(); v != 0 {
		t.Errorf("sessions still open after Run returned: %d", v)
	}
}

func TestHealthOverNetwork(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	resp, err := http.Get("http://" + r.Addr().String() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"connections":0`) {
		t.Errorf("health: %d %s", resp.StatusCode, body)
	}
}

func TestSweepResults(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer r.backbone.Close()

	ctx := context.Background()
	store := r.backbone.Results
	_ = store.PutResult(ctx, "cache:device:old:result", protocol.Result{Event: "denied"}, time.Millisecond)
	_ = store.PutResult(ctx, "cache:device:new:result", protocol.Result{Event: "denied"}, time.Hour)
	time.Sleep(5 * time.Millisecond)

	purger, ok := store.(backbone.Purger)
	if !ok {
		t.Fatal("sqlite results do not support purging")
	}
	r.sweepResults(ctx, purger)

	if _, err := store.GetResult(ctx, "cache:device:old:result"); !errors.Is(err, backbone.ErrNotFound) {
		t.Errorf("expired result: got %v", err)
	}
	if _, err := store.GetResult(ctx, "cache:device:new:result"); err != nil {
		t.Errorf("live result: %v", err)
	}
}

func TestNewRejectsBadBackbone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backbone.Driver = "carrier-pigeon"
	if _, err := New(context.Background(), cfg, quietLogger(), "test"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

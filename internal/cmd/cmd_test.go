package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/polyglot-sync/relay/internal/auth"
	"github.com/polyglot-sync/relay/internal/backbone"
	"github.com/polyglot-sync/relay/pkg/protocol"
)

const testSecret = "test-secret-at-least-32-chars-long"

func writeConfig(t *testing.T) (path, resultsDB string) {
	t.Helper()
	dir := t.TempDir()
	resultsDB = filepath.Join(dir, "results.db")
	path = filepath.Join(dir, "relay.json")
	content := `{
		// local development
		"server": {"addr": "127.0.0.1:0"},
		"upstream": {"base_url": "http://127.0.0.1:1"},
		"backbone": {"driver": "memory"},
		"results": {"driver": "sqlite", "dsn": ` + jsonString(resultsDB) + `},
		"publisher": {"enabled": true, "jwt_secret": "` + testSecret + `"}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, resultsDB
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "relay 1.2.3" {
		t.Errorf("output: %q", out)
	}
}

func TestBuildPublishRequest(t *testing.T) {
	tests := []struct {
		name    string
		flags   publishFlags
		wantKey string
		wantTTL int
		wantErr bool
	}{
		{"plain", publishFlags{topic: "topic:resource:U1", event: "translation_updated", data: `{"k":1}`}, "", 0, false},
		{"final device", publishFlags{topic: "topic:device:D1", event: "authorized", data: `{}`, final: true}, "cache:device:D1:result", 0, false},
		{"final merge with ttl", publishFlags{topic: "topic:merge:M1", event: "merge_ready", data: `{}`, final: true, ttl: 90 * time.Second}, "cache:merge:M1:result", 90, false},
		{"explicit key wins", publishFlags{topic: "topic:device:D1", event: "denied", data: `null`, final: true, resultKey: "custom"}, "custom", 0, false},
		{"final without known key", publishFlags{topic: "topic:resource:U1", event: "state", data: `{}`, final: true}, "", 0, true},
		{"bad data", publishFlags{topic: "topic:device:D1", event: "authorized", data: `{`}, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := buildPublishRequest(tt.flags)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err: %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if req.ResultKey != tt.wantKey || req.TTLSeconds != tt.wantTTL {
				t.Errorf("request: %+v", req)
			}
		})
	}
}

func TestPostPublish(t *testing.T) {
	var got protocol.PublishRequest
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/publish" {
			http.NotFound(w, r)
			return
		}
		authHeader = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	req := protocol.PublishRequest{Topic: "topic:device:D1", Event: "denied", Data: json.RawMessage(`null`)}
	if err := postPublish(context.Background(), srv.Client(), srv.URL+"/", "tok", req); err != nil {
		t.Fatal(err)
	}
	if authHeader != "Bearer tok" || got.Topic != "topic:device:D1" || got.Event != "denied" {
		t.Errorf("received %+v with %q", got, authHeader)
	}
}

func TestPostPublishError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized","message":"invalid token","code":"AuthInvalid"}`))
	}))
	defer srv.Close()

	err := postPublish(context.Background(), srv.Client(), srv.URL, "bad", protocol.PublishRequest{Topic: "topic:x", Event: "e"})
	if err == nil || !strings.Contains(err.Error(), "invalid token") {
		t.Errorf("err: %v", err)
	}
}

func TestPublishFinalCachesResult(t *testing.T) {
	cfgPath, resultsDB := writeConfig(t)
	out, err := execute(t, "publish", "-c", cfgPath,
		"--topic", "topic:device:D1", "--event", "authorized", "--data", `{"token":"t1"}`, "--final")
	if err != nil {
		t.Fatalf("publish: %v (%s)", err, out)
	}
	if !strings.Contains(out, "published authorized to topic:device:D1") {
		t.Errorf("output: %q", out)
	}

	store, err := backbone.NewSQLiteResults(resultsDB)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	res, err := store.GetResult(context.Background(), backbone.DeviceResultKey("D1"))
	if err != nil {
		t.Fatalf("cached result: %v", err)
	}
	if res.Event != "authorized" || string(res.Data) != `{"token":"t1"}` {
		t.Errorf("cached result: %+v", res)
	}
}

func TestTokenCommand(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := execute(t, "token", "-c", cfgPath, "--subject", "billing")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	pub, err := auth.NewHMACValidator(testSecret, "").ValidateToken(context.Background(), strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if pub.Subject != "billing" {
		t.Errorf("subject: got %q", pub.Subject)
	}
}

func TestRunMissingConfig(t *testing.T) {
	if _, err := execute(t, "run", filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing config")
	}
}

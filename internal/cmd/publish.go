package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/polyglot-sync/relay/internal/auth"
	"github.com/polyglot-sync/relay/internal/backbone"
	"github.com/polyglot-sync/relay/internal/config"
	"github.com/polyglot-sync/relay/pkg/protocol"
)

type publishFlags struct {
	topic     string
	event     string
	data      string
	resultKey string
	final     bool
	ttl       time.Duration
	url       string
	token     string
}

func newPublishCmd() *cobra.Command {
	var f publishFlags
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one event to a backbone topic",
		Long: `Publish one event the way a producer would.

With --url the event is posted to a running relay's publish endpoint.
Otherwise it goes straight to the configured backbone.

--final caches the event as the topic's terminal result before publishing it.
It works for device and merge topics; --result-key names any other key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.topic, "topic", "", "backbone topic, e.g. topic:device:ABCD1234")
	cmd.Flags().StringVar(&f.event, "event", "", "event name")
	cmd.Flags().StringVar(&f.data, "data", "null", "event data as JSON")
	cmd.Flags().StringVar(&f.resultKey, "result-key", "", "cache the event under this key before publishing")
	cmd.Flags().BoolVar(&f.final, "final", false, "cache the event as the topic's terminal result")
	cmd.Flags().DurationVar(&f.ttl, "ttl", 0, "result expiry (default: results.ttl)")
	cmd.Flags().StringVar(&f.url, "url", "", "base URL of a running relay")
	cmd.Flags().StringVar(&f.token, "token", "", "publisher token (default: minted from publisher.jwt_secret)")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

// buildPublishRequest validates flags into the request both paths send.
func buildPublishRequest(f publishFlags) (protocol.PublishRequest, error) {
	if !json.Valid([]byte(f.data)) {
		return protocol.PublishRequest{}, fmt.Errorf("--data is not valid JSON")
	}
	req := protocol.PublishRequest{
		Topic:      f.topic,
		Event:      f.event,
		Data:       json.RawMessage(f.data),
		ResultKey:  f.resultKey,
		TTLSeconds: int(f.ttl / time.Second),
	}
	if f.final && req.ResultKey == "" {
		key, ok := resultKeyForTopic(f.topic)
		if !ok {
			return protocol.PublishRequest{}, fmt.Errorf("--final needs --result-key for topic %q", f.topic)
		}
		req.ResultKey = key
	}
	return req, nil
}

// resultKeyForTopic maps a device or merge topic to its result key.
func resultKeyForTopic(topic string) (string, bool) {
	if code, ok := strings.CutPrefix(topic, "topic:device:"); ok && code != "" {
		return backbone.DeviceResultKey(code), true
	}
	if token, ok := strings.CutPrefix(topic, "topic:merge:"); ok && token != "" {
		return backbone.MergeResultKey(token), true
	}
	return "", false
}

func runPublish(cmd *cobra.Command, f publishFlags) error {
	req, err := buildPublishRequest(f)
	if err != nil {
		return err
	}
	cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if f.url != "" {
		token := f.token
		if token == "" {
			if cfg.Publisher.JWTSecret == "" {
				return fmt.Errorf("--token is required when publisher.jwt_secret is not configured")
			}
			token, err = auth.Issue(cfg.Publisher.JWTSecret, cfg.Publisher.Issuer, "relay-cli", 5*time.Minute)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
		}
		if err := postPublish(ctx, http.DefaultClient, f.url, token, req); err != nil {
			return err
		}
	} else {
		bb, err := backbone.Open(ctx, cfg.Backbone, cfg.Results)
		if err != nil {
			return fmt.Errorf("open backbone: %w", err)
		}
		defer bb.Close()
		pub := backbone.NewPublisher(bb.Broker, bb.Results, cfg.Results.TTL.Duration)
		if err := pub.Publish(ctx, req); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", req.Event, req.Topic)
	return nil
}

// postPublish sends req to a relay's publish endpoint.
func postPublish(ctx context.Context, client *http.Client, baseURL, token string, req protocol.PublishRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/internal/publish", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		var p protocol.ErrorPayload
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &p) == nil && p.Message != "" {
			return fmt.Errorf("publish: HTTP %d: %s", resp.StatusCode, p.Message)
		}
		return fmt.Errorf("publish: HTTP %d", resp.StatusCode)
	}
	return nil
}

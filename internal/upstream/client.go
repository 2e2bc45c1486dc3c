// Package upstream is the client for the application that owns identities and
// translation resources. The relay calls it to authenticate sync streams and
// to fetch state snapshots.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrUnauthorized means the upstream rejected the bearer token (401/403).
	ErrUnauthorized = errors.New("upstream rejected credentials")

	// ErrUnavailable covers transport failures, timeouts and any other
	// non-200 response.
	ErrUnavailable = errors.New("upstream unavailable")
)

// maxBody bounds how much of a response the client will read.
const maxBody = 4 << 20

// Identity is the decoded /me response.
type Identity struct {
	ID  string
	Raw json.RawMessage
}

// State is a /sync/state snapshot. Raw is forwarded to the client untouched;
// ResourceID is the secondary resource id, empty when the snapshot has none.
type State struct {
	Raw        json.RawMessage
	ResourceID string
}

// Client calls the upstream state service.
type Client struct {
	baseURL   string
	http      *http.Client
	userAgent string
}

// New creates a client. timeout bounds every request.
func New(baseURL string, timeout time.Duration, version string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		userAgent: "relay/" + version,
	}
}

// Me resolves the identity behind token.
func (c *Client) Me(ctx context.Context, token string) (Identity, error) {
	body, err := c.get(ctx, "/me", nil, token)
	if err != nil {
		return Identity{}, err
	}
	var doc struct {
		ID any `json:"id"`
	}
	if err := decodeJSON(body, &doc); err != nil {
		return Identity{}, fmt.Errorf("%w: decode /me: %v", ErrUnavailable, err)
	}
	return Identity{ID: idString(doc.ID), Raw: body}, nil
}

// State fetches the sync state for uuid. hash is forwarded verbatim when set
// so the upstream can choose between a diff and a full snapshot.
func (c *Client) State(ctx context.Context, token, uuid, hash string) (State, error) {
	q := url.Values{"uuid": {uuid}}
	if hash != "" {
		q.Set("hash", hash)
	}
	body, err := c.get(ctx, "/sync/state", q, token)
	if err != nil {
		return State{}, err
	}
	var doc struct {
		Translation *struct {
			ID any `json:"id"`
		} `json:"translation"`
	}
	if err := decodeJSON(body, &doc); err != nil {
		return State{}, fmt.Errorf("%w: decode /sync/state: %v", ErrUnavailable, err)
	}
	st := State{Raw: body}
	if doc.Translation != nil {
		st.ResourceID = idString(doc.Translation.ID)
	}
	return st, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, token string) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUnavailable, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: GET %s: HTTP %d", ErrUnauthorized, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: GET %s: HTTP %d: %s", ErrUnavailable, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: GET %s: response is not JSON", ErrUnavailable, path)
	}
	return body, nil
}

// decodeJSON unmarshals body keeping numbers as json.Number, so ids past
// 2^53 survive with every digit.
func decodeJSON(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

// idString renders a JSON id (number or string) as topic-safe text.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/polyglot-sync/relay/internal/stream"
)

const maxSubjectLen = 128

// validSubject reports whether key is safe to embed in a topic name.
func validSubject(key string) bool {
	if key == "" || len(key) > maxSubjectLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// admit validates a stream request. For sync it also checks the client's
// token with the upstream identity service, so every rejection happens before
// stream framing begins.
func (s *Server) admit(r *http.Request, kind stream.Kind, queryToken bool) (stream.Request, *AdmissionError) {
	req := stream.Request{Kind: kind}
	switch kind {
	case stream.KindDevice:
		req.Subject = chi.URLParam(r, "deviceCode")
	case stream.KindMerge:
		req.Subject = chi.URLParam(r, "token")
	case stream.KindSync:
		req.Subject = r.URL.Query().Get("uuid")
		req.Hash = r.URL.Query().Get("hash")
	}
	if req.Subject == "" {
		return req, badRequest("missing %s", subjectName(kind))
	}
	if !validSubject(req.Subject) {
		return req, badRequest("invalid %s", subjectName(kind))
	}
	if kind != stream.KindSync {
		return req, nil
	}

	req.Token = bearerToken(r)
	if req.Token == "" && queryToken {
		req.Token = r.URL.Query().Get("token")
	}
	if req.Token == "" {
		return req, &AdmissionError{Status: http.StatusUnauthorized, Code: codeAuthRequired, Message: "bearer token required"}
	}
	if _, err := s.identity.Me(r.Context(), req.Token); err != nil {
		s.logger.Warn("sync admission rejected", "error", err)
		return req, upstreamAdmissionError(err)
	}
	return req, nil
}

func subjectName(kind stream.Kind) string {
	switch kind {
	case stream.KindDevice:
		return "device code"
	case stream.KindMerge:
		return "merge token"
	default:
		return "uuid"
	}
}

func (s *Server) handleDeviceStream(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, stream.KindDevice)
}

func (s *Server) handleSyncStream(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, stream.KindSync)
}

func (s *Server) handleMergeStream(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, stream.KindMerge)
}

func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, stream.KindDevice)
}

func (s *Server) handleSyncWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, stream.KindSync)
}

func (s *Server) handleMergeWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, stream.KindMerge)
}

// serveSSE runs a session on the response until it closes. A client
// disconnect cancels the request context.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, kind stream.Kind) {
	req, aerr := s.admit(r, kind, false)
	if aerr != nil {
		writeAdmissionError(w, aerr)
		return
	}
	// Streams outlive any server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sess := s.manager.NewSession(req, stream.NewSSEEncoder(w, s.retryMillis))
	sess.Run(r.Context())
}

// serveWS upgrades the connection and runs a session over it. The read pump
// cancels the session when the peer goes away.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, kind stream.Kind) {
	req, aerr := s.admit(r, kind, true)
	if aerr != nil {
		writeAdmissionError(w, aerr)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	enc := stream.NewWSEncoder(conn, s.heartbeat)
	go enc.ReadPump(cancel)

	sess := s.manager.NewSession(req, enc)
	sess.Run(ctx)
}

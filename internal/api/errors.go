package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/polyglot-sync/relay/internal/upstream"
	"github.com/polyglot-sync/relay/pkg/protocol"
)

const (
	codeBadRequest          = protocol.CodeBadRequest
	codeAuthRequired        = protocol.CodeAuthRequired
	codeAuthInvalid         = protocol.CodeAuthInvalid
	codeUpstreamUnavailable = protocol.CodeUpstreamUnavailable
	codePublishFailed       = "PublishFailed"
)

// AdmissionError rejects a stream request before any stream bytes are
// written.
type AdmissionError struct {
	Status  int
	Code    string
	Message string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badRequest(format string, args ...any) *AdmissionError {
	return &AdmissionError{Status: http.StatusBadRequest, Code: codeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// upstreamAdmissionError classifies an identity check failure.
func upstreamAdmissionError(err error) *AdmissionError {
	if errors.Is(err, upstream.ErrUnauthorized) {
		return &AdmissionError{Status: http.StatusUnauthorized, Code: codeAuthInvalid, Message: "token rejected"}
	}
	return &AdmissionError{Status: http.StatusBadGateway, Code: codeUpstreamUnavailable, Message: "identity service unavailable"}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes the pre-stream error body. The "error" field is the HTTP
// status text; code carries the relay's error taxonomy.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorPayload{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
	})
}

func writeAdmissionError(w http.ResponseWriter, err *AdmissionError) {
	writeError(w, err.Status, err.Code, err.Message)
}

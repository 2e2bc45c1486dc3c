package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/polyglot-sync/relay/pkg/protocol"
)

// SSEEncoder writes text/event-stream frames to an HTTP response.
type SSEEncoder struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	retry  int
	buf    bytes.Buffer
	closed bool
}

// NewSSEEncoder wraps w. retryMillis is sent once as the retry directive.
func NewSSEEncoder(w http.ResponseWriter, retryMillis int) *SSEEncoder {
	return &SSEEncoder{w: w, rc: http.NewResponseController(w), retry: retryMillis}
}

func (e *SSEEncoder) Open() error {
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)

	e.buf.Reset()
	e.buf.WriteString("retry: ")
	e.buf.WriteString(strconv.Itoa(e.retry))
	e.buf.WriteString("\n\n")
	return e.flush()
}

func (e *SSEEncoder) WriteEvent(id uint64, name string, data json.RawMessage) error {
	if e.closed {
		return nil
	}
	if !protocol.ValidEventName(name) {
		return fmt.Errorf("%w: event name %q", protocol.ErrMalformed, name)
	}
	e.buf.Reset()
	fmt.Fprintf(&e.buf, "id: %d\nevent: %s\n", id, name)
	writeData(&e.buf, data)
	e.buf.WriteString("\n")
	return e.flush()
}

func (e *SSEEncoder) WriteHeartbeat() error {
	if e.closed {
		return nil
	}
	e.buf.Reset()
	e.buf.WriteString(": heartbeat\n\n")
	return e.flush()
}

func (e *SSEEncoder) Close() { e.closed = true }

func (e *SSEEncoder) flush() error {
	if _, err := e.w.Write(e.buf.Bytes()); err != nil {
		e.closed = true
		return err
	}
	if err := e.rc.Flush(); err != nil {
		e.closed = true
		return err
	}
	return nil
}

// writeData emits the payload as data lines. JSON is compacted onto one line;
// anything else is split so an embedded newline cannot end the frame early.
func writeData(buf *bytes.Buffer, data json.RawMessage) {
	if len(data) == 0 {
		buf.WriteString("data: null\n")
		return
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err == nil {
		buf.WriteString("data: ")
		buf.Write(compact.Bytes())
		buf.WriteString("\n")
		return
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		buf.WriteString("data: ")
		buf.Write(sc.Bytes())
		buf.WriteString("\n")
	}
}

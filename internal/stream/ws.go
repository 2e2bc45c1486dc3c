package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// wsFrame is the JSON text frame carrying one event.
type wsFrame struct {
	ID    uint64          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WSEncoder writes events as JSON text frames on a WebSocket. Heartbeats are
// ping control frames; the peer's pongs keep the read deadline moving.
type WSEncoder struct {
	conn     *websocket.Conn
	pongWait time.Duration

	mu     sync.Mutex // guards writes and closed
	closed bool
	once   sync.Once
}

// NewWSEncoder wraps conn. heartbeat is the ping interval; a peer that stays
// silent for two intervals is considered gone.
func NewWSEncoder(conn *websocket.Conn, heartbeat time.Duration) *WSEncoder {
	return &WSEncoder{conn: conn, pongWait: 2*heartbeat + wsWriteWait}
}

// ReadPump reads (and discards) client frames until the connection fails,
// then calls onClose. Control frames are processed by the read loop, so it
// must run for pongs and close frames to be seen.
func (e *WSEncoder) ReadPump(onClose func()) {
	defer onClose()
	e.conn.SetReadLimit(4096)
	_ = e.conn.SetReadDeadline(time.Now().Add(e.pongWait))
	e.conn.SetPongHandler(func(string) error {
		return e.conn.SetReadDeadline(time.Now().Add(e.pongWait))
	})
	for {
		if _, _, err := e.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (e *WSEncoder) Open() error { return nil }

func (e *WSEncoder) WriteEvent(id uint64, name string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	frame, err := json.Marshal(wsFrame{ID: id, Event: name, Data: data})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := e.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		e.closed = true
		return err
	}
	return nil
}

func (e *WSEncoder) WriteHeartbeat() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if err := e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
		e.closed = true
		return err
	}
	return nil
}

// Close sends a normal close frame when the connection is still healthy and
// releases it.
func (e *WSEncoder) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		if !e.closed {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		e.closed = true
		e.mu.Unlock()
		_ = e.conn.Close()
	})
}

package subscribe

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Keepalive ping period for websocket handles.
	pingPeriod = 30 * time.Second
)

var errHandleClosed = errors.New("handle is closed")

// Handle is one live transport session delivering messages to a client. The
// registry and dispatcher are agnostic of the underlying transport.
//
// Close is terminal and idempotent; the completion callbacks registered via
// OnComplete run exactly once, on the first Close.
type Handle interface {
	SendText(msg string) error
	Close()
	OnComplete(fn func())
}

// SSEHandle streams server-sent events over a flushable http.ResponseWriter.
type SSEHandle struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher

	closeOnce sync.Once
	done      chan struct{}

	callbackMu sync.Mutex
	callbacks  []func()
}

// NewSSEHandle prepares the response for event streaming. The caller must
// keep the handler alive until Done is closed.
func NewSSEHandle(w http.ResponseWriter) (*SSEHandle, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEHandle{w: w, flusher: flusher, done: make(chan struct{})}, nil
}

// SendConnect emits the initial connect event confirming the subscription.
func (h *SSEHandle) SendConnect() error {
	return h.sendEvent("connect", "connected")
}

func (h *SSEHandle) SendText(msg string) error {
	return h.sendEvent("message", msg)
}

func (h *SSEHandle) sendEvent(event, data string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return errHandleClosed
	default:
	}
	if _, err := fmt.Fprintf(h.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("sse write: %w", err)
	}
	h.flusher.Flush()
	return nil
}

func (h *SSEHandle) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.runCallbacks()
	})
}

// Done is closed when the handle completes; the HTTP handler blocks on it.
func (h *SSEHandle) Done() <-chan struct{} { return h.done }

// OnComplete registers fn to run when the handle closes. Registering on an
// already closed handle runs fn immediately.
func (h *SSEHandle) OnComplete(fn func()) {
	h.callbackMu.Lock()
	select {
	case <-h.done:
		h.callbackMu.Unlock()
		fn()
		return
	default:
	}
	h.callbacks = append(h.callbacks, fn)
	h.callbackMu.Unlock()
}

func (h *SSEHandle) runCallbacks() {
	h.callbackMu.Lock()
	callbacks := h.callbacks
	h.callbacks = nil
	h.callbackMu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// WSHandle delivers messages as text frames over a gorilla websocket
// connection. A keepalive ping loop runs until the handle closes.
type WSHandle struct {
	mu   sync.Mutex
	conn *websocket.Conn

	closeOnce sync.Once
	done      chan struct{}

	callbackMu sync.Mutex
	callbacks  []func()
}

func NewWSHandle(conn *websocket.Conn) *WSHandle {
	h := &WSHandle{conn: conn, done: make(chan struct{})}
	go h.pingLoop()
	return h
}

// SendConnect emits the initial connect frame confirming the subscription.
func (h *WSHandle) SendConnect() error {
	return h.SendText("connected")
}

func (h *WSHandle) SendText(msg string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return errHandleClosed
	default:
	}
	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := h.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (h *WSHandle) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		h.conn.SetWriteDeadline(time.Now().Add(writeWait))
		h.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		h.conn.Close()
		h.mu.Unlock()
		h.runCallbacks()
	})
}

func (h *WSHandle) Done() <-chan struct{} { return h.done }

// OnComplete registers fn to run when the handle closes. Registering on an
// already closed handle runs fn immediately.
func (h *WSHandle) OnComplete(fn func()) {
	h.callbackMu.Lock()
	select {
	case <-h.done:
		h.callbackMu.Unlock()
		fn()
		return
	default:
	}
	h.callbacks = append(h.callbacks, fn)
	h.callbackMu.Unlock()
}

func (h *WSHandle) runCallbacks() {
	h.callbackMu.Lock()
	callbacks := h.callbacks
	h.callbacks = nil
	h.callbackMu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (h *WSHandle) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := h.conn.WriteMessage(websocket.PingMessage, nil)
			h.mu.Unlock()
			if err != nil {
				h.Close()
				return
			}
		}
	}
}

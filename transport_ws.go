package comlink

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsTransport wraps a WebSocket connection as a transport. One mutex
// orders Send against channel close: a dispatch goroutine finishing a
// response while the session tears down must never hit a closed channel.
type wsTransport struct {
	ws     *websocket.Conn
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newWSTransport(ws *websocket.Conn, buffer int, logger *zap.Logger) *wsTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &wsTransport{
		ws:     ws,
		logger: logger,
		send:   make(chan []byte, buffer),
	}
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	select {
	case t.send <- data:
		return nil
	default:
		t.logger.Warn("transport.send_dropped", zap.Int("bytes", len(data)))
		return nil
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.send)
	return nil
}

func (t *wsTransport) CloseGracefully() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(5*time.Second),
	)
	close(t.send)
	return nil
}

// readPump reads frames from the WebSocket and hands them to the session.
func (t *wsTransport) readPump(s *Session) {
	defer func() {
		s.router.unregister <- s
		t.ws.Close()
	}()

	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleIncoming(data)
	}
}

// writePump writes queued frames to the WebSocket.
func (t *wsTransport) writePump() {
	defer t.ws.Close()

	for data := range t.send {
		if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

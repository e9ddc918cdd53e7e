package comlink

import (
	"context"
	"sync"

	"github.com/go-json-experiment/json"
)

// Session is a live sender identity bound to a channel for the duration of
// a connection. The server assigns the identity on connect; clients cannot
// choose it.
type Session struct {
	id       string
	router   *Router
	tr       transport
	ctx      context.Context
	mu       sync.Mutex
	closed   bool
	inflight map[string]context.CancelFunc
}

func newSession(id string, router *Router, tr transport, ctx context.Context) *Session {
	return &Session{
		id:       id,
		router:   router,
		tr:       tr,
		ctx:      ctx,
		inflight: make(map[string]context.CancelFunc),
	}
}

// ID returns the server-assigned session identity.
func (s *Session) ID() string {
	return s.id
}

// Send delivers a server-initiated event to this session only.
func (s *Session) Send(eventName string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.sendJSON(EventMessage{
		Type:      TypeEvent,
		EventName: eventName,
		Payload:   raw,
	})
}

func (s *Session) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.tr.Send(data)
}

func (s *Session) sendResponse(resp *ResponseMessage) {
	s.sendJSON(resp)
}

func (s *Session) sendProgress(requestID string, current, total int, message string) {
	s.sendJSON(ProgressMessage{
		Type:      TypeProgress,
		RequestID: requestID,
		Current:   current,
		Total:     total,
		Message:   message,
	})
}

func (s *Session) sendConfig(opts Options) {
	s.sendJSON(ConfigMessage{
		Type:              TypeConfig,
		SessionID:         s.id,
		RequestTimeout:    int(opts.RequestTimeout.Milliseconds()),
		ThrottleInterval:  int(opts.ThrottleInterval.Milliseconds()),
		HeartbeatInterval: int(opts.HeartbeatInterval.Milliseconds()),
	})
}

// handleIncoming parses one frame and routes it by type. Requests run in
// their own goroutine so one slow handler cannot stall this session's
// other traffic.
func (s *Session) handleIncoming(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendResponse(&ResponseMessage{
			Type:    TypeResponse,
			Success: false,
			Error:   msgInvalidFormat,
			Code:    CodeParseError,
		})
		return
	}

	switch env.Type {
	case TypeRequest:
		go s.router.dispatch(s, env.request())
	case TypeCancel:
		s.cancelInflight(env.RequestID)
	case TypePing:
		s.sendJSON(PongMessage{Type: TypePong})
	default:
		s.sendResponse(&ResponseMessage{
			Type:      TypeResponse,
			RequestID: env.RequestID,
			Success:   false,
			Error:     msgInvalidFormat,
			Code:      CodeInvalidFormat,
		})
	}
}

func (s *Session) registerInflight(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[id] = cancel
}

func (s *Session) unregisterInflight(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func (s *Session) cancelInflight(id string) {
	s.mu.Lock()
	cancel, ok := s.inflight[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, cancel := range s.inflight {
		cancel()
	}
	s.mu.Unlock()
	s.tr.Close()
}

// shutdown is like close but tells the peer we are going away first.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, cancel := range s.inflight {
		cancel()
	}
	s.mu.Unlock()
	s.tr.CloseGracefully()
}

package comlink

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnectHook is called when a new session is established.
// Return an error to reject the connection.
type ConnectHook func(ctx context.Context, s *Session) error

// DisconnectHook is called when a session is torn down.
type DisconnectHook func(ctx context.Context, s *Session)

// Router owns the handler registry, the middleware chains, the rate
// limiter and the broadcast/unicast send path. Construct it once per
// process, register handlers and middleware, then serve traffic.
type Router struct {
	opts    Options
	logger  *zap.Logger
	limiter *rateLimiter

	regMu     sync.RWMutex
	handlers  map[string]Handler
	global    []Middleware
	perAction map[string][]Middleware
	builtin   []Middleware

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	byID     map[string]*Session

	register   chan *Session
	unregister chan *Session
	upgrader   websocket.Upgrader

	connectHooks    []ConnectHook
	disconnectHooks []DisconnectHook

	initOnce sync.Once
}

// NewRouter creates a router with the given options. Call Init before
// serving traffic; registration calls are valid immediately.
func NewRouter(opts ...Options) *Router {
	options := mergeOptions(opts...)
	return &Router{
		opts:    options,
		logger:  options.Logger,
		limiter: newRateLimiter(options.MaxRequestRate, options.RateWindow, options.Logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins by default
			},
		},
		handlers:   make(map[string]Handler),
		perAction:  make(map[string][]Middleware),
		sessions:   make(map[*Session]struct{}),
		byID:       make(map[string]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
	}
}

// Init installs the built-in middleware and starts the session loop.
// Idempotent; a second call is a no-op. ServeHTTP calls it implicitly.
func (r *Router) Init() {
	r.initOnce.Do(func() {
		var builtin []Middleware
		if !r.opts.DisableRequestLogging {
			builtin = append(builtin, LoggingMiddleware(r.logger))
		}
		builtin = append(builtin,
			ValidationMiddleware(),
			SecurityMiddleware(r.opts.MaxRequestAge, r.logger),
		)
		if !r.opts.DisableRateLimiting {
			builtin = append(builtin, RateLimitMiddleware(r.limiter))
		}
		r.regMu.Lock()
		r.builtin = builtin
		r.regMu.Unlock()
		go r.run()
	})
}

// Handle registers or replaces the handler for an action. Last write wins;
// it does not itself run middleware.
func (r *Router) Handle(action string, h Handler) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.handlers[action] = h
}

// Use appends middleware to the global chain. Global middleware runs for
// every action, before per-action middleware, in registration order.
func (r *Router) Use(mw ...Middleware) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.global = append(r.global, mw...)
}

// UseFor appends middleware to a single action's chain.
func (r *Router) UseFor(action string, mw ...Middleware) {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	r.perAction[action] = append(r.perAction[action], mw...)
}

// OnConnect registers a hook called when a session is established.
// If a hook returns an error the connection is rejected and subsequent
// hooks are not called.
func (r *Router) OnConnect(hook ConnectHook) {
	r.connectHooks = append(r.connectHooks, hook)
}

// OnDisconnect registers a hook called when a session is torn down. The
// session's ID is still available when the hook runs.
func (r *Router) OnDisconnect(hook DisconnectHook) {
	r.disconnectHooks = append(r.disconnectHooks, hook)
}

// SetCheckOrigin sets the origin check function for the WebSocket upgrader.
func (r *Router) SetCheckOrigin(f func(req *http.Request) bool) {
	r.upgrader.CheckOrigin = f
}

// ServeHTTP implements http.Handler for WebSocket upgrades. Each upgraded
// connection becomes a Session with a server-assigned identity, announced
// to the client in the initial config frame.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Init()

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	ctx := req.Context()
	tr := newWSTransport(ws, r.opts.SendBuffer, r.logger)
	s := newSession(uuid.NewString(), r, tr, ctx)

	for _, hook := range r.connectHooks {
		if err := hook(ctx, s); err != nil {
			ws.Close()
			return
		}
	}

	s.sendConfig(r.opts)
	r.register <- s
	r.logger.Info("session.connect", zap.String("sessionId", s.ID()))

	go tr.writePump()
	tr.readPump(s)
}

// Broadcast sends a server-initiated event to every connected session.
func (r *Router) Broadcast(eventName string, payload any) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for s := range r.sessions {
		s.Send(eventName, payload)
	}
}

// SendTo sends a server-initiated event to a single session.
func (r *Router) SendTo(senderID string, eventName string, payload any) error {
	r.mu.RLock()
	s, ok := r.byID[senderID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no session for sender %s", senderID)
	}
	return s.Send(eventName, payload)
}

// Shutdown closes every active session, sending each peer a going-away
// close frame first. The read pump of each connection then unwinds and
// the sessions drain through the normal unregister path.
func (r *Router) Shutdown() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.shutdown()
	}
}

// SessionCount returns the number of active sessions.
func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Router) run() {
	for {
		select {
		case s := <-r.register:
			r.mu.Lock()
			r.sessions[s] = struct{}{}
			r.byID[s.ID()] = s
			r.mu.Unlock()
		case s := <-r.unregister:
			r.mu.Lock()
			_, existed := r.sessions[s]
			if existed {
				delete(r.sessions, s)
				delete(r.byID, s.ID())
			}
			r.mu.Unlock()

			if existed {
				for _, hook := range r.disconnectHooks {
					hook(s.ctx, s)
				}
				r.limiter.Forget(s.ID())
				s.close()
				r.logger.Info("session.disconnect", zap.String("sessionId", s.ID()))
			}
		}
	}
}

// dispatch runs the full pipeline for one inbound request and always
// answers: every rejection path yields a response with the original
// request id.
func (r *Router) dispatch(s *Session, msg *RequestMessage) {
	if err := ValidateRequest(msg); err != nil {
		r.logger.Warn("request.rejected",
			zap.String("sessionId", s.ID()),
			zap.String("requestId", msg.RequestID),
			zap.Error(err),
		)
		s.sendResponse(NewErrorResponse(msg.RequestID, err))
		return
	}

	req := &Request{
		ID:        msg.RequestID,
		Action:    msg.Action,
		Payload:   msg.Payload,
		Timestamp: time.UnixMilli(msg.Timestamp),
		SenderID:  msg.SenderID,
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.registerInflight(req.ID, cancel)
	defer func() {
		s.unregisterInflight(req.ID)
		cancel()
	}()

	ctx = withSession(ctx, s)
	ctx = withRequest(ctx, req)
	ctx = withProgress(ctx, newSessionProgress(s, req.ID))

	handler := r.buildHandler(req.Action)
	result, err := r.invoke(ctx, handler, req)

	if ctx.Err() == context.Canceled {
		s.sendResponse(NewErrorResponse(req.ID, ErrCanceled))
		return
	}
	if err != nil {
		s.sendResponse(NewErrorResponse(req.ID, err))
		return
	}

	resp, err := NewResponse(req.ID, result)
	if err != nil {
		r.logger.Error("response.marshal_failed",
			zap.String("requestId", req.ID),
			zap.String("action", req.Action),
			zap.Error(err),
		)
		s.sendResponse(NewErrorResponse(req.ID, ErrOperationFailed(err)))
		return
	}
	s.sendResponse(resp)
}

// buildHandler composes the chain for an action: built-in middleware,
// then global, then per-action, then the registered handler. The handler
// lookup happens at call time so late registrations are honored.
func (r *Router) buildHandler(action string) Handler {
	terminal := func(ctx context.Context, req *Request) (any, error) {
		r.regMu.RLock()
		h, ok := r.handlers[req.Action]
		r.regMu.RUnlock()
		if !ok {
			return nil, ErrUnknownAction()
		}
		return h(ctx, req)
	}

	r.regMu.RLock()
	defer r.regMu.RUnlock()

	h := chain(terminal, r.perAction[action]...)
	h = chain(h, r.global...)
	return chain(h, r.builtin...)
}

// invoke runs the chain, converting a panic into a generic failure. The
// real cause goes to the diagnostics log only.
func (r *Router) invoke(ctx context.Context, h Handler, req *Request) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler.panic",
				zap.String("action", req.Action),
				zap.String("requestId", req.ID),
				zap.Any("cause", rec),
			)
			result = nil
			err = NewError(CodeHandlerFailed, msgOperationFailed)
		}
	}()
	return h(ctx, req)
}

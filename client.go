package comlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventHandler consumes a server-initiated event payload.
type EventHandler func(payload jsontext.Value)

// pushedConfig holds the server-pushed tuning values in milliseconds.
type pushedConfig struct {
	RequestTimeout    int
	ThrottleInterval  int
	HeartbeatInterval int
}

// pendingRequest is one in-flight attempt awaiting its correlated
// response. At most one entry exists per request id.
type pendingRequest struct {
	id        string
	createdAt time.Time
	deadline  time.Time
	resp      chan *ResponseMessage
	comp      *Completion
}

// Client is the request engine on the untrusted side of the channel. It
// issues requests through its middleware chain, correlates responses by
// request id, and resolves completions. Callers observe outcomes through
// Completion continuations; nothing here blocks the caller.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	closed       bool
	sessionID    string
	pushedConfig pushedConfig
	pending      map[string]*pendingRequest
	middleware   []CallMiddleware
	subscribers  map[string][]EventHandler

	configOnce  sync.Once
	configReady chan struct{}
	closeOnce   sync.Once
	lastPong    time.Time
}

// Dial connects to a router endpoint and waits for the server's config
// frame, which assigns the session identity. Option fields left at zero
// adopt the server-pushed values.
func Dial(ctx context.Context, url string, opts ...Options) (*Client, error) {
	options := mergeOptions(opts...)
	var explicit Options
	if len(opts) > 0 {
		explicit = opts[0]
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:          ws,
		opts:        options,
		logger:      options.Logger,
		ctx:         cctx,
		cancel:      cancel,
		pending:     make(map[string]*pendingRequest),
		subscribers: make(map[string][]EventHandler),
		configReady: make(chan struct{}),
		lastPong:    time.Now(),
	}
	go c.readLoop()

	select {
	case <-c.configReady:
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case <-time.After(options.RequestTimeout):
		c.Close()
		return nil, ErrTimeout
	}

	c.adoptConfig(explicit)
	c.installBuiltins()
	go c.heartbeat()
	return c, nil
}

// adoptConfig overlays server-pushed tuning onto options the caller left
// unset. Runs once, after the config frame and before any request.
func (c *Client) adoptConfig(explicit Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := c.pushedConfig
	if explicit.RequestTimeout == 0 && cfg.RequestTimeout > 0 {
		c.opts.RequestTimeout = time.Duration(cfg.RequestTimeout) * time.Millisecond
	}
	if explicit.ThrottleInterval == 0 && cfg.ThrottleInterval > 0 {
		c.opts.ThrottleInterval = time.Duration(cfg.ThrottleInterval) * time.Millisecond
	}
	if explicit.HeartbeatInterval == 0 && cfg.HeartbeatInterval > 0 {
		c.opts.HeartbeatInterval = time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	}
}

func (c *Client) installBuiltins() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opts.DisableRequestLogging {
		c.middleware = append(c.middleware, ClientLoggingMiddleware(c.logger))
	}
	if c.opts.ThrottleInterval > 0 {
		c.middleware = append(c.middleware, ThrottleMiddleware(c.opts.ThrottleInterval))
	}
	if c.opts.RetryMaxAttempts > 1 {
		c.middleware = append(c.middleware, RetryMiddleware(c.opts.RetryMaxAttempts, c.opts.RetryInitialInterval, c.logger))
	}
}

// SessionID returns the server-assigned session identity.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Use appends middleware to the request chain. Registration-time only:
// call before issuing requests.
func (c *Client) Use(mw ...CallMiddleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middleware = append(c.middleware, mw...)
}

// On subscribes to a server-initiated event. Subscribers for the same
// event run in registration order; one panicking subscriber does not
// prevent the rest from running.
func (c *Client) On(eventName string, fn EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[eventName] = append(c.subscribers[eventName], fn)
}

// Request issues a request for the given action and returns a Completion
// that resolves with the response data or rejects with the failure. The
// payload may be nil.
func (c *Client) Request(action string, payload any) *Completion {
	comp := newCompletion()

	var raw jsontext.Value
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			comp.reject(WrapError(CodeInvalidFormat, msgInvalidFormat, err))
			return comp
		}
		raw = b
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		comp.reject(ErrClosed)
		return comp
	}
	mw := make([]CallMiddleware, len(c.middleware))
	copy(mw, c.middleware)
	c.mu.Unlock()

	ctx, cancelAttempts := context.WithCancel(c.ctx)
	comp.setAbort(cancelAttempts)

	call := chainCall(c.attempt(comp), mw...)
	go func() {
		defer cancelAttempts()
		data, err := call(ctx, action, raw)
		if err != nil {
			comp.reject(err)
			return
		}
		comp.resolve(data)
	}()
	return comp
}

// attempt is the terminal CallFunc: one wire request, one correlated
// response or timeout. Retries re-enter here with a fresh request id and
// timestamp so the server's replay window stays honest.
func (c *Client) attempt(comp *Completion) CallFunc {
	return func(ctx context.Context, action string, payload jsontext.Value) (jsontext.Value, error) {
		var p any
		if len(payload) > 0 {
			p = payload
		}
		req, err := NewRequest(action, p, c.SessionID())
		if err != nil {
			return nil, WrapError(CodeInvalidFormat, msgInvalidFormat, err)
		}

		now := time.Now()
		pend := &pendingRequest{
			id:        req.RequestID,
			createdAt: now,
			deadline:  now.Add(c.opts.RequestTimeout),
			resp:      make(chan *ResponseMessage, 1),
			comp:      comp,
		}
		if err := c.addPending(pend); err != nil {
			return nil, err
		}

		if err := c.sendJSON(req); err != nil {
			c.removePending(req.RequestID)
			return nil, ErrClosed
		}

		timer := time.NewTimer(time.Until(pend.deadline))
		defer timer.Stop()

		select {
		case resp := <-pend.resp:
			if resp.Success {
				return resp.Data, nil
			}
			code := resp.Code
			if code == 0 {
				code = CodeHandlerFailed
			}
			return nil, NewError(code, resp.Error)
		case <-timer.C:
			c.removePending(req.RequestID)
			c.logger.Warn("client.timeout",
				zap.String("action", action),
				zap.String("requestId", req.RequestID),
			)
			return nil, ErrTimeout
		case <-ctx.Done():
			c.removePending(req.RequestID)
			if c.isClosed() {
				return nil, ErrClosed
			}
			c.sendJSON(CancelMessage{Type: TypeCancel, RequestID: req.RequestID})
			return nil, ErrCanceled
		}
	}
}

func (c *Client) addPending(p *pendingRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.pending[p.id] = p
	return nil
}

// removePending deletes and returns the entry, or nil if it was already
// resolved or never existed.
func (c *Client) removePending(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Client) lookupPending(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("client.bad_frame", zap.Error(err))
			continue
		}

		switch env.Type {
		case TypeConfig:
			c.applyConfig(&env)
		case TypeResponse:
			c.handleResponse(env.response())
		case TypeProgress:
			if p := c.lookupPending(env.RequestID); p != nil {
				p.comp.fireProgress(env.Current, env.Total, env.Message)
			}
		case TypeEvent:
			c.dispatchEvent(env.EventName, env.Payload)
		case TypePong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		}
	}
}

func (c *Client) applyConfig(env *envelope) {
	c.mu.Lock()
	c.sessionID = env.SessionID
	c.pushedConfig = pushedConfig{
		RequestTimeout:    env.RequestTimeout,
		ThrottleInterval:  env.ThrottleInterval,
		HeartbeatInterval: env.HeartbeatInterval,
	}
	c.mu.Unlock()
	c.configOnce.Do(func() { close(c.configReady) })
}

// handleResponse matches a response to its pending entry. Responses for
// unknown or already-settled ids are discarded.
func (c *Client) handleResponse(resp *ResponseMessage) {
	p := c.removePending(resp.RequestID)
	if p == nil {
		c.logger.Debug("client.response_discarded", zap.String("requestId", resp.RequestID))
		return
	}
	p.resp <- resp
}

func (c *Client) dispatchEvent(eventName string, payload jsontext.Value) {
	c.mu.Lock()
	subs := make([]EventHandler, len(c.subscribers[eventName]))
	copy(subs, c.subscribers[eventName])
	c.mu.Unlock()

	for _, fn := range subs {
		c.runSubscriber(eventName, fn, payload)
	}
}

func (c *Client) runSubscriber(eventName string, fn EventHandler, payload jsontext.Value) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("client.subscriber_panic",
				zap.String("eventName", eventName),
				zap.Any("cause", rec),
			)
		}
	}()
	fn(payload)
}

func (c *Client) heartbeat() {
	interval := c.opts.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastPong) > 2*interval
			c.mu.Unlock()
			if stale {
				c.logger.Warn("client.heartbeat_lost")
				c.Close()
				return
			}
			c.sendJSON(PingMessage{Type: TypePing})
		}
	}
}

// Close tears down the session. Every outstanding completion rejects with
// ErrClosed; no request survives teardown.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.writeMu.Lock()
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.ws.Close()
	})
	return nil
}

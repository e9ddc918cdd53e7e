package comlink

import (
	"context"
	"time"

	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
)

// Request contains information about the incoming request as seen by
// middleware and handlers. SenderID is the identity claimed on the wire;
// the authenticated session identity comes from Sender(ctx).
type Request struct {
	ID        string         // Request ID for correlation
	Action    string         // Action name being invoked
	Payload   jsontext.Value // Raw JSON payload
	Timestamp time.Time      // Sender-local creation time
	SenderID  string         // Identity claimed by the sender
}

// Handler represents the next step in the middleware chain. The terminal
// handler is the registered action handler itself.
type Handler func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a Handler to add cross-cutting behavior. Returning an
// error without invoking next short-circuits the chain; the error becomes
// the response. Every pipeline run produces exactly one terminal outcome.
type Middleware func(next Handler) Handler

// chain composes middleware around a terminal handler. Steps run in slice
// order: chain(h, a, b) runs a, then b, then h.
func chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// AdminFunc decides whether a sender holds admin privileges. Supplied by
// the host environment.
type AdminFunc func(senderID string) bool

// ValidationMiddleware re-checks the structural shape of the request. The
// dispatcher already validates raw frames before the chain runs; this step
// exists so that composed pipelines carry the guarantee on their own.
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if req.ID == "" || req.Action == "" || req.Timestamp.IsZero() {
				return nil, ErrInvalidFormat()
			}
			return next(ctx, req)
		}
	}
}

// SecurityMiddleware rejects stale requests (replay protection) and
// requests whose claimed sender does not match the session identity the
// server assigned.
func SecurityMiddleware(maxAge time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if age := time.Since(req.Timestamp); age > maxAge {
				logger.Warn("security.stale_request",
					zap.String("requestId", req.ID),
					zap.String("action", req.Action),
					zap.Duration("age", age),
				)
				return nil, ErrStaleRequest()
			}
			if sender := Sender(ctx); sender != "" && req.SenderID != sender {
				logger.Warn("security.sender_mismatch",
					zap.String("requestId", req.ID),
					zap.String("claimed", req.SenderID),
					zap.String("session", sender),
				)
				return nil, ErrUnauthorized()
			}
			return next(ctx, req)
		}
	}
}

// RateLimitMiddleware rejects requests once a sender exhausts its window.
// Runs before any handler logic.
func RateLimitMiddleware(limiter *rateLimiter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if !limiter.Allow(Sender(ctx)) {
				return nil, ErrRateLimited()
			}
			return next(ctx, req)
		}
	}
}

// AdminMiddleware gates an action behind the host-supplied authorization
// predicate. Use it per action via Router.UseFor.
func AdminMiddleware(isAdmin AdminFunc) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if !isAdmin(Sender(ctx)) {
				return nil, ErrUnauthorized()
			}
			return next(ctx, req)
		}
	}
}

// LoggingMiddleware records action, sender and outcome for every dispatch.
// Observer only; it never mutates the request or the result.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("action", req.Action),
				zap.String("senderId", Sender(ctx)),
				zap.String("requestId", req.ID),
				zap.Duration("elapsed", time.Since(start)),
			}
			if err != nil {
				logger.Info("request.rejected", append(fields, zap.Error(err))...)
			} else {
				logger.Info("request.handled", fields...)
			}
			return result, err
		}
	}
}

package comlink

import "context"

type contextKey int

const (
	sessionKey contextKey = iota
	requestKey
	progressKey
)

// SessionFromContext returns the Session handling the current request.
// Returns nil if not present.
func SessionFromContext(ctx context.Context) *Session {
	if s, ok := ctx.Value(sessionKey).(*Session); ok {
		return s
	}
	return nil
}

// Sender returns the authenticated sender identity for the current request,
// or the empty string outside a dispatch.
func Sender(ctx context.Context) string {
	if s := SessionFromContext(ctx); s != nil {
		return s.ID()
	}
	return ""
}

// RequestFromContext returns the Request being dispatched.
// Returns nil if not present.
func RequestFromContext(ctx context.Context) *Request {
	if req, ok := ctx.Value(requestKey).(*Request); ok {
		return req
	}
	return nil
}

// Progress returns the ProgressReporter for the current request.
// Returns a no-op reporter if not present.
func Progress(ctx context.Context) ProgressReporter {
	if p, ok := ctx.Value(progressKey).(ProgressReporter); ok {
		return p
	}
	return &noopProgress{}
}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func withRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestKey, req)
}

func withProgress(ctx context.Context, p ProgressReporter) context.Context {
	return context.WithValue(ctx, progressKey, p)
}

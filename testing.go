package comlink

import "context"

// WithTestSession returns a context carrying a minimal [Session] with the
// given sender identity. The session has no functioning transport and is
// intended exclusively for use in handler and middleware tests.
func WithTestSession(ctx context.Context, senderID string) context.Context {
	return withSession(ctx, &Session{id: senderID})
}

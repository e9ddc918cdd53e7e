package comlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CallFunc performs one request attempt: send, await the correlated
// response or a timeout, return the decoded outcome.
type CallFunc func(ctx context.Context, action string, payload jsontext.Value) (jsontext.Value, error)

// CallMiddleware wraps a CallFunc to add client-side cross-cutting
// behavior. Throttling, retries and logging compose as decorators over
// the attempt rather than inside it.
type CallMiddleware func(next CallFunc) CallFunc

func chainCall(f CallFunc, mw ...CallMiddleware) CallFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		f = mw[i](f)
	}
	return f
}

// ThrottleMiddleware rejects a request issued within interval of the
// previous request for the same action. Rejection is immediate with
// ErrThrottled; compose RetryMiddleware inside it for delaying behavior.
func ThrottleMiddleware(interval time.Duration) CallMiddleware {
	var mu sync.Mutex
	limiters := make(map[string]*rate.Limiter)
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, action string, payload jsontext.Value) (jsontext.Value, error) {
			mu.Lock()
			lim, ok := limiters[action]
			if !ok {
				lim = rate.NewLimiter(rate.Every(interval), 1)
				limiters[action] = lim
			}
			mu.Unlock()

			if !lim.Allow() {
				return nil, ErrThrottled
			}
			return next(ctx, action, payload)
		}
	}
}

// RetryMiddleware re-issues a failed attempt up to maxAttempts total
// attempts with exponential backoff between them, surfacing only the
// final failure. Cancellation and connection teardown are terminal and
// never retried.
func RetryMiddleware(maxAttempts int, initialInterval time.Duration, logger *zap.Logger) CallMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, action string, payload jsontext.Value) (jsontext.Value, error) {
			if maxAttempts <= 1 {
				return next(ctx, action, payload)
			}

			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = initialInterval
			bo.Reset()

			var lastErr error
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				data, err := next(ctx, action, payload)
				if err == nil {
					return data, nil
				}
				lastErr = err
				if errors.Is(err, ErrCanceled) || errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return nil, err
				}
				if attempt == maxAttempts {
					break
				}

				wait := bo.NextBackOff()
				logger.Debug("client.retry",
					zap.String("action", action),
					zap.Int("attempt", attempt),
					zap.Duration("backoff", wait),
					zap.Error(err),
				)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, ErrCanceled
				}
			}
			return nil, lastErr
		}
	}
}

// ClientLoggingMiddleware records action and outcome for every request.
// Observer only.
func ClientLoggingMiddleware(logger *zap.Logger) CallMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next CallFunc) CallFunc {
		return func(ctx context.Context, action string, payload jsontext.Value) (jsontext.Value, error) {
			start := time.Now()
			data, err := next(ctx, action, payload)
			fields := []zap.Field{
				zap.String("action", action),
				zap.Duration("elapsed", time.Since(start)),
			}
			if err != nil {
				logger.Info("client.request_failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("client.request_ok", fields...)
			}
			return data, err
		}
	}
}

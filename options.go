package comlink

import (
	"time"

	"go.uber.org/zap"
)

// Options configures router and client behavior. The zero value of any
// field means "use the default"; booleans default to enabled via the
// Disable* spelling so that Options{} is a working configuration.
type Options struct {
	// MaxRequestRate is the number of requests a sender may issue per
	// RateWindow before further requests are rejected. Default: 30.
	MaxRequestRate int
	// RateWindow is the fixed rate-limit window length. Default: 1s.
	RateWindow time.Duration
	// MaxRequestAge is how old a request timestamp may be before the
	// server rejects it as a replay. Default: 30s.
	MaxRequestAge time.Duration
	// RequestTimeout is how long the client waits for a response before
	// rejecting the completion with ErrTimeout. Default: 10s.
	RequestTimeout time.Duration
	// ThrottleInterval is the minimum spacing between client requests for
	// the same action. 0 disables throttling. Default: 0.
	ThrottleInterval time.Duration
	// RetryMaxAttempts is the total number of attempts the client retry
	// middleware makes per request. 0 or 1 disables retries. Default: 1.
	RetryMaxAttempts int
	// RetryInitialInterval is the first backoff delay between retry
	// attempts. Default: 100ms.
	RetryInitialInterval time.Duration
	// HeartbeatInterval is the client ping cadence. Default: 30s.
	HeartbeatInterval time.Duration
	// SendBuffer is the per-session outbound queue length. Default: 256.
	SendBuffer int
	// DisableRateLimiting turns off the server's rate-limit middleware.
	DisableRateLimiting bool
	// DisableRequestLogging turns off the request logging middleware.
	DisableRequestLogging bool
	// Logger receives named diagnostic events. Default: zap.NewNop().
	Logger *zap.Logger
}

func defaultOptions() Options {
	return Options{
		MaxRequestRate:       30,
		RateWindow:           time.Second,
		MaxRequestAge:        30 * time.Second,
		RequestTimeout:       10 * time.Second,
		RetryMaxAttempts:     1,
		RetryInitialInterval: 100 * time.Millisecond,
		HeartbeatInterval:    30 * time.Second,
		SendBuffer:           256,
		Logger:               zap.NewNop(),
	}
}

// merge overlays non-zero fields from opt onto the defaults.
func mergeOptions(opts ...Options) Options {
	options := defaultOptions()
	if len(opts) == 0 {
		return options
	}
	opt := opts[0]
	if opt.MaxRequestRate > 0 {
		options.MaxRequestRate = opt.MaxRequestRate
	}
	if opt.RateWindow > 0 {
		options.RateWindow = opt.RateWindow
	}
	if opt.MaxRequestAge > 0 {
		options.MaxRequestAge = opt.MaxRequestAge
	}
	if opt.RequestTimeout > 0 {
		options.RequestTimeout = opt.RequestTimeout
	}
	if opt.ThrottleInterval > 0 {
		options.ThrottleInterval = opt.ThrottleInterval
	}
	if opt.RetryMaxAttempts > 0 {
		options.RetryMaxAttempts = opt.RetryMaxAttempts
	}
	if opt.RetryInitialInterval > 0 {
		options.RetryInitialInterval = opt.RetryInitialInterval
	}
	if opt.HeartbeatInterval > 0 {
		options.HeartbeatInterval = opt.HeartbeatInterval
	}
	if opt.SendBuffer > 0 {
		options.SendBuffer = opt.SendBuffer
	}
	options.DisableRateLimiting = opt.DisableRateLimiting
	options.DisableRequestLogging = opt.DisableRequestLogging
	if opt.Logger != nil {
		options.Logger = opt.Logger
	}
	return options
}

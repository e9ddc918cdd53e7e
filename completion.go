package comlink

import (
	"context"
	"sync"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// CompletionState is the lifecycle state of a Completion.
type CompletionState int32

const (
	StatePending CompletionState = iota
	StateResolved
	StateRejected
	StateCancelled
)

func (s CompletionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateRejected:
		return "rejected"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Completion is a one-shot asynchronous result container. It reaches
// exactly one terminal state: resolved with the response data, rejected
// with an error, or cancelled by its owner. Continuations registered with
// OnResolve/OnReject fire once; cancellation fires neither.
type Completion struct {
	mu          sync.Mutex
	state       CompletionState
	data        jsontext.Value
	err         error
	done        chan struct{}
	resolveFns  []func(jsontext.Value)
	rejectFns   []func(error)
	progressFns []func(current, total int, message string)
	abort       func()
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// OnResolve registers a continuation invoked with the response data when
// the completion resolves. If it already resolved, fn runs immediately.
func (c *Completion) OnResolve(fn func(data jsontext.Value)) *Completion {
	c.mu.Lock()
	if c.state == StateResolved {
		data := c.data
		c.mu.Unlock()
		fn(data)
		return c
	}
	c.resolveFns = append(c.resolveFns, fn)
	c.mu.Unlock()
	return c
}

// OnReject registers a continuation invoked with the rejection error.
// If the completion already rejected, fn runs immediately.
func (c *Completion) OnReject(fn func(err error)) *Completion {
	c.mu.Lock()
	if c.state == StateRejected {
		err := c.err
		c.mu.Unlock()
		fn(err)
		return c
	}
	c.rejectFns = append(c.rejectFns, fn)
	c.mu.Unlock()
	return c
}

// OnProgress registers an observer for request-correlated progress frames.
// Observers stop firing once the completion reaches a terminal state.
func (c *Completion) OnProgress(fn func(current, total int, message string)) *Completion {
	c.mu.Lock()
	c.progressFns = append(c.progressFns, fn)
	c.mu.Unlock()
	return c
}

// Done returns a channel closed when the completion reaches any terminal
// state, including cancellation.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state.
func (c *Completion) State() CompletionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the terminal outcome. A cancelled completion reports
// ErrCanceled. Meaningful only after Done is closed.
func (c *Completion) Result() (jsontext.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, c.err
}

// Await blocks until the completion terminates or ctx ends, and returns
// the outcome. It is a convenience for call sites that prefer blocking
// over continuations.
func (c *Completion) Await(ctx context.Context) (jsontext.Value, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode unmarshals the resolved data into v. Fails if the completion did
// not resolve.
func (c *Completion) Decode(v any) error {
	data, err := c.Result()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Cancel terminates a pending completion without invoking any resolve or
// reject continuations, and aborts the in-flight request. No-op once the
// completion is terminal.
func (c *Completion) Cancel() {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return
	}
	c.state = StateCancelled
	c.err = ErrCanceled
	abort := c.abort
	c.resolveFns, c.rejectFns, c.progressFns = nil, nil, nil
	close(c.done)
	c.mu.Unlock()

	if abort != nil {
		abort()
	}
}

func (c *Completion) setAbort(fn func()) {
	c.mu.Lock()
	c.abort = fn
	c.mu.Unlock()
}

func (c *Completion) resolve(data jsontext.Value) {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return
	}
	c.state = StateResolved
	c.data = data
	fns := c.resolveFns
	c.resolveFns, c.rejectFns, c.progressFns = nil, nil, nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(data)
	}
}

func (c *Completion) reject(err error) {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return
	}
	c.state = StateRejected
	c.err = err
	fns := c.rejectFns
	c.resolveFns, c.rejectFns, c.progressFns = nil, nil, nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

func (c *Completion) fireProgress(current, total int, message string) {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return
	}
	fns := make([]func(int, int, string), len(c.progressFns))
	copy(fns, c.progressFns)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(current, total, message)
	}
}

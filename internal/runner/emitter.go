package runner

import (
	"context"
	"sync"

	"github.com/agentjido/jido-shell-sub001/internal/commands"
	"github.com/agentjido/jido-shell-sub001/internal/quota"
)

// emitter wraps the caller's emit with the per-invocation output cap. After
// a breach, or after the invocation is abandoned, nothing is forwarded.
type emitter struct {
	mu     sync.Mutex
	guard  *quota.Guard
	out    commands.Emit
	closed bool
}

func newEmitter(out commands.Emit, max int64) *emitter {
	if out == nil {
		out = func([]byte) error { return nil }
	}
	return &emitter{guard: quota.NewGuard(max), out: out}
}

func (e *emitter) emit(chunk []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return context.Canceled
	}
	if !e.guard.Allow(len(chunk)) {
		return quota.ErrLimitExceeded
	}
	if len(chunk) == 0 {
		return nil
	}
	return e.out(chunk)
}

func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *emitter) breached() (bool, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guard.Breached(), e.guard.Emitted()
}

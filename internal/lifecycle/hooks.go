// Package lifecycle runs best-effort cleanup work when the process exits.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"logvault/internal/observability"
)

// DefaultTimeout caps how long Run waits for hooks.
const DefaultTimeout = 10 * time.Second

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Registry collects exit hooks. Hooks never fail the shutdown: errors and
// panics are logged and reported, and Run stops waiting at its deadline.
type Registry struct {
	logger observability.Logger

	mu    sync.Mutex
	hooks []hook
	ran   bool
}

func NewRegistry(logger observability.Logger) *Registry {
	return &Registry{logger: observability.OrDefault(logger).WithComponent("lifecycle")}
}

// Register adds fn under name. Hooks registered after Run are ignored.
func (r *Registry) Register(name string, fn func(ctx context.Context) error) {
	if r == nil || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ran {
		r.logger.Warn("hook registered after shutdown; ignoring", "hook", name)
		return
	}
	r.hooks = append(r.hooks, hook{name: name, fn: fn})
}

// Len reports the number of registered hooks.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}

// Run executes every hook concurrently and returns once they all finish or
// timeout elapses. Only the first call does any work.
func (r *Registry) Run(ctx context.Context, timeout time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return
	}
	r.ran = true
	hooks := append([]hook(nil), r.hooks...)
	r.mu.Unlock()

	if len(hooks) == 0 {
		return
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, h := range hooks {
		wg.Add(1)
		go func(h hook) {
			defer wg.Done()
			r.runOne(ctx, h)
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown hooks did not finish in time", "timeout", timeout.String())
	}
}

func (r *Registry) runOne(ctx context.Context, h hook) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("hook %s panicked: %v", h.name, p)
			r.logger.Error("shutdown hook panicked", "hook", h.name, "panic", fmt.Sprint(p))
			sentry.CaptureException(err)
		}
	}()
	if err := h.fn(ctx); err != nil {
		r.logger.Error("shutdown hook failed", "hook", h.name, "error", err)
		sentry.CaptureException(fmt.Errorf("hook %s: %w", h.name, err))
		return
	}
	r.logger.Debug("shutdown hook finished", "hook", h.name, "elapsed", time.Since(start).String())
}

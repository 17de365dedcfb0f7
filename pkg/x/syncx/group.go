package syncx

import (
	"context"
	"errors"
	"sync"
)

// Group runs named background tasks with shared cancellation and a single
// Stop() that cancels and waits for every task to exit.
//
// A name can only have one running task at a time; Go reports false when the
// name is already busy, so callers can launch "start once" jobs idempotently.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
	errs    map[string]error
}

func NewGroup(parent context.Context) *Group {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		ctx:     ctx,
		cancel:  cancel,
		running: map[string]struct{}{},
		errs:    map[string]error{},
	}
}

// Go starts fn under name unless a task with the same name is still running.
func (g *Group) Go(name string, fn func(ctx context.Context) error) bool {
	g.mu.Lock()
	if _, busy := g.running[name]; busy {
		g.mu.Unlock()
		return false
	}
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		return false
	}
	g.running[name] = struct{}{}
	delete(g.errs, name)
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		err := fn(g.ctx)

		g.mu.Lock()
		delete(g.running, name)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.errs[name] = err
		}
		g.mu.Unlock()
	}()
	return true
}

func (g *Group) Running(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[name]
	return ok
}

// Err returns the last non-cancellation error of the task called name.
func (g *Group) Err(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errs[name]
}

func (g *Group) Wait() {
	g.wg.Wait()
}

func (g *Group) Stop() {
	g.cancel()
	g.wg.Wait()
}

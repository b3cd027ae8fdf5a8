// Package loop runs closures one at a time on a single goroutine.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("loop stopped")

// Executor is what components post to. *Loop and *Manual implement it.
type Executor interface {
	// Post queues fn without waiting.
	Post(fn func())
	// AfterFunc runs fn on the loop after d. The returned func cancels it.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

// Runner also lets callers wait for a result.
type Runner interface {
	Executor
	Do(ctx context.Context, fn func() error) error
}

var (
	_ Runner = (*Loop)(nil)
	_ Runner = (*Manual)(nil)
)

type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func New() *Loop {
	l := &Loop{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// Do posts fn and waits for its result. It must not be called from the loop.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, func() { res <- fn() })
	l.cond.Signal()
	l.mu.Unlock()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) func() {
	var mu sync.Mutex
	cancelled := false
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			mu.Lock()
			skip := cancelled
			mu.Unlock()
			if !skip {
				fn()
			}
		})
	})
	return func() {
		mu.Lock()
		cancelled = true
		mu.Unlock()
		t.Stop()
	}
}

// Run executes posted closures until ctx is done. Closures still queued at
// that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.closed = true
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.queue = nil
			l.mu.Unlock()
			return nil
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Package monitor holds the background tasks that keep a health.Record current.
//
// Every task owns a context and a done channel. Tasks hold the record, never
// the controller, so a task may finish updating the record after its
// controller has been torn down.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a cancellable background monitor.
type Task interface {
	Name() string
	Start()
	// Cancel signals the task to stop; it does not wait.
	Cancel()
	// Done is closed once the task goroutine has returned.
	Done() <-chan struct{}
}

type task struct {
	name      string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	started   atomic.Bool
}

func (t *task) init(parent context.Context, name string) {
	if parent == nil {
		parent = context.Background()
	}
	t.name = name
	t.ctx, t.cancel = context.WithCancel(parent)
	t.done = make(chan struct{})
}

func (t *task) Name() string { return t.name }

func (t *task) Done() <-chan struct{} { return t.done }

func (t *task) Cancel() { t.cancel() }

func (t *task) wasStarted() bool { return t.started.Load() }

// run starts fn on its own goroutine at most once.
func (t *task) run(fn func(ctx context.Context)) {
	t.startOnce.Do(func() {
		t.started.Store(true)
		go func() {
			defer close(t.done)
			defer t.cancel()
			fn(t.ctx)
		}()
	})
}

// Wait blocks until task is done or d elapses. A task that was never started
// counts as done. It reports whether the task finished.
func Wait(t Task, d time.Duration) bool {
	if s, ok := t.(interface{ wasStarted() bool }); ok && !s.wasStarted() {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.Done():
		return true
	case <-timer.C:
		return false
	}
}

// CancelAll cancels every task and waits up to d for each of them.
// It returns the names of tasks that did not finish in time.
func CancelAll(tasks []Task, d time.Duration) []string {
	for _, t := range tasks {
		t.Cancel()
	}
	var stuck []string
	for _, t := range tasks {
		if !Wait(t, d) {
			stuck = append(stuck, t.Name())
		}
	}
	return stuck
}

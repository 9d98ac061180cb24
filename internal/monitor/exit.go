package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/supervisr/internal/health"
)

// DefaultDrainTimeout bounds how long the exit watcher waits for a report stream to drain.
const DefaultDrainTimeout = 2 * time.Second

// Exited is satisfied by a launched process handle.
type Exited interface {
	Done() <-chan struct{}
	ExitErr() error
}

// ExitWatcher marks the record Dead once the worker process has been reaped.
// When a report task is attached it first waits for that task to drain the
// stream, so the worker's final report cannot overwrite Dead.
type ExitWatcher struct {
	task
	rec    *health.Record
	proc   Exited
	drain  Task
	wait   time.Duration
	logger *slog.Logger
}

func NewExitWatcher(parent context.Context, rec *health.Record, proc Exited, drain Task, drainTimeout time.Duration, logger *slog.Logger) *ExitWatcher {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &ExitWatcher{rec: rec, proc: proc, drain: drain, wait: drainTimeout, logger: logger}
	w.init(parent, "exit")
	return w
}

func (w *ExitWatcher) Start() { w.run(w.loop) }

func (w *ExitWatcher) loop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-w.proc.Done():
	}
	if w.drain != nil {
		t := time.NewTimer(w.wait)
		select {
		case <-w.drain.Done():
		case <-t.C:
			w.logger.Warn("report stream did not drain after exit", "timeout", w.wait)
		case <-ctx.Done():
		}
		t.Stop()
	}
	w.rec.SetState(health.StateDead)
	w.logger.Info("worker exited", "pid", w.rec.Pid(), "exit_error", errString(w.proc.ExitErr()))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

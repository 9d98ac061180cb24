// Package spawner launches workers and returns confirmed controllers.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/supervisr/internal/controller"
	"github.com/loykin/supervisr/internal/health"
	"github.com/loykin/supervisr/internal/logger"
	"github.com/loykin/supervisr/internal/monitor"
	"github.com/loykin/supervisr/internal/process"
)

var errWorkerExited = errors.New("worker exited")

// Options for every spawn. Zero values fall back to defaults.
type Options struct {
	PidTimeout        time.Duration
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration
	MaxBadReports     int
	WorkerLog         logger.Config
	Controller        controller.Options
	Logger            *slog.Logger
}

// Launch is the command a worker is started with.
type Launch struct {
	Command string
	WorkDir string
	Env     []string
}

type Spawner struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options) *Spawner {
	if opts.PidTimeout <= 0 {
		opts.PidTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Controller.Logger == nil {
		opts.Controller.Logger = opts.Logger
	}
	return &Spawner{opts: opts, log: opts.Logger}
}

// Spawn launches the worker described by l, attaches the monitors its kind
// needs and waits for the pid handshake. The returned controller is Active,
// confirmed, and carries one share owned by the caller.
//
// If the handshake does not complete in time, or the worker exits first, the
// controller is released (which kills the process and cancels its monitors)
// and the error wraps health.ErrSpawnTimeout.
func (s *Spawner) Spawn(ctx context.Context, l Launch, w controller.Workload) (*controller.Controller, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	strategy := w.Kind.Strategy()
	name := fmt.Sprintf("%s-%s", w.Kind, w.Key())
	lg := s.log.With("kind", string(w.Kind), "key", w.Key())

	proc := process.New(process.Spec{
		Name:          name,
		Command:       l.Command,
		WorkDir:       l.WorkDir,
		Env:           l.Env,
		CaptureStdout: strategy == controller.StrategyReport,
		Log:           s.opts.WorkerLog,
	})
	stream, err := proc.Start()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	launched := proc.Pid()
	lg.Debug("worker launched", "launched_pid", launched, "strategy", strategy.String())

	rec := health.NewRecord(lg)
	c := controller.New(w, rec, proc, s.opts.Controller)

	var report monitor.Task
	if strategy == controller.StrategyReport {
		report = monitor.NewReport(context.Background(), rec, stream, monitor.ReportOptions{
			Kind:          string(w.Kind),
			Decoder:       w.Kind.Decoder(),
			MaxBadReports: s.opts.MaxBadReports,
			Logger:        lg,
		})
		c.Attach(report)
	} else {
		// The launcher is the reporter for heartbeat kinds.
		if err := rec.SetPid(int32(launched)); err != nil {
			c.Release()
			return nil, fmt.Errorf("spawn %s: %w", name, err)
		}
	}
	c.Attach(monitor.NewExitWatcher(context.Background(), rec, proc, report, s.opts.DrainTimeout, lg))

	waitCtx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-proc.Done():
			cancel(errWorkerExited)
		case <-waitCtx.Done():
		}
	}()
	pid, err := rec.WaitForPid(waitCtx, s.opts.PidTimeout)
	cancel(nil)
	if err != nil {
		lg.Warn("pid handshake failed", "launched_pid", launched, "error", err)
		c.Release()
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}

	if err := c.Confirm(pid, process.StartTime(int(pid))); err != nil {
		c.Release()
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	if strategy == controller.StrategyHeartbeat {
		c.Attach(monitor.NewHeartbeat(context.Background(), rec, s.opts.HeartbeatInterval))
	}
	lg.Info("worker spawned", "pid", pid)
	return c, nil
}

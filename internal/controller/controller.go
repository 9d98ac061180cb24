package controller

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/supervisr/internal/health"
	"github.com/loykin/supervisr/internal/monitor"
	"github.com/loykin/supervisr/internal/process"
)

// Proc is the launched OS process a controller drives.
type Proc interface {
	Pid() int
	Terminate(grace, killWait time.Duration) bool
	Done() <-chan struct{}
	ExitErr() error
}

// Lifecycle of a controller. It only moves forward.
type Lifecycle int32

const (
	Active Lifecycle = iota
	Stopping
	Stopped
)

func (l Lifecycle) String() string {
	switch l {
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "invalid"
	}
}

func (l Lifecycle) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Options tune the stop sequence.
type Options struct {
	StopGrace  time.Duration // SIGINT to SIGKILL
	KillWait   time.Duration // after SIGKILL
	CancelWait time.Duration // per monitor task
	Logger     *slog.Logger
	// SameProcess overrides the pid reuse check; defaults to process.SameProcess.
	SameProcess func(pid int, startUnix int64) bool
}

func (o Options) withDefaults() Options {
	if o.StopGrace <= 0 {
		o.StopGrace = 3 * time.Second
	}
	if o.KillWait <= 0 {
		o.KillWait = 2 * time.Second
	}
	if o.CancelWait <= 0 {
		o.CancelWait = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SameProcess == nil {
		o.SameProcess = process.SameProcess
	}
	return o
}

// Controller owns one supervised worker: its pid, its record, its monitor
// tasks and the stop sequence.
//
// Holders (the spawner's caller, the registry, each secondary index) take
// ownership shares with Acquire and give them back with Release. Releasing
// the last share runs teardown exactly once.
type Controller struct {
	mu        sync.Mutex
	pid       int32
	startUnix int64
	lifecycle Lifecycle
	stopDone  chan struct{} // closed when an in-flight Stop finishes
	refs      int32
	torn      bool

	rec   *health.Record
	work  Workload
	proc  Proc
	tasks []monitor.Task
	opts  Options
	log   *slog.Logger
}

// New returns an Active controller with pid -1, holding one share for the caller.
func New(work Workload, rec *health.Record, proc Proc, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		pid:  -1,
		refs: 1,
		rec:  rec,
		work: work,
		proc: proc,
		opts: opts,
		log:  opts.Logger.With("kind", string(work.Kind), "key", work.Key()),
	}
}

// Pid returns the confirmed pid, or -1 before confirmation and after stop.
func (c *Controller) Pid() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

func (c *Controller) Kind() Kind { return c.work.Kind }

func (c *Controller) Workload() Workload { return c.work }

func (c *Controller) Record() *health.Record { return c.rec }

func (c *Controller) Lifecycle() Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lifecycle
}

// StartUnix is the start time identity captured at confirmation.
func (c *Controller) StartUnix() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startUnix
}

func (c *Controller) Check() bool { return c.rec.Check() }

// Attach adds and starts a monitor task. A task attached after Stop is cancelled at once.
func (c *Controller) Attach(t monitor.Task) {
	c.mu.Lock()
	if c.lifecycle != Active || c.torn {
		c.mu.Unlock()
		t.Cancel()
		return
	}
	c.tasks = append(c.tasks, t)
	c.mu.Unlock()
	t.Start()
}

// Confirm records the handshake pid and its start time. It may succeed once.
func (c *Controller) Confirm(pid int32, startUnix int64) error {
	if pid <= 0 {
		return fmt.Errorf("confirm: invalid pid %d", pid)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pid != -1 || c.lifecycle != Active {
		return fmt.Errorf("confirm: controller already has pid %d (%s)", c.pid, c.lifecycle)
	}
	c.pid = pid
	c.startUnix = startUnix
	return nil
}

// Stop interrupts the worker's process group, waits for a grace period, kills
// it if needed and cancels every monitor. It is idempotent; a caller arriving
// while another Stop is in flight waits for that one to finish.
// Stop is a no-op while the pid is unconfirmed.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.lifecycle == Stopping {
		ch := c.stopDone
		c.mu.Unlock()
		<-ch
		return
	}
	if c.pid == -1 || c.lifecycle != Active {
		c.mu.Unlock()
		return
	}
	c.lifecycle = Stopping
	c.stopDone = make(chan struct{})
	pid := c.pid
	tasks := append([]monitor.Task(nil), c.tasks...)
	c.mu.Unlock()

	c.log.Info("stopping worker", "pid", pid)
	if !c.proc.Terminate(c.opts.StopGrace, c.opts.KillWait) {
		c.log.Error("worker did not exit after SIGKILL", "pid", pid)
	}
	if stuck := monitor.CancelAll(tasks, c.opts.CancelWait); len(stuck) > 0 {
		c.log.Warn("monitor tasks did not finish", "pid", pid, "tasks", stuck)
	}

	c.mu.Lock()
	c.lifecycle = Stopped
	c.pid = -1
	close(c.stopDone)
	c.mu.Unlock()
	c.log.Info("worker stopped", "pid", pid)
}

// Stale reports whether the controller no longer describes a live process:
// it is Stopped, its launched process has been reaped, or its pid now belongs
// to another process or none.
func (c *Controller) Stale() bool {
	c.mu.Lock()
	lc, pid, start := c.lifecycle, c.pid, c.startUnix
	c.mu.Unlock()
	if lc == Stopped {
		return true
	}
	if pid <= 0 {
		return false
	}
	if c.proc != nil && c.proc.Pid() == int(pid) {
		select {
		case <-c.proc.Done():
			return true
		default:
		}
	}
	return !c.opts.SameProcess(int(pid), start)
}

// Acquire takes an ownership share. It fails once teardown has run.
func (c *Controller) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn || c.refs <= 0 {
		return false
	}
	c.refs++
	return true
}

// Release gives back a share; the last one runs teardown on the calling goroutine.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.refs <= 0 {
		c.mu.Unlock()
		c.log.Error("release without a share")
		return
	}
	c.refs--
	last := c.refs == 0
	if last {
		c.torn = true
	}
	c.mu.Unlock()
	if last {
		c.teardown()
	}
}

// Refs returns the number of outstanding shares.
func (c *Controller) Refs() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// TornDown reports whether the last share has been released.
func (c *Controller) TornDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.torn
}

func (c *Controller) teardown() {
	c.Stop()

	// A spawn that never confirmed its pid still has a launched process and
	// running monitors; Stop leaves those alone.
	c.mu.Lock()
	unconfirmed := c.lifecycle == Active
	c.lifecycle = Stopped
	c.pid = -1
	tasks := append([]monitor.Task(nil), c.tasks...)
	c.tasks = nil
	c.mu.Unlock()

	if unconfirmed && c.proc != nil && c.proc.Pid() > 0 {
		if !c.proc.Terminate(c.opts.StopGrace, c.opts.KillWait) {
			c.log.Error("unconfirmed worker did not exit", "launched_pid", c.proc.Pid())
		}
	}
	if stuck := monitor.CancelAll(tasks, c.opts.CancelWait); len(stuck) > 0 {
		c.log.Warn("monitor tasks did not finish at teardown", "tasks", stuck)
	}
	c.log.Debug("controller torn down")
}

// Info is a point-in-time view for the control plane.
type Info struct {
	PID       int32        `json:"pid"`
	Kind      Kind         `json:"kind"`
	Key       string       `json:"key"`
	Lifecycle Lifecycle    `json:"lifecycle"`
	State     health.State `json:"state"`
	Deadline  time.Time    `json:"deadline"`
	Healthy   bool         `json:"healthy"`
}

func (c *Controller) Info() Info {
	c.mu.Lock()
	pid, lc := c.pid, c.lifecycle
	c.mu.Unlock()
	s := c.rec.Snapshot()
	return Info{
		PID:       pid,
		Kind:      c.work.Kind,
		Key:       c.work.Key(),
		Lifecycle: lc,
		State:     s.State,
		Deadline:  s.Deadline,
		Healthy:   s.State.Alive(),
	}
}

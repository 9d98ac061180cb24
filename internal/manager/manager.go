// Package manager is the application state of the supervisor: the pid
// registry, the per-kind key indexes, and the operations the control plane
// calls (start, stop, sweep, shutdown).
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/supervisr/internal/command"
	"github.com/loykin/supervisr/internal/controller"
	"github.com/loykin/supervisr/internal/env"
	"github.com/loykin/supervisr/internal/health"
	"github.com/loykin/supervisr/internal/history"
	"github.com/loykin/supervisr/internal/metrics"
	"github.com/loykin/supervisr/internal/registry"
	"github.com/loykin/supervisr/internal/spawner"
)

var ErrUnknownKind = errors.New("unknown worker kind")

// Spawner launches a worker and returns a confirmed controller holding one share.
type Spawner interface {
	Spawn(ctx context.Context, l spawner.Launch, w controller.Workload) (*controller.Controller, error)
}

// DefaultStaleGrace covers the gap between a heartbeat deadline and the
// renewal that follows it.
const DefaultStaleGrace = 2 * time.Second

type Options struct {
	Spawner  Spawner
	Commands *command.Builder
	Env      *env.Env     // global worker environment; nil means none
	History  history.Sink // optional
	// StaleGrace is added to a record's deadline before the sweeper demotes it.
	// Zero or less means DefaultStaleGrace.
	StaleGrace time.Duration
	Logger     *slog.Logger
}

// Manager owns every registry. Create one per service with New; it is safe
// for concurrent use by request handlers and the sweeper.
//
// Removal is coordinated, not atomic: every path goes through remove, which
// pops the pid entry and every key entry of a controller. Each entry holds a
// share, so teardown runs when the last one is gone, including a share a
// concurrent request may still hold.
type Manager struct {
	reg     *registry.Registry
	indexes map[controller.Kind]*registry.Index[string]

	spawner Spawner
	cmds    *command.Builder
	env     *env.Env
	hist    history.Sink
	grace   time.Duration
	log     *slog.Logger
	now     func() time.Time

	// evicted controllers are torn down off the sweep path
	reaping sync.WaitGroup
}

func New(opts Options) (*Manager, error) {
	if opts.Spawner == nil {
		return nil, errors.New("manager: spawner is required")
	}
	if opts.Commands == nil {
		return nil, errors.New("manager: command builder is required")
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StaleGrace <= 0 {
		opts.StaleGrace = DefaultStaleGrace
	}
	m := &Manager{
		reg:     registry.New(),
		indexes: make(map[controller.Kind]*registry.Index[string]),
		spawner: opts.Spawner,
		cmds:    opts.Commands,
		env:     opts.Env,
		hist:    opts.History,
		grace:   opts.StaleGrace,
		log:     opts.Logger,
		now:     time.Now,
	}
	// SID per session kind, MID for ppa, name for standard workers.
	for _, k := range controller.Kinds() {
		m.indexes[k] = registry.NewIndex[string]()
	}
	return m, nil
}

func (m *Manager) index(k controller.Kind) (*registry.Index[string], error) {
	idx, ok := m.indexes[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
	return idx, nil
}

// Start spawns the worker for w and registers it under its pid and its key.
func (m *Manager) Start(ctx context.Context, w controller.Workload) (controller.Info, error) {
	if err := w.Validate(); err != nil {
		return controller.Info{}, err
	}
	idx, err := m.index(w.Kind)
	if err != nil {
		return controller.Info{}, err
	}
	kind, key := string(w.Kind), w.Key()
	if c, ok := idx.Find(key); ok && !c.Stale() {
		return controller.Info{}, fmt.Errorf("%w: %s %s is running as pid %d", registry.ErrDuplicateKey, kind, key, c.Pid())
	}

	launch, err := m.cmds.Build(w)
	if err != nil {
		m.spawnFailed(w, "command", err)
		return controller.Info{}, err
	}
	launch.Env = m.env.Merge(launch.Env)

	c, err := m.spawner.Spawn(ctx, launch, w)
	if err != nil {
		reason := "start"
		if errors.Is(err, health.ErrSpawnTimeout) {
			reason = "timeout"
		}
		m.spawnFailed(w, reason, err)
		return controller.Info{}, err
	}
	// The registry and the index take their own shares; ours goes on return.
	defer c.Release()

	if err := m.reg.Register(c.Pid(), c); err != nil {
		m.spawnFailed(w, "duplicate", err)
		return controller.Info{}, err
	}
	if err := idx.Register(key, c); err != nil {
		m.reg.PopController(c)
		m.spawnFailed(w, "duplicate", err)
		return controller.Info{}, err
	}
	info := c.Info()
	metrics.IncSpawn(kind)
	m.updateGauge(w.Kind)
	m.record(history.EventSpawn, info, nil)
	return info, nil
}

func (m *Manager) StartBasecaller(ctx context.Context, sid string, params controller.Params) (controller.Info, error) {
	return m.Start(ctx, controller.NewBasecaller(controller.BasecallerData{SID: sid, Params: params}))
}

func (m *Manager) StartPpa(ctx context.Context, mid string, params controller.Params) (controller.Info, error) {
	return m.Start(ctx, controller.NewPpa(controller.PpaData{MID: mid, Params: params}))
}

func (m *Manager) StartDarkcal(ctx context.Context, sid string, params controller.Params) (controller.Info, error) {
	return m.Start(ctx, controller.NewDarkcal(controller.CalData{SID: sid, Params: params}))
}

func (m *Manager) StartLoadingcal(ctx context.Context, sid string, params controller.Params) (controller.Info, error) {
	return m.Start(ctx, controller.NewLoadingcal(controller.CalData{SID: sid, Params: params}))
}

// Stop removes the worker registered under (kind, key) and stops it.
// An unknown key is a successful no-op; it reports whether a worker was found.
func (m *Manager) Stop(kind controller.Kind, key string) (bool, error) {
	idx, err := m.index(kind)
	if err != nil {
		return false, err
	}
	c, ok := idx.Find(key)
	if !ok || !c.Acquire() {
		return false, nil
	}
	defer c.Release()
	info := c.Info()
	m.remove(c)
	c.Stop()
	metrics.IncStop(string(kind))
	m.record(history.EventStop, info, nil)
	return true, nil
}

// StopPpa stops the post-primary job mid; stopping an unknown or already
// stopped job succeeds.
func (m *Manager) StopPpa(mid string) {
	_, _ = m.Stop(controller.KindPpa, mid)
}

// StopSession stops the worker of kind bound to session sid.
func (m *Manager) StopSession(kind controller.Kind, sid string) error {
	switch kind {
	case controller.KindBasecaller, controller.KindDarkcal, controller.KindLoadingcal:
	default:
		return fmt.Errorf("%w: %q is not a session kind", ErrUnknownKind, kind)
	}
	_, err := m.Stop(kind, sid)
	return err
}

// remove pops every entry referencing c. It never calls Stop; releasing the
// entries' shares does once the last holder lets go.
func (m *Manager) remove(c *controller.Controller) bool {
	removed := m.reg.PopController(c)
	for _, idx := range m.indexes {
		if len(idx.PopController(c)) > 0 {
			removed = true
		}
	}
	m.updateGauge(c.Kind())
	return removed
}

// Lookup returns the live worker bound to (kind, key).
func (m *Manager) Lookup(kind controller.Kind, key string) (controller.Info, bool) {
	idx, err := m.index(kind)
	if err != nil {
		return controller.Info{}, false
	}
	c, ok := idx.Find(key)
	if !ok {
		return controller.Info{}, false
	}
	return c.Info(), true
}

// Workers is a snapshot of every registered worker, ordered by pid.
func (m *Manager) Workers() []controller.Info {
	all := m.reg.All()
	out := make([]controller.Info, 0, len(all))
	for _, e := range all {
		out = append(out, e.Controller.Info())
	}
	return out
}

func (m *Manager) Len() int { return m.reg.Len() }

// Shutdown removes and stops every worker in parallel. It returns ctx's error
// if the stops outlive ctx; they keep running to completion regardless.
func (m *Manager) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, e := range m.reg.All() {
		c := e.Controller
		if !c.Acquire() {
			continue
		}
		g.Go(func() error {
			defer c.Release()
			info := c.Info()
			m.remove(c)
			c.Stop()
			m.record(history.EventStop, info, nil)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		m.reaping.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("all workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (m *Manager) updateGauge(k controller.Kind) {
	if idx, ok := m.indexes[k]; ok {
		metrics.SetRegistered(string(k), idx.Len())
	}
}

func (m *Manager) spawnFailed(w controller.Workload, reason string, err error) {
	m.log.Warn("spawn failed", "kind", string(w.Kind), "key", w.Key(), "reason", reason, "error", err)
	metrics.IncSpawnFailure(string(w.Kind), reason)
	m.record(history.EventSpawnFailed, controller.Info{Kind: w.Kind, Key: w.Key(), PID: -1}, err)
}

const historyTimeout = 5 * time.Second

// record sends one event to the history sinks. Failures are logged only.
func (m *Manager) record(typ history.EventType, info controller.Info, cause error) {
	if m.hist == nil {
		return
	}
	rec := history.Record{Kind: string(info.Kind), Key: info.Key, PID: info.PID, State: info.State.String()}
	if cause != nil {
		rec.Error = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := m.hist.Send(ctx, history.Event{Type: typ, OccurredAt: m.now().UTC(), Record: rec}); err != nil {
		m.log.Warn("history send failed", "event", string(typ), "error", err)
	}
}

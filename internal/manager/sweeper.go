package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/supervisr/internal/controller"
	"github.com/loykin/supervisr/internal/history"
	"github.com/loykin/supervisr/internal/metrics"
)

// SweepResult is what one health sweep saw.
type SweepResult struct {
	Removed []int32           `json:"removed"`
	Workers []controller.Info `json:"workers"`
}

// CheckAll demotes workers whose deadline has passed, then evicts every
// worker that fails its health check or was stopped without being removed.
// A panic while checking one worker is logged and does not stop the sweep.
func (m *Manager) CheckAll(ctx context.Context) SweepResult {
	began := time.Now()
	now := m.now()
	res := SweepResult{Removed: []int32{}}
	for _, e := range m.reg.All() {
		if ctx.Err() != nil {
			break
		}
		if m.sweepOne(e.Controller, now) {
			res.Removed = append(res.Removed, e.Pid)
		}
	}
	res.Workers = m.Workers()
	for _, k := range controller.Kinds() {
		m.updateGauge(k)
	}
	metrics.ObserveSweep(time.Since(began).Seconds())
	if len(res.Removed) > 0 {
		m.log.Info("sweep evicted workers", "pids", res.Removed)
	}
	return res
}

func (m *Manager) sweepOne(c *controller.Controller, now time.Time) (evicted bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("health check panicked", "pid", c.Pid(), "kind", string(c.Kind()), "panic", fmt.Sprint(r))
		}
	}()
	if c.Record().Expire(now, m.grace) {
		m.log.Warn("worker missed its deadline", "pid", c.Pid(), "kind", string(c.Kind()), "key", c.Workload().Key())
	}
	if c.Check() && c.Lifecycle() != controller.Stopped {
		return false
	}
	if !c.Acquire() {
		return false
	}
	defer m.releaseAsync(c)
	info := c.Info()
	if !m.remove(c) {
		return false
	}
	metrics.IncEviction(string(info.Kind))
	m.record(history.EventEvict, info, nil)
	return true
}

// releaseAsync drops a share on its own goroutine. When it is the last one,
// teardown stops the worker without holding up the sweep.
func (m *Manager) releaseAsync(c *controller.Controller) {
	m.reaping.Add(1)
	go func() {
		defer m.reaping.Done()
		c.Release()
	}()
}

// Sweeper runs CheckAll on a fixed interval until its context ends.
type Sweeper struct {
	m        *Manager
	interval time.Duration
	log      *slog.Logger
}

const DefaultSweepInterval = 10 * time.Second

func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{m: m, interval: interval, log: m.log.With("component", "sweeper")}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.log.Debug("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("sweeper stopped")
			return
		case <-t.C:
			s.m.CheckAll(ctx)
		}
	}
}

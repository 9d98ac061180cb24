package monitor

import (
	"context"
	"time"

	"github.com/loykin/supervisr/internal/health"
)

// DefaultHeartbeatInterval is used when a Heartbeat is built with a non-positive interval.
const DefaultHeartbeatInterval = 5 * time.Second

// Heartbeat is a timer-driven liveness pulse for workers that do not self-report.
// It keeps the record Pending and pushes the deadline forward; it never demotes.
// Demotion comes from the exit watcher or from Record.Expire in the sweeper.
type Heartbeat struct {
	task
	rec      *health.Record
	interval time.Duration
	now      func() time.Time
}

func NewHeartbeat(parent context.Context, rec *health.Record, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	h := &Heartbeat{rec: rec, interval: interval, now: time.Now}
	h.init(parent, "heartbeat")
	return h
}

func (h *Heartbeat) Start() { h.run(h.loop) }

func (h *Heartbeat) loop(ctx context.Context) {
	for {
		now := h.now()
		next := now.Add(h.interval)
		if d := h.rec.Deadline(); d.After(next) {
			next = d
		}
		// Renew refuses once the record is Unresponsive or Dead.
		if !h.rec.Renew(health.StatePending, next) {
			return
		}
		sleep := next.Sub(now)
		if sleep <= 0 {
			sleep = h.interval
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

package history

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// EventType defines the kind of worker lifecycle event.
type EventType string

const (
	EventSpawn       EventType = "spawn"
	EventSpawnFailed EventType = "spawn_failed"
	EventStop        EventType = "stop"
	EventEvict       EventType = "evict"
)

// Record describes the worker an event is about.
type Record struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"` // SID, MID or name
	PID   int32  `json:"pid"`
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi sends each event to every sink in parallel.
type Multi []Sink

// Send returns the joined errors of the sinks that failed; every sink is tried.
func (m Multi) Send(ctx context.Context, e Event) error {
	if len(m) == 0 {
		return nil
	}
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, s := range m {
		g.Go(func() error {
			errs[i] = s.Send(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

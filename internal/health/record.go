package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSpawnTimeout is returned when a worker does not report its pid in time.
	ErrSpawnTimeout = errors.New("spawn timeout: pid not reported")
	// ErrPidAlreadySet signals a second, conflicting pid handshake.
	ErrPidAlreadySet = errors.New("pid already set")
)

// State is the liveness vocabulary shared by every worker kind.
type State int32

const (
	StateUnknown State = iota
	StatePending
	StateOk
	StateUnresponsive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StatePending:
		return "pending"
	case StateOk:
		return "ok"
	case StateUnresponsive:
		return "unresponsive"
	case StateDead:
		return "dead"
	default:
		return "invalid"
	}
}

// Alive reports whether s belongs to the alive-ish set (anything but Unresponsive and Dead).
func (s State) Alive() bool {
	return s != StateUnresponsive && s != StateDead
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, ok := ParseState(string(b))
	if !ok {
		return fmt.Errorf("unknown health state %q", string(b))
	}
	*s = v
	return nil
}

// ParseState accepts the generic state names, case-insensitively.
func ParseState(v string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "unknown":
		return StateUnknown, true
	case "pending":
		return StatePending, true
	case "ok":
		return StateOk, true
	case "unresponsive":
		return StateUnresponsive, true
	case "dead":
		return StateDead, true
	}
	return StateUnknown, false
}

// Snapshot is a consistent copy of a Record.
type Snapshot struct {
	State    State     `json:"state"`
	Deadline time.Time `json:"deadline"`
	PID      int32     `json:"pid"`
}

// Record is the liveness record of one supervised worker.
// A single mutex guards (state, deadline, pid) so readers never observe a torn tuple.
// Records are shared by a controller and its monitor tasks; they outlive either.
type Record struct {
	mu       sync.Mutex
	state    State
	deadline time.Time
	pid      int32
	pidSet   chan struct{} // closed once pid becomes known
	logger   *slog.Logger
}

func NewRecord(logger *slog.Logger) *Record {
	if logger == nil {
		logger = slog.Default()
	}
	return &Record{pidSet: make(chan struct{}), logger: logger}
}

// SetState unconditionally records s; last writer wins.
func (r *Record) SetState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// SetTimeout unconditionally records the next liveness deadline.
func (r *Record) SetTimeout(deadline time.Time) {
	r.mu.Lock()
	r.deadline = deadline
	r.mu.Unlock()
}

// Renew writes s and deadline together, but only while the current state is alive-ish.
// It returns false, leaving the record untouched, once the record is Unresponsive or Dead.
func (r *Record) Renew(s State, deadline time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Alive() {
		return false
	}
	r.state = s
	if deadline.After(r.deadline) {
		r.deadline = deadline
	}
	return true
}

// Expire demotes an alive-ish record to Unresponsive when now is past deadline+grace.
// A zero deadline never expires. It reports whether a demotion happened.
func (r *Record) Expire(now time.Time, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Alive() || r.deadline.IsZero() {
		return false
	}
	if !now.After(r.deadline.Add(grace)) {
		return false
	}
	r.state = StateUnresponsive
	return true
}

// SetPid records the worker pid. It must be called once; repeating the same value is a no-op.
func (r *Record) SetPid(pid int32) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pid != 0 {
		if r.pid == pid {
			return nil
		}
		r.logger.Error("conflicting pid handshake", "pid", r.pid, "reported", pid)
		return fmt.Errorf("%w: have %d, got %d", ErrPidAlreadySet, r.pid, pid)
	}
	r.pid = pid
	close(r.pidSet)
	return nil
}

// Pid returns the recorded pid, or 0 when it is not known yet.
func (r *Record) Pid() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// WaitForPid blocks until the pid is set, timeout elapses or ctx is done.
// Every failure wraps ErrSpawnTimeout; a ctx cancel cause is kept in the message.
func (r *Record) WaitForPid(ctx context.Context, timeout time.Duration) (int32, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.pidSet:
		return r.Pid(), nil
	case <-t.C:
		return 0, fmt.Errorf("%w after %s", ErrSpawnTimeout, timeout)
	case <-ctx.Done():
		// A handshake racing the cancellation still wins.
		select {
		case <-r.pidSet:
			return r.Pid(), nil
		default:
		}
		return 0, fmt.Errorf("%w: %v", ErrSpawnTimeout, context.Cause(ctx))
	}
}

// Check returns false iff the state is Unresponsive or Dead.
// It never compares the deadline; staleness is converted into a state by Expire.
func (r *Record) Check() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Alive()
}

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Record) Deadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadline
}

func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{State: r.state, Deadline: r.deadline, PID: r.pid}
}

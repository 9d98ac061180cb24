// Package registry maps OS pids and logical keys (SID, MID) to controllers.
//
// Every entry owns one controller share. Locks are held only for map
// operations; shares are released after unlocking because the last release
// runs the controller's stop sequence.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/supervisr/internal/controller"
)

var (
	ErrDuplicatePid = errors.New("duplicate pid")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrReleased     = errors.New("controller already torn down")
)

// Entry is one (pid, controller) pair of a snapshot.
type Entry struct {
	Pid        int32
	Controller *controller.Controller
}

// Registry is the primary pid directory.
type Registry struct {
	mu    sync.Mutex
	items map[int32]*controller.Controller
}

func New() *Registry {
	return &Registry{items: make(map[int32]*controller.Controller)}
}

// Register inserts c under pid and takes a share of it.
// An existing live entry is a duplicate. A stale entry (stopped, or its pid
// now names a different process) is evicted so a reused pid never resolves
// to the dead controller.
func (r *Registry) Register(pid int32, c *controller.Controller) error {
	if pid <= 0 {
		return fmt.Errorf("register: invalid pid %d", pid)
	}
	if !c.Acquire() {
		return ErrReleased
	}
	old, dup := bind(&r.mu, r.items, pid, c)
	if dup {
		c.Release()
		return fmt.Errorf("%w: %d", ErrDuplicatePid, pid)
	}
	if old != nil {
		old.Release()
	}
	return nil
}

// Find returns the controller registered under pid. Stopped controllers are
// reported as absent.
func (r *Registry) Find(pid int32) (*controller.Controller, bool) {
	r.mu.Lock()
	c, ok := r.items[pid]
	r.mu.Unlock()
	if !ok || c.Lifecycle() == controller.Stopped {
		return nil, false
	}
	return c, true
}

// Pop removes pid and releases the registry share. It returns the controller
// on the first call only. It never calls Stop itself; teardown follows the
// last share.
func (r *Registry) Pop(pid int32) (*controller.Controller, bool) {
	r.mu.Lock()
	c, ok := r.items[pid]
	if ok {
		delete(r.items, pid)
	}
	r.mu.Unlock()
	if ok {
		c.Release()
	}
	return c, ok
}

// PopController removes c wherever it is registered.
func (r *Registry) PopController(c *controller.Controller) bool {
	r.mu.Lock()
	var pids []int32
	for pid, v := range r.items {
		if v == c {
			pids = append(pids, pid)
			delete(r.items, pid)
		}
	}
	r.mu.Unlock()
	for range pids {
		c.Release()
	}
	return len(pids) > 0
}

// All returns a snapshot ordered by pid; it is safe to iterate without locks.
func (r *Registry) All() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.items))
	for pid, c := range r.items {
		out = append(out, Entry{Pid: pid, Controller: c})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

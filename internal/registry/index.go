package registry

import (
	"fmt"
	"sync"

	"github.com/loykin/supervisr/internal/controller"
)

// Index is a secondary directory keyed by a caller-supplied identifier.
// Each entry owns one controller share, independent of the primary registry.
type Index[K comparable] struct {
	mu    sync.Mutex
	items map[K]*controller.Controller
}

func NewIndex[K comparable]() *Index[K] {
	return &Index[K]{items: make(map[K]*controller.Controller)}
}

// Register binds key to c. A key bound to a live controller is a duplicate;
// one bound to a stale controller is replaced.
func (x *Index[K]) Register(key K, c *controller.Controller) error {
	if !c.Acquire() {
		return ErrReleased
	}
	old, dup := bind(&x.mu, x.items, key, c)
	if dup {
		c.Release()
		return fmt.Errorf("%w: %v", ErrDuplicateKey, key)
	}
	if old != nil {
		old.Release()
	}
	return nil
}

// bind stores c under key unless a live controller already holds it. It
// returns the stale controller it displaced, whose share the caller releases.
// Binding c to its own key again drops the extra share here. Stale may read
// /proc, so it runs without mu and the entry is checked again afterwards.
func bind[K comparable](mu *sync.Mutex, items map[K]*controller.Controller, key K, c *controller.Controller) (*controller.Controller, bool) {
	for {
		mu.Lock()
		old, ok := items[key]
		if !ok {
			items[key] = c
			mu.Unlock()
			return nil, false
		}
		if old == c {
			mu.Unlock()
			c.Release()
			return nil, false
		}
		mu.Unlock()
		stale := old.Stale()
		mu.Lock()
		if items[key] != old {
			mu.Unlock()
			continue
		}
		if !stale {
			mu.Unlock()
			return nil, true
		}
		items[key] = c
		mu.Unlock()
		return old, false
	}
}

func (x *Index[K]) Find(key K) (*controller.Controller, bool) {
	x.mu.Lock()
	c, ok := x.items[key]
	x.mu.Unlock()
	if !ok || c.Lifecycle() == controller.Stopped {
		return nil, false
	}
	return c, true
}

// Pop removes key and releases its share; idempotent.
func (x *Index[K]) Pop(key K) (*controller.Controller, bool) {
	x.mu.Lock()
	c, ok := x.items[key]
	if ok {
		delete(x.items, key)
	}
	x.mu.Unlock()
	if ok {
		c.Release()
	}
	return c, ok
}

// PopController removes every key that references c.
func (x *Index[K]) PopController(c *controller.Controller) []K {
	x.mu.Lock()
	var keys []K
	for k, v := range x.items {
		if v == c {
			keys = append(keys, k)
			delete(x.items, k)
		}
	}
	x.mu.Unlock()
	for range keys {
		c.Release()
	}
	return keys
}

// Keys returns a snapshot of the bound keys.
func (x *Index[K]) Keys() []K {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]K, 0, len(x.items))
	for k := range x.items {
		out = append(out, k)
	}
	return out
}

func (x *Index[K]) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.items)
}

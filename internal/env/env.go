// Package env composes worker environments from the service environment,
// env files, global overrides and per-kind overrides.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type Var map[string]string

// Env holds the layers shared by every worker. It is safe for concurrent use.
type Env struct {
	mu     sync.RWMutex
	base   Var // OS environment, when enabled
	global Var // env files, then top-level env entries
}

func New() *Env {
	return &Env{base: Var{}, global: Var{}}
}

// FromOS uses the current process environment as the base layer.
func (e *Env) FromOS() {
	base := parsePairs(os.Environ())
	e.mu.Lock()
	e.base = base
	e.mu.Unlock()
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.mu.Lock()
	e.global[k] = v
	e.mu.Unlock()
}

func (e *Env) Unset(k string) {
	e.mu.Lock()
	delete(e.global, k)
	e.mu.Unlock()
}

// Apply sets every "K=V" entry; malformed entries are skipped.
func (e *Env) Apply(pairs []string) {
	for k, v := range parsePairs(pairs) {
		e.Set(k, v)
	}
}

// LoadFile applies a .env file: KEY=VALUE lines, # comments, an optional
// "export " prefix and one pair of surrounding quotes.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return fmt.Errorf("env file %s:%d: expected KEY=VALUE", path, n+1)
		}
		e.Set(strings.TrimSpace(line[:i]), unquote(strings.TrimSpace(line[i+1:])))
	}
	return nil
}

// Merge layers base, global and each perWorker list in order and expands
// ${VAR} and $VAR against the composed map. Unknown references are left as
// written. The result is sorted by key.
func (e *Env) Merge(perWorker ...[]string) []string {
	m := Var{}
	e.mu.RLock()
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	e.mu.RUnlock()
	for _, l := range perWorker {
		for k, v := range parsePairs(l) {
			m[k] = v
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	return os.Expand(s, func(name string) string {
		if v, ok := m[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}

func parsePairs(pairs []string) Var {
	m := Var{}
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func unquote(v string) string {
	if n := len(v); n >= 2 {
		if (v[0] == '"' && v[n-1] == '"') || (v[0] == '\'' && v[n-1] == '\'') {
			return v[1 : n-1]
		}
	}
	return v
}

// Package env composes the environment handed to worker processes.
package env

import (
	"os"
	"sort"
	"strings"
)

// Env layers worker environment: the base (OS by default), then global
// overrides, then per-worker pairs. It is not safe for concurrent mutation.
type Env struct {
	base   map[string]string
	global map[string]string
}

// New returns an Env whose base is the current process environment.
func New() *Env {
	e := &Env{global: make(map[string]string)}
	e.base = parse(os.Environ())
	return e
}

// Isolated returns an Env with an empty base, for workers that must not
// inherit the supervisor's environment.
func Isolated() *Env {
	return &Env{base: make(map[string]string), global: make(map[string]string)}
}

// Set sets a global variable applied to every worker.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.global[k] = v
}

// SetPairs applies "K=V" pairs as global variables. Malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) {
	for k, v := range parse(pairs) {
		e.global[k] = v
	}
}

// Merge composes the final "K=V" list for one worker, sorted by key.
// ${VAR} references are resolved against the composed map, one level deep.
func (e *Env) Merge(perWorker []string) []string {
	m := make(map[string]string, len(e.base)+len(e.global)+len(perWorker))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for k, v := range parse(perWorker) {
		m[k] = v
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

func parse(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+j]])
		s = s[i+j+1:]
	}
}

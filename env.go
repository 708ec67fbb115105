package e2factory

import "sort"

// Env is a string environment whose identity is independent of insertion
// order.
type Env struct {
	m map[string]string
}

func NewEnv() *Env {
	return &Env{m: map[string]string{}}
}

func (e *Env) Set(key, value string) {
	if e.m == nil {
		e.m = map[string]string{}
	}
	e.m[key] = value
}

func (e *Env) Get(key string) (string, bool) {
	v, ok := e.m[key]
	return v, ok
}

func (e *Env) Len() int {
	return len(e.m)
}

// Keys returns the keys in ascending lexicographic order.
func (e *Env) Keys() []string {
	keys := make([]string, 0, len(e.m))
	for k := range e.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge copies other's entries into e. With override false, existing keys
// are preserved; with true, they are overwritten.
func (e *Env) Merge(other *Env, override bool) {
	if other == nil {
		return
	}
	if e.m == nil {
		e.m = map[string]string{}
	}
	for k, v := range other.m {
		if _, exists := e.m[k]; exists && !override {
			continue
		}
		e.m[k] = v
	}
}

func (e *Env) Clone() *Env {
	c := NewEnv()
	c.Merge(e, true)
	return c
}

// ID hashes concat(key, value) over the keys in ascending order.
func (e *Env) ID() string {
	h := NewHash()
	for _, k := range e.Keys() {
		h.Append(k + e.m[k])
	}
	return h.Finish()
}

// Package env composes the worker's environment from the supervisor's own
// environment, .env files and configured overrides.
package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Env is a layered set of variables. Later layers win.
type Env struct {
	base   map[string]string
	layers []map[string]string
}

func New() *Env { return &Env{} }

// FromOS uses the supervisor's environment as the base layer.
func (e *Env) FromOS() *Env {
	e.base = ParsePairs(os.Environ())
	return e
}

// Add appends a layer of "KEY=VALUE" pairs. Malformed entries are skipped.
func (e *Env) Add(pairs []string) *Env {
	if len(pairs) > 0 {
		e.layers = append(e.layers, ParsePairs(pairs))
	}
	return e
}

// AddFile appends the variables of a .env file as a layer.
func (e *Env) AddFile(path string) error {
	m, err := ReadFile(path)
	if err != nil {
		return err
	}
	e.layers = append(e.layers, m)
	return nil
}

// Set overrides a single variable in a new layer.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.layers = append(e.layers, map[string]string{k: v})
	}
	return e
}

// Pairs flattens the layers, expands $VAR and ${VAR} references against the
// result and returns sorted "KEY=VALUE" entries. Unknown references expand
// to the empty string; expansion is not recursive.
func (e *Env) Pairs() []string {
	m := make(map[string]string, len(e.base))
	for k, v := range e.base {
		m[k] = v
	}
	for _, l := range e.layers {
		for k, v := range l {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+os.Expand(v, func(ref string) string { return m[ref] }))
	}
	sort.Strings(out)
	return out
}

// ParsePairs turns "KEY=VALUE" entries into a map, skipping entries without
// '=' or with an empty key.
func ParsePairs(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// ReadFile parses a .env file: KEY=VALUE lines, optional "export " prefix,
// optional matching quotes around the value, # comments.
func ReadFile(path string) (map[string]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	m := make(map[string]string)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimPrefix(text, "export ")
		k, v, ok := strings.Cut(text, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, line)
		}
		v = strings.TrimSpace(v)
		if n := len(v); n >= 2 && (v[0] == '"' || v[0] == '\'') && v[n-1] == v[0] {
			v = v[1 : n-1]
		}
		m[k] = v
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

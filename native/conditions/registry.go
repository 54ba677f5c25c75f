package conditions

import (
	"fmt"
	"strings"
	"sync"
)

// Registry hands out one shared instance per distinct configuration: asking
// twice for the same (normalized) expression returns the same Condition or
// Recorder, and an instance is only built the first time it is requested.
type Registry struct {
	mu               sync.Mutex
	resolve          Resolver
	recorderResolver func(name string) (Recorder, bool)
	conditions       map[string]Condition
	recorders        map[string]Recorder
}

// NewRegistry returns a registry resolving leaf conditions through resolve
// and named recorders through recorders.
func NewRegistry(resolve Resolver, recorders func(name string) (Recorder, bool)) *Registry {
	return &Registry{
		resolve:          resolve,
		recorderResolver: recorders,
		conditions:       make(map[string]Condition),
		recorders:        make(map[string]Recorder),
	}
}

// Condition returns the instance for expr, building it on first use. An
// empty expression returns nil (no restriction).
func (r *Registry) Condition(expr string) (Condition, error) {
	key, err := Normalize(expr)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conditions[key]; ok {
		return c, nil
	}
	c, err := Parse(key, r.resolve)
	if err != nil {
		return nil, err
	}
	r.conditions[key] = c
	return c, nil
}

// Recorder returns the instance for a comma-separated list of recorder
// names. A single name yields that recorder; several yield a RecorderChain.
// An empty list returns nil (no hook).
func (r *Registry) Recorder(list string) (Recorder, error) {
	names := make([]string, 0)
	for _, raw := range strings.Split(list, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	key := strings.Join(names, ",")

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.recorders[key]; ok {
		return rec, nil
	}
	members := make([]Recorder, 0, len(names))
	for _, name := range names {
		if r.recorderResolver == nil {
			return nil, fmt.Errorf("conditions: unknown recorder %s", name)
		}
		rec, ok := r.recorderResolver(name)
		if !ok {
			return nil, fmt.Errorf("conditions: unknown recorder %s", name)
		}
		members = append(members, rec)
	}
	var rec Recorder
	if len(members) == 1 {
		rec = members[0]
	} else {
		chain, err := Recorders(members...)
		if err != nil {
			return nil, err
		}
		rec = chain
	}
	r.recorders[key] = rec
	return rec, nil
}

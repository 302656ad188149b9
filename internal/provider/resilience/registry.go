package resilience

import (
	"sort"
	"sync"
	"time"
)

// ProbeHealth is the recorded history of one probed service.
type ProbeHealth struct {
	// Key is the service key ("<environment>_<endpoint>").
	Key string

	// LastSuccessAt is the time of the last successful probe.
	LastSuccessAt *time.Time

	// LastFailureAt is the time of the last failed probe.
	LastFailureAt *time.Time

	// LastError is the most recent failure message, if any.
	LastError string

	// ConsecutiveFailures resets to zero on success.
	ConsecutiveFailures int

	// TotalProbes counts every recorded outcome.
	TotalProbes int
}

// IsHealthy reports whether the latest probe succeeded.
func (h *ProbeHealth) IsHealthy() bool {
	return h.ConsecutiveFailures == 0 && h.LastSuccessAt != nil
}

// Registry tracks probe outcomes per service key across cycles.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]*ProbeHealth
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		probes: make(map[string]*ProbeHealth),
		now:    time.Now,
	}
}

// WithClock replaces the registry clock. Used by tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) entry(key string) *ProbeHealth {
	p, ok := r.probes[key]
	if !ok {
		p = &ProbeHealth{Key: key}
		r.probes[key] = p
	}
	return p
}

// RecordSuccess records a successful probe.
func (r *Registry) RecordSuccess(key string) ProbeHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	p := r.entry(key)
	p.LastSuccessAt = &now
	p.ConsecutiveFailures = 0
	p.TotalProbes++
	return *p
}

// RecordFailure records a failed probe.
func (r *Registry) RecordFailure(key string, message string) ProbeHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	p := r.entry(key)
	p.LastFailureAt = &now
	p.LastError = message
	p.ConsecutiveFailures++
	p.TotalProbes++
	return *p
}

// Get returns a copy of the history for key, or nil if never probed.
func (r *Registry) Get(key string) *ProbeHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.probes[key]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// All returns copies of every entry sorted by key.
func (r *Registry) All() []ProbeHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProbeHealth, 0, len(r.probes))
	for _, p := range r.probes {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Count returns the number of tracked services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.probes)
}

// Reset forgets every entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes = make(map[string]*ProbeHealth)
}

// Package counters maintains the process-wide monotonic counters published
// for observability. Counters are named, created on first touch, and cheap
// to bump from any goroutine. A prometheus Collector view is provided so
// the full set shows up on the metrics endpoint without per-counter
// registration.
package counters

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is a process-wide counter table.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
}

// New creates an empty counter registry.
func New() *Registry {
	return &Registry{counters: make(map[string]*atomic.Int64)}
}

func (r *Registry) counter(name string) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &atomic.Int64{}
	r.counters[name] = c
	return c
}

// Register ensures a counter exists so it is published even at zero.
func (r *Registry) Register(name string) {
	r.counter(name)
}

// Incr bumps a counter by one.
func (r *Registry) Incr(name string) {
	r.counter(name).Add(1)
}

// IncrBy bumps a counter by n.
func (r *Registry) IncrBy(name string, n int64) {
	r.counter(name).Add(n)
}

// Set overwrites a counter value. Used for gauge-like counters such as the
// live session count.
func (r *Registry) Set(name string, v int64) {
	r.counter(name).Store(v)
}

// Get returns the current value of a counter (zero if never touched).
func (r *Registry) Get(name string) int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// Snapshot returns a copy of all counters.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Load()
	}
	return out
}

// Names returns the sorted counter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.counters))
	for name := range r.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// collector adapts the registry to a prometheus.Collector. Every counter is
// exported as an untyped metric "fcr_counter" labeled by name, so dynamic
// counters need no registration ceremony.
type collector struct {
	registry *Registry
	desc     *prometheus.Desc
}

// Collector returns a prometheus collector view of the registry.
func (r *Registry) Collector() prometheus.Collector {
	return &collector{
		registry: r,
		desc: prometheus.NewDesc(
			"fcr_counter",
			"Command runner counters by name.",
			[]string{"name"}, nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for name, v := range c.registry.Snapshot() {
		ch <- prometheus.MustNewConstMetric(
			c.desc, prometheus.UntypedValue, float64(v), name)
	}
}

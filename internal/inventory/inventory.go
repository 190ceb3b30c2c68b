// Package inventory maintains the device database snapshot: the records
// describing every known device, refreshed on an interval from a pluggable
// backend. Snapshots are immutable; a refresh publishes a replacement map
// with one atomic swap, so readers never see a half-updated view.
package inventory

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// IP is one candidate address for a device.
type IP struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Addr string `json:"addr" yaml:"addr"`
	Mgmt bool   `json:"mgmt,omitempty" yaml:"mgmt,omitempty"`
}

// Record is the inventory entry for one device.
type Record struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	Alias    string `json:"alias,omitempty" yaml:"alias,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Vendor   string `json:"vendor" yaml:"vendor"`
	Role     string `json:"role,omitempty" yaml:"role,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`

	// PrefIPs are tried in preference order; IP is the fallback.
	PrefIPs []IP   `json:"pref_ips,omitempty" yaml:"pref_ips,omitempty"`
	IP      string `json:"ip,omitempty" yaml:"ip,omitempty"`
}

// Fetcher retrieves device records from a backend. filter is a hostname
// (exact) when non-empty; implementations may ignore it and return the full
// set. Fetch may block on I/O and is always called off the request path or
// under the fetch-worker bound.
type Fetcher interface {
	Fetch(ctx context.Context, filter string) ([]Record, error)
}

// Store is the live snapshot of the device database.
type Store struct {
	fetcher    Fetcher
	cache      *Cache // optional persistent snapshot
	logger     *zap.Logger
	nameFilter *regexp.Regexp

	snapshot atomic.Pointer[map[string]Record]

	// fetchSem bounds concurrent on-demand fetches for unknown devices.
	fetchSem chan struct{}

	mu        sync.Mutex
	lastError error
	lastSync  time.Time
}

// Options configures a Store.
type Options struct {
	// NameFilter restricts the snapshot to matching hostnames.
	NameFilter string
	// MaxFetchWorkers bounds concurrent on-demand fetches (default 10).
	MaxFetchWorkers int
	// Cache persists snapshots across restarts (nil disables).
	Cache *Cache
}

// NewStore creates a store over the given fetcher. If a cache is configured
// and holds a previous snapshot, it is published immediately so lookups work
// before the first refresh completes.
func NewStore(fetcher Fetcher, opts Options, logger *zap.Logger) (*Store, error) {
	workers := opts.MaxFetchWorkers
	if workers <= 0 {
		workers = 10
	}

	s := &Store{
		fetcher:  fetcher,
		cache:    opts.Cache,
		logger:   logger,
		fetchSem: make(chan struct{}, workers),
	}

	if opts.NameFilter != "" {
		re, err := regexp.Compile(opts.NameFilter)
		if err != nil {
			return nil, fmt.Errorf("device_name_filter: %w", err)
		}
		s.nameFilter = re
	}

	empty := map[string]Record{}
	s.snapshot.Store(&empty)

	if s.cache != nil {
		if records, err := s.cache.Load(); err != nil {
			logger.Warn("inventory cache load failed", zap.Error(err))
		} else if len(records) > 0 {
			s.publish(records)
			logger.Info("inventory restored from cache", zap.Int("devices", len(records)))
		}
	}

	return s, nil
}

// Refresh fetches the full device set and atomically replaces the snapshot.
func (s *Store) Refresh(ctx context.Context) error {
	records, err := s.fetcher.Fetch(ctx, "")
	s.mu.Lock()
	s.lastError = err
	if err == nil {
		s.lastSync = time.Now()
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("inventory refresh failed", zap.Error(err))
		return err
	}

	kept := s.publish(records)
	s.logger.Info("inventory refreshed",
		zap.Int("devices", len(records)), zap.Int("kept", kept))

	if s.cache != nil {
		if err := s.cache.Save(records); err != nil {
			s.logger.Warn("inventory cache save failed", zap.Error(err))
		}
	}
	return nil
}

// publish filters and indexes records, swaps the snapshot, and returns the
// number of records kept.
func (s *Store) publish(records []Record) int {
	indexed := make(map[string]Record, len(records)*2)
	kept := 0
	for _, r := range records {
		if s.nameFilter != nil && !s.nameFilter.MatchString(r.Hostname) {
			continue
		}
		kept++
		indexed[r.Hostname] = r
		if r.Alias != "" {
			indexed[r.Alias] = r
		}
	}
	s.snapshot.Store(&indexed)
	return kept
}

// Get returns the record for a hostname. A miss triggers one bounded
// on-demand fetch before giving up, so freshly provisioned devices are
// usable between refresh ticks.
func (s *Store) Get(ctx context.Context, hostname string) (Record, error) {
	if r, ok := (*s.snapshot.Load())[hostname]; ok {
		return r, nil
	}

	select {
	case s.fetchSem <- struct{}{}:
		defer func() { <-s.fetchSem }()
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}

	// Re-check: another fetch may have landed while we waited.
	if r, ok := (*s.snapshot.Load())[hostname]; ok {
		return r, nil
	}

	records, err := s.fetcher.Fetch(ctx, hostname)
	if err != nil {
		return Record{}, fmt.Errorf("device %q: fetch: %w", hostname, err)
	}
	for _, r := range records {
		if s.nameFilter != nil && !s.nameFilter.MatchString(r.Hostname) {
			continue
		}
		if r.Hostname == hostname || r.Alias == hostname {
			s.merge(records)
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("device %q not found", hostname)
}

// merge adds fetched records to the current snapshot (copy-on-write).
func (s *Store) merge(records []Record) {
	cur := *s.snapshot.Load()
	next := make(map[string]Record, len(cur)+len(records))
	for k, v := range cur {
		next[k] = v
	}
	for _, r := range records {
		if s.nameFilter != nil && !s.nameFilter.MatchString(r.Hostname) {
			continue
		}
		next[r.Hostname] = r
		if r.Alias != "" {
			next[r.Alias] = r
		}
	}
	s.snapshot.Store(&next)
}

// Count returns the number of snapshot entries (aliases included).
func (s *Store) Count() int {
	return len(*s.snapshot.Load())
}

// LastSync returns the time of the last successful refresh and the last
// refresh error, if any.
func (s *Store) LastSync() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.lastError
}

// StaticFetcher serves a fixed record set. Used in tests and as the backend
// when devices are fully specified in requests.
type StaticFetcher struct {
	Records []Record
}

// Fetch implements Fetcher.
func (f *StaticFetcher) Fetch(ctx context.Context, filter string) ([]Record, error) {
	return f.Records, nil
}

package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/fcr/internal/counters"
	"github.com/marcus-qen/fcr/internal/protocol"
)

// Registry owns every live session, keyed by (id, client ip, client port).
// The owner tuple in the key is the affinity guarantee: a session opened on
// one client connection is invisible to every other.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	sessions map[key]*Session
	draining bool

	counters *counters.Registry
	logger   *zap.Logger
}

type key struct {
	id    uint64
	owner Owner
}

// NewRegistry creates an empty session registry.
func NewRegistry(ctr *counters.Registry, logger *zap.Logger) *Registry {
	ctr.Register("sessions")
	return &Registry{
		sessions: make(map[key]*Session),
		counters: ctr,
		logger:   logger,
	}
}

// Register assigns the session an id, binds it to its owner, and arms it
// for the idle sweep. Fails once shutdown has begun.
func (r *Registry) Register(s *Session, owner Owner) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return 0, protocol.SessionErrorf(protocol.CodeRuntime, "shutting down, not accepting sessions")
	}

	r.nextID++
	id := r.nextID

	s.mu.Lock()
	s.id = id
	s.owner = owner
	s.mu.Unlock()

	r.sessions[key{id: id, owner: owner}] = s
	r.counters.Set("sessions", int64(len(r.sessions)))
	return id, nil
}

// Lookup returns the session only when the owner matches the registration.
func (r *Registry) Lookup(id uint64, owner Owner) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key{id: id, owner: owner}]
	if !ok {
		return nil, protocol.SessionErrorf(protocol.CodeLookup, "session not found")
	}
	return s, nil
}

// Evict removes and closes a session. The caller must own it.
func (r *Registry) Evict(id uint64, owner Owner) error {
	r.mu.Lock()
	s, ok := r.sessions[key{id: id, owner: owner}]
	if ok {
		delete(r.sessions, key{id: id, owner: owner})
		r.counters.Set("sessions", int64(len(r.sessions)))
	}
	r.mu.Unlock()

	if !ok {
		return protocol.SessionErrorf(protocol.CodeLookup, "session not found")
	}
	return s.Close()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts sessions idle past their idle timeout. Run periodically.
func (r *Registry) Sweep() int {
	now := time.Now()

	r.mu.Lock()
	var expired []*Session
	for k, s := range r.sessions {
		timeout := s.IdleTimeout()
		if timeout <= 0 {
			continue
		}
		if s.IdleSince(now.Add(-timeout)) {
			delete(r.sessions, k)
			expired = append(expired, s)
		}
	}
	r.counters.Set("sessions", int64(len(r.sessions)))
	r.mu.Unlock()

	for _, s := range expired {
		r.logger.Info("evicting idle session",
			zap.Uint64("id", s.ID()), zap.String("device", s.Hostname()))
		r.counters.Incr("session.idle_evicted")
		_ = s.Close()
	}
	return len(expired)
}

// Shutdown refuses new sessions, waits for in-flight work to finish within
// maxWait, then force-closes whatever remains.
func (r *Registry) Shutdown(ctx context.Context, maxWait time.Duration) {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		if r.Count() == 0 {
			break
		}
		r.logger.Info("waiting for sessions to drain", zap.Int("pending", r.Count()))
		wait := time.Second
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(wait):
		}
	}

	r.mu.Lock()
	remaining := make([]*Session, 0, len(r.sessions))
	for k, s := range r.sessions {
		delete(r.sessions, k)
		remaining = append(remaining, s)
	}
	r.counters.Set("sessions", 0)
	r.mu.Unlock()

	for _, s := range remaining {
		r.logger.Warn("force-closing session at shutdown",
			zap.Uint64("id", s.ID()), zap.String("device", s.Hostname()))
		_ = s.Close()
	}
}

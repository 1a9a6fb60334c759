// Package registry owns the set of live device sessions. It is grounded
// on the teacher's WsSessionManager (internal/remote/desktop/ws_manager.go):
// a map keyed by device id guarded by a single mutex, replacing a prior
// session outright when a new one is requested for the same id. Per the
// source's own design note (spec §9) it is built as an explicit owner
// object passed to its callers rather than a package-level singleton, so
// that tests can construct independent registries.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wallcast/wallcast-server/internal/broadcast"
	"github.com/wallcast/wallcast-server/internal/cdp"
	"github.com/wallcast/wallcast-server/internal/logging"
	"github.com/wallcast/wallcast-server/internal/session"
	"github.com/wallcast/wallcast-server/internal/workerpool"
)

var log = logging.L("registry")

// DefaultIdleTTL is the default window of inactivity (spec §4.5) after
// which CleanupIdle destroys a session nobody is watching.
const DefaultIdleTTL = 5 * time.Minute

// Registry owns every live DeviceSession and mediates creation, reuse,
// and idle teardown.
type Registry struct {
	browser *cdp.Browser
	bc      *broadcast.Broadcaster
	pool    *workerpool.Pool

	reducedMotion bool

	mu       sync.Mutex
	sessions map[string]*session.Session

	cleaning atomic.Bool
}

// New constructs a Registry. pool is shared across every session's
// FrameProcessor for parallel tile encoding and may be nil to encode
// tiles sequentially. reducedMotion is the process-wide
// PREFERS_REDUCED_MOTION setting (spec §6) applied to every session this
// registry creates.
func New(browser *cdp.Browser, bc *broadcast.Broadcaster, pool *workerpool.Pool, reducedMotion bool) *Registry {
	return &Registry{
		browser:       browser,
		bc:            bc,
		pool:          pool,
		reducedMotion: reducedMotion,
		sessions:      make(map[string]*session.Session),
	}
}

// EnsureDevice returns the session for id, creating one if none exists. If
// a session exists but its configuration differs from cfg, the existing
// session is destroyed and replaced (spec §4.4 Lifecycles: a config change
// is a new incarnation, not a mutation). If a session exists with an
// identical configuration, a full frame is latched for the caller's
// benefit (a new viewer may be joining) and the existing session is
// returned unchanged.
func (r *Registry) EnsureDevice(ctx context.Context, id string, cfg session.DeviceConfig) (*session.Session, error) {
	r.mu.Lock()
	existing, ok := r.sessions[id]
	r.mu.Unlock()

	if ok {
		if existing.Config().Equal(cfg) {
			existing.RequestFullFrame()
			return existing, nil
		}
		r.destroy(id, existing)
	}

	s, err := session.New(ctx, id, cfg, r.browser, r.bc, r.pool, r.reducedMotion)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	log.Info("device session created", logging.KeyDeviceID, id)
	return s, nil
}

// RemoveDevice destroys and forgets the session for id, if any. Safe to
// call for an id with no active session.
func (r *Registry) RemoveDevice(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		s.Destroy()
		log.Info("device session removed", logging.KeyDeviceID, id)
	}
}

func (r *Registry) destroy(id string, s *session.Session) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	s.Destroy()
	log.Info("device session replaced due to config change", logging.KeyDeviceID, id)
}

// Lookup returns the session for id without creating one, for read-only
// callers like the stats endpoint that should not start a browser target
// just to report that none exists.
func (r *Registry) Lookup(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Broadcaster returns the broadcaster shared by every session this
// registry owns, so an HTTP handler can register a viewer connection
// once EnsureDevice has confirmed the session exists.
func (r *Registry) Broadcaster() *broadcast.Broadcaster { return r.bc }

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CleanupIdle destroys every session whose LastActive is older than ttl.
// A single-flight guard drops overlapping calls instead of queuing them,
// since a cleanup tick that is still running means the previous sweep
// hasn't finished and a second one would only race it for the same locks
// (spec §4.5).
func (r *Registry) CleanupIdle(ttl time.Duration) {
	if !r.cleaning.CompareAndSwap(false, true) {
		log.Debug("cleanup sweep already in progress, skipping")
		return
	}
	defer r.cleaning.Store(false)

	cutoff := time.Now().Add(-ttl).UnixMilli()

	r.mu.Lock()
	var stale []string
	for id, s := range r.sessions {
		if s.LastActive() < cutoff {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.mu.Lock()
		s, ok := r.sessions[id]
		if ok {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		if ok {
			s.Destroy()
			log.Info("idle device session destroyed", logging.KeyDeviceID, id)
		}
	}
}

// RunCleanupLoop ticks CleanupIdle every interval until ctx is cancelled.
// It is the caller's responsibility to run this in its own goroutine.
func (r *Registry) RunCleanupLoop(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.CleanupIdle(ttl)
		case <-ctx.Done():
			return
		}
	}
}

// StopAll destroys every live session, used during process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Destroy()
	}
}

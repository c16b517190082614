// Package session owns one authenticated venue session per credential and
// serializes concurrent acquisition so each credential performs at most one
// authentication round trip at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"arb-core/pkg/broker"
)

// Session is one cached venue session.
type Session struct {
	Token      string
	AcquiredAt time.Time
	Host       string // endpoint actually used, when connected via fallback
}

// Config tunes the cache policy.
type Config struct {
	// TTL is the nominal session lifetime; tokens past it are discarded
	// unconditionally. Entries are garbage-collected at 1.5x TTL.
	TTL time.Duration
	// ValidateAge is the age beyond which a cached token is probed for
	// liveness before reuse. Tokens younger than this are returned as-is
	// to bound remote calls.
	ValidateAge time.Duration
	// MaxSessions caps the cache; the oldest entry is evicted when full.
	MaxSessions int
	// CandidateRetries bounds authentication attempts per discovered
	// endpoint during fallback.
	CandidateRetries int
	// RetryDelay is the pause between attempts against one endpoint.
	RetryDelay time.Duration
	// SweepInterval is the cadence of the background eviction sweep.
	SweepInterval time.Duration
}

// DefaultConfig returns the engine defaults (22h nominal TTL, probe after
// 6h, sweep at 1.5x TTL age).
func DefaultConfig() Config {
	return Config{
		TTL:              22 * time.Hour,
		ValidateAge:      6 * time.Hour,
		MaxSessions:      100,
		CandidateRetries: 2,
		RetryDelay:       500 * time.Millisecond,
		SweepInterval:    30 * time.Minute,
	}
}

// Manager caches authenticated sessions per (venue, server, account).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]Session

	registry *broker.Registry
	cfg      Config
	flight   singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a session manager over the gateway registry.
func NewManager(registry *broker.Registry, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.ValidateAge <= 0 || cfg.ValidateAge > cfg.TTL {
		cfg.ValidateAge = def.ValidateAge
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.CandidateRetries <= 0 {
		cfg.CandidateRetries = def.CandidateRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Manager{
		sessions: make(map[string]Session),
		registry: registry,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the background eviction sweep.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Stop shuts down the sweep goroutine.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Acquire returns a valid session token for the credential, authenticating
// at most once per credential regardless of concurrent demand.
func (m *Manager) Acquire(ctx context.Context, cred broker.Credential) (Session, error) {
	key := cred.Key()

	// Fast path: a token young enough needs no validation.
	if s, ok := m.get(key); ok && m.age(s) < m.cfg.ValidateAge {
		return s, nil
	}

	v, err, _ := m.flight.Do(key, func() (any, error) {
		return m.acquireSlow(ctx, cred)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// acquireSlow runs inside the per-key flight: re-checks the cache, probes a
// middle-aged token, and falls through to a fresh authentication.
func (m *Manager) acquireSlow(ctx context.Context, cred broker.Credential) (Session, error) {
	key := cred.Key()
	gw := m.registry.For(cred.Venue)
	if gw == nil {
		return Session{}, fmt.Errorf("session: no gateway registered for venue %q", cred.Venue)
	}

	if s, ok := m.get(key); ok {
		age := m.age(s)
		switch {
		case age < m.cfg.ValidateAge:
			// A concurrent caller refreshed it while we waited.
			return s, nil
		case age < m.cfg.TTL:
			if m.probe(ctx, gw, s.Token) {
				return s, nil
			}
			log.Printf("session: %s failed liveness probe at age %s, reconnecting", key, age.Round(time.Minute))
			m.evict(key)
		default:
			m.evict(key)
		}
	}

	token, host, err := m.connect(ctx, gw, cred)
	if err != nil {
		return Session{}, err
	}

	s := Session{Token: token, AcquiredAt: m.now(), Host: host}
	m.put(key, s)
	log.Printf("session: authenticated %s", key)
	return s, nil
}

// connect tries the single-call method first and falls back to endpoint
// discovery on transport failure. An explicit credential rejection aborts
// immediately; it will not succeed on another endpoint either.
func (m *Manager) connect(ctx context.Context, gw broker.Gateway, cred broker.Credential) (token, host string, err error) {
	token, err = gw.ConnectDirect(ctx, cred.Account, cred.Secret, cred.Server)
	if err == nil {
		return token, "", nil
	}
	if broker.IsAuthError(err) {
		return "", "", err
	}
	if !broker.IsTransient(err) {
		// A structured venue rejection will not fare better on another
		// endpoint; only transport failures warrant the fallback.
		return "", "", err
	}

	log.Printf("session: direct connect for %s failed (%v), trying endpoint discovery", cred.Key(), err)

	endpoints, derr := gw.DiscoverEndpoints(ctx, cred.Server)
	if derr != nil {
		return "", "", &broker.AuthError{Venue: cred.Venue,
			Reason: fmt.Sprintf("connect failed and endpoint discovery failed: %v", derr)}
	}

	for _, ep := range endpoints {
		for _, access := range ep.Access {
			h, p, perr := splitHostPort(access)
			if perr != nil {
				continue
			}
			for attempt := 0; attempt < m.cfg.CandidateRetries; attempt++ {
				token, err = gw.ConnectViaEndpoint(ctx, cred.Account, cred.Secret, h, p)
				if err == nil {
					return token, access, nil
				}
				if broker.IsAuthError(err) {
					return "", "", err
				}
				select {
				case <-ctx.Done():
					return "", "", ctx.Err()
				case <-time.After(m.cfg.RetryDelay):
				}
			}
		}
	}

	return "", "", &broker.AuthError{Venue: cred.Venue, Reason: "all connect methods exhausted"}
}

// probe checks a cached token with a lightweight call.
func (m *Manager) probe(ctx context.Context, gw broker.Gateway, token string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := gw.ListSymbols(probeCtx, token)
	return err == nil
}

// Invalidate forces eviction of a cached session, used after an observed
// authentication failure elsewhere in the system.
func (m *Manager) Invalidate(cred broker.Credential) {
	m.evict(cred.Key())
}

// Count returns the number of cached sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Snapshot returns session age per credential key, for status reporting.
func (m *Manager) Snapshot() map[string]time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]time.Duration, len(m.sessions))
	for k, s := range m.sessions {
		out[k] = m.age(s)
	}
	return out
}

func (m *Manager) age(s Session) time.Duration {
	return m.now().Sub(s.AcquiredAt)
}

func (m *Manager) get(key string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

func (m *Manager) put(key string, s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		m.evictOldestLocked()
	}
	m.sessions[key] = s
}

func (m *Manager) evict(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}

func (m *Manager) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, s := range m.sessions {
		if oldestKey == "" || s.AcquiredAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = s.AcquiredAt
		}
	}
	if oldestKey != "" {
		delete(m.sessions, oldestKey)
	}
}

// sweep garbage-collects entries older than 1.5x the nominal TTL.
func (m *Manager) sweep() {
	cutoff := time.Duration(float64(m.cfg.TTL) * 1.5)

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.sessions {
		if m.now().Sub(s.AcquiredAt) > cutoff {
			delete(m.sessions, k)
			log.Printf("session: swept stale entry %s", k)
		}
	}
}

var errBadEndpoint = errors.New("malformed endpoint address")

func splitHostPort(access string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(access)
	if err != nil {
		// Some bridges report bare hosts; default MT server port.
		if !strings.Contains(access, ":") && access != "" {
			return access, 443, nil
		}
		return "", 0, errBadEndpoint
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errBadEndpoint
	}
	return host, port, nil
}

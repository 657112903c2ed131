package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/raopcore/metrics"
	"github.com/opd-ai/raopcore/pipeline"
	"github.com/opd-ai/raopcore/rtp"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// Policy decides what happens when a sender negotiates while another
// session is active.
type Policy int

const (
	// PolicyReject refuses the newcomer with ErrSessionActive.
	PolicyReject Policy = iota
	// PolicyPreempt tears the active session down first.
	PolicyPreempt
)

func (p Policy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	case PolicyPreempt:
		return "preempt"
	default:
		return "unknown"
	}
}

// ParsePolicy parses "reject" or "preempt".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reject":
		return PolicyReject, nil
	case "preempt":
		return PolicyPreempt, nil
	default:
		return PolicyReject, oops.Errorf("unknown session policy %q", s)
	}
}

// DefaultIdleTimeout ends sessions that see neither control requests nor
// audio for this long.
const DefaultIdleTimeout = 120 * time.Second

// Config holds session manager settings.
type Config struct {
	Policy           Policy
	FailureThreshold int
	// IdleTimeout of zero disables the watchdog.
	IdleTimeout   time.Duration
	ReorderWindow int
	BindAddress   string
	Metrics       *metrics.Metrics
}

// DefaultConfig returns the settings used when the host supplies none.
func DefaultConfig() Config {
	return Config{
		Policy:           PolicyPreempt,
		FailureThreshold: pipeline.DefaultFailureThreshold,
		IdleTimeout:      DefaultIdleTimeout,
		ReorderWindow:    rtp.DefaultReorderWindow,
		BindAddress:      "0.0.0.0",
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Manager owns every session of one receiver and enforces that at most one
// is active.
type Manager struct {
	callbacks Callbacks
	cfg       Config

	// openMu orders admissions so a preempted session's SessionEnded is
	// delivered before the next SessionStarted.
	openMu sync.Mutex

	mu       sync.Mutex
	active   *Session
	sessions map[uuid.UUID]*Session
	closed   bool

	tpMu sync.RWMutex
	tp   TimeProvider

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a session manager.
//
// Parameters:
//   - callbacks: host entry points, NopCallbacks when nil
//   - cfg: admission policy, pipeline and transport settings
//
// Returns the manager with its idle watchdog running when IdleTimeout > 0.
func NewManager(callbacks Callbacks, cfg Config) *Manager {
	if callbacks == nil {
		callbacks = NopCallbacks{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = pipeline.DefaultFailureThreshold
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = rtp.DefaultReorderWindow
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0"
	}

	m := &Manager{
		callbacks: callbacks,
		cfg:       cfg,
		sessions:  make(map[uuid.UUID]*Session),
		tp:        DefaultTimeProvider{},
		done:      make(chan struct{}),
	}

	if cfg.IdleTimeout > 0 {
		m.wg.Add(1)
		go m.watchdog()
	}

	logrus.WithFields(logrus.Fields{
		"function":          "NewManager",
		"policy":            cfg.Policy.String(),
		"failure_threshold": cfg.FailureThreshold,
		"idle_timeout":      cfg.IdleTimeout,
	}).Debug("Session manager created")
	return m
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	m.tpMu.Lock()
	defer m.tpMu.Unlock()
	m.tp = tp
}

func (m *Manager) now() time.Time {
	m.tpMu.RLock()
	defer m.tpMu.RUnlock()
	return m.tp.Now()
}

func (m *Manager) since(t time.Time) time.Duration {
	m.tpMu.RLock()
	defer m.tpMu.RUnlock()
	return m.tp.Since(t)
}

// Config returns the manager settings.
func (m *Manager) Config() Config {
	return m.cfg
}

// Open admits a new session for peer. With another session active it
// either fails with ErrSessionActive or tears that session down first,
// depending on the policy.
func (m *Manager) Open(peer string) (*Session, error) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	prior := m.active
	m.mu.Unlock()

	if prior != nil {
		if m.cfg.Policy == PolicyReject {
			logrus.WithFields(logrus.Fields{
				"function":  "Manager.Open",
				"peer":      peer,
				"active_id": prior.ID().String(),
			}).Warn("Rejected session, another session is active")
			return nil, oops.Wrapf(ErrSessionActive, "session %s from %s", prior.ID(), prior.Peer())
		}
		prior.End(ReasonPreempted, nil)
	}

	s := newSession(m, peer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.active = s
	m.sessions[s.id] = s
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.Open",
		"session_id": s.id.String(),
		"peer":       peer,
	}).Info("Session started")

	m.cfg.Metrics.SessionStarted()
	m.callbacks.SessionStarted(s)
	return s, nil
}

// release drops s from the table once it is torn down.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.id)
	if m.active == s {
		m.active = nil
	}
}

// Active returns the active session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Get returns a live session by identifier.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// CheckIdle ends the active session if it has been idle past IdleTimeout.
// It reports whether a session was ended.
func (m *Manager) CheckIdle() bool {
	if m.cfg.IdleTimeout <= 0 {
		return false
	}
	s := m.Active()
	if s == nil {
		return false
	}
	idle := m.since(s.LastActivity())
	if idle < m.cfg.IdleTimeout {
		return false
	}
	return s.End(ReasonIdleTimeout, oops.Wrapf(ErrIdleTimeout, "no activity for %s", idle.Round(time.Millisecond)))
}

func (m *Manager) watchdog() {
	defer m.wg.Done()

	interval := m.cfg.IdleTimeout / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.CheckIdle()
		}
	}
}

// Close tears down the active session with ReasonShutdown and stops the
// watchdog. Later Open calls fail with ErrManagerClosed.
func (m *Manager) Close() error {
	m.openMu.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.openMu.Unlock()
		return nil
	}
	m.closed = true
	active := m.active
	m.mu.Unlock()
	close(m.done)

	if active != nil {
		active.End(ReasonShutdown, nil)
	}
	m.openMu.Unlock()

	m.wg.Wait()
	logrus.WithFields(logrus.Fields{
		"function": "Manager.Close",
	}).Debug("Session manager closed")
	return nil
}

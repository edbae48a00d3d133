// Package session owns the visitor's session identifier and the one-time
// remote creation of the session record.
package session

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
	"github.com/tjfontaine/visitor-telemetry/internal/device"
)

// Manager is the only writer of the session id and lifecycle state. Other
// components read them through GetOrCreateSessionID, StartedAt and State.
type Manager struct {
	collector ports.Collector
	consent   ports.ConsentGate
	tab       ports.Storage
	navigator ports.Navigator
	page      ports.Page
	keys      domain.StorageKeys
	clock     quartz.Clock
	logger    *slog.Logger

	mu         sync.Mutex
	state      domain.SessionState
	id         string
	startedAt  time.Time
	generation uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for session start timestamps.
func WithClock(clock quartz.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithKeys overrides the storage keys.
func WithKeys(keys domain.StorageKeys) Option {
	return func(m *Manager) {
		m.keys = keys
	}
}

// NewManager creates a Manager that persists the id in env.SessionStorage and
// describes the session from env.Navigator and env.Page.
func NewManager(collector ports.Collector, consent ports.ConsentGate, env ports.Environment, opts ...Option) *Manager {
	m := &Manager{
		collector: collector,
		consent:   consent,
		tab:       env.SessionStorage,
		navigator: env.Navigator,
		page:      env.Page,
		keys:      domain.NewStorageKeys(""),
		clock:     quartz.NewReal(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the lifecycle state of remote session creation.
func (m *Manager) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetOrCreateSessionID returns the tab's session id, generating and persisting
// one if none is stored. It returns "" while consent is not granted. Once
// initialization has started the id is fixed until Reset.
func (m *Manager) GetOrCreateSessionID() string {
	if !m.consent.HasConsent() {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked()
}

// StartedAt returns when the current session began, or the zero time if no
// session id has been issued yet.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

func (m *Manager) getOrCreateLocked() string {
	if m.id != "" && m.state != domain.SessionUninitialized {
		return m.id
	}

	id, started, err := m.load()
	switch {
	case err == nil && id != "":
		m.id, m.startedAt = id, started
		return m.id
	case m.id != "":
		// Storage is unusable or never accepted the id; keep the in-memory one.
		return m.id
	}

	now := m.clock.Now("session", "create")
	m.id = newID(now)
	m.startedAt = now
	m.store()
	return m.id
}

func (m *Manager) load() (string, time.Time, error) {
	if m.tab == nil {
		return "", time.Time{}, domain.ErrStorageUnavailable
	}
	id, err := m.tab.Get(m.keys.SessionID)
	if err != nil {
		m.logger.Debug("session id read failed", slog.String("error", err.Error()))
		return "", time.Time{}, err
	}
	if id == "" {
		return "", time.Time{}, nil
	}

	started := m.clock.Now("session", "load")
	if raw, err := m.tab.Get(m.keys.SessionStarted); err == nil && raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			started = time.UnixMilli(ms)
		}
	}
	return id, started, nil
}

func (m *Manager) store() {
	if m.tab == nil {
		return
	}
	if err := m.tab.Set(m.keys.SessionID, m.id); err != nil {
		m.logger.Debug("session id write failed", slog.String("error", err.Error()))
		return
	}
	if err := m.tab.Set(m.keys.SessionStarted, strconv.FormatInt(m.startedAt.UnixMilli(), 10)); err != nil {
		m.logger.Debug("session start write failed", slog.String("error", err.Error()))
	}
}

// InitializeSession creates the remote session record at most once per
// session lifetime. Concurrent and repeated callers return immediately while
// another call is in flight or after it has finished. A remote failure still
// marks the session ready; the collector materialises missing sessions on
// the first page view.
func (m *Manager) InitializeSession(ctx context.Context) {
	if create, ok := m.begin(); ok {
		create(ctx)
	}
}

// Go is InitializeSession on a new goroutine. The state has already left
// Uninitialized when Go returns, so a page view observed right after waits
// for the creation. The returned channel is closed once creation settles.
func (m *Manager) Go(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	create, ok := m.begin()
	if !ok {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		create(ctx)
	}()
	return done
}

func (m *Manager) begin() (func(context.Context), bool) {
	if !m.consent.HasConsent() {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.SessionUninitialized {
		return nil, false
	}
	id := m.getOrCreateLocked()
	started := m.startedAt
	m.state = domain.SessionInitializing
	gen := m.generation

	return func(ctx context.Context) {
		err := m.collector.CreateSession(ctx, m.describe(id, started))
		if err != nil {
			m.logger.Debug("session create failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}

		m.mu.Lock()
		if m.generation == gen {
			m.state = domain.SessionReady
		}
		m.mu.Unlock()
	}, true
}

// Reset forgets the current session so the next consent grant issues a new id
// and a new remote creation. Callers use it after consent is revoked.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.state = domain.SessionUninitialized
	m.id = ""
	m.startedAt = time.Time{}
}

func (m *Manager) describe(id string, started time.Time) *domain.Session {
	s := &domain.Session{
		ID:        id,
		StartedAt: started,
	}

	var ua, lang string
	if m.navigator != nil {
		ua, lang = m.navigator.UserAgent(), m.navigator.Language()
	}
	d := device.Detect(ua, lang)
	s.DeviceType, s.Browser, s.OS, s.Country = d.Type, d.Browser, d.OS, d.Country

	if m.page == nil {
		return s
	}
	s.Referrer = nullable(m.page.Referrer())
	if u := m.page.URL(); u != nil {
		q := u.Query()
		s.UTMSource = nullable(q.Get("utm_source"))
		s.UTMMedium = nullable(q.Get("utm_medium"))
		s.UTMCampaign = nullable(q.Get("utm_campaign"))
	}
	return s
}

// newID joins a random component and a base36 millisecond timestamp.
func newID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return random + "-" + strconv.FormatInt(now.UnixMilli(), 36)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

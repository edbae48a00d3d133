// Package consent persists the visitor's tracking decision.
//
// The decision lives in durable storage so it survives browser restarts.
// Every read and write degrades to "no consent" when storage is unusable;
// the store never returns errors to its callers.
package consent

import (
	"log/slog"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
)

// Store is the tri-state consent flag.
type Store struct {
	local  ports.Storage
	tab    ports.Storage
	keys   domain.StorageKeys
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for storage diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithKeys overrides the storage keys.
func WithKeys(keys domain.StorageKeys) Option {
	return func(s *Store) {
		s.keys = keys
	}
}

// New creates a consent store over durable (local) and tab-scoped storage.
// Either storage may be nil, which behaves like unavailable storage.
func New(local, tab ports.Storage, opts ...Option) *Store {
	s := &Store{
		local:  local,
		tab:    tab,
		keys:   domain.NewStorageKeys(""),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the persisted decision, or ConsentUndecided when storage
// cannot be read.
func (s *Store) State() domain.ConsentState {
	if s.local == nil {
		return domain.ConsentUndecided
	}
	v, err := s.local.Get(s.keys.Consent)
	if err != nil {
		s.logger.Debug("consent read failed", slog.String("error", err.Error()))
		return domain.ConsentUndecided
	}
	return domain.ParseConsentState(v)
}

// HasConsent reports whether tracking has been affirmatively granted.
func (s *Store) HasConsent() bool {
	return s.State() == domain.ConsentGranted
}

// IsUndecided reports whether the visitor has not made a decision yet.
func (s *Store) IsUndecided() bool {
	return s.State() == domain.ConsentUndecided
}

// SetConsent persists the decision. Denial also forgets the stored session
// id so that a later grant starts a fresh session. Granting does not create
// a session; that is up to the caller.
func (s *Store) SetConsent(granted bool) {
	state := domain.ConsentDenied
	if granted {
		state = domain.ConsentGranted
	}

	if s.local != nil {
		if err := s.local.Set(s.keys.Consent, string(state)); err != nil {
			s.logger.Debug("consent write failed", slog.String("error", err.Error()))
		}
	}

	if granted || s.tab == nil {
		return
	}
	for _, key := range []string{s.keys.SessionID, s.keys.SessionStarted} {
		if err := s.tab.Remove(key); err != nil {
			s.logger.Debug("session clear failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}
}

var _ ports.ConsentGate = (*Store)(nil)

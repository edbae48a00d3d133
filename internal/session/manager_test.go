package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/tjfontaine/visitor-telemetry/internal/consent"
	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/testutil"
)

type fixture struct {
	browser   *testutil.Browser
	consent   *consent.Store
	collector *testutil.Collector
	clock     *quartz.Mock
}

func newFixture(t *testing.T, rawURL string) *fixture {
	t.Helper()
	b := testutil.NewBrowser(rawURL)
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &fixture{
		browser:   b,
		consent:   consent.New(b.Local, b.Tab),
		collector: &testutil.Collector{},
		clock:     clock,
	}
}

func (f *fixture) manager() *Manager {
	return NewManager(f.collector, f.consent, f.browser.Environment(), WithClock(f.clock))
}

func TestGetOrCreateSessionID_RequiresConsent(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/")
	m := f.manager()

	if id := m.GetOrCreateSessionID(); id != "" {
		t.Errorf("GetOrCreateSessionID() = %q without consent, want empty", id)
	}
	if f.browser.Tab.Len() != 0 {
		t.Errorf("tab storage has %d keys without consent, want 0", f.browser.Tab.Len())
	}
}

func TestGetOrCreateSessionID_PersistsForTab(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/")
	f.consent.SetConsent(true)

	first := f.manager().GetOrCreateSessionID()
	if first == "" {
		t.Fatal("GetOrCreateSessionID() returned empty id")
	}

	// A re-render builds a new manager over the same tab storage.
	second := f.manager().GetOrCreateSessionID()
	if second != first {
		t.Errorf("id after re-render = %q, want %q", second, first)
	}

	stored, _ := f.browser.Tab.Get("visitor_session_id")
	if stored != first {
		t.Errorf("stored id = %q, want %q", stored, first)
	}
}

func TestGetOrCreateSessionID_FreshTab(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/")
	f.consent.SetConsent(true)
	first := f.manager().GetOrCreateSessionID()

	other := newFixture(t, "https://shop.example.com/")
	other.browser.Local = f.browser.Local
	other.consent = consent.New(f.browser.Local, other.browser.Tab)
	second := other.manager().GetOrCreateSessionID()

	if second == first {
		t.Errorf("fresh tab reused id %q", first)
	}
}

func TestGetOrCreateSessionID_StorageUnavailable(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/")
	f.consent.SetConsent(true)
	f.browser.Tab.SetUnavailable(true)
	m := f.manager()

	first := m.GetOrCreateSessionID()
	if first == "" {
		t.Fatal("GetOrCreateSessionID() returned empty id with unavailable storage")
	}
	if again := m.GetOrCreateSessionID(); again != first {
		t.Errorf("id changed from %q to %q", first, again)
	}
}

// readOnlyStorage reads as empty and rejects every write, like a storage
// area that has hit its quota.
type readOnlyStorage struct{}

func (readOnlyStorage) Get(string) (string, error) { return "", nil }
func (readOnlyStorage) Set(string, string) error { return errors.New("quota exceeded") }
func (readOnlyStorage) Remove(string) error { return nil }

func TestGetOrCreateSessionID_WritesRejected(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/")
	f.consent.SetConsent(true)
	env := f.browser.Environment()
	env.SessionStorage = readOnlyStorage{}
	m := NewManager(f.collector, f.consent, env, WithClock(f.clock))

	first := m.GetOrCreateSessionID()
	if first == "" {
		t.Fatal("GetOrCreateSessionID() returned empty id with read-only storage")
	}
	f.clock.Advance(time.Second)
	if again := m.GetOrCreateSessionID(); again != first {
		t.Errorf("id changed from %q to %q", first, again)
	}
}

func TestInitializeSession_ConcurrentCallsCreateOnce(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/")
	f.consent.SetConsent(true)
	f.collector.Block = make(chan struct{})
	f.collector.Started = make(chan struct{}, 1)
	m := f.manager()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.InitializeSession(ctx)
		}()
	}

	<-f.collector.Started
	if got := m.State(); got != domain.SessionInitializing {
		t.Errorf("State() = %v while in flight, want initializing", got)
	}

	// Callers arriving mid-flight return without waiting.
	m.InitializeSession(ctx)

	close(f.collector.Block)
	wg.Wait()

	if n := len(f.collector.Sessions()); n != 1 {
		t.Fatalf("CreateSession called %d times, want 1", n)
	}
	if got := m.State(); got != domain.SessionReady {
		t.Errorf("State() = %v, want ready", got)
	}

	m.InitializeSession(ctx)
	if n := len(f.collector.Sessions()); n != 1 {
		t.Errorf("CreateSession called %d times after ready, want 1", n)
	}
}

func TestInitializeSession_FailureStillReady(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/")
	f.consent.SetConsent(true)
	f.collector.Err = errors.New("connection refused")
	m := f.manager()

	m.InitializeSession(context.Background())
	m.InitializeSession(context.Background())

	if got := m.State(); got != domain.SessionReady {
		t.Errorf("State() = %v after failure, want ready", got)
	}
	if n := len(f.collector.Sessions()); n != 1 {
		t.Errorf("CreateSession called %d times, want 1 (no retry)", n)
	}
}

func TestInitializeSession_NoConsent(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/")
	f.consent.SetConsent(false)
	m := f.manager()

	m.InitializeSession(context.Background())

	if f.collector.Total() != 0 {
		t.Errorf("collector saw %d calls without consent, want 0", f.collector.Total())
	}
	if got := m.State(); got != domain.SessionUninitialized {
		t.Errorf("State() = %v, want uninitialized", got)
	}
}

func TestInitializeSession_DescribesVisit(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/urunler?utm_source=newsletter&utm_campaign=spring")
	f.consent.SetConsent(true)
	m := f.manager()

	m.InitializeSession(context.Background())

	sessions := f.collector.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("CreateSession called %d times, want 1", len(sessions))
	}
	s := sessions[0]
	if s.ID != m.GetOrCreateSessionID() {
		t.Errorf("ID = %q, want %q", s.ID, m.GetOrCreateSessionID())
	}
	if s.DeviceType != domain.DeviceDesktop || s.Browser != "Chrome" || s.OS != "Windows" {
		t.Errorf("device = %v/%v/%v, want desktop/Chrome/Windows", s.DeviceType, s.Browser, s.OS)
	}
	if s.Country != "TR" {
		t.Errorf("Country = %q, want TR", s.Country)
	}
	if s.Referrer == nil || *s.Referrer != "https://www.google.com/" {
		t.Errorf("Referrer = %v, want https://www.google.com/", s.Referrer)
	}
	if s.UTMSource == nil || *s.UTMSource != "newsletter" {
		t.Errorf("UTMSource = %v, want newsletter", s.UTMSource)
	}
	if s.UTMMedium != nil {
		t.Errorf("UTMMedium = %q, want nil", *s.UTMMedium)
	}
	if s.UTMCampaign == nil || *s.UTMCampaign != "spring" {
		t.Errorf("UTMCampaign = %v, want spring", s.UTMCampaign)
	}
	if !s.StartedAt.Equal(f.clock.Now()) {
		t.Errorf("StartedAt = %v, want %v", s.StartedAt, f.clock.Now())
	}
}

func TestReset_NewSessionAfterRevocation(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/")
	f.consent.SetConsent(true)
	m := f.manager()
	m.InitializeSession(context.Background())
	first := m.GetOrCreateSessionID()

	f.consent.SetConsent(false)
	m.Reset()
	if stored, _ := f.browser.Tab.Get("visitor_session_id"); stored != "" {
		t.Errorf("stored id = %q after revocation, want empty", stored)
	}

	f.consent.SetConsent(true)
	m.InitializeSession(context.Background())
	second := m.GetOrCreateSessionID()

	if second == "" || second == first {
		t.Errorf("id after re-grant = %q, want new id different from %q", second, first)
	}
	sessions := f.collector.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("CreateSession called %d times, want 2", len(sessions))
	}
	if sessions[1].ID != second {
		t.Errorf("second CreateSession id = %q, want %q", sessions[1].ID, second)
	}
}

func TestReset_DuringInitialization(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/")
	f.consent.SetConsent(true)
	f.collector.Block = make(chan struct{})
	f.collector.Started = make(chan struct{}, 1)
	m := f.manager()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.InitializeSession(context.Background())
	}()
	<-f.collector.Started

	m.Reset()
	close(f.collector.Block)
	<-done

	// The stale call must not mark the new lifecycle ready.
	if got := m.State(); got != domain.SessionUninitialized {
		t.Errorf("State() = %v, want uninitialized", got)
	}
}

func TestGo_InitializingBeforeReturn(t *testing.T) {
	f := newFixture(t, "https://shop.example.com/")
	f.consent.SetConsent(true)
	f.collector.Block = make(chan struct{})
	m := f.manager()

	done := m.Go(context.Background())
	if got := m.State(); got != domain.SessionInitializing {
		t.Errorf("State() = %v right after Go, want initializing", got)
	}
	again := m.Go(context.Background())
	select {
	case <-again:
	default:
		t.Error("second Go should settle immediately")
	}

	close(f.collector.Block)
	<-done
	if got := m.State(); got != domain.SessionReady {
		t.Errorf("State() = %v, want ready", got)
	}
	if n := len(f.collector.Sessions()); n != 1 {
		t.Errorf("CreateSession called %d times, want 1", n)
	}
}

package navigation

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/tjfontaine/visitor-telemetry/internal/consent"
	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/delivery"
	"github.com/tjfontaine/visitor-telemetry/internal/pageview"
	"github.com/tjfontaine/visitor-telemetry/internal/session"
	"github.com/tjfontaine/visitor-telemetry/internal/testutil"
)

type harness struct {
	clock      *quartz.Mock
	browser    *testutil.Browser
	collector  *testutil.Collector
	consent    *consent.Store
	sessions   *session.Manager
	dispatcher *delivery.Dispatcher
	observer   *Observer
}

func newHarness(t *testing.T, granted bool, coll *testutil.Collector, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:     quartz.NewMock(t),
		browser:   testutil.NewBrowser("https://example.com.tr/"),
		collector: coll,
	}
	h.clock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	h.consent = consent.New(h.browser.Local, h.browser.Tab)
	if granted {
		h.consent.SetConsent(true)
	}
	h.sessions = session.NewManager(coll, h.consent, h.browser.Environment(), session.WithClock(h.clock))
	h.dispatcher = delivery.NewDispatcher(coll, h.consent)
	opts = append([]Option{WithClock(h.clock)}, opts...)
	h.observer = New(h.sessions, h.consent, h.browser.Page, pageview.New(h.clock), h.dispatcher, opts...)
	return h
}

func paths(pvs []domain.PageView) []string {
	out := make([]string, 0, len(pvs))
	for _, pv := range pvs {
		out = append(out, pv.Path)
	}
	return out
}

func TestObserver_DedupesConsecutiveRoutes(t *testing.T) {
	h := newHarness(t, true, &testutil.Collector{})
	ctx := context.Background()

	for _, p := range []string{"/a", "/a", "/b", "/b", "/a"} {
		h.observer.Observe(ctx, p, "")
	}
	h.dispatcher.Wait()

	got := paths(h.collector.PageViews())
	want := []string{"/a", "/b", "/a"}
	if len(got) != len(want) {
		t.Fatalf("page views = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("page view %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestObserver_PageViewContents(t *testing.T) {
	h := newHarness(t, true, &testutil.Collector{})

	h.browser.Page.Navigate("/urunler?kategori=kahve", "Ürünler")
	h.observer.Observe(context.Background(), "/urunler", "kategori=kahve")
	h.dispatcher.Wait()

	pvs := h.collector.PageViews()
	if len(pvs) != 1 {
		t.Fatalf("page views = %d, want 1", len(pvs))
	}
	pv := pvs[0]
	if pv.Path != "/urunler?kategori=kahve" {
		t.Errorf("Path = %q", pv.Path)
	}
	if pv.Title != "Ürünler" {
		t.Errorf("Title = %q", pv.Title)
	}
	if pv.Referrer != "https://www.google.com/" {
		t.Errorf("Referrer = %q", pv.Referrer)
	}
	if pv.SessionID == "" || pv.SessionID != h.sessions.GetOrCreateSessionID() {
		t.Errorf("SessionID = %q, want the tab session", pv.SessionID)
	}
	if !pv.ViewedAt.Equal(h.clock.Now()) {
		t.Errorf("ViewedAt = %v, want %v", pv.ViewedAt, h.clock.Now())
	}
	if pv.IsExit {
		t.Error("a new page view is not an exit")
	}
}

func TestObserver_NoConsent(t *testing.T) {
	h := newHarness(t, false, &testutil.Collector{})

	for _, p := range []string{"/", "/a", "/b", "/c"} {
		h.observer.Observe(context.Background(), p, "")
	}
	h.dispatcher.Wait()

	if h.collector.Total() != 0 {
		t.Errorf("collector calls = %d, want 0", h.collector.Total())
	}
}

func TestObserver_WaitsForInitializingSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	coll := &testutil.Collector{Block: make(chan struct{}), Started: make(chan struct{}, 1)}
	h := newHarness(t, true, coll)
	trap := h.clock.Trap().NewTimer("navigation", "poll")
	defer trap.Close()

	initDone := make(chan struct{})
	go func() {
		defer close(initDone)
		h.sessions.InitializeSession(context.Background())
	}()
	<-coll.Started

	observed := make(chan struct{})
	go func() {
		defer close(observed)
		h.observer.Observe(ctx, "/", "")
	}()

	trap.MustWait(ctx).MustRelease(ctx)
	h.dispatcher.Wait()
	if n := len(coll.PageViews()); n != 0 {
		t.Fatalf("page views while initializing = %d, want 0", n)
	}

	close(coll.Block)
	<-initDone
	if h.sessions.State() != domain.SessionReady {
		t.Fatalf("session state = %v, want ready", h.sessions.State())
	}

	h.clock.Advance(DefaultPollInterval).MustWait(ctx)
	<-observed
	h.dispatcher.Wait()

	if n := len(coll.PageViews()); n != 1 {
		t.Errorf("page views = %d, want 1", n)
	}
}

func TestObserver_ProceedsAfterPollCap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const attempts = 3
	coll := &testutil.Collector{Block: make(chan struct{}), Started: make(chan struct{}, 1)}
	defer close(coll.Block)
	h := newHarness(t, true, coll, WithPolling(DefaultPollInterval, attempts))
	trap := h.clock.Trap().NewTimer("navigation", "poll")
	defer trap.Close()

	go h.sessions.InitializeSession(context.Background())
	<-coll.Started

	observed := make(chan struct{})
	go func() {
		defer close(observed)
		h.observer.Observe(ctx, "/", "")
	}()

	for i := 0; i < attempts; i++ {
		trap.MustWait(ctx).MustRelease(ctx)
		h.clock.Advance(DefaultPollInterval).MustWait(ctx)
	}
	<-observed
	h.dispatcher.Wait()

	if h.sessions.State() != domain.SessionInitializing {
		t.Fatalf("session state = %v, want initializing", h.sessions.State())
	}
	if n := len(coll.PageViews()); n != 1 {
		t.Errorf("page views after cap = %d, want 1", n)
	}
}

func TestObserver_CancelAbandonsWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	coll := &testutil.Collector{Block: make(chan struct{}), Started: make(chan struct{}, 1)}
	defer close(coll.Block)
	h := newHarness(t, true, coll)
	trap := h.clock.Trap().NewTimer("navigation", "poll")
	defer trap.Close()

	go h.sessions.InitializeSession(context.Background())
	<-coll.Started

	obsCtx, obsCancel := context.WithCancel(ctx)
	observed := make(chan struct{})
	go func() {
		defer close(observed)
		h.observer.Observe(obsCtx, "/", "")
	}()

	trap.MustWait(ctx).MustRelease(ctx)
	obsCancel()
	<-observed
	h.dispatcher.Wait()

	if n := len(coll.PageViews()); n != 0 {
		t.Errorf("page views after cancel = %d, want 0", n)
	}
}

func TestObserver_ResetReemitsSameRoute(t *testing.T) {
	h := newHarness(t, true, &testutil.Collector{})
	ctx := context.Background()

	h.observer.Observe(ctx, "/a", "")
	h.observer.Observe(ctx, "/a", "")
	h.observer.Reset()
	h.observer.Observe(ctx, "/a", "")
	h.dispatcher.Wait()

	if got := paths(h.collector.PageViews()); len(got) != 2 {
		t.Errorf("page views = %v, want two of /a", got)
	}
}

func TestCurrentPath(t *testing.T) {
	tests := []struct {
		pathname, query, want string
	}{
		{"/", "", "/"},
		{"/urunler", "q=kahve", "/urunler?q=kahve"},
		{"/iletisim", "utm_source=x&utm_medium=y", "/iletisim?utm_source=x&utm_medium=y"},
	}
	for _, tt := range tests {
		if got := CurrentPath(tt.pathname, tt.query); got != tt.want {
			t.Errorf("CurrentPath(%q, %q) = %q, want %q", tt.pathname, tt.query, got, tt.want)
		}
	}
}

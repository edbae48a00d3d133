// Package runtime assembles the telemetry agent and drives its lifecycle on
// behalf of the host page.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/tjfontaine/visitor-telemetry/internal/consent"
	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
	"github.com/tjfontaine/visitor-telemetry/internal/delivery"
	"github.com/tjfontaine/visitor-telemetry/internal/instrument"
	"github.com/tjfontaine/visitor-telemetry/internal/navigation"
	"github.com/tjfontaine/visitor-telemetry/internal/pageview"
	"github.com/tjfontaine/visitor-telemetry/internal/session"
)

// Agent is the telemetry agent mounted on one page. It owns the consent
// store, the session manager, the navigation observer and the
// instrumentation, and wires them to a single delivery dispatcher.
type Agent struct {
	// Dependencies (injected via options)
	env       ports.Environment
	collector ports.Collector
	keys      domain.StorageKeys
	clock     quartz.Clock
	logger    *slog.Logger

	pollInterval time.Duration
	maxPolls     int

	// Resources the agent created itself and must release on Close.
	closers []io.Closer
	beacon  *delivery.HTTPBeacon

	consent    *consent.Store
	sessions   *session.Manager
	pages      *pageview.State
	dispatcher *delivery.Dispatcher
	observer   *navigation.Observer
	inst       *instrument.Instrumentation

	// Lifecycle management
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	mounted bool
	routes  chan route
	wg      sync.WaitGroup

	// sendMu is held shared by route senders outside mu and exclusively by
	// Unmount while it closes routes.
	sendMu sync.RWMutex
}

type route struct {
	pathname string
	rawQuery string
}

// routeBuffer bounds route changes queued behind a page view wait.
const routeBuffer = 64

// New creates an Agent for the page described by env.
// A collector is required (use WithCollectorURL or WithCollector).
func New(env ports.Environment, opts ...Option) (*Agent, error) {
	a := &Agent{
		env:          env,
		keys:         domain.NewStorageKeys(""),
		clock:        quartz.NewReal(),
		logger:       slog.Default(),
		pollInterval: navigation.DefaultPollInterval,
		maxPolls:     navigation.DefaultMaxPollAttempts,
	}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			a.closeResources()
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if a.collector == nil {
		a.closeResources()
		return nil, errors.New("collector required (use WithCollectorURL or WithCollector)")
	}
	if a.env.Page == nil {
		a.closeResources()
		return nil, errors.New("environment has no page")
	}
	if a.env.Beacon == nil && a.beacon != nil {
		a.env.Beacon = a.beacon
	}

	a.consent = consent.New(a.env.LocalStorage, a.env.SessionStorage,
		consent.WithKeys(a.keys),
		consent.WithLogger(a.logger))
	a.sessions = session.NewManager(a.collector, a.consent, a.env,
		session.WithClock(a.clock),
		session.WithKeys(a.keys),
		session.WithLogger(a.logger))
	a.pages = pageview.New(a.clock)

	dispatchOpts := []delivery.Option{delivery.WithLogger(a.logger)}
	if a.env.Beacon != nil {
		dispatchOpts = append(dispatchOpts, delivery.WithBeacon(a.env.Beacon))
	}
	a.dispatcher = delivery.NewDispatcher(a.collector, a.consent, dispatchOpts...)

	a.observer = navigation.New(a.sessions, a.consent, a.env.Page, a.pages, a.dispatcher,
		navigation.WithClock(a.clock),
		navigation.WithLogger(a.logger),
		navigation.WithPolling(a.pollInterval, a.maxPolls))
	a.inst = instrument.New(a.env.Window, a.env.Page, a.consent, a.sessions, a.pages, a.dispatcher,
		instrument.WithClock(a.clock),
		instrument.WithLogger(a.logger))

	return a, nil
}

// Mount attaches the agent to the page. With consent granted it starts
// session creation, installs the listeners and records the current page.
// Without consent it only waits for GrantConsent.
func (a *Agent) Mount(ctx context.Context) {
	a.mu.Lock()
	if a.mounted {
		a.mu.Unlock()
		return
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mounted = true
	a.routes = make(chan route, routeBuffer)
	go a.runNavigation(a.ctx, a.routes)

	a.logger.Debug("agent mounted", slog.String("consent", string(a.consent.State())))
	send := noSend
	if a.consent.HasConsent() {
		send = a.activateLocked()
	}
	a.mu.Unlock()
	send()
}

// Unmount removes the listeners, makes a final exit attempt and abandons any
// pending page view wait. Calls already sent keep running.
func (a *Agent) Unmount() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.mounted {
		return
	}
	a.mounted = false
	a.cancel()
	a.sendMu.Lock()
	close(a.routes)
	a.sendMu.Unlock()
	a.inst.Stop()
	a.logger.Debug("agent unmounted")
}

// Navigate reports a settled route change. Route changes are observed in
// order on a single goroutine; Navigate itself only blocks when that queue is
// full, and never while holding the agent lock.
func (a *Agent) Navigate(pathname, rawQuery string) {
	a.mu.Lock()
	if !a.mounted {
		a.mu.Unlock()
		return
	}
	send := a.enqueueLocked(pathname, rawQuery)
	a.mu.Unlock()
	send()
}

// GrantConsent records consent. If the agent is mounted it starts tracking
// at once: a new session is created and the current page is recorded.
func (a *Agent) GrantConsent() {
	a.mu.Lock()
	if a.consent.HasConsent() {
		a.mu.Unlock()
		return
	}
	a.consent.SetConsent(true)
	a.logger.Debug("consent granted")
	send := noSend
	if a.mounted {
		a.observer.Reset()
		send = a.activateLocked()
	}
	a.mu.Unlock()
	send()
}

// RevokeConsent records the refusal, clears the stored session id and stops
// all instrumentation immediately.
func (a *Agent) RevokeConsent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consent.SetConsent(false)
	a.inst.Detach()
	a.sessions.Reset()
	a.observer.Reset()
	a.logger.Debug("consent revoked")
}

// ConsentState returns the persisted consent decision.
func (a *Agent) ConsentState() domain.ConsentState {
	return a.consent.State()
}

// SessionID returns the current session id, or "" without consent.
func (a *Agent) SessionID() string {
	return a.sessions.GetOrCreateSessionID()
}

// SessionState returns the lifecycle state of remote session creation.
func (a *Agent) SessionState() domain.SessionState {
	return a.sessions.State()
}

// Wait blocks until pending page view waits and every send launched so far
// have finished.
func (a *Agent) Wait() {
	a.wg.Wait()
	a.dispatcher.Wait()
}

// Close unmounts the agent, waits for outstanding sends and releases what
// the options opened.
func (a *Agent) Close() error {
	a.Unmount()
	a.Wait()
	return a.closeResources()
}

// activateLocked starts tracking and returns the send that queues the current
// page. Callers run it after releasing mu.
func (a *Agent) activateLocked() func() {
	a.inst.Start()

	a.wg.Add(1)
	done := a.sessions.Go(context.Background())
	go func() {
		defer a.wg.Done()
		<-done
	}()

	if u := a.env.Page.URL(); u != nil {
		return a.enqueueLocked(u.Path, u.RawQuery)
	}
	return noSend
}

func noSend() {}

// enqueueLocked reserves a slot for a route and returns the send that
// delivers it. The send blocks until the queue has room or the mount ends.
func (a *Agent) enqueueLocked(pathname, rawQuery string) func() {
	a.wg.Add(1)
	a.sendMu.RLock()
	ctx, routes := a.ctx, a.routes
	r := route{pathname: pathname, rawQuery: rawQuery}
	return func() {
		defer a.sendMu.RUnlock()
		select {
		case routes <- r:
		case <-ctx.Done():
			a.wg.Done()
		}
	}
}

// runNavigation observes queued routes until the queue is closed. Routes
// left after ctx ends are drained without being observed.
func (a *Agent) runNavigation(ctx context.Context, routes <-chan route) {
	for r := range routes {
		if ctx.Err() == nil {
			a.observer.Observe(ctx, r.pathname, r.rawQuery)
		}
		a.wg.Done()
	}
}

func (a *Agent) closeResources() error {
	if a.beacon != nil {
		a.beacon.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

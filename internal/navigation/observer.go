// Package navigation turns route changes into page view records.
package navigation

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
	"github.com/tjfontaine/visitor-telemetry/internal/delivery"
	"github.com/tjfontaine/visitor-telemetry/internal/pageview"
)

const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultMaxPollAttempts = 50
)

// Sessions is the view of the session manager the observer needs.
type Sessions interface {
	State() domain.SessionState
	GetOrCreateSessionID() string
}

// Observer emits one page view per distinct route. When the session is still
// being created it waits for creation to settle so the page view is not
// recorded against a session the collector has not seen yet.
type Observer struct {
	sessions   Sessions
	consent    ports.ConsentGate
	page       ports.Page
	state      *pageview.State
	dispatcher *delivery.Dispatcher
	clock      quartz.Clock
	logger     *slog.Logger

	pollInterval time.Duration
	maxPolls     int
}

// Option configures an Observer.
type Option func(*Observer)

// WithClock sets the clock used for page view timestamps and session polling.
func WithClock(clock quartz.Clock) Option {
	return func(o *Observer) {
		o.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Observer) {
		o.logger = logger
	}
}

// WithPolling overrides how often and how many times the session state is
// checked before a page view is sent regardless.
func WithPolling(interval time.Duration, attempts int) Option {
	return func(o *Observer) {
		if interval > 0 {
			o.pollInterval = interval
		}
		if attempts >= 0 {
			o.maxPolls = attempts
		}
	}
}

// New creates an Observer. page supplies the document title and referrer.
func New(sessions Sessions, consent ports.ConsentGate, page ports.Page, state *pageview.State, dispatcher *delivery.Dispatcher, opts ...Option) *Observer {
	o := &Observer{
		sessions:     sessions,
		consent:      consent,
		page:         page,
		state:        state,
		dispatcher:   dispatcher,
		clock:        quartz.NewReal(),
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		maxPolls:     DefaultMaxPollAttempts,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CurrentPath joins a pathname and raw query the way page views record them.
func CurrentPath(pathname, rawQuery string) string {
	if rawQuery == "" {
		return pathname
	}
	return pathname + "?" + rawQuery
}

// Observe handles one route change. It blocks while waiting for the session
// and returns early, without emitting, when ctx is cancelled.
func (o *Observer) Observe(ctx context.Context, pathname, rawQuery string) {
	if !o.consent.HasConsent() {
		return
	}

	path := CurrentPath(pathname, rawQuery)
	if o.state.Path() == path {
		return
	}

	if !o.waitForSession(ctx) {
		return
	}
	if !o.consent.HasConsent() {
		return
	}

	if !o.state.Begin(path) {
		return
	}

	sessionID := o.sessions.GetOrCreateSessionID()
	if sessionID == "" {
		return
	}

	pv := &domain.PageView{
		SessionID: sessionID,
		Path:      path,
		ViewedAt:  o.clock.Now("navigation", "emit"),
	}
	if o.page != nil {
		pv.Title = o.page.Title()
		pv.Referrer = o.page.Referrer()
	}

	o.dispatcher.Send("record_page_view", func(ctx context.Context, c ports.Collector) error {
		return c.RecordPageView(ctx, pv)
	})
}

// waitForSession polls until the session leaves Initializing or the attempt
// cap is reached. It returns false if ctx ends first.
func (o *Observer) waitForSession(ctx context.Context) bool {
	for attempt := 0; o.sessions.State() == domain.SessionInitializing; attempt++ {
		if attempt >= o.maxPolls {
			o.logger.Debug("session still initializing, sending page view anyway",
				slog.Int("attempts", attempt))
			break
		}

		timer := o.clock.NewTimer(o.pollInterval, "navigation", "poll")
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return ctx.Err() == nil
}

// Reset forgets the last emitted route so that the next Observe of the same
// route records a new page view.
func (o *Observer) Reset() {
	o.state.Forget()
}

// Package delivery sends telemetry to the collection endpoint.
//
// All sends are best effort: each call runs once on its own goroutine, and
// failures are logged at debug level and dropped. Nothing is retried or
// queued. Exit records go through a Beacon when one is available because an
// ordinary call may not finish before the page is torn down.
package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tjfontaine/visitor-telemetry/internal/api/collect"
	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
)

// Dispatcher launches fire-and-forget sends.
type Dispatcher struct {
	collector ports.Collector
	beacon    ports.Beacon
	consent   ports.ConsentGate
	logger    *slog.Logger

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBeacon sets the unload transport used by SendExit.
func WithBeacon(beacon ports.Beacon) Option {
	return func(d *Dispatcher) {
		d.beacon = beacon
	}
}

// WithLogger sets the logger for send diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a Dispatcher that only sends while consent holds.
func NewDispatcher(collector ports.Collector, consent ports.ConsentGate, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		collector: collector,
		consent:   consent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Collector returns the collector sends are made against.
func (d *Dispatcher) Collector() ports.Collector {
	return d.collector
}

// Send runs fn on a new goroutine with a context that is never cancelled,
// so that unmounting does not abort calls already in flight. op names the
// call in diagnostics.
func (d *Dispatcher) Send(op string, fn func(ctx context.Context, c ports.Collector) error) {
	if !d.consent.HasConsent() {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(context.Background(), d.collector); err != nil {
			d.logger.Debug("telemetry send failed",
				slog.String("op", op),
				slog.String("error", err.Error()))
		}
	}()
}

// SendExit delivers the exit record of a page view. The beacon is tried
// first; if there is none, or it refuses the payload, the record falls back
// to an ordinary UpdatePageView call.
func (d *Dispatcher) SendExit(pv *domain.PageView) {
	if !d.consent.HasConsent() {
		return
	}

	if d.beacon != nil {
		payload, err := json.Marshal(pv)
		if err == nil && d.beacon.SendBeacon(collect.PathPageViewExit, payload) {
			return
		}
		if err != nil {
			d.logger.Debug("exit payload encode failed", slog.String("error", err.Error()))
		}
	}

	d.Send("update_page_view", func(ctx context.Context, c ports.Collector) error {
		return c.UpdatePageView(ctx, pv)
	})
}

// Wait blocks until every send launched so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/tjfontaine/visitor-telemetry/internal/api/collect"
	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
	"github.com/tjfontaine/visitor-telemetry/internal/testutil"
)

type gate struct{ allowed atomic.Bool }

func (g *gate) HasConsent() bool { return g.allowed.Load() }

func granted() *gate {
	g := &gate{}
	g.allowed.Store(true)
	return g
}

func TestDispatcher_Send(t *testing.T) {
	coll := &testutil.Collector{}
	d := NewDispatcher(coll, granted())

	d.Send("record_action", func(ctx context.Context, c ports.Collector) error {
		return c.RecordAction(ctx, &domain.Action{SessionID: "s-1", Type: domain.ActionClick})
	})
	d.Wait()

	if got := len(coll.Actions()); got != 1 {
		t.Fatalf("actions = %d, want 1", got)
	}
}

func TestDispatcher_NoConsent(t *testing.T) {
	coll := &testutil.Collector{}
	beacon := &testutil.Beacon{}
	d := NewDispatcher(coll, &gate{}, WithBeacon(beacon))

	d.Send("record_action", func(ctx context.Context, c ports.Collector) error {
		return c.RecordAction(ctx, &domain.Action{SessionID: "s-1"})
	})
	d.SendExit(&domain.PageView{SessionID: "s-1", Path: "/", IsExit: true})
	d.Wait()

	if coll.Total() != 0 {
		t.Errorf("collector calls = %d, want 0", coll.Total())
	}
	if len(beacon.Calls()) != 0 {
		t.Errorf("beacon calls = %d, want 0", len(beacon.Calls()))
	}
}

func TestDispatcher_FailuresAreSwallowed(t *testing.T) {
	coll := &testutil.Collector{Err: errors.New("boom")}
	d := NewDispatcher(coll, granted())

	for i := 0; i < 3; i++ {
		d.Send("record_page_view", func(ctx context.Context, c ports.Collector) error {
			return c.RecordPageView(ctx, &domain.PageView{SessionID: "s-1", Path: "/"})
		})
	}
	d.Wait()

	// Each failure is attempted exactly once.
	if got := len(coll.PageViews()); got != 3 {
		t.Errorf("page views attempted = %d, want 3", got)
	}
}

func TestDispatcher_SendExitUsesBeacon(t *testing.T) {
	coll := &testutil.Collector{}
	beacon := &testutil.Beacon{}
	d := NewDispatcher(coll, granted(), WithBeacon(beacon))

	d.SendExit(&domain.PageView{SessionID: "s-1", Path: "/urunler", TimeOnPageSeconds: 12, ScrollPercentage: 75, IsExit: true})
	d.Wait()

	calls := beacon.Calls()
	if len(calls) != 1 {
		t.Fatalf("beacon calls = %d, want 1", len(calls))
	}
	if calls[0].Path != collect.PathPageViewExit {
		t.Errorf("beacon path = %q, want %q", calls[0].Path, collect.PathPageViewExit)
	}
	var pv domain.PageView
	if err := json.Unmarshal(calls[0].Payload, &pv); err != nil {
		t.Fatalf("decode beacon payload: %v", err)
	}
	if pv.TimeOnPageSeconds != 12 || pv.ScrollPercentage != 75 || !pv.IsExit {
		t.Errorf("beacon payload = %+v", pv)
	}
	if len(coll.PageViewExits()) != 0 {
		t.Errorf("ordinary update sent alongside beacon")
	}
}

func TestDispatcher_SendExitFallback(t *testing.T) {
	tests := []struct {
		name   string
		beacon ports.Beacon
	}{
		{name: "no beacon"},
		{name: "beacon refuses", beacon: &testutil.Beacon{Reject: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := &testutil.Collector{}
			var opts []Option
			if tt.beacon != nil {
				opts = append(opts, WithBeacon(tt.beacon))
			}
			d := NewDispatcher(coll, granted(), opts...)

			d.SendExit(&domain.PageView{SessionID: "s-1", Path: "/", IsExit: true})
			d.Wait()

			exits := coll.PageViewExits()
			if len(exits) != 1 {
				t.Fatalf("fallback updates = %d, want 1", len(exits))
			}
			if !exits[0].IsExit {
				t.Error("fallback update should carry IsExit")
			}
		})
	}
}

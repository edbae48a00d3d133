package testutil

import (
	"context"
	"sync"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
)

// Collector is an in-memory ports.Collector that records every call.
type Collector struct {
	mu sync.Mutex

	// Err is returned from every call when set.
	Err error
	// Block, when non-nil, makes CreateSession wait until it is closed.
	Block chan struct{}
	// Started receives one value each time CreateSession begins, if non-nil.
	Started chan struct{}

	sessions       []domain.Session
	pageViews      []domain.PageView
	pageViewExits  []domain.PageView
	actions        []domain.Action
	sessionUpdates []domain.SessionUpdate
}

var _ ports.Collector = (*Collector)(nil)

func (c *Collector) CreateSession(ctx context.Context, s *domain.Session) error {
	if c.Started != nil {
		c.Started <- struct{}{}
	}
	if c.Block != nil {
		select {
		case <-c.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, *s)
	return c.Err
}

func (c *Collector) RecordPageView(_ context.Context, pv *domain.PageView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageViews = append(c.pageViews, *pv)
	return c.Err
}

func (c *Collector) UpdatePageView(_ context.Context, pv *domain.PageView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageViewExits = append(c.pageViewExits, *pv)
	return c.Err
}

func (c *Collector) RecordAction(_ context.Context, a *domain.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, *a)
	return c.Err
}

func (c *Collector) UpdateSession(_ context.Context, u *domain.SessionUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionUpdates = append(c.sessionUpdates, *u)
	return c.Err
}

func (c *Collector) Sessions() []domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Session(nil), c.sessions...)
}

func (c *Collector) PageViews() []domain.PageView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.PageView(nil), c.pageViews...)
}

func (c *Collector) PageViewExits() []domain.PageView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.PageView(nil), c.pageViewExits...)
}

func (c *Collector) Actions() []domain.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Action(nil), c.actions...)
}

func (c *Collector) SessionUpdates() []domain.SessionUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SessionUpdate(nil), c.sessionUpdates...)
}

// Total returns the number of calls of every kind.
func (c *Collector) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions) + len(c.pageViews) + len(c.pageViewExits) + len(c.actions) + len(c.sessionUpdates)
}

package ports

import (
	"context"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
)

// Collector is the collection endpoint contract consumed by the agent.
// Responses only matter for local diagnostics; callers never change
// behaviour based on them.
type Collector interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	RecordPageView(ctx context.Context, pv *domain.PageView) error
	UpdatePageView(ctx context.Context, pv *domain.PageView) error
	RecordAction(ctx context.Context, a *domain.Action) error
	UpdateSession(ctx context.Context, u *domain.SessionUpdate) error
}

// ConsentGate reports whether tracking is currently permitted.
type ConsentGate interface {
	HasConsent() bool
}

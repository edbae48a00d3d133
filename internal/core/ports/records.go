package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
)

// RecordStore persists what the collection endpoint receives.
// Implementations: SQL (sqlite default, postgres).
type RecordStore interface {
	// CreateSession inserts a session, filling in a row that was created
	// lazily for the same id.
	CreateSession(ctx context.Context, s *domain.Session) error

	// RecordPageView inserts a page view, creating a bare session row when
	// the session has not been seen yet.
	RecordPageView(ctx context.Context, pv *domain.PageView) error

	// UpdatePageView applies exit timing to the latest page view for
	// (session, path), inserting an exit row if none exists.
	UpdatePageView(ctx context.Context, pv *domain.PageView) error

	// RecordAction inserts an action.
	RecordAction(ctx context.Context, a *domain.Action) error

	// UpdateSession records activity and duration for a session.
	UpdateSession(ctx context.Context, u *domain.SessionUpdate) error

	// GetSession returns a stored session summary.
	GetSession(ctx context.Context, id string) (*SessionSummary, error)

	// ListPageViews returns the page views of a session in insertion order.
	ListPageViews(ctx context.Context, sessionID string) ([]*domain.PageView, error)

	// ListActions returns the actions of a session in insertion order.
	ListActions(ctx context.Context, sessionID string) ([]*domain.Action, error)

	Close() error
}

// SessionSummary is the stored view of a session.
type SessionSummary struct {
	ID              string            `json:"sessionId" db:"id"`
	DeviceType      domain.DeviceType `json:"deviceType" db:"device_type"`
	Browser         string            `json:"browser" db:"browser"`
	OS              string            `json:"os" db:"os"`
	Country         string            `json:"country" db:"country"`
	Referrer        *string           `json:"referrer" db:"referrer"`
	UTMSource       *string           `json:"utmSource" db:"utm_source"`
	UTMMedium       *string           `json:"utmMedium" db:"utm_medium"`
	UTMCampaign     *string           `json:"utmCampaign" db:"utm_campaign"`
	DurationSeconds int               `json:"durationSeconds" db:"duration_seconds"`
	LastActivityAt  *time.Time        `json:"lastActivityAt" db:"last_activity_at"`
	CreatedAt       time.Time         `json:"createdAt" db:"created_at"`
}

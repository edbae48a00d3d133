package domain

import "time"

// DeviceType classifies the visitor's device.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
)

// Device is the ambient context derived from the user agent and locale.
type Device struct {
	Type    DeviceType `json:"deviceType"`
	Browser string     `json:"browser"`
	OS      string     `json:"os"`
	Country string     `json:"country,omitempty"`
}

// Session is one logical visit in one browser tab.
// Nullable attribution fields are pointers so absent values serialize as null.
type Session struct {
	ID          string     `json:"sessionId"`
	DeviceType  DeviceType `json:"deviceType"`
	Browser     string     `json:"browser"`
	OS          string     `json:"os"`
	Country     string     `json:"country,omitempty"`
	Referrer    *string    `json:"referrer"`
	UTMSource   *string    `json:"utmSource"`
	UTMMedium   *string    `json:"utmMedium"`
	UTMCampaign *string    `json:"utmCampaign"`
	StartedAt   time.Time  `json:"startedAt"`
}

// SessionUpdate carries the activity and duration reported on exit.
type SessionUpdate struct {
	SessionID              string    `json:"sessionId"`
	LastActivityAt         time.Time `json:"lastActivityAt"`
	SessionDurationSeconds int       `json:"sessionDurationSeconds"`
}

// SessionState is the lifecycle of remote session creation.
// Transitions only move forward (Uninitialized → Initializing → Ready) except
// for an explicit reset after consent revocation.
type SessionState int

const (
	SessionUninitialized SessionState = iota
	SessionInitializing
	SessionReady
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	default:
		return "unknown"
	}
}

package ports

import (
	"net/url"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
)

// Storage is a string key/value store in the style of the browser storage APIs.
// Implementations return domain.ErrStorageUnavailable (possibly wrapped) when
// the medium cannot be used; Get returns "" with a nil error for absent keys.
type Storage interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// Navigator exposes the browser identity fields used for device detection.
type Navigator interface {
	UserAgent() string
	Language() string
}

// Page exposes the current document and location.
type Page interface {
	URL() *url.URL
	Title() string
	Referrer() string
}

// Listener receives the DOM signals the instrumentation subscribes to.
type Listener interface {
	OnScroll(pos domain.ScrollPosition)
	OnClick(target domain.Element)
	OnVisibilityChange(hidden bool)
	OnBeforeUnload()
}

// EventTarget installs a Listener and returns the function that removes it.
type EventTarget interface {
	AddListener(l Listener) (remove func())
}

// Beacon is a guaranteed-delivery-on-unload transport. SendBeacon reports
// whether the payload was accepted for delivery; it must not block on the
// network.
type Beacon interface {
	SendBeacon(path string, payload []byte) bool
}

// Environment is the capability set a host hands to the agent in place of
// browser globals. Beacon may be nil when the host has no unload transport.
type Environment struct {
	// LocalStorage survives browser restarts and holds the consent flag.
	LocalStorage Storage
	// SessionStorage lives as long as the tab and holds the session id.
	SessionStorage Storage
	Navigator      Navigator
	Page           Page
	Window         EventTarget
	Beacon         Beacon
}

// Package visitor provides the public API for embedding the telemetry agent.
// This is the stable API for external consumers.
package visitor

import (
	"github.com/tjfontaine/visitor-telemetry/internal/api/collect"
	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
	"github.com/tjfontaine/visitor-telemetry/internal/delivery"
	"github.com/tjfontaine/visitor-telemetry/internal/runtime"
	"github.com/tjfontaine/visitor-telemetry/internal/storage/memory"
)

// Agent is the telemetry agent mounted on one page.
// See internal/runtime.Agent for full documentation.
type Agent = runtime.Agent

// Option is a functional option for configuring an Agent.
type Option = runtime.Option

// Browser capabilities the host supplies.
type (
	Environment = ports.Environment
	Storage     = ports.Storage
	Navigator   = ports.Navigator
	Page        = ports.Page
	Listener    = ports.Listener
	EventTarget = ports.EventTarget
	Beacon      = ports.Beacon
	Collector   = ports.Collector
)

// DOM inputs and collected records.
type (
	Element        = domain.Element
	ScrollPosition = domain.ScrollPosition
	ConsentState   = domain.ConsentState
	Session        = domain.Session
	PageView       = domain.PageView
	Action         = domain.Action
	SessionUpdate  = domain.SessionUpdate
)

const (
	ConsentUndecided = domain.ConsentUndecided
	ConsentGranted   = domain.ConsentGranted
	ConsentDenied    = domain.ConsentDenied
)

// New creates a new Agent for env with the given options.
// Example:
//
//	agent, err := visitor.New(env,
//	    visitor.WithCollectorURL("https://collector.example.com"),
//	)
//	agent.Mount(ctx)
//	defer agent.Close()
var New = runtime.New

// NewMemoryStorage returns an in-memory Storage, suitable as tab storage for
// headless hosts.
func NewMemoryStorage() Storage {
	return memory.New()
}

// NewHTTPBeacon returns a Beacon that posts exit records to the collector at
// baseURL.
func NewHTTPBeacon(baseURL string, opts ...collect.ClientOption) *delivery.HTTPBeacon {
	return delivery.NewHTTPBeacon(collect.NewClient(baseURL, opts...))
}

// Configuration options
var (
	// Collection endpoint
	WithCollectorURL = runtime.WithCollectorURL
	WithHTTPClient   = runtime.WithHTTPClient
	WithCollector    = runtime.WithCollector

	// Storage
	WithSQLiteLocalStorage = runtime.WithSQLiteLocalStorage
	WithKeyPrefix          = runtime.WithKeyPrefix

	// Advanced options
	WithPolling = runtime.WithPolling
	WithBeacon  = runtime.WithBeacon
	WithClock   = runtime.WithClock
	WithLogger  = runtime.WithLogger
)

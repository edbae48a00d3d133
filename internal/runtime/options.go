package runtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/quartz"

	"github.com/tjfontaine/visitor-telemetry/internal/api/collect"
	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
	"github.com/tjfontaine/visitor-telemetry/internal/delivery"
	"github.com/tjfontaine/visitor-telemetry/internal/storage/sqlite"
)

// Option is a functional option for configuring an Agent.
type Option func(*Agent) error

// WithCollectorURL reports to the collection endpoint at baseURL over HTTP.
// When the environment has no beacon, exit records are posted by an
// HTTPBeacon that outlives the page.
func WithCollectorURL(baseURL string, clientOpts ...collect.ClientOption) Option {
	return func(a *Agent) error {
		if baseURL == "" {
			return fmt.Errorf("collector url is empty")
		}
		client := collect.NewClient(baseURL, clientOpts...)
		a.collector = client
		if a.beacon != nil {
			a.beacon.Close()
		}
		a.beacon = delivery.NewHTTPBeacon(client, delivery.WithBeaconLogger(a.logger))
		return nil
	}
}

// WithHTTPClient is shorthand for WithCollectorURL with a custom HTTP client.
func WithHTTPClient(baseURL string, httpClient *http.Client) Option {
	return WithCollectorURL(baseURL, collect.WithHTTPClient(httpClient))
}

// WithCollector sets a custom collector.
// For embedding the agent next to an in-process collection endpoint.
func WithCollector(collector ports.Collector) Option {
	return func(a *Agent) error {
		a.collector = collector
		return nil
	}
}

// WithSQLiteLocalStorage keeps durable state (the consent flag) in a SQLite
// database scoped to origin instead of the environment's LocalStorage.
func WithSQLiteLocalStorage(path, origin string) Option {
	return func(a *Agent) error {
		store, err := sqlite.New(path, origin)
		if err != nil {
			return fmt.Errorf("create sqlite local storage: %w", err)
		}
		a.env.LocalStorage = store
		a.closers = append(a.closers, store)
		return nil
	}
}

// WithKeyPrefix namespaces every storage key.
func WithKeyPrefix(prefix string) Option {
	return func(a *Agent) error {
		a.keys = domain.NewStorageKeys(prefix)
		return nil
	}
}

// WithPolling sets how long a page view waits for session creation.
func WithPolling(interval time.Duration, attempts int) Option {
	return func(a *Agent) error {
		if interval <= 0 {
			return fmt.Errorf("poll interval must be positive, got %s", interval)
		}
		if attempts < 0 {
			return fmt.Errorf("poll attempts must not be negative, got %d", attempts)
		}
		a.pollInterval = interval
		a.maxPolls = attempts
		return nil
	}
}

// WithBeacon sets the unload transport for exit records.
func WithBeacon(beacon ports.Beacon) Option {
	return func(a *Agent) error {
		a.env.Beacon = beacon
		return nil
	}
}

// WithClock sets the clock. Tests use a quartz mock.
func WithClock(clock quartz.Clock) Option {
	return func(a *Agent) error {
		a.clock = clock
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) error {
		a.logger = logger
		return nil
	}
}

package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
)

// DefaultBeaconQueue is how many beacons may be in flight before new ones
// are refused.
const DefaultBeaconQueue = 16

// Poster sends an encoded payload to a collector route.
type Poster interface {
	Post(ctx context.Context, path string, payload []byte) error
}

// HTTPBeacon is a ports.Beacon for hosts without a native one. It accepts a
// payload synchronously and posts it on a goroutine that outlives the caller.
type HTTPBeacon struct {
	poster  Poster
	timeout time.Duration
	logger  *slog.Logger
	slots   chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ ports.Beacon = (*HTTPBeacon)(nil)

// BeaconOption configures an HTTPBeacon.
type BeaconOption func(*HTTPBeacon)

// WithBeaconTimeout bounds each post. Zero means no bound.
func WithBeaconTimeout(d time.Duration) BeaconOption {
	return func(b *HTTPBeacon) {
		b.timeout = d
	}
}

// WithBeaconQueue sets the in-flight limit.
func WithBeaconQueue(n int) BeaconOption {
	return func(b *HTTPBeacon) {
		if n > 0 {
			b.slots = make(chan struct{}, n)
		}
	}
}

// WithBeaconLogger sets the logger for post failures.
func WithBeaconLogger(logger *slog.Logger) BeaconOption {
	return func(b *HTTPBeacon) {
		b.logger = logger
	}
}

// NewHTTPBeacon creates a beacon that posts through poster.
func NewHTTPBeacon(poster Poster, opts ...BeaconOption) *HTTPBeacon {
	b := &HTTPBeacon{
		poster:  poster,
		timeout: 10 * time.Second,
		logger:  slog.Default(),
		slots:   make(chan struct{}, DefaultBeaconQueue),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SendBeacon queues payload for delivery. It returns false when the beacon
// is closed or the queue is full.
func (b *HTTPBeacon) SendBeacon(path string, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}

	select {
	case b.slots <- struct{}{}:
	default:
		return false
	}

	body := append([]byte(nil), payload...)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.slots }()

		ctx := context.Background()
		if b.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.timeout)
			defer cancel()
		}
		if err := b.poster.Post(ctx, path, body); err != nil {
			b.logger.Debug("beacon post failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}()
	return true
}

// Close refuses further beacons and waits for queued ones to finish.
func (b *HTTPBeacon) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

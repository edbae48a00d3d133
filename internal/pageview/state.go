// Package pageview holds the state of the page view currently on screen: its
// path, when it started, the scroll watermark and whether its exit has been
// reported.
package pageview

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// TierSize is the scroll reporting granularity, in percent.
const TierSize = 25

// State is shared by the navigation observer, which begins page views, and
// the instrumentation, which samples scroll depth and reports the exit.
type State struct {
	clock quartz.Clock

	mu        sync.Mutex
	path      string
	startedAt time.Time
	watermark int
	exited    bool
}

// Exit is the snapshot taken when a page view ends.
type Exit struct {
	Path              string
	TimeOnPageSeconds int
	ScrollPercentage  int
	At                time.Time
}

// New returns an empty State timed by clock, or the real clock when nil.
func New(clock quartz.Clock) *State {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &State{clock: clock}
}

// Path returns the path of the current page view, or "" before the first.
func (s *State) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Begin starts a page view for path unless it is already the current one.
// It resets the start time, the watermark and the exit guard, and reports
// whether a new page view began.
func (s *State) Begin(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path == s.path {
		return false
	}
	s.path = path
	s.startedAt = s.clock.Now("pageview", "begin")
	s.watermark = 0
	s.exited = false
	return true
}

// Pending reports whether a page view has begun and its exit is not yet
// reported.
func (s *State) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path != "" && !s.exited
}

// Forget clears the current path so that the next Begin for the same path
// starts a new page view.
func (s *State) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = ""
}

// Watermark returns the highest scroll percentage seen on this page view.
func (s *State) Watermark() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// RaiseWatermark records a scroll sample. It returns the tier to report and
// true when pct crosses into a tier above every tier already reported for
// this page view.
func (s *State) RaiseWatermark(pct int) (int, bool) {
	pct = clamp(pct)

	s.mu.Lock()
	defer s.mu.Unlock()

	prevTier := tierOf(s.watermark)
	if pct > s.watermark {
		s.watermark = pct
	}

	tier := tierOf(pct)
	if tier > 0 && tier > prevTier {
		return tier, true
	}
	return 0, false
}

// Exit ends the current page view exactly once. Later calls, and calls before
// any page view began, return false.
func (s *State) Exit() (Exit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited || s.path == "" {
		return Exit{}, false
	}
	s.exited = true

	now := s.clock.Now("pageview", "exit")
	return Exit{
		Path:              s.path,
		TimeOnPageSeconds: Seconds(now.Sub(s.startedAt)),
		ScrollPercentage:  s.watermark,
		At:                now,
	}, true
}

// Seconds floors d to whole non-negative seconds.
func Seconds(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

func tierOf(pct int) int {
	return pct / TierSize * TierSize
}

func clamp(pct int) int {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	default:
		return pct
	}
}

// Package instrument listens to DOM signals and turns them into action and
// exit records.
package instrument

import (
	"context"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
	"github.com/tjfontaine/visitor-telemetry/internal/delivery"
	"github.com/tjfontaine/visitor-telemetry/internal/pageview"
)

// ScrollSelector is the element selector recorded for scroll actions.
const ScrollSelector = "window"

var downloadExtensions = []string{".pdf", ".doc", ".zip"}

// Sessions is the view of the session manager the instrumentation needs.
type Sessions interface {
	GetOrCreateSessionID() string
	StartedAt() time.Time
}

// Instrumentation is a ports.Listener installed on the window while the agent
// is mounted.
type Instrumentation struct {
	target     ports.EventTarget
	page       ports.Page
	consent    ports.ConsentGate
	sessions   Sessions
	state      *pageview.State
	dispatcher *delivery.Dispatcher
	clock      quartz.Clock
	logger     *slog.Logger

	mu     sync.Mutex
	remove func()
}

var _ ports.Listener = (*Instrumentation)(nil)

// Option configures an Instrumentation.
type Option func(*Instrumentation)

// WithClock sets the clock used for action and exit timestamps.
func WithClock(clock quartz.Clock) Option {
	return func(i *Instrumentation) {
		i.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Instrumentation) {
		i.logger = logger
	}
}

// New creates an Instrumentation bound to target. Nothing is installed until
// Start.
func New(target ports.EventTarget, page ports.Page, consent ports.ConsentGate, sessions Sessions, state *pageview.State, dispatcher *delivery.Dispatcher, opts ...Option) *Instrumentation {
	i := &Instrumentation{
		target:     target,
		page:       page,
		consent:    consent,
		sessions:   sessions,
		state:      state,
		dispatcher: dispatcher,
		clock:      quartz.NewReal(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start installs the listeners. Calling it twice is a no-op.
func (i *Instrumentation) Start() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.remove != nil || i.target == nil {
		return
	}
	i.remove = i.target.AddListener(i)
}

// Stop removes the listeners and makes one final exit attempt for the current
// page view. It is safe to call without Start and more than once.
func (i *Instrumentation) Stop() {
	i.mu.Lock()
	remove := i.remove
	i.remove = nil
	i.mu.Unlock()

	if remove != nil {
		remove()
	}
	i.Exit()
}

// Detach removes the listeners without an exit attempt. It is used when
// consent is revoked.
func (i *Instrumentation) Detach() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.remove != nil {
		i.remove()
		i.remove = nil
	}
}

// Active reports whether listeners are installed.
func (i *Instrumentation) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.remove != nil
}

// OnScroll reports each 25% scroll tier once per page view.
func (i *Instrumentation) OnScroll(pos domain.ScrollPosition) {
	if !i.consent.HasConsent() {
		return
	}
	pct, ok := ScrollPercentage(pos)
	if !ok {
		return
	}
	tier, report := i.state.RaiseWatermark(pct)
	if !report {
		return
	}
	i.sendAction(&domain.Action{
		Type:            domain.ActionScroll,
		ElementSelector: ScrollSelector,
		Extra:           map[string]any{"percentage": tier},
	})
}

// OnClick classifies and reports a click.
func (i *Instrumentation) OnClick(el domain.Element) {
	if !i.consent.HasConsent() {
		return
	}
	a := &domain.Action{
		Type:            Classify(el, i.pageURL()),
		ElementSelector: Selector(el),
		ElementText:     domain.TruncateText(Text(el)),
	}
	if el.Href != "" {
		a.Extra = map[string]any{"href": el.Href}
	}
	i.sendAction(a)
}

// OnVisibilityChange runs the exit routine when the document becomes hidden.
func (i *Instrumentation) OnVisibilityChange(hidden bool) {
	if hidden {
		i.Exit()
	}
}

// OnBeforeUnload runs the exit routine when the page is being unloaded.
func (i *Instrumentation) OnBeforeUnload() {
	i.Exit()
}

// Exit reports the end of the current page view and the session duration.
// It sends at most once per page view.
func (i *Instrumentation) Exit() {
	if !i.consent.HasConsent() || !i.state.Pending() {
		return
	}
	sessionID := i.sessions.GetOrCreateSessionID()
	if sessionID == "" {
		return
	}
	exit, ok := i.state.Exit()
	if !ok {
		return
	}

	i.dispatcher.SendExit(&domain.PageView{
		SessionID:         sessionID,
		Path:              exit.Path,
		TimeOnPageSeconds: exit.TimeOnPageSeconds,
		ScrollPercentage:  exit.ScrollPercentage,
		IsExit:            true,
		ViewedAt:          exit.At,
	})

	update := &domain.SessionUpdate{
		SessionID:      sessionID,
		LastActivityAt: exit.At,
	}
	if started := i.sessions.StartedAt(); !started.IsZero() {
		update.SessionDurationSeconds = pageview.Seconds(exit.At.Sub(started))
	}
	i.dispatcher.Send("update_session", func(ctx context.Context, c ports.Collector) error {
		return c.UpdateSession(ctx, update)
	})
}

func (i *Instrumentation) sendAction(a *domain.Action) {
	sessionID := i.sessions.GetOrCreateSessionID()
	if sessionID == "" {
		return
	}
	a.SessionID = sessionID
	a.Path = i.currentPath()
	a.OccurredAt = i.clock.Now("instrument", "action")

	i.dispatcher.Send("record_action", func(ctx context.Context, c ports.Collector) error {
		return c.RecordAction(ctx, a)
	})
}

func (i *Instrumentation) currentPath() string {
	if p := i.state.Path(); p != "" {
		return p
	}
	if i.page == nil {
		return ""
	}
	if u := i.page.URL(); u != nil {
		return u.RequestURI()
	}
	return ""
}

func (i *Instrumentation) pageURL() *url.URL {
	if i.page == nil {
		return nil
	}
	return i.page.URL()
}

// ScrollPercentage converts a scroll sample to a percentage in [0,100]. It
// returns false when the document is not scrollable.
func ScrollPercentage(pos domain.ScrollPosition) (int, bool) {
	scrollable := pos.ScrollHeight - pos.ViewportHeight
	if scrollable <= 0 {
		return 0, false
	}
	pct := int(math.Round(pos.ScrollTop / scrollable * 100))
	switch {
	case pct < 0:
		pct = 0
	case pct > 100:
		pct = 100
	}
	return pct, true
}

// Selector renders tag, id and classes as tag#id.class1.class2.
func Selector(el domain.Element) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(el.TagName))
	if el.ID != "" {
		b.WriteByte('#')
		b.WriteString(el.ID)
	}
	for _, c := range el.Classes {
		if c = strings.TrimSpace(c); c != "" {
			b.WriteByte('.')
			b.WriteString(c)
		}
	}
	return b.String()
}

// sameOrigin compares host names case-insensitively and ports with the
// scheme default filled in.
func sameOrigin(u, page *url.URL) bool {
	if page == nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), page.Hostname()) && effectivePort(u) == effectivePort(page)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}
	return ""
}

// Text returns the first non-empty of innerText, textContent and alt, trimmed.
func Text(el domain.Element) string {
	for _, s := range []string{el.InnerText, el.TextContent, el.Alt} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Classify picks the action type of a click. Only anchors with an href are
// classified beyond a plain click. The href is resolved against page, the
// current location, the way a browser resolves it.
func Classify(el domain.Element, page *url.URL) domain.ActionType {
	if !strings.EqualFold(el.TagName, "a") || el.Href == "" {
		return domain.ActionClick
	}
	href := strings.TrimSpace(el.Href)
	lower := strings.ToLower(href)

	if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") {
		return domain.ActionContact
	}
	if u, err := url.Parse(href); err == nil {
		if page != nil {
			u = page.ResolveReference(u)
		}
		if u.Host != "" && !sameOrigin(u, page) {
			return domain.ActionExternalLink
		}
	}
	for _, ext := range downloadExtensions {
		if strings.Contains(lower, ext) {
			return domain.ActionDownload
		}
	}
	return domain.ActionClick
}

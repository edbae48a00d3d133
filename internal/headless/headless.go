// Package headless supplies the browser capabilities for hosts without a
// DOM: a fixed navigator, a mutable page and a window that dispatches
// synthetic events to the agent's listeners.
package headless

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
)

// Navigator is a fixed ports.Navigator.
type Navigator struct {
	UA   string
	Lang string
}

func (n Navigator) UserAgent() string { return n.UA }
func (n Navigator) Language() string  { return n.Lang }

// Page is a mutable ports.Page.
type Page struct {
	mu       sync.RWMutex
	url      *url.URL
	title    string
	referrer string
}

// NewPage parses rawURL as the current location. rawURL must be absolute.
func NewPage(rawURL, title, referrer string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("page url %q is not absolute", rawURL)
	}
	return &Page{url: u, title: title, referrer: referrer}, nil
}

func (p *Page) URL() *url.URL {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u := *p.url
	return &u
}

func (p *Page) Title() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.title
}

func (p *Page) Referrer() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.referrer
}

// Navigate moves the page to path (which may carry a query) and sets its title.
func (p *Page) Navigate(path, title string) error {
	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = p.url.ResolveReference(ref)
	p.title = title
	return nil
}

// Window is a ports.EventTarget that dispatches synthetic DOM events to the
// installed listeners.
type Window struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]ports.Listener
}

func NewWindow() *Window {
	return &Window{listeners: make(map[int]ports.Listener)}
}

func (w *Window) AddListener(l ports.Listener) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = l
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.listeners, id)
	}
}

// ListenerCount returns the number of installed listeners.
func (w *Window) ListenerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

func (w *Window) snapshot() []ports.Listener {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ports.Listener, 0, len(w.listeners))
	for _, l := range w.listeners {
		out = append(out, l)
	}
	return out
}

func (w *Window) Scroll(pos domain.ScrollPosition) {
	for _, l := range w.snapshot() {
		l.OnScroll(pos)
	}
}

func (w *Window) Click(el domain.Element) {
	for _, l := range w.snapshot() {
		l.OnClick(el)
	}
}

func (w *Window) VisibilityChange(hidden bool) {
	for _, l := range w.snapshot() {
		l.OnVisibilityChange(hidden)
	}
}

func (w *Window) BeforeUnload() {
	for _, l := range w.snapshot() {
		l.OnBeforeUnload()
	}
}

package testutil

import (
	"sync"

	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
	"github.com/tjfontaine/visitor-telemetry/internal/headless"
	"github.com/tjfontaine/visitor-telemetry/internal/storage/memory"
)

// Re-exported from internal/headless.
type (
	Navigator = headless.Navigator
	Page      = headless.Page
	Window    = headless.Window
)

// NewPage is headless.NewPage for URLs known to be valid.
func NewPage(rawURL, title, referrer string) *Page {
	p, err := headless.NewPage(rawURL, title, referrer)
	if err != nil {
		panic(err)
	}
	return p
}

// BeaconCall is one payload handed to a Beacon.
type BeaconCall struct {
	Path    string
	Payload []byte
}

// Beacon records payloads. When Reject is set it refuses them, like a
// browser whose beacon queue is full.
type Beacon struct {
	mu     sync.Mutex
	Reject bool
	calls  []BeaconCall
}

func (b *Beacon) SendBeacon(path string, payload []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Reject {
		return false
	}
	b.calls = append(b.calls, BeaconCall{Path: path, Payload: append([]byte(nil), payload...)})
	return true
}

func (b *Beacon) Calls() []BeaconCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BeaconCall(nil), b.calls...)
}

// Browser bundles fakes for every capability in ports.Environment.
type Browser struct {
	Local  *memory.Store
	Tab    *memory.Store
	Nav    Navigator
	Page   *Page
	Window *Window
	Beacon *Beacon
}

// DesktopChromeUA is a Chrome on Windows user agent.
const DesktopChromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// NewBrowser returns a desktop Chrome browser on rawURL with a Turkish locale.
func NewBrowser(rawURL string) *Browser {
	return &Browser{
		Local:  memory.New(),
		Tab:    memory.New(),
		Nav:    Navigator{UA: DesktopChromeUA, Lang: "tr-TR"},
		Page:   NewPage(rawURL, "Ana Sayfa", "https://www.google.com/"),
		Window: headless.NewWindow(),
		Beacon: &Beacon{},
	}
}

// Environment exposes the fakes as a ports.Environment.
func (b *Browser) Environment() ports.Environment {
	env := ports.Environment{
		LocalStorage:   b.Local,
		SessionStorage: b.Tab,
		Navigator:      b.Nav,
		Page:           b.Page,
		Window:         b.Window,
	}
	if b.Beacon != nil {
		env.Beacon = b.Beacon
	}
	return env
}

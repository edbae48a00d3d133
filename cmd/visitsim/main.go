// Command visitsim replays a scripted visit through the telemetry agent
// against a running collector. It is a headless host: pages, scrolls and
// clicks are synthesized rather than read from a browser.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tjfontaine/visitor-telemetry/internal/api/collect"
	"github.com/tjfontaine/visitor-telemetry/internal/headless"
	"github.com/tjfontaine/visitor-telemetry/internal/telemetry"
	"github.com/tjfontaine/visitor-telemetry/pkg/visitor"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

type options struct {
	collectorURL string
	siteURL      string
	pages        []string
	referrer     string
	userAgent    string
	language     string
	localDB      string
	dwell        time.Duration
	deny         bool
	tracing      bool
	readback     bool
	verbose      bool
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var opts options
	var pages string
	flag.StringVar(&opts.collectorURL, "collector", envOr("VISITOR_COLLECTOR_URL", "http://localhost:8080"), "collector base URL")
	flag.StringVar(&opts.siteURL, "site", "https://shop.example/", "URL of the landing page")
	flag.StringVar(&pages, "pages", "/urunler?kategori=kalem,/iletisim", "comma-separated paths visited after landing")
	flag.StringVar(&opts.referrer, "referrer", "https://www.google.com/", "document referrer of the landing page")
	flag.StringVar(&opts.userAgent, "ua", defaultUserAgent, "navigator user agent")
	flag.StringVar(&opts.language, "lang", "tr-TR", "navigator language")
	flag.StringVar(&opts.localDB, "local-db", "", "SQLite file used as durable local storage (empty keeps it in memory)")
	flag.DurationVar(&opts.dwell, "dwell", 1500*time.Millisecond, "time spent on each page")
	flag.BoolVar(&opts.deny, "deny", false, "refuse consent instead of granting it")
	flag.BoolVar(&opts.tracing, "tracing", false, "export client spans to stdout")
	flag.BoolVar(&opts.readback, "readback", true, "print what the collector stored for the session")
	flag.BoolVar(&opts.verbose, "v", false, "debug logging")
	flag.Parse()

	for _, p := range strings.Split(pages, ",") {
		if p = strings.TrimSpace(p); p != "" {
			opts.pages = append(opts.pages, p)
		}
	}

	if err := run(context.Background(), opts); err != nil {
		log.Fatalf("visitsim: %v", err)
	}
}

func run(ctx context.Context, opts options) error {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if opts.tracing {
		shutdown, err := telemetry.InitTracer("visitsim", telemetry.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("initialize tracer: %w", err)
		}
		defer shutdown(context.Background())
	}

	page, err := headless.NewPage(opts.siteURL, "Ana Sayfa", opts.referrer)
	if err != nil {
		return fmt.Errorf("site url: %w", err)
	}
	window := headless.NewWindow()
	env := visitor.Environment{
		LocalStorage:   visitor.NewMemoryStorage(),
		SessionStorage: visitor.NewMemoryStorage(),
		Navigator:      headless.Navigator{UA: opts.userAgent, Lang: opts.language},
		Page:           page,
		Window:         window,
	}

	agentOpts := []visitor.Option{
		visitor.WithCollectorURL(opts.collectorURL),
		visitor.WithLogger(logger),
	}
	if opts.localDB != "" {
		origin := page.URL().Scheme + "://" + page.URL().Host
		agentOpts = append(agentOpts, visitor.WithSQLiteLocalStorage(opts.localDB, origin))
	}
	agent, err := visitor.New(env, agentOpts...)
	if err != nil {
		return err
	}

	agent.Mount(ctx)
	if opts.deny {
		agent.RevokeConsent()
	} else {
		agent.GrantConsent()
	}
	logger.Info("visit started",
		slog.String("consent", string(agent.ConsentState())),
		slog.String("session_id", agent.SessionID()))

	browse(page, window, opts.dwell)
	for _, path := range opts.pages {
		ref, err := url.Parse(path)
		if err != nil {
			return fmt.Errorf("page %q: %w", path, err)
		}
		if err := page.Navigate(path, titleFor(ref.Path)); err != nil {
			return fmt.Errorf("page %q: %w", path, err)
		}
		agent.Navigate(ref.Path, ref.RawQuery)
		browse(page, window, opts.dwell)
	}

	sessionID := agent.SessionID()
	if err := agent.Close(); err != nil {
		return fmt.Errorf("close agent: %w", err)
	}
	logger.Info("visit finished", slog.String("session_id", sessionID))

	if opts.readback && sessionID != "" {
		return printSession(ctx, opts.collectorURL, sessionID, os.Stdout)
	}
	return nil
}

// browse scrolls the page to the bottom in four steps and clicks a link
// chosen from the path, spread over dwell.
func browse(page *headless.Page, window *headless.Window, dwell time.Duration) {
	step := dwell / 5
	for _, top := range []float64{600, 1200, 1800, 2400} {
		window.Scroll(visitor.ScrollPosition{ScrollTop: top, ScrollHeight: 3200, ViewportHeight: 800})
		time.Sleep(step)
	}

	link := visitor.Element{TagName: "a", Classes: []string{"nav-link"}, InnerText: "Kataloğu indir", Href: "/files/katalog.pdf"}
	if strings.HasPrefix(page.URL().Path, "/iletisim") {
		link = visitor.Element{TagName: "a", ID: "phone", InnerText: "Bizi arayın", Href: "tel:+902121234567"}
	}
	window.Click(link)
	time.Sleep(step)
}

func titleFor(path string) string {
	name := strings.Trim(path, "/")
	if name == "" {
		return "Ana Sayfa"
	}
	return cases.Title(language.Turkish).String(strings.ReplaceAll(name, "-", " "))
}

func printSession(ctx context.Context, baseURL, sessionID string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(baseURL, "/")+collect.SessionPath(url.PathEscape(sessionID)), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("read back session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("read back session: collector returned %d", resp.StatusCode)
	}

	var detail json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(detail)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package collect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/testutil"
)

type capturedRequest struct {
	method string
	path   string
	body   map[string]any
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 300 {
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "rejected"})
			return
		}
		_ = json.NewEncoder(w).Encode(Ack{Status: StatusAccepted})
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestClient_Routes(t *testing.T) {
	srv, captured := newCaptureServer(t, http.StatusAccepted)
	c := NewClient(srv.URL+"/", WithHTTPClient(srv.Client()))
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := c.CreateSession(ctx, &domain.Session{ID: "s-1", DeviceType: domain.DeviceDesktop, StartedAt: now}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := c.RecordPageView(ctx, &domain.PageView{SessionID: "s-1", Path: "/urunler", ViewedAt: now}); err != nil {
		t.Fatalf("RecordPageView() error = %v", err)
	}
	if err := c.UpdatePageView(ctx, &domain.PageView{SessionID: "s-1", Path: "/urunler", IsExit: true}); err != nil {
		t.Fatalf("UpdatePageView() error = %v", err)
	}
	if err := c.RecordAction(ctx, &domain.Action{SessionID: "s-1", Type: domain.ActionClick}); err != nil {
		t.Fatalf("RecordAction() error = %v", err)
	}
	if err := c.UpdateSession(ctx, &domain.SessionUpdate{SessionID: "s-1", SessionDurationSeconds: 42}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if err := c.Post(ctx, PathPageViewExit, []byte(`{"sessionId":"s-1","isExit":true}`)); err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	want := []struct {
		method string
		path   string
	}{
		{http.MethodPost, PathSessions},
		{http.MethodPost, PathPageViews},
		{http.MethodPatch, PathPageViews},
		{http.MethodPost, PathActions},
		{http.MethodPatch, "/api/analytics/sessions/s-1"},
		{http.MethodPost, PathPageViewExit},
	}
	got := captured()
	if len(got) != len(want) {
		t.Fatalf("got %d requests, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].method != w.method || got[i].path != w.path {
			t.Errorf("request %d = %s %s, want %s %s", i, got[i].method, got[i].path, w.method, w.path)
		}
	}

	if got[0].body["sessionId"] != "s-1" {
		t.Errorf("session body sessionId = %v", got[0].body["sessionId"])
	}
	if v, ok := got[0].body["referrer"]; !ok || v != nil {
		t.Errorf("absent referrer should be sent as null, got %v (present=%v)", v, ok)
	}
	if got[3].body["actionType"] != "click" {
		t.Errorf("action body actionType = %v", got[3].body["actionType"])
	}
	if got[4].body["sessionDurationSeconds"] != float64(42) {
		t.Errorf("update body sessionDurationSeconds = %v", got[4].body["sessionDurationSeconds"])
	}
}

func TestClient_StatusError(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusBadRequest)
	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))

	err := c.RecordAction(context.Background(), &domain.Action{SessionID: "s-1", Type: "hover"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("RecordAction() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, http.StatusBadRequest)
	}
	if statusErr.Message != "rejected" {
		t.Errorf("Message = %q, want %q", statusErr.Message, "rejected")
	}
	if statusErr.Op != "record_action" {
		t.Errorf("Op = %q, want record_action", statusErr.Op)
	}
}

func TestClient_UnreachableCollector(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.CreateSession(ctx, &domain.Session{ID: "s-1"}); err == nil {
		t.Fatal("CreateSession() against a closed server should fail")
	}
}

func TestClient_UserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithUserAgent("visitsim/1.0"))
	if err := c.RecordPageView(context.Background(), &domain.PageView{SessionID: "s-1", Path: "/"}); err != nil {
		t.Fatalf("RecordPageView() error = %v", err)
	}
	if got != "visitsim/1.0" {
		t.Errorf("User-Agent = %q, want visitsim/1.0", got)
	}
}

func TestClient_Replay(t *testing.T) {
	baseURL := "http://collector.local:8080"
	if testutil.Recording() {
		if u := os.Getenv("VISITOR_COLLECTOR_URL"); u != "" {
			baseURL = u
		}
	}

	recorder := testutil.NewVCRRecorder(t, "collector_visit")
	c := NewClient(baseURL, WithHTTPClient(testutil.VCRHTTPClient(recorder)))
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := c.CreateSession(ctx, &domain.Session{ID: "3f2a9c1d7e5b4a60-lvn3k2a8", DeviceType: domain.DeviceDesktop, Browser: "Chrome", OS: "Windows", Country: "TR", StartedAt: now}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := c.RecordPageView(ctx, &domain.PageView{SessionID: "3f2a9c1d7e5b4a60-lvn3k2a8", Path: "/", Title: "Ana Sayfa", ViewedAt: now}); err != nil {
		t.Fatalf("RecordPageView() error = %v", err)
	}

	err := c.RecordAction(ctx, &domain.Action{SessionID: "3f2a9c1d7e5b4a60-lvn3k2a8", Type: "hover", Path: "/", OccurredAt: now})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("RecordAction() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", statusErr.StatusCode)
	}
	if statusErr.Message != "invalid action type" {
		t.Errorf("Message = %q, want %q", statusErr.Message, "invalid action type")
	}
}

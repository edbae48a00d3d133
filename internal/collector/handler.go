// Package collector implements the HTTP side of the collection contract:
// it validates what agents send and hands it to a ports.RecordStore.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/visitor-telemetry/internal/api/collect"
	"github.com/tjfontaine/visitor-telemetry/internal/core/domain"
	"github.com/tjfontaine/visitor-telemetry/internal/core/ports"
	"github.com/tjfontaine/visitor-telemetry/internal/server"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes = 64 << 10

// maxSessionIDLength rejects ids no agent would generate.
const maxSessionIDLength = 128

var errMissingSessionID = errors.New("sessionId is required")

type pinger interface {
	Ping(ctx context.Context) error
}

type Option func(*Handler)

// WithMetrics counts records on m instead of a private Metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithMaxBodyBytes bounds request bodies. Non-positive values keep the default.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// Handler serves the collection routes.
type Handler struct {
	store   ports.RecordStore
	metrics *Metrics
	maxBody int64
	logger  *slog.Logger
}

// NewHandler returns a Handler that writes accepted records to store.
func NewHandler(store ports.RecordStore, opts ...Option) *Handler {
	h := &Handler{
		store:   store,
		maxBody: DefaultMaxBodyBytes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics()
	}
	return h
}

// Metrics returns the counters this handler updates.
func (h *Handler) Metrics() *Metrics {
	return h.metrics
}

// Mount registers the collection routes, /healthz and /metrics on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Post(collect.PathSessions, h.CreateSession)
	r.Get(collect.PathSession, h.GetSession)
	r.Patch(collect.PathSession, h.UpdateSession)
	r.Post(collect.PathPageViews, h.RecordPageView)
	r.Patch(collect.PathPageViews, h.UpdatePageView)
	r.Post(collect.PathPageViewExit, h.UpdatePageView)
	r.Post(collect.PathActions, h.RecordAction)
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var sess domain.Session
	if !h.decode(w, r, KindSession, &sess) {
		return
	}
	if err := validSessionID(sess.ID); err != nil {
		h.reject(w, r, KindSession, err)
		return
	}
	switch sess.DeviceType {
	case domain.DeviceDesktop, domain.DeviceMobile, domain.DeviceTablet:
	case "":
		sess.DeviceType = domain.DeviceDesktop
	default:
		h.reject(w, r, KindSession, fmt.Errorf("unknown deviceType %q", sess.DeviceType))
		return
	}
	server.AddLogField(r.Context(), "session_id", sess.ID)

	if err := h.store.CreateSession(r.Context(), &sess); err != nil {
		h.fail(w, r, KindSession, err)
		return
	}
	h.accept(w, KindSession)
}

func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	pathID := chi.URLParam(r, "sessionID")
	var u domain.SessionUpdate
	if !h.decode(w, r, KindSessionUpdate, &u) {
		return
	}
	if u.SessionID == "" {
		u.SessionID = pathID
	}
	if u.SessionID != pathID {
		h.reject(w, r, KindSessionUpdate, fmt.Errorf("sessionId %q does not match route", u.SessionID))
		return
	}
	if err := validSessionID(u.SessionID); err != nil {
		h.reject(w, r, KindSessionUpdate, err)
		return
	}
	if u.SessionDurationSeconds < 0 {
		u.SessionDurationSeconds = 0
	}
	server.AddLogField(r.Context(), "session_id", u.SessionID)

	if err := h.store.UpdateSession(r.Context(), &u); err != nil {
		h.fail(w, r, KindSessionUpdate, err)
		return
	}
	h.accept(w, KindSessionUpdate)
}

func (h *Handler) RecordPageView(w http.ResponseWriter, r *http.Request) {
	pv, ok := h.decodePageView(w, r, KindPageView)
	if !ok {
		return
	}
	if err := h.store.RecordPageView(r.Context(), pv); err != nil {
		h.fail(w, r, KindPageView, err)
		return
	}
	h.accept(w, KindPageView)
}

// UpdatePageView serves both the PATCH route and the beacon exit route.
func (h *Handler) UpdatePageView(w http.ResponseWriter, r *http.Request) {
	pv, ok := h.decodePageView(w, r, KindPageViewUpdate)
	if !ok {
		return
	}
	if err := h.store.UpdatePageView(r.Context(), pv); err != nil {
		h.fail(w, r, KindPageViewUpdate, err)
		return
	}
	h.accept(w, KindPageViewUpdate)
}

func (h *Handler) decodePageView(w http.ResponseWriter, r *http.Request, kind string) (*domain.PageView, bool) {
	var pv domain.PageView
	if !h.decode(w, r, kind, &pv) {
		return nil, false
	}
	if err := validSessionID(pv.SessionID); err != nil {
		h.reject(w, r, kind, err)
		return nil, false
	}
	if pv.Path == "" {
		h.reject(w, r, kind, errors.New("path is required"))
		return nil, false
	}
	pv.ScrollPercentage = clamp(pv.ScrollPercentage, 0, 100)
	if pv.TimeOnPageSeconds < 0 {
		pv.TimeOnPageSeconds = 0
	}
	server.AddLogField(r.Context(), "session_id", pv.SessionID)
	server.AddLogField(r.Context(), "page_path", pv.Path)
	return &pv, true
}

func (h *Handler) RecordAction(w http.ResponseWriter, r *http.Request) {
	var a domain.Action
	if !h.decode(w, r, KindAction, &a) {
		return
	}
	if err := validSessionID(a.SessionID); err != nil {
		h.reject(w, r, KindAction, err)
		return
	}
	if !a.Type.Valid() {
		h.reject(w, r, KindAction, errors.New("invalid action type"))
		return
	}
	a.ElementText = domain.TruncateText(a.ElementText)
	server.AddLogField(r.Context(), "session_id", a.SessionID)
	server.AddLogField(r.Context(), "action_type", string(a.Type))

	if err := h.store.RecordAction(r.Context(), &a); err != nil {
		h.fail(w, r, KindAction, err)
		return
	}
	h.accept(w, KindAction)
}

// SessionDetail is the readback of one session with everything recorded for it.
type SessionDetail struct {
	Session   *ports.SessionSummary `json:"session"`
	PageViews []*domain.PageView    `json:"pageViews"`
	Actions   []*domain.Action      `json:"actions"`
}

// GetSession returns the raw records of one session. It exists for
// debugging agents against a local collector.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	ctx := r.Context()

	summary, err := h.store.GetSession(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, collect.ErrorResponse{Error: "session not found"})
		return
	}
	if err != nil {
		server.AddError(ctx, err)
		writeJSON(w, http.StatusInternalServerError, collect.ErrorResponse{Error: "failed to load session"})
		return
	}
	pageViews, err := h.store.ListPageViews(ctx, id)
	if err != nil {
		server.AddError(ctx, err)
		writeJSON(w, http.StatusInternalServerError, collect.ErrorResponse{Error: "failed to load page views"})
		return
	}
	actions, err := h.store.ListActions(ctx, id)
	if err != nil {
		server.AddError(ctx, err)
		writeJSON(w, http.StatusInternalServerError, collect.ErrorResponse{Error: "failed to load actions"})
		return
	}
	writeJSON(w, http.StatusOK, SessionDetail{Session: summary, PageViews: pageViews, Actions: actions})
}

// Healthz reports 200 when the store answers a ping within two seconds.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			server.AddError(r.Context(), err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body bounded by maxBody. Beacons arrive as text/plain,
// so the content type is not checked.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, kind string, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			server.AddError(r.Context(), err)
			h.metrics.recordError(kind, "too_large")
			writeJSON(w, http.StatusRequestEntityTooLarge, collect.ErrorResponse{Error: "request body too large"})
			return false
		}
		h.reject(w, r, kind, fmt.Errorf("invalid JSON body: %w", err))
		return false
	}
	return true
}

func (h *Handler) accept(w http.ResponseWriter, kind string) {
	h.metrics.recordAccepted(kind)
	writeJSON(w, http.StatusAccepted, collect.Ack{Status: collect.StatusAccepted})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, kind string, err error) {
	server.AddError(r.Context(), err)
	h.metrics.recordError(kind, "invalid")
	writeJSON(w, http.StatusBadRequest, collect.ErrorResponse{Error: err.Error()})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, kind string, err error) {
	server.AddError(r.Context(), err)
	h.metrics.recordError(kind, "store")
	h.logger.ErrorContext(r.Context(), "store failed",
		slog.String("kind", kind),
		slog.String("request_id", server.GetRequestID(r.Context())),
		slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, collect.ErrorResponse{Error: "failed to store " + strings.ReplaceAll(kind, "_", " ")})
}

func validSessionID(id string) error {
	if id == "" {
		return errMissingSessionID
	}
	if len(id) > maxSessionIDLength {
		return fmt.Errorf("sessionId longer than %d bytes", maxSessionIDLength)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package collect defines the wire contract of the collection endpoint and
// an HTTP client for it.
package collect

import "fmt"

// Routes served by the collection endpoint.
const (
	PathSessions     = "/api/analytics/sessions"
	PathSession      = "/api/analytics/sessions/{sessionID}"
	PathPageViews    = "/api/analytics/pageviews"
	PathPageViewExit = "/api/analytics/pageviews/exit"
	PathActions      = "/api/analytics/actions"
)

// Ack is the body the collector returns for every accepted call.
type Ack struct {
	Status string `json:"status"`
}

// StatusAccepted is the Ack status for stored records.
const StatusAccepted = "accepted"

// ErrorResponse is the body the collector returns for rejected calls.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusError is returned by the client for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: collector returned %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: collector returned %d", e.Op, e.StatusCode)
}

// SessionPath returns the update route for one session.
func SessionPath(sessionID string) string {
	return PathSessions + "/" + sessionID
}

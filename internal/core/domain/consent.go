package domain

// ConsentState is the visitor's tracking decision.
type ConsentState string

const (
	ConsentUndecided ConsentState = "undecided"
	ConsentGranted   ConsentState = "granted"
	ConsentDenied    ConsentState = "denied"
)

// ParseConsentState maps a persisted value back to a ConsentState.
// Anything unrecognised is treated as undecided.
func ParseConsentState(s string) ConsentState {
	switch ConsentState(s) {
	case ConsentGranted:
		return ConsentGranted
	case ConsentDenied:
		return ConsentDenied
	default:
		return ConsentUndecided
	}
}

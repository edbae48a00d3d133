package domain

import (
	"time"
	"unicode/utf8"
)

// MaxElementTextLength bounds Action.ElementText, in characters.
const MaxElementTextLength = 255

// ActionType enumerates the interaction kinds reported to the collector.
type ActionType string

const (
	ActionClick        ActionType = "click"
	ActionScroll       ActionType = "scroll"
	ActionFormSubmit   ActionType = "form_submit"
	ActionDownload     ActionType = "download"
	ActionExternalLink ActionType = "external_link"
	ActionSearch       ActionType = "search"
	ActionContact      ActionType = "contact"
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionClick, ActionScroll, ActionFormSubmit, ActionDownload,
		ActionExternalLink, ActionSearch, ActionContact:
		return true
	}
	return false
}

// PageView is one settled navigation. The exit fields are filled in once,
// when the visitor leaves the page.
type PageView struct {
	SessionID         string    `json:"sessionId"`
	Path              string    `json:"path"`
	Title             string    `json:"title"`
	Referrer          string    `json:"referrer"`
	TimeOnPageSeconds int       `json:"timeOnPageSeconds"`
	ScrollPercentage  int       `json:"scrollPercentage"`
	IsExit            bool      `json:"isExit"`
	ViewedAt          time.Time `json:"viewedAt"`
}

// Action is a single classified interaction. It is never mutated after construction.
type Action struct {
	SessionID       string         `json:"sessionId"`
	Type            ActionType     `json:"actionType"`
	ElementSelector string         `json:"elementSelector"`
	ElementText     string         `json:"elementText"`
	Path            string         `json:"path"`
	Extra           map[string]any `json:"extra,omitempty"`
	OccurredAt      time.Time      `json:"occurredAt"`
}

// TruncateText cuts s to at most MaxElementTextLength characters.
func TruncateText(s string) string {
	if utf8.RuneCountInString(s) <= MaxElementTextLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxElementTextLength])
}

package domain

// StorageKeys names the keys the agent keeps in browser storage.
type StorageKeys struct {
	Consent        string // durable storage
	SessionID      string // tab storage
	SessionStarted string // tab storage
}

// DefaultKeyPrefix is prepended to every storage key.
const DefaultKeyPrefix = "visitor_"

// NewStorageKeys builds the key set for prefix. An empty prefix selects
// DefaultKeyPrefix.
func NewStorageKeys(prefix string) StorageKeys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return StorageKeys{
		Consent:        prefix + "consent",
		SessionID:      prefix + "session_id",
		SessionStarted: prefix + "session_started",
	}
}

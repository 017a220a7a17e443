package model

// EventKind classifies a mutation observed on the link change stream.
type EventKind string

const (
	EventCreated EventKind = "CREATED"
	EventUpdated EventKind = "UPDATED"
)

// ChangeRecord is one normalized link mutation, ready for fanout.
type ChangeRecord struct {
	EventKind        EventKind
	ShortCode        string
	Clicks           int64
	// ObservedAtMillis is the mutation time in Unix milliseconds. Sources
	// that send whole seconds (INSERT/MODIFY style feeds) end up here
	// unscaled, i.e. about 1000x too small.
	ObservedAtMillis int64
	OriginalURL      string
}

// Notification is the payload pushed to every live dashboard connection.
type Notification struct {
	ShortCode string `json:"shortCode"`
	Clicks    int64  `json:"clicks"`
}

// NotificationFor builds the outbound payload for rec.
func NotificationFor(rec ChangeRecord) Notification {
	return Notification{ShortCode: rec.ShortCode, Clicks: rec.Clicks}
}

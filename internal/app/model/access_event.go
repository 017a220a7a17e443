package model

import "time"

// AccessEvent is emitted once per redirect of a short link.
type AccessEvent struct {
	ShortCode  string    `json:"shortCode"`
	OccurredAt time.Time `json:"occurredAt,omitempty"`
}

const (
	AccessStreamName     = "LINK_ACCESS"
	AccessStreamSubject  = "links.accessed"
	AccessConsumerName   = "click-counter"
	AccessStreamMaxBytes = 1024 * 1024 * 100 // 100MB
)

package model

import "time"

// Link is the durable catalog row for a short link stored in Postgres.
type Link struct {
	Code      string    `db:"code" gorm:"primaryKey;size:32"`
	URL       string    `db:"url" gorm:"type:text;not null"`
	CreatedAt time.Time `db:"created_at" gorm:"autoCreateTime"`
}

// LinkRecord is the key-value view of a short link, including its click
// counter. Clicks only ever grow.
type LinkRecord struct {
	ShortCode   string    `json:"shortCode"`
	OriginalURL string    `json:"originalUrl"`
	CreatedAt   time.Time `json:"createdAt"`
	Clicks      int64     `json:"clicks"`
}

package history

import (
	"time"
)

// Database stores received messages.
type Database interface {
	SaveMessage(record Record) (int64, error)
	// LoadMessages returns up to limit records newest first. An empty
	// destination matches every destination.
	LoadMessages(destination string, limit int) ([]Record, error)
	CountMessages(destination string) (int64, error)
	DeleteMessages(destination string) (int64, error)

	// Maintenance
	Close() error
	Migrate() error
}

type Record struct {
	ID             int64             `json:"id" db:"id"`
	Destination    string            `json:"destination" db:"destination"`
	SubscriptionID string            `json:"subscription_id" db:"subscription_id"`
	MessageID      string            `json:"message_id,omitempty" db:"message_id"`
	Headers        map[string]string `json:"headers,omitempty" db:"headers"`
	Body           string            `json:"body" db:"body"`
	ReceivedAt     time.Time         `json:"received_at" db:"received_at"`
}

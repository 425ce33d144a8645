package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	StatusCreated   = "created"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusExpired   = "expired"
	StatusFailed    = "failed"
)

type Notification struct {
	ID        uuid.UUID       `db:"id"`
	Recipient string          `db:"recipient"`
	Payload   json.RawMessage `db:"payload"` // JSON (хранится как JSONB)

	Status       string     `db:"status"` // created, sent, delivered, expired, failed
	RetryCount   int        `db:"retry_count"`
	InvalidateAt *time.Time `db:"invalidate_at"` // NULL = не протухает
	CreatedAt    time.Time  `db:"created_at"`
	DeliveredAt  *time.Time `db:"delivered_at"`
	LastError    *string    `db:"last_error"`
}

// IsExpired reports whether invalidate_at has already passed.
func (n *Notification) IsExpired(now time.Time) bool {
	return n.InvalidateAt != nil && !n.InvalidateAt.After(now)
}

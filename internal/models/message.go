package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope — то, что летит через брокер. Кроме payload несём recipient и
// invalidate_at, чтобы consumer мог отфильтровать протухшее без похода в БД.
type Envelope struct {
	ID           uuid.UUID       `json:"id"`
	Recipient    string          `json:"recipient"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	InvalidateAt *time.Time      `json:"invalidate_at,omitempty"`
}

func NewEnvelope(n *Notification) *Envelope {
	return &Envelope{
		ID:           n.ID,
		Recipient:    n.Recipient,
		Payload:      n.Payload,
		CreatedAt:    n.CreatedAt,
		InvalidateAt: n.InvalidateAt,
	}
}

func (e *Envelope) IsExpired(now time.Time) bool {
	return e.InvalidateAt != nil && !e.InvalidateAt.After(now)
}

func ParseEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if e.ID == uuid.Nil {
		return nil, fmt.Errorf("envelope id is empty")
	}
	if e.Recipient == "" {
		return nil, fmt.Errorf("envelope recipient is empty")
	}
	return &e, nil
}

// OutboundMessage — одна публикация в брокер. Живёт до подтверждения, дальше
// не хранится.
type OutboundMessage struct {
	RoutingKey  string
	MessageID   string
	ContentType string
	Body        []byte
}

// RoutingKey строит ключ маршрутизации по получателю:
// notifications.{recipient}
func RoutingKey(recipient string) string {
	return "notifications." + recipient
}

func NewOutboundMessage(n *Notification) (*OutboundMessage, error) {
	env := NewEnvelope(n)
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return &OutboundMessage{
		RoutingKey:  RoutingKey(n.Recipient),
		MessageID:   n.ID.String(),
		ContentType: "application/json",
		Body:        b,
	}, nil
}

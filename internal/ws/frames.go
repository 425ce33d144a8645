package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"notification_delivery/internal/models"
)

const (
	frameNotification = "notification"
	frameAck          = "ack"
)

// notificationFrame — server -> client.
type notificationFrame struct {
	Type      string          `json:"type"`
	ID        uuid.UUID       `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// clientFrame — client -> server (пока только ack).
type clientFrame struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

func encodeNotificationFrame(env *models.Envelope) ([]byte, error) {
	f := notificationFrame{
		Type:      frameNotification,
		ID:        env.ID,
		Payload:   env.Payload,
		CreatedAt: env.CreatedAt,
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal notification frame: %w", err)
	}
	return b, nil
}

func decodeClientFrame(b []byte) (*clientFrame, error) {
	var f clientFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("unmarshal client frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("client frame type is empty")
	}
	return &f, nil
}

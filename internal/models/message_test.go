package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingKeyPerRecipient(t *testing.T) {
	assert.Equal(t, "notifications.user-1", RoutingKey("user-1"))
}

func TestOutboundMessageCarriesEnvelope(t *testing.T) {
	invalidateAt := time.Now().Add(time.Hour).UTC()
	n := &Notification{
		ID:           uuid.New(),
		Recipient:    "user-1",
		Payload:      json.RawMessage(`{"text":"hi"}`),
		Status:       StatusCreated,
		CreatedAt:    time.Now().UTC(),
		InvalidateAt: &invalidateAt,
	}

	msg, err := NewOutboundMessage(n)
	require.NoError(t, err)

	assert.Equal(t, "notifications.user-1", msg.RoutingKey)
	assert.Equal(t, n.ID.String(), msg.MessageID)
	assert.Equal(t, "application/json", msg.ContentType)

	env, err := ParseEnvelope(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, n.ID, env.ID)
	assert.Equal(t, "user-1", env.Recipient)
	assert.JSONEq(t, `{"text":"hi"}`, string(env.Payload))
	require.NotNil(t, env.InvalidateAt)
	assert.True(t, env.InvalidateAt.Equal(invalidateAt))
}

func TestParseEnvelopeRejectsIncomplete(t *testing.T) {
	_, err := ParseEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"recipient":"user-1"}`))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"id":"` + uuid.NewString() + `"}`))
	assert.Error(t, err)
}

func TestIsExpired(t *testing.T) {
	now := time.Now()

	n := &Notification{}
	assert.False(t, n.IsExpired(now)) // NULL = не протухает

	past := now.Add(-time.Second)
	n.InvalidateAt = &past
	assert.True(t, n.IsExpired(now))

	future := now.Add(time.Second)
	n.InvalidateAt = &future
	assert.False(t, n.IsExpired(now))

	exact := now
	n.InvalidateAt = &exact
	assert.True(t, n.IsExpired(now))
}

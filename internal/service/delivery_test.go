package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification_delivery/internal/models"
	"notification_delivery/internal/rabbitmq"
)

type fakeAcker struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []struct {
		tag     uint64
		requeue bool
	}
}

func (a *fakeAcker) Ack(tag uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, struct {
		tag     uint64
		requeue bool
	}{tag, requeue})
	return nil
}

type fakeSessionSink struct {
	id        string
	recipient string
	sendErr   error

	mu   sync.Mutex
	sent []*models.Envelope
}

func (s *fakeSessionSink) ID() string        { return s.id }
func (s *fakeSessionSink) Recipient() string { return s.recipient }

func (s *fakeSessionSink) Send(env *models.Envelope) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSessionSink) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeSessionHub struct {
	sessions map[string]*fakeSessionSink
}

func (h *fakeSessionHub) Session(recipient string) (SessionSink, bool) {
	s, ok := h.sessions[recipient]
	if !ok {
		return nil, false
	}
	return s, true
}

type fakeStatusRepo struct {
	mu        sync.Mutex
	delivered []uuid.UUID
	expired   []uuid.UUID
}

func (r *fakeStatusRepo) MarkDelivered(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, id)
	return nil
}

func (r *fakeStatusRepo) MarkExpired(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, id)
	return nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	dedup      *Dedup
	confirms   *Confirmations
	hub        *fakeSessionHub
	repo       *fakeStatusRepo
	acker      *fakeAcker
	nextTag    uint64
}

func newDispatcherFixture(cfg DispatcherConfig) *dispatcherFixture {
	dedup := NewDedup(DedupConfig{NotificationLifespan: time.Hour, GCInterval: time.Hour}, nil)
	repo := &fakeStatusRepo{}
	confirms := NewConfirmations(ConfirmationsConfig{
		RetryMaxCount: 3,
		RetryInterval: time.Hour,
	}, ConfirmationCallbacks{
		OnDelivered: func(id uuid.UUID) { _ = repo.MarkDelivered(context.Background(), id) },
	}, nil)
	hub := &fakeSessionHub{sessions: make(map[string]*fakeSessionSink)}

	return &dispatcherFixture{
		dispatcher: NewDispatcher(dedup, confirms, hub, repo, cfg, nil),
		dedup:      dedup,
		confirms:   confirms,
		hub:        hub,
		repo:       repo,
		acker:      &fakeAcker{},
	}
}

func (f *dispatcherFixture) deliver(env *models.Envelope) *rabbitmq.Delivery {
	b, _ := json.Marshal(env)
	f.nextTag++
	d := rabbitmq.NewDelivery(f.nextTag, env.ID.String(), models.RoutingKey(env.Recipient), b, f.acker)
	f.dispatcher.OnDelivery(d)
	return d
}

func testEnvelope(recipient string) *models.Envelope {
	return &models.Envelope{
		ID:        uuid.New(),
		Recipient: recipient,
		Payload:   []byte(`{"text":"hi"}`),
		CreatedAt: time.Now(),
	}
}

func TestDispatcherDeliversAndAwaitsConfirm(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{})
	sess := &fakeSessionSink{id: "sess-1", recipient: "user-1"}
	f.hub.sessions["user-1"] = sess

	env := testEnvelope("user-1")
	f.deliver(env)

	require.Equal(t, 1, sess.sentCount())
	assert.Equal(t, env.ID, sess.sent[0].ID)

	// решение по доставке отложено до confirm клиента
	assert.Empty(t, f.acker.acks)
	assert.Empty(t, f.acker.nacks)
	assert.Equal(t, 1, f.confirms.Pending())

	assert.True(t, f.confirms.Confirm(env.ID, "sess-1"))
	assert.Equal(t, []uint64{1}, f.acker.acks)
	assert.Equal(t, []uuid.UUID{env.ID}, f.repo.delivered)
}

func TestDispatcherSuppressesDuplicate(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{})
	sess := &fakeSessionSink{id: "sess-1", recipient: "user-1"}
	f.hub.sessions["user-1"] = sess

	env := testEnvelope("user-1")
	f.deliver(env)
	f.deliver(env) // redelivery того же id

	assert.Equal(t, 1, sess.sentCount())
	// дубль подтверждён сразу, оригинал всё ещё ждёт confirm
	assert.Equal(t, []uint64{2}, f.acker.acks)
	assert.Equal(t, 1, f.confirms.Pending())
}

func TestDispatcherNacksMalformedWithoutRequeue(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{})

	d := rabbitmq.NewDelivery(1, "m", "k", []byte("not json"), f.acker)
	f.dispatcher.OnDelivery(d)

	require.Len(t, f.acker.nacks, 1)
	assert.False(t, f.acker.nacks[0].requeue)
}

func TestDispatcherExpiredAckedAndRecorded(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{})
	sess := &fakeSessionSink{id: "sess-1", recipient: "user-1"}
	f.hub.sessions["user-1"] = sess

	env := testEnvelope("user-1")
	past := time.Now().Add(-time.Minute)
	env.InvalidateAt = &past

	f.deliver(env)

	assert.Equal(t, 0, sess.sentCount())
	assert.Equal(t, []uint64{1}, f.acker.acks)
	assert.Equal(t, []uuid.UUID{env.ID}, f.repo.expired)

	// повторная доставка протухшего тоже не доходит до клиента
	f.deliver(env)
	assert.Equal(t, 0, sess.sentCount())
}

func TestDispatcherExpiredRecordedUnderDeliveryScope(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{DedupScope: ScopeSession})
	sess := &fakeSessionSink{id: "sess-1", recipient: "user-1"}
	f.hub.sessions["user-1"] = sess

	env := testEnvelope("user-1")
	past := time.Now().Add(-time.Minute)
	env.InvalidateAt = &past

	f.deliver(env)

	assert.Equal(t, 0, sess.sentCount())
	assert.Equal(t, []uuid.UUID{env.ID}, f.repo.expired)

	// запись легла в то же пространство ключей, по которому идёт доставка:
	// для session-scope это id сессии, а не получатель
	assert.False(t, f.dedup.ShouldDeliver(env.ID, "sess-1"))
}

func TestDispatcherRequeuesWhenNoSession(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{})

	env := testEnvelope("user-offline")
	f.deliver(env)

	require.Len(t, f.acker.nacks, 1)
	assert.True(t, f.acker.nacks[0].requeue)

	// доставка не считалась показанной
	sess := &fakeSessionSink{id: "sess-1", recipient: "user-offline"}
	f.hub.sessions["user-offline"] = sess
	f.deliver(env)
	assert.Equal(t, 1, sess.sentCount())
}

func TestDispatcherSendFailureRollsBackDedup(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{})
	dead := &fakeSessionSink{id: "sess-1", recipient: "user-1", sendErr: assert.AnError}
	f.hub.sessions["user-1"] = dead

	env := testEnvelope("user-1")
	f.deliver(env)

	require.Len(t, f.acker.nacks, 1)
	assert.True(t, f.acker.nacks[0].requeue)
	assert.Equal(t, 0, f.confirms.Pending())

	// живая сессия получает redelivery
	alive := &fakeSessionSink{id: "sess-2", recipient: "user-1"}
	f.hub.sessions["user-1"] = alive
	f.deliver(env)
	assert.Equal(t, 1, alive.sentCount())
}

func TestDispatcherSessionScopeRedeliversPerSession(t *testing.T) {
	f := newDispatcherFixture(DispatcherConfig{DedupScope: ScopeSession})

	first := &fakeSessionSink{id: "sess-1", recipient: "user-1"}
	f.hub.sessions["user-1"] = first

	env := testEnvelope("user-1")
	f.deliver(env)
	require.Equal(t, 1, first.sentCount())
	require.True(t, f.confirms.Confirm(env.ID, "sess-1"))

	// новая сессия того же получателя видит уведомление заново
	second := &fakeSessionSink{id: "sess-2", recipient: "user-1"}
	f.hub.sessions["user-1"] = second
	f.deliver(env)
	assert.Equal(t, 1, second.sentCount())
}

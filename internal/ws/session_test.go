package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification_delivery/internal/models"
)

type fakeSocket struct {
	mu        sync.Mutex
	reads     chan []byte
	writes    [][]byte
	controls  []int
	closeOnce sync.Once
	writeErr  error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{reads: make(chan []byte, 16)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	b, ok := <-s.reads
	if !ok {
		return 0, nil, errors.New("connection reset")
	}
	return websocket.TextMessage, b, nil
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, data)
	return nil
}

func (s *fakeSocket) WriteControl(messageType int, _ []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, messageType)
	return nil
}

func (s *fakeSocket) SetReadDeadline(time.Time) error           { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error          { return nil }
func (s *fakeSocket) SetPongHandler(func(appData string) error) {}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.reads) })
	return nil
}

func (s *fakeSocket) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

func (s *fakeSocket) controlCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.controls)
}

func testSessionEnvelope() *models.Envelope {
	return &models.Envelope{
		ID:        uuid.New(),
		Recipient: "user-1",
		Payload:   []byte(`{"text":"hi"}`),
		CreatedAt: time.Now(),
	}
}

func TestSessionSendsNotificationFrame(t *testing.T) {
	sock := newFakeSocket()
	sess := NewSession("user-1", sock, SessionConfig{PingInterval: time.Hour}, nil, nil, nil)
	go sess.Run()
	defer sess.Close("test done")

	env := testSessionEnvelope()
	require.NoError(t, sess.Send(env))

	require.Eventually(t, func() bool {
		return len(sock.written()) == 1
	}, 2*time.Second, time.Millisecond)

	var f notificationFrame
	require.NoError(t, json.Unmarshal(sock.written()[0], &f))
	assert.Equal(t, frameNotification, f.Type)
	assert.Equal(t, env.ID, f.ID)
	assert.JSONEq(t, `{"text":"hi"}`, string(f.Payload))
}

func TestSessionAckFrameInvokesCallback(t *testing.T) {
	sock := newFakeSocket()

	var mu sync.Mutex
	var gotSession string
	var gotID uuid.UUID
	onAck := func(sessionID string, id uuid.UUID) {
		mu.Lock()
		defer mu.Unlock()
		gotSession = sessionID
		gotID = id
	}

	sess := NewSession("user-1", sock, SessionConfig{PingInterval: time.Hour}, onAck, nil, nil)
	go sess.Run()
	defer sess.Close("test done")

	id := uuid.New()
	sock.reads <- []byte(`{"type":"ack","id":"` + id.String() + `"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotID == id
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, sess.ID(), gotSession)
	mu.Unlock()
}

func TestSessionIgnoresMalformedFrames(t *testing.T) {
	sock := newFakeSocket()

	acks := 0
	var mu sync.Mutex
	onAck := func(string, uuid.UUID) {
		mu.Lock()
		defer mu.Unlock()
		acks++
	}

	sess := NewSession("user-1", sock, SessionConfig{PingInterval: time.Hour}, onAck, nil, nil)
	go sess.Run()
	defer sess.Close("test done")

	sock.reads <- []byte("not json")
	sock.reads <- []byte(`{"type":"ack"}`)     // ack без id
	sock.reads <- []byte(`{"type":"unknown"}`) // неизвестный тип

	id := uuid.New()
	sock.reads <- []byte(`{"type":"ack","id":"` + id.String() + `"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return acks == 1
	}, 2*time.Second, time.Millisecond)
}

func TestSessionReadErrorTearsDown(t *testing.T) {
	sock := newFakeSocket()

	closed := make(chan string, 1)
	onClose := func(_ *Session, reason string) { closed <- reason }

	sess := NewSession("user-1", sock, SessionConfig{PingInterval: time.Hour}, nil, onClose, nil)
	go sess.Run()

	// обрыв со стороны клиента
	_ = sock.Close()

	select {
	case reason := <-closed:
		assert.Equal(t, "read_error", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down on read error")
	}

	assert.ErrorIs(t, sess.Send(testSessionEnvelope()), ErrSessionClosed)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	sock := newFakeSocket()

	var mu sync.Mutex
	closes := 0
	onClose := func(*Session, string) {
		mu.Lock()
		defer mu.Unlock()
		closes++
	}

	sess := NewSession("user-1", sock, SessionConfig{PingInterval: time.Hour}, nil, onClose, nil)
	go sess.Run()

	sess.Close("first")
	sess.Close("second")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closes == 1
	}, 2*time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, closes)
	mu.Unlock()
}

func TestSessionSendsKeepalivePings(t *testing.T) {
	sock := newFakeSocket()
	sess := NewSession("user-1", sock, SessionConfig{PingInterval: 10 * time.Millisecond}, nil, nil, nil)
	go sess.Run()
	defer sess.Close("test done")

	require.Eventually(t, func() bool {
		return sock.controlCount() >= 2
	}, 2*time.Second, time.Millisecond)
}

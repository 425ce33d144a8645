package ws

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"notification_delivery/internal/metrics"
	"notification_delivery/internal/models"
)

// ErrSessionClosed is returned by Send after the session is torn down.
var ErrSessionClosed = errors.New("session closed")

// Socket — то, что сессии нужно от веб-сокета. *websocket.Conn подходит
// как есть; тесты подставляют фейк.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type SessionConfig struct {
	PingInterval time.Duration
	// GraceWindow — сколько ждём pong/активности после пинга;
	// 0 = 2 * PingInterval.
	GraceWindow  time.Duration
	WriteTimeout time.Duration
}

// AckFunc fires for every acknowledgement frame the client sends.
type AckFunc func(sessionID string, id uuid.UUID)

// CloseFunc fires exactly once when the session dies, before releasing
// resources held by the owner.
type CloseFunc func(s *Session, reason string)

// Session владеет одним клиентским сокетом: keepalive-пинги, отправка
// уведомлений, приём ack-фреймов. Все записи в сокет идут из одной
// горутины-писателя.
type Session struct {
	id        string
	recipient string
	sock      Socket

	pingInterval time.Duration
	graceWindow  time.Duration
	writeTimeout time.Duration

	onAck   AckFunc
	onClose CloseFunc
	logger  *log.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(recipient string, sock Socket, cfg SessionConfig, onAck AckFunc, onClose CloseFunc, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if onAck == nil {
		onAck = func(string, uuid.UUID) {}
	}
	if onClose == nil {
		onClose = func(*Session, string) {}
	}

	return &Session{
		id:           uuid.NewString(),
		recipient:    recipient,
		sock:         sock,
		pingInterval: cfg.PingInterval,
		graceWindow:  cfg.GraceWindow,
		writeTimeout: cfg.WriteTimeout,
		onAck:        onAck,
		onClose:      onClose,
		logger:       logger,
		out:          make(chan []byte, 32),
		done:         make(chan struct{}),
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Recipient() string { return s.recipient }

// Send enqueues one notification frame for the writer goroutine.
// Blocks while the outgoing buffer is full; fails once the session is dead.
func (s *Session) Send(env *models.Envelope) error {
	b, err := encodeNotificationFrame(env)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.out <- b:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Run drives the session until the socket dies or Close is called.
func (s *Session) Run() {
	metrics.IncWSSessionOpened()
	go s.readLoop()
	s.writeLoop()
}

// Close tears the session down with an explicit reason.
func (s *Session) Close(reason string) {
	s.teardown(reason)
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case b := <-s.out:
			if err := s.sock.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.teardown(fmt.Sprintf("set write deadline: %v", err))
				return
			}
			if err := s.sock.WriteMessage(websocket.TextMessage, b); err != nil {
				s.logger.Printf("session %s write failed: %v", s.id, err)
				s.teardown("write_error")
				return
			}
			metrics.IncWSFrameSent(frameNotification)

		case <-ticker.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := s.sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Printf("session %s ping failed: %v", s.id, err)
				s.teardown("ping_error")
				return
			}
			metrics.IncWSFrameSent("ping")

		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	_ = s.sock.SetReadDeadline(time.Now().Add(s.graceWindow))
	s.sock.SetPongHandler(func(string) error {
		// любая активность клиента продлевает сессию
		return s.sock.SetReadDeadline(time.Now().Add(s.graceWindow))
	})

	for {
		_, b, err := s.sock.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Printf("session %s read failed: %v", s.id, err)
			}
			s.teardown("read_error")
			return
		}
		_ = s.sock.SetReadDeadline(time.Now().Add(s.graceWindow))

		f, err := decodeClientFrame(b)
		if err != nil {
			s.logger.Printf("session %s bad frame: %v", s.id, err)
			continue
		}

		switch f.Type {
		case frameAck:
			if f.ID == uuid.Nil {
				s.logger.Printf("session %s ack without id", s.id)
				continue
			}
			s.onAck(s.id, f.ID)
		default:
			s.logger.Printf("session %s unknown frame type %q", s.id, f.Type)
		}
	}
}

func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.sock.Close()
		metrics.IncWSSessionClosed(reason)
		s.logger.Printf("session %s closed: %s", s.id, reason)
		s.onClose(s, reason)
	})
}

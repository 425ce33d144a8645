package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"notification_delivery/internal/metrics"
)

var (
	// ErrUnauthorized — билет не прошёл проверку подписи/срока/claims.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTicketUsed — билет одноразовый и уже был потреблён.
	ErrTicketUsed = errors.New("ticket already used")
)

// TicketStore персистит одноразовость билета. Consume атомарно читает и
// удаляет запись: второй вызов по тому же id обязан вернуть ErrTicketUsed.
type TicketStore interface {
	Save(ctx context.Context, id, recipient string, ttl time.Duration) error
	Consume(ctx context.Context, id string) (string, error)
}

// TicketClaims — полезная нагрузка билета.
type TicketClaims struct {
	jwt.RegisteredClaims
	Recipient string `json:"recipient"`
}

// TicketService выпускает и гасит короткоживущие одноразовые билеты,
// привязывающие одну websocket-сессию к одному получателю.
type TicketService struct {
	secret []byte
	ttl    time.Duration
	store  TicketStore
	logger *log.Logger
}

func NewTicketService(secret string, ttl time.Duration, store TicketStore, logger *log.Logger) (*TicketService, error) {
	if secret == "" {
		return nil, fmt.Errorf("ticket secret is empty")
	}
	if store == nil {
		return nil, fmt.Errorf("ticket store is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	return &TicketService{
		secret: []byte(secret),
		ttl:    ttl,
		store:  store,
		logger: logger,
	}, nil
}

// TTL возвращает срок жизни выпускаемых билетов.
func (s *TicketService) TTL() time.Duration { return s.ttl }

// Issue mints a single-use ticket bound to the recipient identity.
func (s *TicketService) Issue(ctx context.Context, recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient is empty")
	}

	now := time.Now()
	claims := TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    "notification-delivery",
		},
		Recipient: recipient,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}

	if err := s.store.Save(ctx, claims.ID, recipient, s.ttl); err != nil {
		return "", fmt.Errorf("save ticket: %w", err)
	}

	metrics.IncTicketIssued()
	return signed, nil
}

// Consume validates and burns the ticket, returning the recipient it was
// issued for. A replayed ticket fails with ErrTicketUsed.
func (s *TicketService) Consume(ctx context.Context, token string) (string, error) {
	claims := &TicketClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		metrics.IncTicketRejected("invalid")
		return "", fmt.Errorf("%w: parse ticket: %v", ErrUnauthorized, err)
	}
	if claims.ID == "" || claims.Recipient == "" {
		metrics.IncTicketRejected("invalid")
		return "", fmt.Errorf("%w: ticket claims incomplete", ErrUnauthorized)
	}

	recipient, err := s.store.Consume(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrTicketUsed) {
			metrics.IncTicketRejected("used")
			return "", ErrTicketUsed
		}
		return "", fmt.Errorf("consume ticket: %w", err)
	}
	if recipient != claims.Recipient {
		metrics.IncTicketRejected("invalid")
		return "", fmt.Errorf("%w: ticket recipient mismatch", ErrUnauthorized)
	}

	metrics.IncTicketConsumed()
	return recipient, nil
}

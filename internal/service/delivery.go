package service

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"notification_delivery/internal/metrics"
	"notification_delivery/internal/models"
	"notification_delivery/internal/rabbitmq"
)

// Scope задаёт пространство ключей подавления дублей.
const (
	ScopeRecipient = "recipient"
	ScopeSession   = "session"
)

// SessionSink — клиентская сессия глазами диспетчера.
type SessionSink interface {
	ID() string
	Recipient() string
	Send(env *models.Envelope) error
}

// SessionHub resolves the delivery target for a recipient.
type SessionHub interface {
	Session(recipient string) (SessionSink, bool)
}

// StatusRepository отражает исход доставки в хранилище.
type StatusRepository interface {
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkExpired(ctx context.Context, id uuid.UUID) error
}

type DispatcherConfig struct {
	// DedupScope: ScopeRecipient (по умолчанию) — уведомление показывается
	// получателю один раз, сколько бы сессий у него ни было; ScopeSession —
	// каждая новая сессия получает его заново.
	DedupScope string
}

// Dispatcher — обработчик входящих доставок брокера: фильтр протухшего,
// дедупликация, передача в сессию, регистрация подтверждения. Сам доставок
// не запоминает: вся ответственность за "уже показывали" лежит на Dedup.
type Dispatcher struct {
	dedup    *Dedup
	confirms *Confirmations
	hub      SessionHub
	repo     StatusRepository
	scope    string
	logger   *log.Logger
	now      func() time.Time
}

func NewDispatcher(dedup *Dedup, confirms *Confirmations, hub SessionHub, repo StatusRepository, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	scope := cfg.DedupScope
	if scope != ScopeSession {
		scope = ScopeRecipient
	}

	return &Dispatcher{
		dedup:    dedup,
		confirms: confirms,
		hub:      hub,
		repo:     repo,
		scope:    scope,
		logger:   logger,
		now:      time.Now,
	}
}

// OnDelivery implements rabbitmq.DeliveryHandler.
func (d *Dispatcher) OnDelivery(del *rabbitmq.Delivery) {
	ctx := context.Background()

	env, err := models.ParseEnvelope(del.Body())
	if err != nil {
		// яд: повторная доставка не поможет
		d.logger.Printf("drop malformed delivery tag=%d: %v", del.Tag(), err)
		metrics.IncBrokerError("dispatcher", "decode")
		if err := del.Nack(false); err != nil {
			d.logger.Printf("nack malformed delivery: %v", err)
		}
		return
	}

	if env.IsExpired(d.now()) {
		// протухло: фиксируем как expired и подтверждаем доставку,
		// клиент этого никогда не увидит. Ключ дедупа тот же, по которому
		// шла бы доставка; без сессии в session-scope остаётся recipient
		scope := env.Recipient
		if d.scope == ScopeSession {
			if sess, ok := d.hub.Session(env.Recipient); ok {
				scope = d.scopeKey(env.Recipient, sess.ID())
			}
		}
		d.dedup.MarkExpired(env.ID, scope)
		if err := d.repo.MarkExpired(ctx, env.ID); err != nil {
			d.logger.Printf("mark expired %s failed: %v", env.ID, err)
		}
		if err := del.Ack(); err != nil {
			d.logger.Printf("ack expired %s failed: %v", env.ID, err)
		}
		return
	}

	sess, ok := d.hub.Session(env.Recipient)
	if !ok {
		// получатель не подключен к этому процессу: вернуть брокеру,
		// доедет до другой сессии или другого инстанса
		if err := del.Nack(true); err != nil {
			d.logger.Printf("nack %s (no session) failed: %v", env.ID, err)
		}
		return
	}

	scopeKey := d.scopeKey(env.Recipient, sess.ID())
	if !d.dedup.ShouldDeliver(env.ID, scopeKey) {
		// уже показывали в этом scope: повтор просто подтверждаем
		if err := del.Ack(); err != nil {
			d.logger.Printf("ack duplicate %s failed: %v", env.ID, err)
		}
		return
	}

	// запись регистрируем до отправки, чтобы мгновенный ack клиента
	// не обогнал регистрацию
	resend := func(attempt int) {
		if err := sess.Send(env); err != nil {
			d.logger.Printf("resend %s to %s (attempt %d) failed: %v", env.ID, env.Recipient, attempt, err)
		}
	}
	if err := d.confirms.Register(env.ID, sess.ID(), del, resend); err != nil {
		d.logger.Printf("register confirmation %s: %v", env.ID, err)
		d.dedup.Forget(env.ID, scopeKey)
		if err := del.Nack(true); err != nil {
			d.logger.Printf("nack %s (register failed): %v", env.ID, err)
		}
		return
	}

	if err := sess.Send(env); err != nil {
		// сессия умерла между выбором и отправкой: клиент ничего не видел,
		// откатываем dedup и возвращаем доставку брокеру
		d.logger.Printf("send %s to %s failed: %v", env.ID, env.Recipient, err)
		d.dedup.Forget(env.ID, scopeKey)
		if d.confirms.Drop(env.ID, sess.ID()) {
			if err := del.Nack(true); err != nil {
				d.logger.Printf("nack %s (send failed): %v", env.ID, err)
			}
		}
		return
	}
}

// OnStatusChange implements rabbitmq.DeliveryHandler.
func (d *Dispatcher) OnStatusChange(state rabbitmq.State, err error) {
	if err != nil {
		d.logger.Printf("broker status: %s (%v)", state, err)
		return
	}
	d.logger.Printf("broker status: %s", state)
}

func (d *Dispatcher) scopeKey(recipient, sessionID string) string {
	if d.scope == ScopeSession {
		return sessionID
	}
	return recipient
}

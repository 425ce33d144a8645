package service

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"notification_delivery/internal/metrics"
)

// Decision — терминальное решение по входящей доставке брокера.
// *rabbitmq.Delivery реализует его; тесты подставляют фейк.
type Decision interface {
	Ack() error
	Nack(requeue bool) error
}

type confirmKey struct {
	id      uuid.UUID
	session string
}

type confirmationRecord struct {
	key        confirmKey
	decision   Decision
	resend     func(attempt int)
	attempts   int
	registered time.Time
	timer      *time.Timer
}

type ConfirmationsConfig struct {
	RetryMaxCount int
	RetryInterval time.Duration

	// RequeueOnGiveUp задаёт судьбу доставки после исчерпания повторов при
	// живой сессии: false (по умолчанию) — Nack(requeue=false), уведомление
	// помечается failed; true — Nack(requeue=true), пусть попробует другая
	// сессия. Явная настройка, см. WS_REQUEUE_ON_GIVEUP.
	RequeueOnGiveUp bool
}

// ConfirmationCallbacks hook the confirmation outcomes into storage.
type ConfirmationCallbacks struct {
	// OnDelivered fires after the client confirmed and the delivery is acked.
	OnDelivered func(id uuid.UUID)
	// OnGiveUp fires when retries are exhausted and the delivery is nacked
	// without requeue.
	OnGiveUp func(id uuid.UUID)
}

// Confirmations отслеживает, подтвердил ли клиент получение. Нет
// подтверждения к дедлайну — сессии отдаётся команда повторить отправку,
// после RetryMaxCount повторов запись уничтожается и доставка Nack-ается.
// Ни одна запись не переживает свою сессию.
type Confirmations struct {
	retryMax        int
	retryInterval   time.Duration
	requeueOnGiveUp bool
	callbacks       ConfirmationCallbacks
	logger          *log.Logger
	now             func() time.Time

	mu      sync.Mutex
	records map[confirmKey]*confirmationRecord
}

func NewConfirmations(cfg ConfirmationsConfig, callbacks ConfirmationCallbacks, logger *log.Logger) *Confirmations {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.RetryMaxCount <= 0 {
		cfg.RetryMaxCount = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}

	return &Confirmations{
		retryMax:        cfg.RetryMaxCount,
		retryInterval:   cfg.RetryInterval,
		requeueOnGiveUp: cfg.RequeueOnGiveUp,
		callbacks:       callbacks,
		logger:          logger,
		now:             time.Now,
		records:         make(map[confirmKey]*confirmationRecord),
	}
}

// Register creates a ConfirmationRecord for a delivery just handed to a
// session. resend is invoked on every missed deadline until the client
// confirms or the retry budget runs out.
func (c *Confirmations) Register(id uuid.UUID, session string, decision Decision, resend func(attempt int)) error {
	if decision == nil {
		return fmt.Errorf("decision is nil")
	}
	if resend == nil {
		resend = func(int) {}
	}

	k := confirmKey{id: id, session: session}

	c.mu.Lock()
	if _, ok := c.records[k]; ok {
		c.mu.Unlock()
		return fmt.Errorf("confirmation for %s already registered in session %s", id, session)
	}

	rec := &confirmationRecord{
		key:        k,
		decision:   decision,
		resend:     resend,
		registered: c.now(),
	}
	rec.timer = time.AfterFunc(c.retryInterval, func() { c.onDeadline(k) })
	c.records[k] = rec
	size := len(c.records)
	c.mu.Unlock()

	metrics.SetConfirmPending(size)
	return nil
}

// Confirm обрабатывает ack от клиента: запись уничтожается, исходная
// доставка подтверждается брокеру. Повторный/чужой confirm — no-op.
func (c *Confirmations) Confirm(id uuid.UUID, session string) bool {
	k := confirmKey{id: id, session: session}

	c.mu.Lock()
	rec, ok := c.records[k]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.records, k)
	rec.timer.Stop()
	size := len(c.records)
	c.mu.Unlock()

	metrics.SetConfirmPending(size)
	metrics.ObserveDeliveryToAck(c.now().Sub(rec.registered))

	if err := rec.decision.Ack(); err != nil {
		c.logger.Printf("ack %s failed: %v", id, err)
	}
	metrics.IncConfirmAcked()

	if c.callbacks.OnDelivered != nil {
		c.callbacks.OnDelivered(id)
	}
	return true
}

// Drop removes a record without producing a decision on its delivery.
// Для случая, когда отправка в сессию не удалась сразу после Register и
// решение по доставке принимает сам вызывающий.
func (c *Confirmations) Drop(id uuid.UUID, session string) bool {
	k := confirmKey{id: id, session: session}

	c.mu.Lock()
	rec, ok := c.records[k]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.records, k)
	rec.timer.Stop()
	size := len(c.records)
	c.mu.Unlock()

	metrics.SetConfirmPending(size)
	return true
}

// ReleaseSession destroys every record owned by the session and nacks the
// underlying deliveries with requeue=true so another session or attempt can
// redeliver them. Returns the number of released records.
func (c *Confirmations) ReleaseSession(session string) int {
	c.mu.Lock()
	var released []*confirmationRecord
	for k, rec := range c.records {
		if k.session != session {
			continue
		}
		delete(c.records, k)
		rec.timer.Stop()
		released = append(released, rec)
	}
	size := len(c.records)
	c.mu.Unlock()

	metrics.SetConfirmPending(size)

	for _, rec := range released {
		if err := rec.decision.Nack(true); err != nil {
			c.logger.Printf("nack %s on session close failed: %v", rec.key.id, err)
		}
		metrics.IncConfirmNacked("session_closed", true)
	}

	if len(released) > 0 {
		c.logger.Printf("released %d in-flight confirmations of session %s", len(released), session)
	}
	return len(released)
}

func (c *Confirmations) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *Confirmations) onDeadline(k confirmKey) {
	c.mu.Lock()
	rec, ok := c.records[k]
	if !ok {
		// confirm или release успели раньше
		c.mu.Unlock()
		return
	}

	if rec.attempts >= c.retryMax {
		delete(c.records, k)
		size := len(c.records)
		c.mu.Unlock()

		metrics.SetConfirmPending(size)

		requeue := c.requeueOnGiveUp
		if err := rec.decision.Nack(requeue); err != nil {
			c.logger.Printf("nack %s after retry exhaustion failed: %v", k.id, err)
		}
		metrics.IncConfirmNacked("retry_exhausted", requeue)
		c.logger.Printf("notification %s: no confirm after %d retries, nacked (requeue=%v)", k.id, rec.attempts, requeue)

		if !requeue && c.callbacks.OnGiveUp != nil {
			c.callbacks.OnGiveUp(k.id)
		}
		return
	}

	rec.attempts++
	attempt := rec.attempts
	rec.timer.Reset(c.retryInterval)
	c.mu.Unlock()

	metrics.IncConfirmRetry()
	rec.resend(attempt)
}

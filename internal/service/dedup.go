package service

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"notification_delivery/internal/metrics"
)

// Dedup превращает at-least-once доставку брокера в effectively-once для
// клиента: первое появление id в пределах scope проходит, повторы (redelivery
// брокера, дубль fanout, replay после реконнекта клиента) гасятся.
//
// Кеш живёт в памяти процесса и не переживает рестарт — это осознанное
// ограничение, брокер после рестарта довезёт недоставленное заново.

type dedupKey struct {
	id    uuid.UUID
	scope string
}

type dedupEntry struct {
	firstSeen time.Time
	expired   bool
}

type DedupConfig struct {
	NotificationLifespan time.Duration
	GCInterval           time.Duration
}

type Dedup struct {
	lifespan   time.Duration
	gcInterval time.Duration
	logger     *log.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries map[dedupKey]dedupEntry
}

func NewDedup(cfg DedupConfig, logger *log.Logger) *Dedup {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.NotificationLifespan <= 0 {
		cfg.NotificationLifespan = 24 * time.Hour
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = time.Minute
	}

	return &Dedup{
		lifespan:   cfg.NotificationLifespan,
		gcInterval: cfg.GCInterval,
		logger:     logger,
		now:        time.Now,
		entries:    make(map[dedupKey]dedupEntry),
	}
}

// ShouldDeliver reports whether the notification has not been served within
// this scope yet and records it as served. Check-then-act is atomic: of two
// concurrent calls for the same key exactly one returns true.
func (d *Dedup) ShouldDeliver(id uuid.UUID, scope string) bool {
	now := d.now()
	k := dedupKey{id: id, scope: scope}

	d.mu.Lock()
	e, ok := d.entries[k]
	if ok && now.Sub(e.firstSeen) < d.lifespan {
		d.mu.Unlock()
		metrics.IncDedupSuppressed()
		return false
	}
	// либо первое появление, либо запись старше lifespan и ещё не выметена —
	// окно истекло, считаем новым показом
	d.entries[k] = dedupEntry{firstSeen: now}
	size := len(d.entries)
	d.mu.Unlock()

	metrics.IncDedupFirstSeen()
	metrics.SetDedupEntries(size)
	return true
}

// MarkExpired records a notification whose invalidate_at already passed on
// first sight: it is never delivered, later occurrences are suppressed.
func (d *Dedup) MarkExpired(id uuid.UUID, scope string) {
	now := d.now()
	k := dedupKey{id: id, scope: scope}

	d.mu.Lock()
	if _, ok := d.entries[k]; !ok {
		d.entries[k] = dedupEntry{firstSeen: now, expired: true}
	}
	size := len(d.entries)
	d.mu.Unlock()

	metrics.IncDedupExpired()
	metrics.SetDedupEntries(size)
}

// Forget откатывает запись первого показа: отправка в сессию не удалась,
// клиент ничего не видел, повторная доставка должна пройти.
func (d *Dedup) Forget(id uuid.UUID, scope string) {
	k := dedupKey{id: id, scope: scope}

	d.mu.Lock()
	delete(d.entries, k)
	size := len(d.entries)
	d.mu.Unlock()

	metrics.SetDedupEntries(size)
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Start запускает фоновую сборку мусора.
func (d *Dedup) Start(ctx context.Context) {
	go func() {
		d.logger.Println("dedup gc started")
		defer d.logger.Println("dedup gc stopped")

		t := time.NewTicker(d.gcInterval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := d.sweepOnce(); n > 0 {
					d.logger.Printf("dedup gc: evicted %d entries", n)
				}
			}
		}
	}()
}

// sweepOnce evicts entries older than the lifespan, returns how many.
func (d *Dedup) sweepOnce() int {
	now := d.now()

	d.mu.Lock()
	evicted := 0
	for k, e := range d.entries {
		if now.Sub(e.firstSeen) >= d.lifespan {
			delete(d.entries, k)
			evicted++
		}
	}
	size := len(d.entries)
	d.mu.Unlock()

	metrics.SetDedupEntries(size)
	return evicted
}

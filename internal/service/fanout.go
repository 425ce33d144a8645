package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"notification_delivery/internal/metrics"
	"notification_delivery/internal/models"
)

// Publisher is the broker-facing side of the fanout stage.
type Publisher interface {
	Publish(ctx context.Context, msg *models.OutboundMessage) error
}

// FanoutRepository — хранилище глазами fanout. Claim атомарно переводит
// created -> sent, поэтому два экземпляра fanout не публикуют одно и то же.
type FanoutRepository interface {
	ClaimCreatedBatch(ctx context.Context, limit int) ([]*models.Notification, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	MarkExpired(ctx context.Context, id uuid.UUID) error
	ReclaimStuckSent(ctx context.Context, olderThan time.Duration) (int, error)
	CleanupDelivered(ctx context.Context, retentionDays int) (int, error)
}

// Исход каждой заклейменной строки записываем на отдельном ctx: отмена
// основного ctx посреди пачки (shutdown во время publish) не должна
// оставить строку застрявшей в sent.
const accountingTimeout = 5 * time.Second

func accountingContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), accountingTimeout)
}

// Fanout наблюдает за новыми уведомлениями и публикует по одному сообщению
// на каждое, с ключом маршрутизации по получателю. Собственной durable-очереди
// не держит: при неудаче отдаёт уведомление обратно репозиторию.
type Fanout struct {
	repo          FanoutRepository
	producer      Publisher
	pollInterval  time.Duration
	batchSize     int
	retentionDays int
	maxRetries    int
	reclaimAfter  time.Duration
	logger        *log.Logger

	cleanupEvery time.Duration
}

type FanoutConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	RetentionDays int
	MaxRetries    int
	ReclaimAfter  time.Duration
}

func NewFanout(repo FanoutRepository, producer Publisher, cfg FanoutConfig, logger *log.Logger) *Fanout {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RetentionDays < 0 {
		cfg.RetentionDays = 0
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = time.Minute
	}

	return &Fanout{
		repo:          repo,
		producer:      producer,
		pollInterval:  cfg.PollInterval,
		batchSize:     cfg.BatchSize,
		retentionDays: cfg.RetentionDays,
		maxRetries:    cfg.MaxRetries,
		reclaimAfter:  cfg.ReclaimAfter,
		logger:        logger,
		// чистку делаем реже, чтобы не дёргать БД постоянно
		cleanupEvery: 1 * time.Hour,
	}
}

// Start запускает фоновую горутину.
func (f *Fanout) Start(ctx context.Context) {
	go func() {
		f.logger.Println("fanout started")
		defer f.logger.Println("fanout stopped")

		ticker := time.NewTicker(f.pollInterval)
		defer ticker.Stop()

		cleanupTicker := time.NewTicker(f.cleanupEvery)
		defer cleanupTicker.Stop()

		reclaimTicker := time.NewTicker(f.reclaimAfter)
		defer reclaimTicker.Stop()

		// на старте подбираем строки, застрявшие в sent после прошлого
		// запуска, потом первую пачку
		f.reclaimOnce(ctx)
		f.FlushOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.FlushOnce(ctx)
			case <-reclaimTicker.C:
				f.reclaimOnce(ctx)
			case <-cleanupTicker.C:
				f.cleanupOnce(ctx)
			}
		}
	}()
}

// FlushOnce claims one batch of freshly created notifications and publishes
// them. Exported so tests can drive the stage without the ticker.
func (f *Fanout) FlushOnce(ctx context.Context) {
	batch, err := f.repo.ClaimCreatedBatch(ctx, f.batchSize)
	if err != nil {
		f.logger.Printf("fanout claim failed: %v", err)
		return
	}
	if len(batch) == 0 {
		return
	}

	now := time.Now()

	for _, n := range batch {
		if n.IsExpired(now) {
			// протухло ещё до публикации: никогда не доставляем
			actx, cancel := accountingContext()
			if err := f.repo.MarkExpired(actx, n.ID); err != nil {
				f.logger.Printf("fanout mark expired %s failed: %v", n.ID, err)
			}
			cancel()
			metrics.IncDedupExpired()
			continue
		}

		if err := f.sendOne(ctx, n); err != nil {
			// retry_count++ и ошибка в строку; репозиторий сам вернёт её в
			// created или поставит failed при превышении лимита
			actx, cancel := accountingContext()
			if err2 := f.repo.MarkFailed(actx, n.ID, err.Error()); err2 != nil {
				f.logger.Printf("fanout mark failed error: %v", err2)
			}
			cancel()
			metrics.IncFanoutRetry()
			if n.RetryCount+1 >= f.maxRetries {
				metrics.IncFanoutFailed()
			}
			continue
		}

		// фиксируем подтверждённый publish; если запись не дойдёт, reclaim
		// вернёт строку в created и дубликат погасит дедупликация
		actx, cancel := accountingContext()
		if err := f.repo.MarkPublished(actx, n.ID); err != nil {
			f.logger.Printf("fanout mark published %s failed: %v", n.ID, err)
		}
		cancel()
		metrics.IncFanoutSent()
	}
}

// reclaimOnce возвращает в created строки, заклейменные в sent без
// записанного исхода: процесс умер между claim и publish.
func (f *Fanout) reclaimOnce(ctx context.Context) {
	n, err := f.repo.ReclaimStuckSent(ctx, f.reclaimAfter)
	if err != nil {
		f.logger.Printf("fanout reclaim failed: %v", err)
		return
	}
	if n > 0 {
		metrics.AddFanoutReclaimed(n)
		f.logger.Printf("fanout reclaim: returned %d stuck notifications", n)
	}
}

func (f *Fanout) sendOne(ctx context.Context, n *models.Notification) error {
	if n == nil {
		return fmt.Errorf("notification is nil")
	}
	if n.Recipient == "" {
		return fmt.Errorf("notification recipient is empty")
	}

	// сколько уведомление пролежало до попытки отправки
	metrics.ObserveFanoutLagSeconds(time.Since(n.CreatedAt).Seconds())

	start := time.Now()
	defer func() {
		metrics.ObserveFanoutProcessing(time.Since(start))
	}()

	msg, err := models.NewOutboundMessage(n)
	if err != nil {
		metrics.IncBrokerError("producer", "prepare")
		return fmt.Errorf("prepare message: %w", err)
	}

	if err := f.producer.Publish(ctx, msg); err != nil {
		return fmt.Errorf("broker publish failed: %w", err)
	}
	return nil
}

func (f *Fanout) cleanupOnce(ctx context.Context) {
	if f.retentionDays <= 0 {
		return
	}
	n, err := f.repo.CleanupDelivered(ctx, f.retentionDays)
	if err != nil {
		f.logger.Printf("fanout cleanup failed: %v", err)
		return
	}
	if n > 0 {
		f.logger.Printf("fanout cleanup: deleted %d notifications", n)
	}
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"notification_delivery/internal/models"
)

type NotificationRepository struct {
	db         *pgxpool.Pool
	sb         sq.StatementBuilderType
	maxRetries int
}

func NewNotificationRepository(db *pgxpool.Pool, maxRetries int) *NotificationRepository {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &NotificationRepository{
		db:         db,
		sb:         sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		maxRetries: maxRetries,
	}
}

// Create сохраняет уведомление со статусом created.
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if n == nil {
		return fmt.Errorf("notification is nil")
	}
	if n.Recipient == "" {
		return fmt.Errorf("recipient is empty")
	}
	if len(n.Payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	if !json.Valid(n.Payload) {
		return fmt.Errorf("payload is not valid json")
	}

	q := r.sb.
		Insert("notifications").
		Columns("recipient", "payload", "status", "retry_count", "invalidate_at").
		Values(n.Recipient, n.Payload, models.StatusCreated, 0, n.InvalidateAt).
		Suffix("RETURNING id, created_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build notification insert: %w", err)
	}

	if err := r.db.QueryRow(ctx, sqlStr, args...).Scan(&n.ID, &n.CreatedAt); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	n.Status = models.StatusCreated
	n.RetryCount = 0
	n.DeliveredAt = nil
	n.LastError = nil
	return nil
}

// Get возвращает уведомление по id.
func (r *NotificationRepository) Get(ctx context.Context, id uuid.UUID) (*models.Notification, error) {
	q := r.sb.
		Select(notificationColumns()...).
		From("notifications").
		Where(sq.Eq{"id": id})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build notification select: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate notification rows: %w", err)
		}
		return nil, ErrNotFound
	}

	n, err := scanNotification(rows)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ClaimCreatedBatch атомарно забирает пачку created-уведомлений, переводя их
// в sent в том же запросе: конкурирующие fanout-процессы не публикуют одно и
// то же. SKIP LOCKED, чтобы не ждать чужих claim-ов.
func (r *NotificationRepository) ClaimCreatedBatch(ctx context.Context, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.sb.
		Update("notifications").
		Set("status", models.StatusSent).
		Set("claimed_at", sq.Expr("NOW()")).
		Where(sq.Expr(
			`id IN (
				SELECT id FROM notifications
				WHERE status = ?
				ORDER BY created_at ASC, id ASC
				LIMIT ?
				FOR UPDATE SKIP LOCKED
			)`,
			models.StatusCreated, limit,
		)).
		Suffix("RETURNING " + notificationColumnsSQL())

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim batch: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("claim created batch: %w", err)
	}
	defer rows.Close()

	res := make([]*models.Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	return res, nil
}

// MarkFailed: retry_count++, ошибка в last_error; до лимита уведомление
// возвращается в created (fanout попробует снова), после — failed.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error {
	if errorMsg == "" {
		errorMsg = "unknown error"
	}

	q := r.sb.
		Update("notifications").
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("last_error", errorMsg).
		Set("claimed_at", nil).
		Set("status", sq.Expr(
			"CASE WHEN (retry_count + 1) >= ? THEN ? ELSE ? END",
			r.maxRetries, models.StatusFailed, models.StatusCreated,
		)).
		Where(sq.Eq{"id": id})

	return r.exec(ctx, q, "mark notification failed")
}

// MarkPublished: publish подтверждён брокером, строка больше не кандидат
// на reclaim.
func (r *NotificationRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	q := r.sb.
		Update("notifications").
		Set("published_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id})

	return r.exec(ctx, q, "mark notification published")
}

// ReclaimStuckSent возвращает в created строки, застрявшие в sent без
// подтверждённого publish: claim успел закоммититься, а исход публикации
// потерялся (рестарт, обрыв посреди пачки). Обычный fanout-цикл заберёт их
// заново; дубликаты на стороне клиента гасит дедупликация.
func (r *NotificationRepository) ReclaimStuckSent(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = time.Minute
	}

	q := r.sb.
		Update("notifications").
		Set("status", models.StatusCreated).
		Set("claimed_at", nil).
		Where(sq.Eq{"status": models.StatusSent}).
		Where("published_at IS NULL").
		Where(sq.Expr("claimed_at < NOW() - (? * INTERVAL '1 second')", int64(olderThan.Seconds())))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build reclaim stuck sent: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck sent: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// MarkDelivered: клиент подтвердил получение.
func (r *NotificationRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	q := r.sb.
		Update("notifications").
		Set("status", models.StatusDelivered).
		Set("delivered_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id})

	return r.exec(ctx, q, "mark notification delivered")
}

// MarkExpired: invalidate_at прошёл, уведомление никогда не будет доставлено.
func (r *NotificationRepository) MarkExpired(ctx context.Context, id uuid.UUID) error {
	q := r.sb.
		Update("notifications").
		Set("status", models.StatusExpired).
		Where(sq.Eq{"id": id})

	return r.exec(ctx, q, "mark notification expired")
}

// MarkUndeliverable: исчерпаны повторы доставки клиенту (см.
// WS_REQUEUE_ON_GIVEUP). Терминальный failed без возврата в created.
func (r *NotificationRepository) MarkUndeliverable(ctx context.Context, id uuid.UUID, errorMsg string) error {
	if errorMsg == "" {
		errorMsg = "delivery retries exhausted"
	}

	q := r.sb.
		Update("notifications").
		Set("status", models.StatusFailed).
		Set("last_error", errorMsg).
		Where(sq.Eq{"id": id})

	return r.exec(ctx, q, "mark notification undeliverable")
}

// CleanupDelivered удаляет delivered старше N дней.
func (r *NotificationRepository) CleanupDelivered(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	q := r.sb.
		Delete("notifications").
		Where(sq.Eq{"status": models.StatusDelivered}).
		Where(sq.Expr("created_at < NOW() - (? * INTERVAL '1 day')", retentionDays))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build cleanup: %w", err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup notifications: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// CountByStatus возвращает количество уведомлений в каждом статусе.
func (r *NotificationRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	q := r.sb.
		Select("status", "COUNT(*)").
		From("notifications").
		GroupBy("status")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count by status: %w", err)
	}

	rows, err := r.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var cnt int64
		if err := rows.Scan(&status, &cnt); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = cnt
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	return counts, nil
}

func (r *NotificationRepository) exec(ctx context.Context, q sq.UpdateBuilder, what string) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", what, err)
	}

	tag, err := r.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func notificationColumns() []string {
	return []string{
		"id",
		"recipient",
		"payload",
		"status",
		"retry_count",
		"invalidate_at",
		"created_at",
		"delivered_at",
		"last_error",
	}
}

func notificationColumnsSQL() string {
	return "id, recipient, payload, status, retry_count, invalidate_at, created_at, delivered_at, last_error"
}

func scanNotification(rows pgx.Rows) (*models.Notification, error) {
	var (
		n            models.Notification
		payload      []byte
		invalidateAt pgtype.Timestamptz
		deliveredAt  pgtype.Timestamptz
		lastError    pgtype.Text
	)

	if err := rows.Scan(
		&n.ID,
		&n.Recipient,
		&payload,
		&n.Status,
		&n.RetryCount,
		&invalidateAt,
		&n.CreatedAt,
		&deliveredAt,
		&lastError,
	); err != nil {
		return nil, fmt.Errorf("scan notification row: %w", err)
	}

	n.Payload = payload

	if invalidateAt.Valid {
		t := invalidateAt.Time
		n.InvalidateAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		n.DeliveredAt = &t
	}
	if lastError.Valid {
		s := lastError.String
		n.LastError = &s
	}

	return &n, nil
}

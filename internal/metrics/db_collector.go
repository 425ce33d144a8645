package metrics

import (
	"context"
	"log"
	"time"
)

// StatusCounter отдаёт количество уведомлений по статусам.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// StartDBCollectors периодически снимает количество уведомлений по статусам.
func StartDBCollectors(ctx context.Context, counter StatusCounter, interval time.Duration, logger *log.Logger) {
	if counter == nil {
		return
	}
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		updateDBGauges(ctx, counter, logger)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				updateDBGauges(ctx, counter, logger)
			}
		}
	}()
}

func updateDBGauges(ctx context.Context, counter StatusCounter, logger *log.Logger) {
	counts, err := counter.CountByStatus(ctx)
	if err != nil {
		logger.Printf("metrics: count notifications by status: %v", err)
		return
	}
	for status, cnt := range counts {
		SetNotificationStatusCount(status, cnt)
	}
}

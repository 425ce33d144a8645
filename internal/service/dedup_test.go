package service

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func newTestDedup(lifespan time.Duration) *Dedup {
	return NewDedup(DedupConfig{
		NotificationLifespan: lifespan,
		GCInterval:           time.Hour, // GC в тестах дёргаем руками
	}, nil)
}

func TestDedupFirstSeenPassesRepeatSuppressed(t *testing.T) {
	d := newTestDedup(time.Hour)
	id := uuid.New()

	assert.True(t, d.ShouldDeliver(id, "user-1"))
	assert.False(t, d.ShouldDeliver(id, "user-1"))
	assert.False(t, d.ShouldDeliver(id, "user-1"))

	// другой scope — отдельный показ
	assert.True(t, d.ShouldDeliver(id, "user-2"))

	// другой id в том же scope проходит
	assert.True(t, d.ShouldDeliver(uuid.New(), "user-1"))
}

func TestDedupConcurrentExactlyOneWins(t *testing.T) {
	d := newTestDedup(time.Hour)
	id := uuid.New()

	const goroutines = 32
	var wg sync.WaitGroup
	results := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- d.ShouldDeliver(id, "user-1")
		}()
	}
	wg.Wait()
	close(results)

	passed := 0
	for ok := range results {
		if ok {
			passed++
		}
	}
	assert.Equal(t, 1, passed)
}

func TestDedupForgetAllowsRedelivery(t *testing.T) {
	d := newTestDedup(time.Hour)
	id := uuid.New()

	assert.True(t, d.ShouldDeliver(id, "user-1"))
	d.Forget(id, "user-1")
	assert.True(t, d.ShouldDeliver(id, "user-1"))
}

func TestDedupMarkExpiredSuppressesDelivery(t *testing.T) {
	d := newTestDedup(time.Hour)
	id := uuid.New()

	d.MarkExpired(id, "user-1")
	assert.False(t, d.ShouldDeliver(id, "user-1"))
}

func TestDedupSweepEvictsOldKeepsYoung(t *testing.T) {
	d := newTestDedup(time.Hour)

	base := time.Now()
	d.now = func() time.Time { return base }

	oldID := uuid.New()
	youngID := uuid.New()

	assert.True(t, d.ShouldDeliver(oldID, "user-1"))

	d.now = func() time.Time { return base.Add(30 * time.Minute) }
	assert.True(t, d.ShouldDeliver(youngID, "user-1"))

	// час спустя от первого показа: старая запись вымывается, молодая остаётся
	d.now = func() time.Time { return base.Add(61 * time.Minute) }
	assert.Equal(t, 1, d.sweepOnce())
	assert.Equal(t, 1, d.Len())

	// вымытая запись считается новым показом
	assert.True(t, d.ShouldDeliver(oldID, "user-1"))
	assert.False(t, d.ShouldDeliver(youngID, "user-1"))
}

func TestDedupStaleEntryCountsAsNew(t *testing.T) {
	d := newTestDedup(time.Hour)
	id := uuid.New()

	base := time.Now()
	d.now = func() time.Time { return base }
	assert.True(t, d.ShouldDeliver(id, "user-1"))

	// запись старше lifespan, но GC ещё не прошёл
	d.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.True(t, d.ShouldDeliver(id, "user-1"))
}

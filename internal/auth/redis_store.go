package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"notification_delivery/internal/metrics"
)

const ticketKeyPrefix = "ws:ticket:"

// RedisTicketStore хранит одноразовые билеты с TTL. Атомарность Consume
// обеспечивает GETDEL.
type RedisTicketStore struct {
	c *redis.Client
}

func NewRedisTicketStore(addr, password string, db int) *RedisTicketStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisTicketStore{c: rdb}
}

func NewRedisTicketStoreFromClient(c *redis.Client) *RedisTicketStore {
	return &RedisTicketStore{c: c}
}

func (s *RedisTicketStore) Close() error { return s.c.Close() }

const (
	opSet     = "set"
	opConsume = "consume"
)

func (s *RedisTicketStore) Save(ctx context.Context, id, recipient string, ttl time.Duration) error {
	start := time.Now()
	metrics.IncRedisRequest(opSet)
	defer metrics.ObserveRedisDuration(opSet, time.Since(start))

	if err := s.c.Set(ctx, ticketKeyPrefix+id, recipient, ttl).Err(); err != nil {
		metrics.IncRedisError(opSet)
		return fmt.Errorf("redis set ticket: %w", err)
	}
	return nil
}

func (s *RedisTicketStore) Consume(ctx context.Context, id string) (string, error) {
	start := time.Now()
	metrics.IncRedisRequest(opConsume)
	defer metrics.ObserveRedisDuration(opConsume, time.Since(start))

	recipient, err := s.c.GetDel(ctx, ticketKeyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// либо уже потреблён, либо истёк TTL — в обоих случаях replay
			return "", ErrTicketUsed
		}
		metrics.IncRedisError(opConsume)
		return "", fmt.Errorf("redis getdel ticket: %w", err)
	}
	return recipient, nil
}

package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notification_delivery/internal/metrics"
	"notification_delivery/internal/models"
)

type ProducerConfig struct {
	Exchange      string
	RetryCount    int           // повторы на транзиентных ошибках publish
	RetryInterval time.Duration // фиксированный интервал между повторами
	WaitTimeout   time.Duration // 0 = не ждать Connected, сразу ErrNotConnected
}

// Producer публикует сообщения в confirm-режиме поверх активного соединения.
// Канал кешируется и сбрасывается при любой ошибке или смене статуса.
type Producer struct {
	conn          *Connection
	exchange      string
	retryCount    int
	retryInterval time.Duration
	waitTimeout   time.Duration
	logger        *log.Logger

	mu sync.Mutex
	ch BrokerChannel
}

func NewProducer(conn *Connection, cfg ProducerConfig, logger *log.Logger) *Producer {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "notifications"
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}

	p := &Producer{
		conn:          conn,
		exchange:      cfg.Exchange,
		retryCount:    cfg.RetryCount,
		retryInterval: cfg.RetryInterval,
		waitTimeout:   cfg.WaitTimeout,
		logger:        logger,
	}

	// при любом уходе из Connected кешированный канал мёртв
	conn.OnStatusChange(func(s State, _ error) {
		if s != StateConnected {
			p.invalidateChannel()
		}
	})

	return p
}

// Publish sends one message and waits for the broker confirm. Transient
// failures are retried RetryCount times spaced RetryInterval apart;
// exhaustion surfaces ErrPublishFailed and the caller owns the higher-level
// retry decision.
func (p *Producer) Publish(ctx context.Context, msg *models.OutboundMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	if msg.RoutingKey == "" {
		return fmt.Errorf("routing key is empty")
	}
	if len(msg.Body) == 0 {
		return fmt.Errorf("message body is empty")
	}

	var lastErr error

	for attempt := 0; attempt <= p.retryCount; attempt++ {
		if attempt > 0 {
			metrics.IncBrokerPublishRetry()
			select {
			case <-time.After(p.retryInterval):
			case <-ctx.Done():
				return wrapErr(ErrCodePublishFailed, "publish cancelled", ctx.Err())
			}
		}

		if err := p.waitConnected(ctx); err != nil {
			return err
		}

		start := time.Now()
		err := p.publishOnce(ctx, msg)
		metrics.ObservePublishDuration(time.Since(start))
		if err == nil {
			metrics.IncBrokerPublished()
			return nil
		}

		lastErr = err
		p.invalidateChannel()
		metrics.IncBrokerError("producer", "publish")
		p.logger.Printf("publish failed (attempt %d/%d) key=%s: %v", attempt+1, p.retryCount+1, msg.RoutingKey, err)
	}

	return wrapErr(ErrCodePublishFailed, fmt.Sprintf("publish %s", msg.RoutingKey), lastErr)
}

func (p *Producer) waitConnected(ctx context.Context) error {
	if p.conn.State() == StateConnected {
		return nil
	}
	if p.waitTimeout <= 0 {
		return ErrNotConnected
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.waitTimeout)
	defer cancel()
	return p.conn.WaitConnected(waitCtx)
}

func (p *Producer) publishOnce(ctx context.Context, msg *models.OutboundMessage) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  msg.ContentType,
		MessageId:    msg.MessageID,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         msg.Body,
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, msg.RoutingKey, false, false, pub)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("publish nacked by broker")
	}
	return nil
}

func (p *Producer) channel() (BrokerChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		return p.ch, nil
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p.ch = ch
	return ch, nil
}

func (p *Producer) invalidateChannel() {
	p.mu.Lock()
	ch := p.ch
	p.ch = nil
	p.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
}

// Close drops the cached channel. The connection itself is owned elsewhere.
func (p *Producer) Close() {
	p.invalidateChannel()
}

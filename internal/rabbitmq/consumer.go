package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notification_delivery/internal/metrics"
)

// DeliveryHandler — точка подключения потребителя. Любая реализация
// транспорта подменяется в тестах фейком.
type DeliveryHandler interface {
	// OnDelivery is invoked once per inbound message. The handler must
	// produce exactly one Ack/Nack on the delivery, now or later.
	OnDelivery(d *Delivery)

	// OnStatusChange relays connection transitions so the handler can
	// pause or resume its own work.
	OnStatusChange(state State, err error)
}

type ConsumerConfig struct {
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int
}

// Consumer подписывается на очередь поверх активного соединения и после
// каждого реконнекта восстанавливает подписку. Локального состояния доставок
// нет: всё неподтверждённое брокер вернёт сам.
type Consumer struct {
	conn       *Connection
	exchange   string
	queue      string
	bindingKey string
	prefetch   int
	handler    DeliveryHandler
	logger     *log.Logger
}

func NewConsumer(conn *Connection, cfg ConsumerConfig, handler DeliveryHandler, logger *log.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("delivery handler is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue is empty")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "notifications"
	}
	if cfg.BindingKey == "" {
		cfg.BindingKey = "notifications.*"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}

	conn.OnStatusChange(handler.OnStatusChange)

	return &Consumer{
		conn:       conn,
		exchange:   cfg.Exchange,
		queue:      cfg.Queue,
		bindingKey: cfg.BindingKey,
		prefetch:   cfg.Prefetch,
		handler:    handler,
		logger:     logger,
	}, nil
}

// Start runs the consume loop until the context is cancelled or the
// connection is shut down.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := c.conn.WaitConnected(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		ch, deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Printf("subscribe failed: %v", err)
			metrics.IncBrokerError("consumer", "subscribe")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		c.logger.Printf("consumer subscribed queue=%s key=%s", c.queue, c.bindingKey)
		acker := &channelAcker{ch: ch}

		for d := range deliveries {
			metrics.IncBrokerConsumed()
			c.handler.OnDelivery(NewDelivery(d.DeliveryTag, d.MessageId, d.RoutingKey, d.Body, acker))
		}

		// Канал доставки закрылся: соединение умерло. Всё неподтверждённое
		// брокер вернёт в очередь, подписку поднимаем заново.
		_ = ch.Close()
		c.logger.Println("consumer delivery stream closed, resubscribing")
	}
}

func (c *Consumer) subscribe() (BrokerChannel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, err
	}

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(c.queue, c.bindingKey, c.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}

	return ch, deliveries, nil
}

// channelAcker сериализует ack/nack одного канала: брокер требует порядок
// по tag в рамках канала.
type channelAcker struct {
	mu sync.Mutex
	ch BrokerChannel
}

func (a *channelAcker) Ack(tag uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch.Ack(tag, false)
}

func (a *channelAcker) Nack(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch.Nack(tag, false, requeue)
}

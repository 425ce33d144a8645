package rabbitmq

import (
	"sync"

	"notification_delivery/internal/metrics"
)

// Acknowledger relays the terminal decision for a delivery tag back to the
// broker. Implementations must be safe for concurrent use.
type Acknowledger interface {
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// Delivery — одно входящее сообщение, ждущее ровно одного решения:
// Ack или Nack(requeue). Второе решение по тому же tag — ошибка в коде,
// падаем громко.
type Delivery struct {
	tag        uint64
	messageID  string
	routingKey string
	body       []byte
	acker      Acknowledger

	mu      sync.Mutex
	decided bool
}

func NewDelivery(tag uint64, messageID, routingKey string, body []byte, acker Acknowledger) *Delivery {
	return &Delivery{
		tag:        tag,
		messageID:  messageID,
		routingKey: routingKey,
		body:       body,
		acker:      acker,
	}
}

func (d *Delivery) Tag() uint64        { return d.tag }
func (d *Delivery) MessageID() string  { return d.messageID }
func (d *Delivery) RoutingKey() string { return d.routingKey }
func (d *Delivery) Body() []byte       { return d.body }

// Ack confirms successful processing.
func (d *Delivery) Ack() error {
	if err := d.decide(); err != nil {
		return err
	}
	return d.acker.Ack(d.tag)
}

// Nack rejects the delivery; requeue=true asks the broker to redeliver.
func (d *Delivery) Nack(requeue bool) error {
	if err := d.decide(); err != nil {
		return err
	}
	return d.acker.Nack(d.tag, requeue)
}

func (d *Delivery) decide() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.decided {
		metrics.IncBrokerError("consumer", "double_decision")
		return wrapErr(ErrCodeAlreadyDecided, "delivery tag already decided", nil)
	}
	d.decided = true
	return nil
}

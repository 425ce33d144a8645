package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Фейковый брокер для тестов: скриптуемый Dialer, канал с записью вызовов.

type fakeConfirmation struct {
	acked bool
	err   error
}

func (f fakeConfirmation) WaitContext(context.Context) (bool, error) {
	return f.acked, f.err
}

type nackCall struct {
	tag     uint64
	requeue bool
}

type fakeChannel struct {
	mu sync.Mutex

	publishFailures int  // первые N публикаций падают
	confirmNack     bool // брокер отвечает nack вместо ack

	published  []amqp.Publishing
	routedKeys []string

	deliveries chan amqp.Delivery
	consumeErr error

	acks   []uint64
	nacks  []nackCall
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *fakeChannel) Confirm(bool) error { return nil }

func (c *fakeChannel) PublishWithDeferredConfirmWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) (Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.publishFailures > 0 {
		c.publishFailures--
		return nil, errors.New("transient publish error")
	}

	c.published = append(c.published, msg)
	c.routedKeys = append(c.routedKeys, key)
	return fakeConfirmation{acked: !c.confirmNack}, nil
}

func (c *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }

func (c *fakeChannel) Qos(int, int, bool) error { return nil }

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	return c.deliveries, nil
}

func (c *fakeChannel) Ack(tag uint64, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, tag)
	return nil
}

func (c *fakeChannel) Nack(tag uint64, _, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacks = append(c.nacks, nackCall{tag: tag, requeue: requeue})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) ackedTags() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.acks))
	copy(out, c.acks)
	return out
}

func (c *fakeChannel) nackCalls() []nackCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]nackCall, len(c.nacks))
	copy(out, c.nacks)
	return out
}

func (c *fakeChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

type fakeBrokerConn struct {
	mu      sync.Mutex
	ch      *fakeChannel
	chanErr error
	closeCh chan *amqp.Error
	closed  bool
}

func newFakeBrokerConn() *fakeBrokerConn {
	return &fakeBrokerConn{ch: newFakeChannel()}
}

func (c *fakeBrokerConn) Channel() (BrokerChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chanErr != nil {
		return nil, c.chanErr
	}
	return c.ch, nil
}

func (c *fakeBrokerConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCh = receiver
	return receiver
}

func (c *fakeBrokerConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// drop имитирует внезапный обрыв соединения со стороны брокера.
func (c *fakeBrokerConn) drop(err *amqp.Error) {
	c.mu.Lock()
	ch := c.closeCh
	c.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// fakeDialer возвращает заранее заготовленные исходы по порядку; после
// исчерпания повторяет последний.
type fakeDialer struct {
	mu       sync.Mutex
	calls    int
	outcomes []dialOutcome
}

type dialOutcome struct {
	conn *fakeBrokerConn
	err  error
}

func (d *fakeDialer) dial(string) (BrokerConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.calls
	d.calls++
	if i >= len(d.outcomes) {
		i = len(d.outcomes) - 1
	}
	o := d.outcomes[i]
	if o.err != nil {
		return nil, o.err
	}
	return o.conn, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

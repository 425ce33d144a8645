package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notification_delivery/internal/metrics"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// StatusListener fires on every state transition. err is the cause on
// failure transitions, nil otherwise.
type StatusListener func(state State, err error)

type ConnectionConfig struct {
	URL       string
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Dial      Dialer
}

// Connection владеет единственным логическим подключением к брокеру.
// Producer/Consumer держат ссылку и ждут Connected, сами не переподключаются.
type Connection struct {
	url       string
	baseDelay time.Duration
	maxDelay  time.Duration
	dial      Dialer
	logger    *log.Logger

	mu        sync.Mutex
	state     State
	lastErr   error
	attempts  int
	started   bool // run запущен, done закроет он
	conn      BrokerConnection
	listeners []StatusListener
	connected chan struct{} // закрыт, пока state == Connected

	chanMu sync.Mutex // открытие каналов сериализуем

	startOnce sync.Once
	stopOnce  sync.Once
	doneOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewConnection(cfg ConnectionConfig, logger *log.Logger) *Connection {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = AMQPDial
	}

	return &Connection{
		url:       cfg.URL,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
		dial:      cfg.Dial,
		logger:    logger,
		state:     StateDisconnected,
		connected: make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// OnStatusChange registers a listener. Register before Connect, otherwise
// early transitions are missed.
func (c *Connection) OnStatusChange(l StatusListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect запускает цикл supervise: Connecting -> Connected, при обрыве
// обратно в Connecting с backoff. Повторяет бесконечно, пока не Disconnect
// или не отменён ctx.
func (c *Connection) Connect(ctx context.Context) {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.run(ctx)
	})
}

// Disconnect forces Closing -> Disconnected and suppresses auto-reconnect.
// Safe without a prior Connect: if run never started there is nobody to
// close done, so we close it ourselves.
func (c *Connection) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.finish()
	}
	<-c.done
}

func (c *Connection) finish() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

// WaitConnected blocks until the connection is Connected, the context is
// done, or the connection is shut down.
func (c *Connection) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state := c.state
		ch := c.connected
		c.mu.Unlock()

		if state == StateConnected {
			return nil
		}

		select {
		case <-ch:
			// перечитаем state: канал мог быть закрыт и пересоздан
		case <-c.stop:
			return ErrClosed
		case <-ctx.Done():
			return wrapErr(ErrCodeNotConnected, "wait connected", ctx.Err())
		}
	}
}

// Channel opens a broker channel over the current connection. Channel
// opening is serialized across all producers/consumers of this connection.
func (c *Connection) Channel() (BrokerChannel, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	c.chanMu.Lock()
	defer c.chanMu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		metrics.IncBrokerError("connection", "channel")
		return nil, wrapErr(ErrCodeNotConnected, "open channel", err)
	}
	return ch, nil
}

func (c *Connection) run(ctx context.Context) {
	defer c.finish()

	var cause error
	attempt := 0

	for {
		select {
		case <-c.stop:
			c.shutdown(nil)
			return
		case <-ctx.Done():
			c.shutdown(ctx.Err())
			return
		default:
		}

		c.setState(StateConnecting, cause)

		conn, err := c.dial(c.url)
		if err != nil {
			attempt++
			cause = err
			c.noteFailure(err, attempt)

			d := backoffDelay(c.baseDelay, c.maxDelay, attempt)
			c.logger.Printf("broker connect failed (attempt %d): %v; retry in %s", attempt, err, d)
			metrics.IncBrokerError("connection", "dial")

			select {
			case <-time.After(d):
			case <-c.stop:
				c.shutdown(nil)
				return
			case <-ctx.Done():
				c.shutdown(ctx.Err())
				return
			}
			continue
		}

		attempt = 0
		cause = nil
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))

		c.mu.Lock()
		c.conn = conn
		c.attempts = 0
		c.lastErr = nil
		c.mu.Unlock()

		c.setState(StateConnected, nil)
		c.logger.Println("broker connected")

		select {
		case amqpErr := <-closed:
			// Внезапный обрыв: Connected -> Connecting, никогда не сразу
			// Disconnected, чтобы producer/consumer видели "недоступен,
			// переподключаемся".
			if amqpErr != nil {
				cause = amqpErr
			} else {
				cause = fmt.Errorf("connection closed by broker")
			}
			c.clearConn()
			c.logger.Printf("broker connection dropped: %v", cause)
			metrics.IncBrokerError("connection", "dropped")
		case <-c.stop:
			c.shutdown(nil)
			return
		case <-ctx.Done():
			c.shutdown(ctx.Err())
			return
		}
	}
}

func (c *Connection) shutdown(cause error) {
	c.setState(StateClosing, cause)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Printf("broker close error: %v", err)
		}
	}

	c.setState(StateDisconnected, cause)
	c.logger.Println("broker disconnected")
}

func (c *Connection) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Connection) noteFailure(err error, attempt int) {
	c.mu.Lock()
	c.lastErr = err
	c.attempts = attempt
	c.mu.Unlock()
}

func (c *Connection) setState(s State, err error) {
	c.mu.Lock()
	prev := c.state
	if prev == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	if s == StateConnected {
		close(c.connected)
	} else if prev == StateConnected {
		c.connected = make(chan struct{})
	}
	listeners := make([]StatusListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	metrics.SetBrokerState(s.String())

	for _, l := range listeners {
		l(s, err)
	}
}

// backoffDelay: base * 2^(attempt-1), не больше max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/mbd888/voxreseller/internal/idgen"
)

// ErrNotConnected is returned by Notify while the broker link is down.
// Reconnection happens in the background; Notify never dials.
var ErrNotConnected = errors.New("notify: broker not connected")

const (
	defaultDialTimeout = 10 * time.Second
	defaultRetryDelay  = time.Second
	maxRetryDelay      = 30 * time.Second
)

// AMQPNotifier publishes notifications as JSON to a durable topic exchange,
// routed by Kind.
type AMQPNotifier struct {
	url         string
	exchange    string
	logger      *slog.Logger
	dialTimeout time.Duration
	retryDelay  time.Duration

	mu   sync.Mutex // guards conn/ch; a channel is not safe for concurrent publishes
	conn *amqp091.Connection
	ch   *amqp091.Channel

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewAMQPNotifier dials the broker, declares the exchange, and starts the
// reconnect loop. It fails if the first dial fails so the caller can fall
// back to another Notifier.
func NewAMQPNotifier(rawURL, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	a := newAMQPNotifier(clean, exchange, logger)

	conn, ch, err := a.connect()
	if err != nil {
		return nil, err
	}
	a.conn, a.ch = conn, ch
	a.start(conn)
	return a, nil
}

func newAMQPNotifier(url, exchange string, logger *slog.Logger) *AMQPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPNotifier{
		url:         url,
		exchange:    exchange,
		logger:      logger,
		dialTimeout: defaultDialTimeout,
		retryDelay:  defaultRetryDelay,
		done:        make(chan struct{}),
	}
}

func (a *AMQPNotifier) start(conn *amqp091.Connection) {
	a.wg.Add(1)
	go a.run(conn)
}

// Notify publishes n, or returns ErrNotConnected at once if the link is down.
func (a *AMQPNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ch == nil || a.ch.IsClosed() {
		return ErrNotConnected
	}
	return a.ch.PublishWithContext(ctx, a.exchange, string(n.Kind), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    idgen.WithPrefix("ntf_"),
		Timestamp:    n.OccurredAt,
		Body:         body,
	})
}

// Healthy reports whether the broker connection is open.
func (a *AMQPNotifier) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil && !a.conn.IsClosed() && a.ch != nil && !a.ch.IsClosed()
}

// Close stops the reconnect loop and closes the channel and connection.
func (a *AMQPNotifier) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		close(a.done)

		a.mu.Lock()
		if a.ch != nil {
			errs = append(errs, a.ch.Close())
		}
		if a.conn != nil {
			errs = append(errs, a.conn.Close())
		}
		a.ch, a.conn = nil, nil
		a.mu.Unlock()

		a.wg.Wait()
	})
	return errors.Join(errs...)
}

func (a *AMQPNotifier) closing() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// run watches the live connection and redials after it drops.
func (a *AMQPNotifier) run(conn *amqp091.Connection) {
	defer a.wg.Done()
	for {
		if conn != nil {
			a.mu.Lock()
			ch := a.ch
			a.mu.Unlock()

			connClosed := conn.NotifyClose(make(chan *amqp091.Error, 1))
			var chClosed chan *amqp091.Error
			if ch != nil {
				chClosed = ch.NotifyClose(make(chan *amqp091.Error, 1))
			}

			var cause *amqp091.Error
			select {
			case <-a.done:
				return
			case cause = <-connClosed:
			case cause = <-chClosed:
			}
			if a.closing() {
				return
			}
			a.logger.Warn("notification broker link lost, reconnecting", "error", cause)
			a.drop(conn)
		}

		conn = a.redial()
		if conn == nil {
			return
		}
	}
}

// drop clears the current link so Notify fails fast until redial succeeds.
func (a *AMQPNotifier) drop(conn *amqp091.Connection) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn, a.ch = nil, nil
	}
	a.mu.Unlock()
	_ = conn.Close()
}

// redial retries with backoff until connected or closed. Returns nil once closed.
func (a *AMQPNotifier) redial() *amqp091.Connection {
	delay := a.retryDelay
	for {
		conn, ch, err := a.connect()
		if err == nil {
			a.mu.Lock()
			if a.closing() {
				a.mu.Unlock()
				_ = conn.Close()
				return nil
			}
			a.conn, a.ch = conn, ch
			a.mu.Unlock()
			a.logger.Info("notification broker reconnected", "exchange", a.exchange)
			return conn
		}
		a.logger.Warn("notification broker dial failed", "error", err, "retry_in", delay)

		select {
		case <-a.done:
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

// connect dials and declares the exchange without holding a.mu.
func (a *AMQPNotifier) connect() (*amqp091.Connection, *amqp091.Channel, error) {
	conn, err := amqp091.DialConfig(a.url, amqp091.Config{
		Dial: amqp091.DefaultDial(a.dialTimeout),
	})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("notify: AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

var _ Notifier = (*AMQPNotifier)(nil)

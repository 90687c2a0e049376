// Package mqtt implements the message bus client for the Tag Engine: a single
// managed MQTT connection with automatic reconnect, topic subscribe with
// wildcard support, and publish with QoS and retain flags.
//
// Every payload entering or leaving the engine crosses this package:
//
//	poll engine / flow runtime / state machines → transport/mqtt → broker
//
// Fan-out to multiple local consumers of one topic filter is handled here;
// each Subscribe call registers an independent handler and returns its own
// unsubscribe handle.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by Publish while the broker connection is down.
// The caller owns the retry decision (per-poll bulk messages are never
// retried past their own poll interval).
var ErrNotConnected = errors.New("transport/mqtt: not connected")

// MessageHandler receives one inbound message. Handlers run on the client's
// dispatch goroutine and must not block for long.
type MessageHandler func(topic string, payload []byte)

// ─────────────────────────────────────────────────────────────────────────────
// Bus interface
// ─────────────────────────────────────────────────────────────────────────────

// Bus is the contract engine components program against. The concrete Client
// talks MQTT; tests substitute an in-memory implementation.
type Bus interface {
	// Publish sends one message. Returns ErrNotConnected while the broker
	// link is down.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// PublishRetry is Publish with up to 3 additional attempts and
	// exponential backoff, for best-effort status messages.
	PublishRetry(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic filter (MQTT wildcards
	// allowed) and returns an unsubscribe handle. Subscriptions survive
	// reconnects.
	Subscribe(filter string, qos byte, handler MessageHandler) (func(), error)

	// Connected reports whether the broker link is currently up.
	Connected() bool
}

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the Client.
type Config struct {
	// BrokerURL in paho form, e.g. "tcp://localhost:1883".
	BrokerURL string

	// ClientID presented to the broker. Default "tag-engine".
	ClientID string

	// Optional credentials.
	Username string
	Password string

	// KeepAlive interval. Default 30 s.
	KeepAlive time.Duration

	// ConnectTimeout bounds one connect attempt. Default 10 s.
	ConnectTimeout time.Duration

	// ReconnectBase is the base delay of the reconnect loop. Default 5 s.
	ReconnectBase time.Duration

	// ReconnectMaxInterval caps the reconnect backoff. Default 60 s.
	ReconnectMaxInterval time.Duration

	// PublishTimeout bounds one publish token wait. Default 5 s.
	PublishTimeout time.Duration
}

// withDefaults returns a copy of cfg with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.BrokerURL == "" {
		c.BrokerURL = "tcp://localhost:1883"
	}
	if c.ClientID == "" {
		c.ClientID = "tag-engine"
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 5 * time.Second
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = 60 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// ─────────────────────────────────────────────────────────────────────────────
// Client
// ─────────────────────────────────────────────────────────────────────────────

// subscription fans one broker-side filter out to local handlers.
type subscription struct {
	qos      byte
	handlers map[int]MessageHandler
}

// Client implements Bus over one paho connection. Safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	cli       paho.Client
	subs      map[string]*subscription // filter → local handlers
	stateSubs map[int]func(connected bool)
	nextID    int
	closed    bool
}

// New constructs a Client. The broker connection is not opened until Connect.
// If logger is nil, a no-op logger is substituted.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		subs:      make(map[string]*subscription),
		stateSubs: make(map[int]func(bool)),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.ReconnectMaxInterval).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	c.cli = paho.NewClient(opts)
	return c
}

// Connect dials the broker, retrying with exponential backoff and jitter
// until the context is cancelled. Once connected, paho's auto-reconnect owns
// the link; subscriptions are replayed on every (re)connect.
func (c *Client) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectBase
	bo.MaxInterval = c.cfg.ReconnectMaxInterval
	bo.MaxElapsedTime = 0 // retry until ctx is done

	attempt := func() error {
		tok := c.cli.Connect()
		if !tok.WaitTimeout(c.cfg.ConnectTimeout) {
			return fmt.Errorf("transport/mqtt: connect to %s: timeout after %s",
				c.cfg.BrokerURL, c.cfg.ConnectTimeout)
		}
		if err := tok.Error(); err != nil {
			return fmt.Errorf("transport/mqtt: connect to %s: %w", c.cfg.BrokerURL, err)
		}
		return nil
	}

	return backoff.Retry(func() error {
		err := attempt()
		if err != nil {
			c.logger.Warn("transport/mqtt: connect attempt failed",
				"broker", c.cfg.BrokerURL,
				"error", err.Error(),
			)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// Publish sends one message and waits for the token up to PublishTimeout.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	tok := c.cli.Publish(topic, qos, retained, payload)
	if !tok.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("transport/mqtt: publish %s: timeout after %s", topic, c.cfg.PublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("transport/mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// PublishRetry attempts Publish up to 4 times total with exponential backoff.
// Used for best-effort status publishes; never for per-poll bulk data.
func (c *Client) PublishRetry(topic string, payload []byte, qos byte, retained bool) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	err := backoff.Retry(func() error {
		return c.Publish(topic, payload, qos, retained)
	}, backoff.WithMaxRetries(bo, 3))
	if err != nil {
		return fmt.Errorf("transport/mqtt: publish %s: retries exhausted: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for filter and returns its unsubscribe handle.
// The broker-side subscription is established immediately when connected, and
// replayed by onConnect otherwise. The last local unsubscribe for a filter
// also unsubscribes broker-side.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) (func(), error) {
	if filter == "" {
		return nil, fmt.Errorf("transport/mqtt: subscribe: empty filter")
	}
	if handler == nil {
		return nil, fmt.Errorf("transport/mqtt: subscribe %s: nil handler", filter)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("transport/mqtt: subscribe %s: client closed", filter)
	}
	sub, exists := c.subs[filter]
	if !exists {
		sub = &subscription{qos: qos, handlers: make(map[int]MessageHandler)}
		c.subs[filter] = sub
	}
	if qos > sub.qos {
		sub.qos = qos
	}
	id := c.nextID
	c.nextID++
	sub.handlers[id] = handler
	needBroker := !exists
	c.mu.Unlock()

	if needBroker && c.Connected() {
		if err := c.brokerSubscribe(filter, qos); err != nil {
			// Keep the local registration: onConnect replays it.
			c.logger.Warn("transport/mqtt: subscribe failed, will retry on reconnect",
				"filter", filter,
				"error", err.Error(),
			)
		}
	}

	unsubscribe := func() {
		c.mu.Lock()
		sub, ok := c.subs[filter]
		if !ok {
			c.mu.Unlock()
			return
		}
		delete(sub.handlers, id)
		last := len(sub.handlers) == 0
		if last {
			delete(c.subs, filter)
		}
		c.mu.Unlock()

		if last && c.Connected() {
			tok := c.cli.Unsubscribe(filter)
			tok.WaitTimeout(c.cfg.PublishTimeout)
		}
	}
	return unsubscribe, nil
}

// NotifyConnectionState registers a callback fired with true/false on every
// broker connect/disconnect transition. Returns an unsubscribe handle.
func (c *Client) NotifyConnectionState(fn func(connected bool)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.stateSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

// Connected reports whether the broker link is up.
func (c *Client) Connected() bool {
	return c.cli.IsConnectionOpen()
}

// Close tears the connection down after a short quiesce. Registered handlers
// are released; the client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]*subscription)
	c.stateSubs = make(map[int]func(bool))
	c.mu.Unlock()

	c.cli.Disconnect(250)
	c.logger.Info("transport/mqtt: closed", "broker", c.cfg.BrokerURL)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Connection lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// onConnect replays every registered filter. Runs on paho's goroutine for the
// initial connect and every auto-reconnect.
func (c *Client) onConnect(paho.Client) {
	c.mu.Lock()
	filters := make(map[string]byte, len(c.subs))
	for f, sub := range c.subs {
		filters[f] = sub.qos
	}
	c.mu.Unlock()

	for f, qos := range filters {
		if err := c.brokerSubscribe(f, qos); err != nil {
			c.logger.Warn("transport/mqtt: resubscribe failed",
				"filter", f,
				"error", err.Error(),
			)
		}
	}

	c.logger.Info("transport/mqtt: connected",
		"broker", c.cfg.BrokerURL,
		"filters", len(filters),
	)
	c.notifyState(true)
}

// onConnectionLost logs once per drop; paho owns the reconnect loop.
func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.logger.Warn("transport/mqtt: connection lost",
		"broker", c.cfg.BrokerURL,
		"error", err.Error(),
	)
	c.notifyState(false)
}

// notifyState fires connection-state callbacks outside the lock.
func (c *Client) notifyState(connected bool) {
	c.mu.Lock()
	fns := make([]func(bool), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// brokerSubscribe establishes one filter broker-side, routing messages into
// dispatch.
func (c *Client) brokerSubscribe(filter string, qos byte) error {
	tok := c.cli.Subscribe(filter, qos, func(_ paho.Client, m paho.Message) {
		c.dispatch(filter, m.Topic(), m.Payload())
	})
	if !tok.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribe %s: timeout", filter)
	}
	return tok.Error()
}

// dispatch fans one inbound message out to the filter's local handlers.
// Handlers are snapshotted under the lock and invoked outside it.
func (c *Client) dispatch(filter, topic string, payload []byte) {
	c.mu.Lock()
	sub, ok := c.subs[filter]
	var handlers []MessageHandler
	if ok {
		handlers = make([]MessageHandler, 0, len(sub.handlers))
		for _, h := range sub.handlers {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Package messaging provides a NATS client wrapper used as the relay's broker
// gateway. It handles connection lifecycle, blocking request/reply with a
// bounded wait, and queue subscriptions for pushes and request handlers.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default queue (subject) names shared by the relay and the backend.
const (
	QueueStartChat       = "start-chat"
	QueueNewMessage      = "new-message"
	QueueLoadChat        = "load-chat"
	QueueInboundDelivery = "inbound-delivery"
)

// ErrNoReply is returned when the backend answered with an empty payload.
var ErrNoReply = errors.New("messaging: empty reply")

// Queues names the subjects used for each relay action.
type Queues struct {
	StartChat       string `yaml:"start_chat"`
	NewMessage      string `yaml:"new_message"`
	LoadChat        string `yaml:"load_chat"`
	InboundDelivery string `yaml:"inbound_delivery"`
}

// DefaultQueues returns the standard queue names.
func DefaultQueues() Queues {
	return Queues{
		StartChat:       QueueStartChat,
		NewMessage:      QueueNewMessage,
		LoadChat:        QueueLoadChat,
		InboundDelivery: QueueInboundDelivery,
	}
}

// Config holds NATS connection settings.
type Config struct {
	URL            string        `yaml:"url"`             // nats://localhost:4222
	Name           string        `yaml:"name"`            // client name for identification
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`  // time between reconnect attempts
	MaxReconnects  int           `yaml:"max_reconnects"`  // max reconnect attempts (-1 for infinite)
	RequestTimeout time.Duration `yaml:"request_timeout"` // bound for Request when ctx has no deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "contact-relay",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1, // infinite reconnects
		RequestTimeout: 10 * time.Second,
	}
}

// Client wraps the NATS connection with helper methods for request/reply and
// pub/sub.
type Client struct {
	conn           *nats.Conn
	requestTimeout time.Duration
	logger         zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	logger := log.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected")
			} else {
				logger.Warn().Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error().Err(err).Str("subject", subject).Msg("async error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "messaging: nats connect")
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().RequestTimeout
	}

	return &Client{
		conn:           nc,
		requestTimeout: timeout,
		logger:         logger,
		subs:           make(map[string]*nats.Subscription),
	}, nil
}

// Request publishes payload to queue and blocks until the correlated reply
// arrives or the wait is exhausted. NATS correlates the reply through a
// per-request inbox; a reply arriving after the caller gave up is dropped.
func (c *Client) Request(ctx context.Context, queue string, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	msg, err := c.conn.RequestWithContext(ctx, queue, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "messaging: request %s", queue)
	}
	if len(msg.Data) == 0 {
		return nil, errors.Wrapf(ErrNoReply, "messaging: request %s", queue)
	}
	return msg.Data, nil
}

// Publish sends data to the given subject without waiting for a reply.
func (c *Client) Publish(queue string, data []byte) error {
	if err := c.conn.Publish(queue, data); err != nil {
		return errors.Wrapf(err, "messaging: publish %s", queue)
	}
	return nil
}

// Subscribe registers handler for every message delivered on queue and keeps
// the subscription for cleanup on Close. Deliveries on one subscription are
// handled one at a time, in order.
func (c *Client) Subscribe(queue string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(queue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return errors.Wrapf(err, "messaging: subscribe %s", queue)
	}
	c.track(queue, sub)
	return nil
}

// Responder computes the reply for a request payload.
type Responder func(data []byte) ([]byte, error)

// Serve answers requests on queue with the responder's result. Responder
// errors are logged and produce no reply, so the requester times out exactly
// as it would against an unavailable backend.
func (c *Client) Serve(queue, group string, responder Responder) error {
	handler := func(msg *nats.Msg) {
		reply, err := responder(msg.Data)
		if err != nil {
			c.logger.Error().Err(err).Str("queue", queue).Msg("responder failed")
			return
		}
		if err := msg.Respond(reply); err != nil {
			c.logger.Error().Err(err).Str("queue", queue).Msg("respond failed")
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if group == "" {
		sub, err = c.conn.Subscribe(queue, handler)
	} else {
		sub, err = c.conn.QueueSubscribe(queue, group, handler)
	}
	if err != nil {
		return errors.Wrapf(err, "messaging: serve %s", queue)
	}
	c.track("serve:"+queue, sub)
	return nil
}

// Unsubscribe removes the subscription registered for queue by Subscribe.
func (c *Client) Unsubscribe(queue string) error {
	return c.unsubscribe(queue)
}

// Flush round-trips to the server so that subscriptions made so far are
// active before the caller continues.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Connected reports whether the underlying connection is currently up.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Str("subscription", key).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("connection drain failed")
	}

	c.logger.Info().Msg("client closed")
}

func (c *Client) track(key string, sub *nats.Subscription) {
	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
}

// unsubscribe removes and unsubscribes from a specific key.
func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("messaging: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return errors.Wrapf(err, "messaging: unsubscribe %s", key)
	}
	return nil
}

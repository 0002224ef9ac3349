// Package relay is the correlation engine between browser connections and the
// backend conversation service. Client actions become broker request/reply
// calls guarded by a circuit breaker; backend pushes are fanned out to the
// live connection registered for their conversation.
//
// Failures on the backend path never reach a client as errors. They are
// converted to a chat.Message carrying a sentinel id, so a client always gets
// a reply of the same shape it would get on success.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TalMal-ContactMe/contact-form/internal/breaker"
	"github.com/TalMal-ContactMe/contact-form/internal/deadletter"
	"github.com/TalMal-ContactMe/contact-form/internal/messaging"
	"github.com/TalMal-ContactMe/contact-form/internal/metrics"
	"github.com/TalMal-ContactMe/contact-form/internal/ratelimit"
	"github.com/TalMal-ContactMe/contact-form/internal/registry"
)

// Gateway is the blocking request/reply half of the broker.
type Gateway interface {
	Request(ctx context.Context, queue string, payload []byte) ([]byte, error)
}

// Subscriber is the push half of the broker.
type Subscriber interface {
	Subscribe(queue string, handler func(data []byte)) error
}

// Limiter throttles outgoing messages. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// DeadLetters records payloads that could not be delivered.
// *deadletter.Store satisfies it.
type DeadLetters interface {
	Create(ctx context.Context, rec *deadletter.Record) error
}

// Engine is safe for concurrent use. Connection lifecycle callbacks, client
// frames and broker pushes may all run at the same time.
type Engine struct {
	gateway     Gateway
	conns       *registry.Registry
	breaker     *breaker.Breaker
	queues      messaging.Queues
	limiter     Limiter
	rule        ratelimit.Rule
	deadLetters DeadLetters
	dlTimeout   time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithQueues overrides the default queue names.
func WithQueues(q messaging.Queues) Option {
	return func(e *Engine) { e.queues = q }
}

// WithLimiter throttles SendMessage per conversation id using rule.
func WithLimiter(l Limiter, rule ratelimit.Rule) Option {
	return func(e *Engine) {
		e.limiter = l
		e.rule = rule
	}
}

// WithDeadLetters records dropped pushes and unparseable history replies.
func WithDeadLetters(d DeadLetters) Option {
	return func(e *Engine) { e.deadLetters = d }
}

// WithClock replaces time.Now for synthesized message timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine that sends requests through gw under br and delivers
// pushes through conns.
func New(gw Gateway, conns *registry.Registry, br *breaker.Breaker, opts ...Option) *Engine {
	e := &Engine{
		gateway:   gw,
		conns:     conns,
		breaker:   br,
		queues:    messaging.DefaultQueues(),
		rule:      ratelimit.RuleMessage,
		dlTimeout: 2 * time.Second,
		now:       time.Now,
		logger:    log.With().Str("component", "relay").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attach subscribes the engine to the inbound delivery queue so that backend
// pushes reach OnBrokerPush.
func (e *Engine) Attach(sub Subscriber) error {
	return sub.Subscribe(e.queues.InboundDelivery, e.OnBrokerPush)
}

// Registry returns the connection registry the engine delivers through.
func (e *Engine) Registry() *registry.Registry {
	return e.conns
}

// call performs one broker round trip and records its latency.
func (e *Engine) call(ctx context.Context, queue string, payload []byte) ([]byte, error) {
	start := time.Now()
	reply, err := e.gateway.Request(ctx, queue, payload)
	metrics.BrokerRequestDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
	return reply, err
}

func (e *Engine) recordDeadLetter(queue, reason, conversationID string, payload []byte, cause error) {
	if e.deadLetters == nil {
		return
	}
	rec := &deadletter.Record{
		Queue:          queue,
		Reason:         reason,
		ConversationID: conversationID,
		Payload:        payload,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.dlTimeout)
	defer cancel()
	if err := e.deadLetters.Create(ctx, rec); err != nil {
		e.logger.Error().Err(err).Str("reason", reason).Msg("dead letter not recorded")
	}
}

func (e *Engine) updateRegistryGauge() {
	metrics.RegisteredConversations.Set(float64(e.conns.Count()))
}

// Package breaker guards calls to the backend with a circuit breaker and a
// per-call timeout. The state machine itself is sony/gobreaker; this package
// adds the time limit, maps gobreaker's rejections to ErrOpen and converts
// failures to a caller-supplied fallback value.
package breaker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrOpen is the cause handed to fallbacks when the call was rejected
	// without being attempted.
	ErrOpen = errors.New("breaker: circuit open")

	// ErrTimeout is returned when a call exceeded the configured timeout. The
	// call is abandoned and its eventual result discarded.
	ErrTimeout = errors.New("breaker: call timed out")
)

// State mirrors gobreaker's three states.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Config holds the breaker's tuning parameters.
type Config struct {
	Name             string
	Timeout          time.Duration // per call; exceeding it counts as a failure
	FailureThreshold uint32        // consecutive failures that trip the breaker
	FailureRatio     float64       // 0 disables ratio tripping
	MinRequests      uint32        // requests in the window before FailureRatio applies
	Window           time.Duration // closed-state counting interval; 0 never resets
	Cooldown         time.Duration // open -> half-open

	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns sensible defaults for a backend reached over a broker.
func DefaultConfig() Config {
	return Config{
		Name:             "backend",
		Timeout:          5 * time.Second,
		FailureThreshold: 3,
		FailureRatio:     0.5,
		MinRequests:      10,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[any]
}

// New builds a Breaker from cfg. Zero values fall back to DefaultConfig.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}

	threshold := cfg.FailureThreshold
	ratio := cfg.FailureRatio
	minRequests := cfg.MinRequests
	onChange := cfg.OnStateChange

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // a single probe in half-open
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= threshold {
				return true
			}
			if ratio > 0 && counts.Requests >= minRequests && minRequests > 0 {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("component", "breaker").
				Str("breaker", name).
				Str("from", fromGobreaker(from).String()).
				Str("to", fromGobreaker(to).String()).
				Msg("circuit state changed")
			if onChange != nil {
				onChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	}

	return &Breaker{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		cb:      gobreaker.NewCircuitBreaker[any](settings),
	}
}

// Name returns the configured breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. It also advances Open to HalfOpen once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Execute runs op under the breaker and returns its result or the failure
// that replaced it. When the circuit is open op is not invoked and the error
// wraps ErrOpen.
//
// Cancelling ctx releases the caller immediately, but op keeps running under
// the breaker's own timeout and only its outcome is counted. A caller that
// gives up is never recorded as a backend failure.
func Execute[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, errors.Wrap(err, "breaker: call cancelled")
	}

	done := make(chan result, 1)
	go func() {
		v, err := b.cb.Execute(func() (any, error) {
			return b.withTimeout(context.WithoutCancel(ctx), func(ctx context.Context) (any, error) {
				return op(ctx)
			})
		})
		done <- result{v: v, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return zero, errors.Wrap(ctx.Err(), "breaker: call cancelled")
	}

	if r.err != nil {
		if errors.Is(r.err, gobreaker.ErrOpenState) || errors.Is(r.err, gobreaker.ErrTooManyRequests) {
			return zero, errors.Wrapf(ErrOpen, "%s", b.name)
		}
		return zero, r.err
	}

	out, ok := r.v.(T)
	if !ok {
		return zero, errors.Errorf("breaker: unexpected result type %T", r.v)
	}
	return out, nil
}

// Run is Execute with failures converted to fallback(cause). The fallback
// must not fail; Run therefore always returns a usable value.
func Run[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error), fallback func(cause error) T) T {
	v, err := Execute(ctx, b, op)
	if err != nil {
		return fallback(err)
	}
	return v
}

type result struct {
	v   any
	err error
}

// withTimeout runs op on its own goroutine and gives up after b.timeout. ctx
// carries no cancellation of its own, so Done here means the timeout fired.
// The channel is buffered so an abandoned op can still complete and exit.
func (b *Breaker) withTimeout(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		v, err := op(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, errors.Wrapf(ErrTimeout, "%s after %s", b.name, b.timeout)
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wolfman30/payreminder/pkg/logging"
)

// BreakerConfig tunes the circuit breaker around a Sender.
type BreakerConfig struct {
	Name string
	// Trips is the number of consecutive gateway-level failures that opens the circuit.
	Trips int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
	Logger   *logging.Logger
}

// BreakerSender stops calling the transport after repeated gateway-level
// failures. Recipient-level rejections do not count against the gateway.
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerSender wraps next with a circuit breaker.
func NewBreakerSender(next Sender, cfg BreakerConfig) *BreakerSender {
	if next == nil {
		panic("gateway: breaker requires a sender")
	}
	if cfg.Trips <= 0 {
		cfg.Trips = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "gateway"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	trips := uint32(cfg.Trips)
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		IsSuccessful: func(err error) bool {
			return err == nil || KindOf(err) == KindPermanent
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerSender{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Send forwards to the wrapped sender unless the circuit is open, in which case
// it fails fast with a transient error wrapping ErrUnavailable. While the
// circuit is half-open and its probe is in flight, extra sends get a plain
// transient error so callers retry instead of treating the gateway as down.
func (b *BreakerSender) Send(ctx context.Context, phone, text string) (SendResult, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Send(ctx, phone, text)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			return SendResult{}, &Error{Kind: KindTransient, Message: "circuit open", Err: ErrUnavailable}
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			return SendResult{}, &Error{Kind: KindTransient, Message: "circuit half-open, probe in flight", Err: err}
		}
		return SendResult{}, err
	}
	res, _ := out.(SendResult)
	return res, nil
}

// Status passes through to the wrapped sender when it can report session health.
func (b *BreakerSender) Status(ctx context.Context) (SessionStatus, error) {
	if checker, ok := b.next.(StatusChecker); ok {
		return checker.Status(ctx)
	}
	return SessionStatus{State: SessionUnknown, UpdatedAt: time.Now().UTC()}, nil
}

// Open reports whether the circuit currently rejects sends.
func (b *BreakerSender) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

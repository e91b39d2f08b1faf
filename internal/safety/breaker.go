package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"topup-ladder/internal/alert"
	"topup-ladder/internal/core"
	"topup-ladder/internal/gateway"
	"topup-ladder/internal/instrument"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultPollCooldown          = 30 * time.Second
	defaultPollHalfOpenSuccesses = 1
)

const (
	actionPlace  = "submit order"
	actionCancel = "cancel order"
	actionPoll   = "poll"
)

type circuit struct {
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

// Breaker counts consecutive failures per action. Submits and cancels trip
// for good; polls trip for a cooldown and then probe in half-open state.
type Breaker struct {
	enabled bool

	mu     sync.Mutex
	place  circuit
	cancel circuit
	poll   circuit

	pollCooldown          time.Duration
	pollHalfOpenSuccesses int

	alerter alert.Alerter
	now     func() time.Time
}

func NewBreaker(enabled bool, maxPlaceFailures, maxCancelFailures, maxPollFailures int) *Breaker {
	return &Breaker{
		enabled: enabled,
		place: circuit{
			maxFailures: maxPlaceFailures,
			state:       circuitClosed,
		},
		cancel: circuit{
			maxFailures: maxCancelFailures,
			state:       circuitClosed,
		},
		poll: circuit{
			maxFailures: maxPollFailures,
			state:       circuitClosed,
		},
		pollCooldown:          defaultPollCooldown,
		pollHalfOpenSuccesses: defaultPollHalfOpenSuccesses,
		now:                   func() time.Time { return time.Now().UTC() },
	}
}

func (b *Breaker) SetPollRecovery(cooldown time.Duration, halfOpenSuccesses int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cooldown <= 0 {
		cooldown = defaultPollCooldown
	}
	if halfOpenSuccesses < 1 {
		halfOpenSuccesses = defaultPollHalfOpenSuccesses
	}
	b.pollCooldown = cooldown
	b.pollHalfOpenSuccesses = halfOpenSuccesses
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(actionPlace, &b.place, err)
}

// RecordCancel treats an order that is already gone as a success.
func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	if errors.Is(err, core.ErrOrderNotFound) {
		err = nil
	}
	return b.record(actionCancel, &b.cancel, err)
}

func (b *Breaker) RecordPoll(err error) error {
	if b == nil {
		return nil
	}
	return b.record(actionPoll, &b.poll, err)
}

// AllowPlace fails fast once the submit circuit has tripped.
func (b *Breaker) AllowPlace() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.place.state != circuitOpen {
		return nil
	}
	if b.place.openErr != nil {
		return b.place.openErr
	}
	return fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, actionPlace)
}

// AllowPoll reports whether a poll may run. After the cooldown the circuit
// moves to half-open and lets probes through.
func (b *Breaker) AllowPoll() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	state := b.poll.state
	now := b.now()
	if state == circuitOpen {
		if b.pollCooldown > 0 && now.Sub(b.poll.openedAt) < b.pollCooldown {
			err := b.poll.openErr
			if err == nil {
				err = fmt.Errorf("%w: poll circuit is open", ErrCircuitOpen)
			}
			b.mu.Unlock()
			return err
		}
		b.poll.state = circuitHalfOpen
		b.poll.halfOpenSuccess = 0
		b.poll.failures = 0
		b.poll.openErr = nil
		alerter := b.alerter
		cooldown := b.pollCooldown
		b.mu.Unlock()
		log.Info().Str("event", "circuit_breaker_half_open").Str("action", actionPoll).
			Int64("cooldown_sec", int64(cooldown/time.Second)).Msg("poll circuit probing")
		if alerter != nil {
			alerter.Important("circuit_breaker_half_open", map[string]string{
				"action":       actionPoll,
				"cooldown_sec": strconv.FormatInt(int64(cooldown/time.Second), 10),
			})
		}
		return nil
	}
	b.mu.Unlock()
	return nil
}

func (b *Breaker) PollCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poll.state != circuitOpen {
		return 0
	}
	if b.pollCooldown <= 0 {
		return 0
	}
	elapsed := b.now().Sub(b.poll.openedAt)
	if elapsed >= b.pollCooldown {
		return 0
	}
	return b.pollCooldown - elapsed
}

func (b *Breaker) ResetPoll() {
	if b == nil {
		return
	}
	_ = b.RecordPoll(nil)
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) record(name string, c *circuit, err error) error {
	if b == nil || !b.enabled || c == nil {
		return nil
	}

	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.pollHalfOpenSuccesses || name != actionPoll {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitOpen:
			// Only the poll circuit probes; an open submit or cancel circuit stays open.
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		alerter := b.alerter
		b.mu.Unlock()
		if recovered {
			log.Info().Str("event", "circuit_breaker_recovered").Str("action", name).
				Int("previous_consecutive_failures", prevFailures).Str("from_state", string(prevState)).Msg("circuit recovered")
			if alerter != nil {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
					"from_state":                    string(prevState),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	}

	if c.state == circuitHalfOpen {
		openErr := b.tripLocked(name, c, err, 1, "half_open_probe_failed")
		alerter := b.alerter
		limit := c.maxFailures
		b.mu.Unlock()
		log.Error().Err(err).Str("event", "circuit_breaker_trip").Str("action", name).
			Str("phase", "half_open").Int("threshold", limit).Msg("circuit tripped")
		if alerter != nil {
			alerter.Important("circuit_breaker_trip", map[string]string{
				"action":     name,
				"phase":      "half_open",
				"threshold":  strconv.Itoa(limit),
				"last_error": err.Error(),
			})
		}
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	alerter := b.alerter
	if failures < limit {
		nearTrip := shouldWarnNearTrip(name, failures, limit)
		b.mu.Unlock()
		if nearTrip {
			log.Warn().Err(err).Str("event", "circuit_breaker_near_trip").Str("action", name).
				Int("consecutive_failures", failures).Int("threshold", limit).Msg("circuit near trip")
			if alerter != nil {
				alerter.Important("circuit_breaker_near_trip", map[string]string{
					"action":               name,
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(limit),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}

	openErr := b.tripLocked(name, c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	log.Error().Err(err).Str("event", "circuit_breaker_trip").Str("action", name).
		Int("consecutive_failures", failures).Int("threshold", limit).Msg("circuit tripped")
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               name,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

func (b *Breaker) tripLocked(name string, c *circuit, err error, failures int, reason string) error {
	if failures < 1 {
		failures = c.maxFailures
	}
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	if name == actionPoll && b.pollCooldown > 0 {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v", ErrCircuitOpen, name, failures, b.pollCooldown.String(), reason, err)
	} else {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, reason=%s, last error: %v", ErrCircuitOpen, name, failures, reason, err)
	}
	return c.openErr
}

func shouldWarnNearTrip(action string, failures, limit int) bool {
	if limit <= 1 || failures != limit-1 {
		return false
	}
	return action == actionPlace || action == actionCancel
}

// GuardedGateway records every submit and cancel outcome on the breaker.
// Submits are refused without reaching the terminal once the submit
// circuit is open; cancels always go through.
type GuardedGateway struct {
	inner   gateway.Gateway
	breaker *Breaker
}

func NewGuardedGateway(inner gateway.Gateway, breaker *Breaker) *GuardedGateway {
	return &GuardedGateway{
		inner:   inner,
		breaker: breaker,
	}
}

func (g *GuardedGateway) Name() string { return g.inner.Name() }

func (g *GuardedGateway) SymbolInfo(ctx context.Context, symbol string) (instrument.Spec, error) {
	return g.inner.SymbolInfo(ctx, symbol)
}

func (g *GuardedGateway) Tick(ctx context.Context, symbol string) (instrument.Quote, error) {
	return g.inner.Tick(ctx, symbol)
}

func (g *GuardedGateway) SubmitMarketOrder(ctx context.Context, order core.MarketOrder) (core.Receipt, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return core.Receipt{}, err
	}
	receipt, err := g.inner.SubmitMarketOrder(ctx, order)
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return receipt, trip
	}
	return receipt, err
}

func (g *GuardedGateway) SubmitPendingOrder(ctx context.Context, order core.PendingOrder) (core.Receipt, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return core.Receipt{}, err
	}
	receipt, err := g.inner.SubmitPendingOrder(ctx, order)
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return receipt, trip
	}
	return receipt, err
}

func (g *GuardedGateway) CancelPendingOrder(ctx context.Context, orderID, tag string) error {
	err := g.inner.CancelPendingOrder(ctx, orderID, tag)
	if trip := g.breaker.RecordCancel(err); trip != nil {
		return errors.Join(trip, err)
	}
	return err
}

func (g *GuardedGateway) OpenPositions(ctx context.Context, symbol string) ([]core.Position, error) {
	return g.inner.OpenPositions(ctx, symbol)
}

func (g *GuardedGateway) PendingOrders(ctx context.Context, symbol string) ([]core.WorkingOrder, error) {
	return g.inner.PendingOrders(ctx, symbol)
}

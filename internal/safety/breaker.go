package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bithumb-gridbot/internal/core"
	"bithumb-gridbot/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// Alerter receives operational alerts such as trips and recoveries.
type Alerter interface {
	Important(event string, fields map[string]string)
}

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const defaultCooldown = 5 * time.Minute

const (
	actionPlace  = "place order"
	actionCancel = "cancel order"
)

type circuit struct {
	name        string
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
}

// Breaker counts consecutive place and cancel failures. Once a circuit trips
// it rejects calls until the cooldown passes, then lets one trial call through.
type Breaker struct {
	enabled  bool
	cooldown time.Duration

	mu     sync.Mutex
	place  circuit
	cancel circuit

	alerter Alerter
	log     *logrus.Entry
	now     func() time.Time
}

func NewBreaker(enabled bool, maxPlaceFailures, maxCancelFailures int, cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		enabled:  enabled,
		cooldown: cooldown,
		place:    circuit{name: actionPlace, maxFailures: maxPlaceFailures, state: circuitClosed},
		cancel:   circuit{name: actionCancel, maxFailures: maxCancelFailures, state: circuitClosed},
		log:      logrus.NewEntry(logrus.StandardLogger()),
		now:      time.Now,
	}
}

func (b *Breaker) SetAlerter(alerter Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) SetLogger(log *logrus.Entry) {
	if b == nil || log == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = log
}

func (b *Breaker) AllowPlace() error  { return b.allow(&b.place) }
func (b *Breaker) AllowCancel() error { return b.allow(&b.cancel) }

func (b *Breaker) RecordPlace(err error) error  { return b.record(&b.place, err) }
func (b *Breaker) RecordCancel(err error) error { return b.record(&b.cancel, err) }

// State reports the place and cancel circuit states.
func (b *Breaker) State() (place, cancel string) {
	if b == nil {
		return string(circuitClosed), string(circuitClosed)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.place.state), string(b.cancel.state)
}

func (b *Breaker) allow(c *circuit) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.openErr = nil
	alerter, log := b.alerter, b.log
	b.mu.Unlock()

	log.WithFields(logrus.Fields{"action": c.name, "cooldown": b.cooldown.String()}).Info("circuit_breaker_half_open")
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{"action": c.name})
	}
	return nil
}

func (b *Breaker) record(c *circuit, err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	alerter, log := b.alerter, b.log

	if err == nil {
		prevFailures, prevState := c.failures, c.state
		c.failures = 0
		c.state = circuitClosed
		c.openErr = nil
		c.openedAt = time.Time{}
		b.mu.Unlock()
		if prevState != circuitClosed {
			log.WithFields(logrus.Fields{
				"action":                        c.name,
				"previous_consecutive_failures": prevFailures,
				"from_state":                    string(prevState),
			}).Info("circuit_breaker_recovered")
			if alerter != nil {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":     c.name,
					"from_state": string(prevState),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	}

	c.failures++
	failures := c.failures
	if c.state != circuitHalfOpen && failures < c.maxFailures {
		b.mu.Unlock()
		if failures == c.maxFailures-1 {
			log.WithFields(logrus.Fields{
				"action":               c.name,
				"consecutive_failures": failures,
				"threshold":            c.maxFailures,
				"err":                  err,
			}).Warn("circuit_breaker_near_trip")
		}
		return nil
	}

	reason := "consecutive_failures"
	if c.state == circuitHalfOpen {
		reason = "half_open_trial_failed"
	}
	c.state = circuitOpen
	c.openedAt = b.now()
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, reason=%s, last error: %v", ErrCircuitOpen, c.name, failures, reason, err)
	openErr := c.openErr
	threshold := c.maxFailures
	b.mu.Unlock()

	log.WithFields(logrus.Fields{
		"action":               c.name,
		"consecutive_failures": failures,
		"threshold":            threshold,
		"reason":               reason,
		"err":                  err,
	}).Error("circuit_breaker_trip")
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               c.name,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(threshold),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

// countsAsFailure excludes outcomes that say nothing about exchange health.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, core.ErrValidation) || errors.Is(err, core.ErrOrderNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// GuardedExchange routes order mutations through a Breaker. Reads pass through.
type GuardedExchange struct {
	exchange.Exchange
	breaker *Breaker
}

func NewGuardedExchange(inner exchange.Exchange, breaker *Breaker) *GuardedExchange {
	return &GuardedExchange{Exchange: inner, breaker: breaker}
}

func (g *GuardedExchange) PlaceLimitOrder(ctx context.Context, side core.Side, units decimal.Decimal, price int64) (string, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return "", err
	}
	id, err := g.Exchange.PlaceLimitOrder(ctx, side, units, price)
	return id, g.recordPlace(err)
}

func (g *GuardedExchange) PlaceMarketOrder(ctx context.Context, side core.Side, units decimal.Decimal) (string, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return "", err
	}
	id, err := g.Exchange.PlaceMarketOrder(ctx, side, units)
	return id, g.recordPlace(err)
}

func (g *GuardedExchange) CancelOrder(ctx context.Context, side core.Side, id string) error {
	if err := g.breaker.AllowCancel(); err != nil {
		return err
	}
	err := g.Exchange.CancelOrder(ctx, side, id)
	if !countsAsFailure(err) {
		_ = g.breaker.RecordCancel(nil)
		return err
	}
	if trip := g.breaker.RecordCancel(err); trip != nil {
		return trip
	}
	return err
}

func (g *GuardedExchange) recordPlace(err error) error {
	if !countsAsFailure(err) {
		_ = g.breaker.RecordPlace(nil)
		return err
	}
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return trip
	}
	return err
}

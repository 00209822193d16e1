// Package circuitbreaker shields the outbox from a flapping message broker.
// After enough consecutive publish failures the breaker opens and fails fast;
// a half-open trial publish closes it again once the broker recovers.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects calls without trying the
// underlying publisher. The outbox treats it like any delivery failure and
// retries with backoff.
var ErrOpen = errors.New("circuitbreaker: open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker. Zero values fall back to the defaults.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	ResetTimeout     time.Duration // open duration before a half-open trial
}

// Publisher matches the outbox delivery contract.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Breaker wraps a Publisher with circuit-breaking.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inner    Publisher
	cfg      Config
	logger   *log.Logger
	now      func() time.Time
}

// Wrap returns a breaker-protected publisher.
func Wrap(inner Publisher, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		state:  StateClosed,
		inner:  inner,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[CircuitBreaker] ", log.LstdFlags),
		now:    time.Now,
	}
}

// Publish forwards to the wrapped publisher unless the breaker is open.
func (b *Breaker) Publish(subject string, data []byte) error {
	if !b.allow() {
		return ErrOpen
	}
	err := b.inner.Publish(subject, data)
	b.record(err)
	return err
}

// State reports the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.logger.Printf("half-open, trialing publisher")
			return true
		}
		return false
	}
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state != StateClosed {
			b.logger.Printf("publisher recovered, closing")
		}
		b.state = StateClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		if b.state != StateOpen {
			b.logger.Printf("opening after %d consecutive failures", b.failures)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

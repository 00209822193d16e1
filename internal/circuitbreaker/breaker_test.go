package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	err   error
	calls int
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.calls++
	return f.err
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	inner := &fakePublisher{err: errors.New("broker down")}
	b := Wrap(inner, Config{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		require.Error(t, b.Publish("subject", nil))
	}
	assert.Equal(t, StateOpen, b.State())

	// Open breaker fails fast without touching the publisher.
	err := b.Publish("subject", nil)
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 3, inner.calls)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	inner := &fakePublisher{err: errors.New("broker down")}
	b := Wrap(inner, Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	require.Error(t, b.Publish("subject", nil))
	require.Equal(t, StateOpen, b.State())

	// Past the reset timeout the next call trials the publisher.
	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	inner.err = nil
	require.NoError(t, b.Publish("subject", nil))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	inner := &fakePublisher{err: errors.New("broker down")}
	b := Wrap(inner, Config{FailureThreshold: 5, ResetTimeout: time.Minute})
	for i := 0; i < 5; i++ {
		require.Error(t, b.Publish("subject", nil))
	}
	require.Equal(t, StateOpen, b.State())

	b.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.Error(t, b.Publish("subject", nil))
	assert.Equal(t, StateOpen, b.State())
}

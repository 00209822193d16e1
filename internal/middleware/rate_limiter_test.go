package middleware

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func TestAllowWithinLimit(t *testing.T) {
	rl := &RateLimiter{windows: make(map[string]*window), limit: 3, now: time.Now}
	rl.logger = discard()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("client"))
	}
	assert.False(t, rl.Allow("client"))
	assert.True(t, rl.Allow("other"))
}

func TestWindowResets(t *testing.T) {
	base := time.Now()
	now := base
	rl := &RateLimiter{windows: make(map[string]*window), limit: 1, now: func() time.Time { return now }}
	rl.logger = discard()

	assert.True(t, rl.Allow("client"))
	assert.False(t, rl.Allow("client"))

	now = base.Add(61 * time.Second)
	assert.True(t, rl.Allow("client"))
}

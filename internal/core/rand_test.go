package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomizerDeterministicPerSeed(t *testing.T) {
	a := NewRandomizer(42)
	b := NewRandomizer(42)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.Float64(), b.Float64())
		assert.Equal(t, a.Intn(1000), b.Intn(1000))
	}
	assert.Equal(t, a.Perm(20), b.Perm(20))
}

func TestRandomizerSafeForConcurrentDraws(t *testing.T) {
	// The sweeper goroutines share one randomizer; draws from several
	// goroutines must stay well formed.
	r := NewRandomizer(1)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				f := r.Float64()
				assert.GreaterOrEqual(t, f, 0.0)
				assert.Less(t, f, 1.0)
				n := r.Intn(10)
				assert.GreaterOrEqual(t, n, 0)
				assert.Less(t, n, 10)
				assert.Len(t, r.Perm(5), 5)
			}
		}()
	}
	wg.Wait()
}

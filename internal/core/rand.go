package core

import (
	"math/rand"
	"sync"
)

// Randomizer isolates every random draw the engines make so tests can seed
// deterministic sequences. Clients never observe the seed.
type Randomizer interface {
	// Float64 returns a uniform draw in [0, 1).
	Float64() float64
	// Intn returns a uniform draw in [0, n).
	Intn(n int) int
	// Perm returns a random permutation of [0, n).
	Perm(n int) []int
}

// mathRandomizer guards the underlying source with a mutex; one instance is
// shared across the sweeper goroutines.
type mathRandomizer struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewRandomizer returns a Randomizer backed by math/rand with the given seed.
func NewRandomizer(seed int64) Randomizer {
	return &mathRandomizer{r: rand.New(rand.NewSource(seed))}
}

func (m *mathRandomizer) Float64() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.r.Float64()
}

func (m *mathRandomizer) Intn(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.r.Intn(n)
}

func (m *mathRandomizer) Perm(n int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.r.Perm(n)
}

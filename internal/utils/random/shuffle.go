package random

import (
	crand "crypto/rand"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Source is the subset of math/rand/v2 the raffle code draws from.
type Source interface {
	IntN(n int) int
}

// Locked is a ChaCha8 generator seeded from crypto/rand and safe for concurrent use.
type Locked struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLocked seeds a new generator from the operating system.
func NewLocked() (*Locked, error) {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to seed random source: %w", err)
	}
	return &Locked{r: rand.New(rand.NewChaCha8(seed))}, nil
}

// NewSeeded returns a deterministic generator, used by tests.
func NewSeeded(seed uint64) *Locked {
	return &Locked{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// IntN returns a uniform integer in [0, n).
func (l *Locked) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

// Shuffle performs a Fisher-Yates shuffle of the slice.
func Shuffle[T any](src Source, slice []T) {
	ShuffleN(src, slice, len(slice))
}

// ShuffleN moves a uniform random sample of n elements to the front of slice
// and returns it. Only n swaps are made.
func ShuffleN[T any](src Source, slice []T, n int) []T {
	if n > len(slice) {
		n = len(slice)
	}
	for i := 0; i < n; i++ {
		j := i + src.IntN(len(slice)-i)
		slice[i], slice[j] = slice[j], slice[i]
	}
	return slice[:n]
}

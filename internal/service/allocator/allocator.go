// Package allocator hands out raffle ticket numbers and instant-win sets.
package allocator

import (
	"context"
	"fmt"
	"sort"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/utils/random"
)

const (
	// DefaultMaxAttempts bounds rejection sampling for a single number.
	DefaultMaxAttempts = 32
	// DefaultPoolThreshold is the free ratio below which the shuffled pool is used.
	DefaultPoolThreshold = 0.05
)

// NumberSource exposes the issued numbers of one locked competition.
// raffle.CompetitionTx satisfies it.
type NumberSource interface {
	NumberIssued(ctx context.Context, number int) (bool, error)
	FreeNumbers(ctx context.Context) ([]int, error)
	IssuedCount(ctx context.Context) (int, error)
}

// Allocator generates instant-win sets and picks unused ticket numbers.
type Allocator struct {
	rng           random.Source
	maxAttempts   int
	poolThreshold float64
}

// Option customises an Allocator.
type Option func(*Allocator)

// WithMaxAttempts sets the rejection sampling budget per number.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithPoolThreshold sets the free ratio below which the pool strategy is used.
func WithPoolThreshold(ratio float64) Option {
	return func(a *Allocator) {
		if ratio >= 0 && ratio <= 1 {
			a.poolThreshold = ratio
		}
	}
}

func New(rng random.Source, opts ...Option) *Allocator {
	a := &Allocator{rng: rng, maxAttempts: DefaultMaxAttempts, poolThreshold: DefaultPoolThreshold}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GenerateInstantWinSet returns count distinct numbers drawn uniformly from
// [1, capacity], sorted ascending. Floyd's algorithm keeps it O(count).
func (a *Allocator) GenerateInstantWinSet(capacity, count int) ([]int, error) {
	if capacity <= 0 || count < 0 || count > capacity {
		return nil, fmt.Errorf("%w: count=%d capacity=%d", raffle.ErrInvalidRange, count, capacity)
	}
	chosen := make(map[int]struct{}, count)
	for j := capacity - count + 1; j <= capacity; j++ {
		t := a.rng.IntN(j) + 1
		if _, dup := chosen[t]; dup {
			t = j
		}
		chosen[t] = struct{}{}
	}
	out := make([]int, 0, count)
	for n := range chosen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// Allocate returns the ticket numbers for a reservation on c.
// Sequential competitions get the reserved slot range; random ones get
// res.Quantity numbers chosen uniformly among those not yet issued.
func (a *Allocator) Allocate(ctx context.Context, src NumberSource, c *raffle.Competition, res raffle.Reservation) ([]int, error) {
	if res.Quantity <= 0 {
		return nil, nil
	}
	if c.Numbering == raffle.NumberingSequential {
		return a.sequential(ctx, src, c, res)
	}
	return a.random(ctx, src, c.Capacity, res.Quantity)
}

// Next picks a single number for c, as if a one-ticket reservation was made
// starting at the current sold count.
func (a *Allocator) Next(ctx context.Context, src NumberSource, c *raffle.Competition) (int, error) {
	res := raffle.Reservation{CompetitionID: c.ID, Quantity: 1, First: c.SoldCount + 1, Last: c.SoldCount + 1}
	nums, err := a.Allocate(ctx, src, c, res)
	if err != nil {
		return 0, err
	}
	return nums[0], nil
}

func (a *Allocator) sequential(ctx context.Context, src NumberSource, c *raffle.Competition, res raffle.Reservation) ([]int, error) {
	if res.First < 1 || res.Last > c.Capacity || res.Last-res.First+1 != res.Quantity {
		return nil, fmt.Errorf("%w: slots %d..%d of %d", raffle.ErrCapacityExhausted, res.First, res.Last, c.Capacity)
	}
	out := make([]int, 0, res.Quantity)
	for n := res.First; n <= res.Last; n++ {
		issued, err := src.NumberIssued(ctx, n)
		if err != nil {
			return nil, err
		}
		if issued {
			return nil, fmt.Errorf("%w: number %d already issued", raffle.ErrCapacityExhausted, n)
		}
		out = append(out, n)
	}
	return out, nil
}

func (a *Allocator) random(ctx context.Context, src NumberSource, capacity, quantity int) ([]int, error) {
	issued, err := src.IssuedCount(ctx)
	if err != nil {
		return nil, err
	}
	if capacity-issued < quantity {
		return nil, raffle.ErrCapacityExhausted
	}

	taken := make(map[int]struct{}, quantity)
	out := make([]int, 0, quantity)
	for len(out) < quantity {
		free := capacity - issued - len(out)
		if float64(free)/float64(capacity) < a.poolThreshold {
			break
		}
		n, ok, err := a.sample(ctx, src, capacity, taken)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		taken[n] = struct{}{}
		out = append(out, n)
	}
	if len(out) == quantity {
		return out, nil
	}

	rest, err := a.fromPool(ctx, src, taken, quantity-len(out))
	if err != nil {
		return nil, err
	}
	return append(out, rest...), nil
}

// sample draws until it finds a free number or the attempt budget runs out.
func (a *Allocator) sample(ctx context.Context, src NumberSource, capacity int, taken map[int]struct{}) (int, bool, error) {
	for i := 0; i < a.maxAttempts; i++ {
		n := a.rng.IntN(capacity) + 1
		if _, dup := taken[n]; dup {
			continue
		}
		issued, err := src.NumberIssued(ctx, n)
		if err != nil {
			return 0, false, err
		}
		if !issued {
			return n, true, nil
		}
	}
	return 0, false, nil
}

func (a *Allocator) fromPool(ctx context.Context, src NumberSource, taken map[int]struct{}, want int) ([]int, error) {
	free, err := src.FreeNumbers(ctx)
	if err != nil {
		return nil, err
	}
	pool := make([]int, 0, len(free))
	for _, n := range free {
		if _, dup := taken[n]; !dup {
			pool = append(pool, n)
		}
	}
	if len(pool) < want {
		return nil, raffle.ErrCapacityExhausted
	}
	return random.ShuffleN(a.rng, pool, want), nil
}

// Classify reports the instant-win outcome of number on c.
func Classify(c *raffle.Competition, number int) raffle.TicketResult {
	if c.IsInstantWin(number) {
		return raffle.ResultInstantWin
	}
	return raffle.ResultNonWin
}

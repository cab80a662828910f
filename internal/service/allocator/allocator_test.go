package allocator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/utils/random"
)

type fakeSource struct {
	capacity  int
	issued    map[int]bool
	lookups   int
	poolCalls int
	err       error
}

func newFakeSource(capacity int, issued ...int) *fakeSource {
	s := &fakeSource{capacity: capacity, issued: map[int]bool{}}
	for _, n := range issued {
		s.issued[n] = true
	}
	return s
}

func (s *fakeSource) NumberIssued(_ context.Context, n int) (bool, error) {
	s.lookups++
	return s.issued[n], s.err
}

func (s *fakeSource) FreeNumbers(_ context.Context) ([]int, error) {
	s.poolCalls++
	var out []int
	for n := 1; n <= s.capacity; n++ {
		if !s.issued[n] {
			out = append(out, n)
		}
	}
	return out, s.err
}

func (s *fakeSource) IssuedCount(_ context.Context) (int, error) { return len(s.issued), s.err }

func randomCompetition(capacity int) *raffle.Competition {
	return &raffle.Competition{ID: 1, Capacity: capacity, Numbering: raffle.NumberingRandom}
}

func TestGenerateInstantWinSet(t *testing.T) {
	a := New(random.NewSeeded(1))

	t.Run("capacity 10 count 3", func(t *testing.T) {
		set, err := a.GenerateInstantWinSet(10, 3)
		require.NoError(t, err)
		require.Len(t, set, 3)
		seen := map[int]bool{}
		for _, n := range set {
			assert.GreaterOrEqual(t, n, 1)
			assert.LessOrEqual(t, n, 10)
			assert.False(t, seen[n])
			seen[n] = true
		}
		assert.IsIncreasing(t, set)
	})

	t.Run("count equals capacity", func(t *testing.T) {
		set, err := a.GenerateInstantWinSet(50, 50)
		require.NoError(t, err)
		for i, n := range set {
			assert.Equal(t, i+1, n)
		}
	})

	t.Run("zero count", func(t *testing.T) {
		set, err := a.GenerateInstantWinSet(5, 0)
		require.NoError(t, err)
		assert.Empty(t, set)
	})

	t.Run("count above capacity", func(t *testing.T) {
		_, err := a.GenerateInstantWinSet(10, 11)
		assert.ErrorIs(t, err, raffle.ErrInvalidRange)
	})

	t.Run("non positive capacity", func(t *testing.T) {
		_, err := a.GenerateInstantWinSet(0, 0)
		assert.ErrorIs(t, err, raffle.ErrInvalidRange)
	})
}

func TestGenerateInstantWinSet_CoversWholeRange(t *testing.T) {
	a := New(random.NewSeeded(99))
	hits := make([]int, 11)
	for i := 0; i < 3000; i++ {
		set, err := a.GenerateInstantWinSet(10, 3)
		require.NoError(t, err)
		for _, n := range set {
			hits[n]++
		}
	}
	// expected 900 per number
	for n := 1; n <= 10; n++ {
		assert.InDelta(t, 900, hits[n], 150, "number %d", n)
	}
}

func TestAllocate_RandomSkipsIssuedNumbers(t *testing.T) {
	a := New(random.NewSeeded(3))
	src := newFakeSource(20, 1, 2, 3, 4, 5)
	c := randomCompetition(20)

	nums, err := a.Allocate(context.Background(), src, c, raffle.Reservation{Quantity: 15})
	require.NoError(t, err)
	require.Len(t, nums, 15)

	seen := map[int]bool{}
	for _, n := range nums {
		assert.False(t, src.issued[n], "number %d was already issued", n)
		assert.False(t, seen[n], "number %d returned twice", n)
		seen[n] = true
	}
}

func TestAllocate_RandomUsesPoolWhenNearlyFull(t *testing.T) {
	a := New(random.NewSeeded(5))
	issued := make([]int, 0, 99)
	for n := 1; n <= 100; n++ {
		if n != 42 {
			issued = append(issued, n)
		}
	}
	src := newFakeSource(100, issued...)

	n, err := a.Next(context.Background(), src, randomCompetition(100))
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, 1, src.poolCalls)
	assert.Zero(t, src.lookups, "rejection sampling should be skipped below the threshold")
}

func TestAllocate_RandomFallsBackAfterAttemptBudget(t *testing.T) {
	a := New(random.NewSeeded(8), WithMaxAttempts(2), WithPoolThreshold(0))
	issued := make([]int, 0, 900)
	for n := 1; n <= 900; n++ {
		issued = append(issued, n)
	}
	src := newFakeSource(1000, issued...)

	nums, err := a.Allocate(context.Background(), src, randomCompetition(1000), raffle.Reservation{Quantity: 100})
	require.NoError(t, err)
	require.Len(t, nums, 100)
	assert.ElementsMatch(t, rangeInts(901, 1000), nums)
}

func TestAllocate_RandomIsUniformOverFreeNumbers(t *testing.T) {
	a := New(random.NewSeeded(11))
	src := newFakeSource(6, 2, 4)
	c := randomCompetition(6)
	counts := map[int]int{}
	for i := 0; i < 4000; i++ {
		n, err := a.Next(context.Background(), src, c)
		require.NoError(t, err)
		counts[n]++
	}
	assert.Zero(t, counts[2])
	assert.Zero(t, counts[4])
	for _, n := range []int{1, 3, 5, 6} {
		assert.InDelta(t, 1000, counts[n], 150, "number %d", n)
	}
}

func TestAllocate_RandomExhausted(t *testing.T) {
	a := New(random.NewSeeded(2))
	src := newFakeSource(3, 1, 2, 3)
	_, err := a.Next(context.Background(), src, randomCompetition(3))
	assert.ErrorIs(t, err, raffle.ErrCapacityExhausted)

	src = newFakeSource(3, 1)
	_, err = a.Allocate(context.Background(), src, randomCompetition(3), raffle.Reservation{Quantity: 3})
	assert.ErrorIs(t, err, raffle.ErrCapacityExhausted)
}

func TestAllocate_Sequential(t *testing.T) {
	a := New(random.NewSeeded(2))
	c := &raffle.Competition{ID: 1, Capacity: 10, SoldCount: 4, Numbering: raffle.NumberingSequential}
	src := newFakeSource(10, 1, 2)

	nums, err := a.Allocate(context.Background(), src, c, raffle.Reservation{Quantity: 3, First: 3, Last: 5})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, nums)

	n, err := a.Next(context.Background(), src, c)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = a.Allocate(context.Background(), src, c, raffle.Reservation{Quantity: 2, First: 10, Last: 11})
	assert.ErrorIs(t, err, raffle.ErrCapacityExhausted)

	_, err = a.Allocate(context.Background(), src, c, raffle.Reservation{Quantity: 1, First: 2, Last: 2})
	assert.ErrorIs(t, err, raffle.ErrCapacityExhausted)
}

func TestAllocate_PropagatesSourceErrors(t *testing.T) {
	boom := errors.New("boom")
	src := newFakeSource(10)
	src.err = boom
	_, err := New(random.NewSeeded(1)).Next(context.Background(), src, randomCompetition(10))
	assert.ErrorIs(t, err, boom)
}

func TestClassify(t *testing.T) {
	c := &raffle.Competition{InstantWinNumbers: []int{3, 7}}
	assert.Equal(t, raffle.ResultInstantWin, Classify(c, 7))
	assert.Equal(t, raffle.ResultNonWin, Classify(c, 8))
}

func rangeInts(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	rplatform "github.com/tackle-tarts/giveaway-backend/internal/platform/redis"
)

func newCache(t *testing.T) (*CompetitionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := rplatform.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	return NewCompetitionCache(client, time.Minute), mr
}

func TestCompetitionCache_GetSetInvalidate(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()

	got, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.Set(ctx, &raffle.Competition{ID: 1, Name: "Carp rod", Capacity: 10, SoldCount: 4}))
	got, err = cache.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.SoldCount)

	mr.FastForward(2 * time.Minute)
	got, err = cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got, "entry should expire")

	require.NoError(t, cache.Set(ctx, &raffle.Competition{ID: 1, Name: "Carp rod"}))
	require.NoError(t, cache.Invalidate(ctx, 1))
	got, err = cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCompetitionCache_ListGeneration(t *testing.T) {
	cache, _ := newCache(t)
	ctx := context.Background()
	list := []raffle.Competition{{ID: 2, Name: "Reel"}, {ID: 1, Name: "Rod"}}

	require.NoError(t, cache.SetList(ctx, raffle.CompetitionStatusOpen, 20, 0, list))
	got, err := cache.GetList(ctx, raffle.CompetitionStatusOpen, 20, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	miss, err := cache.GetList(ctx, raffle.CompetitionStatusClosed, 20, 0)
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, cache.Invalidate(ctx, 2))
	got, err = cache.GetList(ctx, raffle.CompetitionStatusOpen, 20, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

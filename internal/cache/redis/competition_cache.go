package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	rplatform "github.com/tackle-tarts/giveaway-backend/internal/platform/redis"
)

const listGenerationKey = "competition:list:gen"

// CompetitionCache keeps recently read competitions in Redis. Cached lists
// are keyed by a generation counter so any write invalidates all of them.
type CompetitionCache struct {
	client *rplatform.Client
	ttl    time.Duration
}

func NewCompetitionCache(client *rplatform.Client, ttl time.Duration) *CompetitionCache {
	return &CompetitionCache{client: client, ttl: ttl}
}

func (c *CompetitionCache) keyByID(id int64) string { return fmt.Sprintf("competition:id:%d", id) }

func (c *CompetitionCache) keyForList(gen int64, status raffle.CompetitionStatus, limit, offset int) string {
	return fmt.Sprintf("competition:list:%d:%s:%d:%d", gen, status, limit, offset)
}

// Get returns the cached competition, or nil on a miss.
func (c *CompetitionCache) Get(ctx context.Context, id int64) (*raffle.Competition, error) {
	v, err := c.client.Get(ctx, c.keyByID(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var comp raffle.Competition
	if err := json.Unmarshal(v, &comp); err != nil {
		return nil, err
	}
	return &comp, nil
}

func (c *CompetitionCache) Set(ctx context.Context, comp *raffle.Competition) error {
	b, err := json.Marshal(comp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.keyByID(comp.ID), b, c.ttl).Err()
}

// GetList returns a cached listing, or nil on a miss.
func (c *CompetitionCache) GetList(ctx context.Context, status raffle.CompetitionStatus, limit, offset int) ([]raffle.Competition, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, err
	}
	v, err := c.client.Get(ctx, c.keyForList(gen, status, limit, offset)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []raffle.Competition
	if err := json.Unmarshal(v, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *CompetitionCache) SetList(ctx context.Context, status raffle.CompetitionStatus, limit, offset int, list []raffle.Competition) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.keyForList(gen, status, limit, offset), b, c.ttl).Err()
}

// Invalidate drops the competition and every cached listing.
func (c *CompetitionCache) Invalidate(ctx context.Context, id int64) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.keyByID(id))
	pipe.Incr(ctx, listGenerationKey)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *CompetitionCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, listGenerationKey).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return gen, err
}

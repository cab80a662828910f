package http

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tackle-tarts/giveaway-backend/internal/common/errors"
	"github.com/tackle-tarts/giveaway-backend/internal/common/logger"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
)

func competitionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Error(errors.NewValidationError("id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// publicView hides the instant-win set from buyers.
func publicView(comp raffle.Competition) raffle.Competition {
	comp.InstantWinNumbers = nil
	return comp
}

func invalidate(ctx context.Context, cache CompetitionCache, id int64) {
	if cache == nil {
		return
	}
	if err := cache.Invalidate(ctx, id); err != nil {
		logger.Warn().Err(err).Int64("competition_id", id).Msg("Failed to invalidate competition cache")
	}
}

package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tackle-tarts/giveaway-backend/internal/common/errors"
	"github.com/tackle-tarts/giveaway-backend/internal/common/logger"
	"github.com/tackle-tarts/giveaway-backend/internal/common/middleware"
	"github.com/tackle-tarts/giveaway-backend/internal/service/ledger"
)

// AdminHandlers expose competition management. Routes are mounted behind
// RequireAuth and RequireAdmin.
type AdminHandlers struct {
	ledger *ledger.Service
	cache  CompetitionCache
}

func NewAdminHandlers(l *ledger.Service, cache CompetitionCache) *AdminHandlers {
	return &AdminHandlers{ledger: l, cache: cache}
}

func (h *AdminHandlers) Register(r gin.IRouter) {
	r.POST("/competitions", h.create)
	r.GET("/competitions/:id", h.get)
	r.POST("/competitions/:id/close", h.close)
	r.POST("/competitions/:id/draw", h.draw)
	r.POST("/competitions/:id/grant", h.grant)
	r.POST("/end-draw/:id", h.endDraw)
}

func (h *AdminHandlers) create(c *gin.Context) {
	var in ledger.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		_ = c.Error(errors.Wrap(err, errors.ErrCodeBadRequest, "Invalid request body"))
		return
	}
	comp, err := h.ledger.Create(c.Request.Context(), in)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	invalidate(c.Request.Context(), h.cache, comp.ID)
	logger.Info().Str("admin_id", middleware.UserID(c)).Int64("competition_id", comp.ID).Msg("Admin created competition")
	c.JSON(http.StatusCreated, comp)
}

// get returns the full competition including the instant-win set.
func (h *AdminHandlers) get(c *gin.Context) {
	id, ok := competitionID(c)
	if !ok {
		return
	}
	comp, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(competitionError(err, id))
		return
	}
	c.JSON(http.StatusOK, comp)
}

func (h *AdminHandlers) close(c *gin.Context) {
	id, ok := competitionID(c)
	if !ok {
		return
	}
	comp, err := h.ledger.Close(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(competitionError(err, id))
		return
	}
	invalidate(c.Request.Context(), h.cache, id)
	c.JSON(http.StatusOK, comp)
}

func (h *AdminHandlers) draw(c *gin.Context) {
	id, ok := competitionID(c)
	if !ok {
		return
	}
	winner, err := h.ledger.DrawEndWinner(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(competitionError(err, id))
		return
	}
	invalidate(c.Request.Context(), h.cache, id)
	c.JSON(http.StatusOK, gin.H{"winner": winner})
}

func (h *AdminHandlers) endDraw(c *gin.Context) {
	id, ok := competitionID(c)
	if !ok {
		return
	}
	winner, err := h.ledger.EndDraw(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(competitionError(err, id))
		return
	}
	invalidate(c.Request.Context(), h.cache, id)
	c.JSON(http.StatusOK, gin.H{"winner": winner})
}

type grantRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Quantity int    `json:"quantity" binding:"required,min=1,max=100"`
}

// grant issues free tickets to a user.
func (h *AdminHandlers) grant(c *gin.Context) {
	id, ok := competitionID(c)
	if !ok {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.Wrap(err, errors.ErrCodeValidation, "user_id and quantity (1-100) are required"))
		return
	}
	tickets, err := h.ledger.Purchase(c.Request.Context(), id, req.UserID, req.Quantity)
	if err != nil {
		_ = c.Error(competitionError(err, id))
		return
	}
	invalidate(c.Request.Context(), h.cache, id)
	c.JSON(http.StatusCreated, gin.H{"tickets": tickets})
}

func competitionError(err error, id int64) *errors.AppError {
	appErr := toAppError(err)
	if appErr.Code == errors.ErrCodeNotFound {
		return errors.NewCompetitionNotFoundError(id)
	}
	return appErr
}

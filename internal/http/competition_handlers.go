package http

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tackle-tarts/giveaway-backend/internal/common/errors"
	"github.com/tackle-tarts/giveaway-backend/internal/common/logger"
	"github.com/tackle-tarts/giveaway-backend/internal/common/middleware"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/service/checkout"
	"github.com/tackle-tarts/giveaway-backend/internal/service/ledger"
)

// CompetitionHandlers serves the buyer-facing competition routes.
type CompetitionHandlers struct {
	ledger         *ledger.Service
	checkout       *checkout.Service
	cache          CompetitionCache
	directPurchase bool
}

func NewCompetitionHandlers(l *ledger.Service, co *checkout.Service, cache CompetitionCache, directPurchase bool) *CompetitionHandlers {
	return &CompetitionHandlers{ledger: l, checkout: co, cache: cache, directPurchase: directPurchase}
}

func (h *CompetitionHandlers) Register(r gin.IRouter, requireAuth, checkoutLimit gin.HandlerFunc) {
	r.GET("/competitions", h.list)
	r.GET("/competitions/:id", h.get)

	authed := r.Group("", requireAuth)
	authed.GET("/me/tickets", h.myTickets)
	authed.GET("/orders/:ref", h.order)
	authed.POST("/competitions/:id/checkout", checkoutLimit, h.startCheckout)
	if h.directPurchase {
		authed.POST("/competitions/:id/buy", checkoutLimit, h.buy)
	}
}

type quantityRequest struct {
	Quantity int    `json:"quantity" binding:"required,min=1,max=100"`
	Token    string `json:"token"`
}

func (h *CompetitionHandlers) list(c *gin.Context) {
	ctx := c.Request.Context()
	status := raffle.CompetitionStatus(c.Query("status"))
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	var list []raffle.Competition
	if h.cache != nil {
		cached, err := h.cache.GetList(ctx, status, limit, offset)
		if err != nil {
			logger.Warn().Err(err).Msg("Competition list cache read failed")
		}
		list = cached
	}
	if list == nil {
		fresh, err := h.ledger.List(ctx, status, limit, offset)
		if err != nil {
			_ = c.Error(toAppError(err))
			return
		}
		list = fresh
		if h.cache != nil {
			if err := h.cache.SetList(ctx, status, limit, offset, list); err != nil {
				logger.Warn().Err(err).Msg("Competition list cache write failed")
			}
		}
	}

	out := make([]raffle.Competition, 0, len(list))
	for _, comp := range list {
		out = append(out, publicView(comp))
	}
	c.JSON(http.StatusOK, gin.H{"items": out, "limit": limit, "offset": offset})
}

func (h *CompetitionHandlers) get(c *gin.Context) {
	id, ok := competitionID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var comp *raffle.Competition
	if h.cache != nil {
		cached, err := h.cache.Get(ctx, id)
		if err != nil {
			logger.Warn().Err(err).Int64("competition_id", id).Msg("Competition cache read failed")
		}
		comp = cached
	}
	if comp == nil {
		fresh, err := h.ledger.Get(ctx, id)
		if err != nil {
			_ = c.Error(competitionError(err, id))
			return
		}
		comp = fresh
		if h.cache != nil {
			if err := h.cache.Set(ctx, comp); err != nil {
				logger.Warn().Err(err).Int64("competition_id", id).Msg("Competition cache write failed")
			}
		}
	}
	c.JSON(http.StatusOK, publicView(*comp))
}

func (h *CompetitionHandlers) buy(c *gin.Context) {
	id, ok := competitionID(c)
	if !ok {
		return
	}
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.Wrap(err, errors.ErrCodeValidation, "quantity must be between 1 and 100"))
		return
	}

	tickets, err := h.ledger.Purchase(c.Request.Context(), id, middleware.UserID(c), req.Quantity)
	if err != nil {
		_ = c.Error(competitionError(err, id))
		return
	}
	invalidate(c.Request.Context(), h.cache, id)
	c.JSON(http.StatusCreated, gin.H{"tickets": tickets})
}

func (h *CompetitionHandlers) startCheckout(c *gin.Context) {
	id, ok := competitionID(c)
	if !ok {
		return
	}
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.Wrap(err, errors.ErrCodeValidation, "quantity must be between 1 and 100"))
		return
	}

	session, err := h.checkout.Start(c.Request.Context(), id, middleware.UserID(c), req.Quantity, req.Token)
	if err != nil {
		appErr := competitionError(err, id)
		if appErr.Code == errors.ErrCodeInternal {
			appErr = errors.NewPaymentProviderError("create checkout", err)
		}
		_ = c.Error(appErr)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *CompetitionHandlers) order(c *gin.Context) {
	ref := c.Param("ref")
	o, err := h.checkout.Order(c.Request.Context(), ref, middleware.UserID(c))
	if stderrors.Is(err, raffle.ErrNotFound) {
		_ = c.Error(errors.NewNotFoundError("order", ref))
		return
	}
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *CompetitionHandlers) myTickets(c *gin.Context) {
	tickets, err := h.ledger.TicketsForOwner(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	if tickets == nil {
		tickets = []raffle.OwnedTicket{}
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

package http

import (
	stderrors "errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tackle-tarts/giveaway-backend/internal/common/errors"
	"github.com/tackle-tarts/giveaway-backend/internal/common/logger"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/service/reconcile"
)

const maxWebhookBody = 1 << 20

// PaymentHandlers receive provider notifications. In async mode verified
// events are queued and acknowledged with 202.
type PaymentHandlers struct {
	reconcile *reconcile.Service
	queue     EventQueue
	cache     CompetitionCache
	async     bool
}

func NewPaymentHandlers(r *reconcile.Service, q EventQueue, cache CompetitionCache, async bool) *PaymentHandlers {
	return &PaymentHandlers{reconcile: r, queue: q, cache: cache, async: async && q != nil}
}

func (h *PaymentHandlers) Register(r gin.IRouter) {
	r.POST("/webhook", h.webhook)
}

func (h *PaymentHandlers) webhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		_ = c.Error(errors.Wrap(err, errors.ErrCodeBadRequest, "Unreadable notification body"))
		return
	}
	ctx := c.Request.Context()

	if h.async {
		ev, err := h.reconcile.Verify(ctx, body, c.Request.Header)
		if err != nil {
			_ = c.Error(toAppError(err))
			return
		}
		id, err := h.queue.Publish(ctx, ev)
		if err != nil {
			_ = c.Error(errors.NewCacheError("enqueue payment event", err))
			return
		}
		logger.Info().Str("ref", ev.Ref).Str("stream_id", id).Msg("Payment event queued")
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "ref": ev.Ref})
		return
	}

	res, err := h.reconcile.HandleNotification(ctx, body, c.Request.Header)
	switch {
	case err == nil:
	case stderrors.Is(err, raffle.ErrReservationFailed):
		// Final for this order; the provider must not retry.
		c.JSON(http.StatusOK, gin.H{"status": raffle.OrderStatusFailed, "reason": err.Error()})
		return
	case stderrors.Is(err, raffle.ErrNotFound):
		// Unknown order or competition: retrying cannot succeed.
		logger.Warn().Err(err).Msg("Payment notification for unknown order")
		c.JSON(http.StatusOK, gin.H{"status": reconcile.OutcomeRejected, "reason": err.Error()})
		return
	default:
		_ = c.Error(toAppError(err))
		return
	}

	if res.Order == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if !res.Duplicate {
		invalidate(ctx, h.cache, res.Order.CompetitionID)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    res.Order.Status,
		"ref":       res.Order.ExternalRef,
		"duplicate": res.Duplicate,
		"tickets":   res.Tickets,
	})
}

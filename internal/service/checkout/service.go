// Package checkout starts payments for ticket orders.
package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tackle-tarts/giveaway-backend/internal/common/logger"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/payment"
)

// MaxQuantity caps tickets per order.
const MaxQuantity = 100

// Session is returned to the buyer after checkout starts.
type Session struct {
	Ref         string `json:"ref"`
	RedirectURL string `json:"redirect_url"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Provider    string `json:"provider"`
}

type Service struct {
	store    raffle.Store
	provider payment.Provider
	now      func() time.Time
	newRef   func() string
}

func NewService(store raffle.Store, provider payment.Provider) *Service {
	return &Service{
		store:    store,
		provider: provider,
		now:      func() time.Time { return time.Now().UTC() },
		newRef:   uuid.NewString,
	}
}

// Start creates a pending order and asks the provider for a checkout. The
// availability check is advisory; capacity is only claimed when payment is
// confirmed.
func (s *Service) Start(ctx context.Context, competitionID int64, ownerID string, quantity int, token string) (*Session, error) {
	if quantity < 1 || quantity > MaxQuantity {
		return nil, fmt.Errorf("%w: quantity must be between 1 and %d", raffle.ErrInvalidRange, MaxQuantity)
	}
	c, err := s.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, raffle.ErrNotFound
	}
	if c.Status != raffle.CompetitionStatusOpen {
		return nil, raffle.ErrCompetitionClosed
	}
	if c.Remaining() < quantity {
		return nil, fmt.Errorf("%w: %d requested, %d left", raffle.ErrSoldOut, quantity, c.Remaining())
	}

	now := s.now()
	order := &raffle.PendingOrder{
		ExternalRef:   s.newRef(),
		CompetitionID: c.ID,
		OwnerID:       ownerID,
		Quantity:      quantity,
		Amount:        c.TicketPrice * int64(quantity),
		Currency:      c.Currency,
		Status:        raffle.OrderStatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.store.CreateOrderIfAbsent(ctx, order); err != nil {
		return nil, err
	}

	co, err := s.provider.CreateCheckout(ctx, order, token)
	if err != nil {
		s.abandon(ctx, order, err)
		return nil, err
	}
	logger.Info().Str("ref", order.ExternalRef).Int64("competition_id", c.ID).Int("quantity", quantity).
		Str("provider", s.provider.Name()).Msg("Checkout started")
	return &Session{
		Ref:         order.ExternalRef,
		RedirectURL: co.RedirectURL,
		Amount:      order.Amount,
		Currency:    order.Currency,
		Provider:    s.provider.Name(),
	}, nil
}

// abandon marks an order failed when the provider refused to start payment.
func (s *Service) abandon(ctx context.Context, order *raffle.PendingOrder, cause error) {
	err := s.store.InCompetitionTx(ctx, order.CompetitionID, func(ctx context.Context, tx raffle.CompetitionTx) error {
		o, err := tx.LockOrder(ctx, order.ExternalRef)
		if err != nil || o == nil || o.Status != raffle.OrderStatusCreated {
			return err
		}
		o.Status = raffle.OrderStatusFailed
		o.FailureReason = "checkout failed: " + cause.Error()
		o.UpdatedAt = s.now()
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		logger.Error().Err(err).Str("ref", order.ExternalRef).Msg("Failed to mark abandoned order")
	}
}

// Order returns a pending order if it belongs to ownerID.
func (s *Service) Order(ctx context.Context, ref, ownerID string) (*raffle.PendingOrder, error) {
	o, err := s.store.GetOrder(ctx, ref)
	if err != nil {
		return nil, err
	}
	if o == nil || o.OwnerID != ownerID {
		return nil, raffle.ErrNotFound
	}
	return o, nil
}

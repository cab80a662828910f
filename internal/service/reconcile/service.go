// Package reconcile turns authenticated payment notifications into issued
// tickets exactly once per order reference.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tackle-tarts/giveaway-backend/internal/common/logger"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/payment"
	"github.com/tackle-tarts/giveaway-backend/internal/platform/metrics"
	"github.com/tackle-tarts/giveaway-backend/internal/service/ledger"
)

// Outcomes counted per notification.
const (
	OutcomeFulfilled = "fulfilled"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
	OutcomeDeclined  = "declined"
	OutcomeRejected  = "rejected"
	OutcomeIgnored   = "ignored"
	OutcomeError     = "error"
)

// Confirmation is a successful payment for an order.
type Confirmation struct {
	Ref           string `json:"ref"`
	CompetitionID int64  `json:"competition_id"`
	OwnerID       string `json:"owner_id"`
	Quantity      int    `json:"quantity"`
	Amount        int64  `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
}

// Result describes the order after a notification was applied.
type Result struct {
	Order     *raffle.PendingOrder `json:"order"`
	Tickets   []raffle.Ticket      `json:"tickets"`
	Duplicate bool                 `json:"duplicate"`
}

type Service struct {
	store    raffle.Store
	ledger   *ledger.Service
	verifier payment.Verifier
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewService(store raffle.Store, l *ledger.Service, v payment.Verifier, m *metrics.Metrics) *Service {
	return &Service{
		store:    store,
		ledger:   l,
		verifier: v,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Verify authenticates a raw notification. Failures wrap
// raffle.ErrUnauthenticatedNotification.
func (s *Service) Verify(ctx context.Context, payload []byte, headers http.Header) (*payment.Event, error) {
	ev, err := s.verifier.Verify(ctx, payload, headers)
	if err != nil {
		s.metrics.PaymentNotification(OutcomeRejected)
		logger.Warn().Err(err).Msg("Rejected payment notification")
		return nil, fmt.Errorf("%w: %v", raffle.ErrUnauthenticatedNotification, err)
	}
	return ev, nil
}

// HandleNotification verifies and applies a notification. No state changes
// before verification succeeds.
func (s *Service) HandleNotification(ctx context.Context, payload []byte, headers http.Header) (*Result, error) {
	ev, err := s.Verify(ctx, payload, headers)
	if err != nil {
		return nil, err
	}
	return s.HandleEvent(ctx, ev)
}

// HandleEvent applies an already verified event.
func (s *Service) HandleEvent(ctx context.Context, ev *payment.Event) (*Result, error) {
	switch ev.Type {
	case payment.EventPaymentSucceeded:
		return s.OnPaymentConfirmed(ctx, Confirmation{
			Ref:           ev.Ref,
			CompetitionID: ev.CompetitionID,
			OwnerID:       ev.OwnerID,
			Quantity:      ev.Quantity,
			Amount:        ev.Amount,
			Currency:      ev.Currency,
		})
	case payment.EventPaymentFailed:
		return s.onPaymentFailed(ctx, ev)
	default:
		s.metrics.PaymentNotification(OutcomeIgnored)
		logger.Debug().Str("event_id", ev.ID).Str("type", ev.Type).Msg("Ignoring payment event")
		return &Result{}, nil
	}
}

// OnPaymentConfirmed issues the tickets of a paid order. Replays of the same
// reference return the recorded tickets; an order that failed before keeps
// failing with raffle.ErrReservationFailed. Declined orders are still open
// and get fulfilled.
func (s *Service) OnPaymentConfirmed(ctx context.Context, conf Confirmation) (*Result, error) {
	if conf.Ref == "" {
		return nil, errors.New("missing order reference")
	}
	competitionID, err := s.ensureOrder(ctx, conf)
	if err != nil {
		s.metrics.PaymentNotification(OutcomeError)
		return nil, err
	}

	var (
		result  Result
		failure error
	)
	err = s.ledger.WithRetry(ctx, func() error {
		result, failure = Result{}, nil
		return s.store.InCompetitionTx(ctx, competitionID, func(ctx context.Context, tx raffle.CompetitionTx) error {
			o, err := tx.LockOrder(ctx, conf.Ref)
			if err != nil {
				return err
			}
			if o == nil {
				return fmt.Errorf("order %s: %w", conf.Ref, raffle.ErrNotFound)
			}
			switch o.Status {
			case raffle.OrderStatusFulfilled:
				tickets, err := tx.TicketsByID(ctx, o.TicketIDs)
				if err != nil {
					return err
				}
				result = Result{Order: o, Tickets: tickets, Duplicate: true}
				return nil
			case raffle.OrderStatusFailed:
				result = Result{Order: o, Duplicate: true}
				failure = errors.New(o.FailureReason)
				return nil
			}

			tickets, err := s.ledger.IssueInTx(ctx, tx, o.OwnerID, o.Quantity, o.ExternalRef)
			if isReservationRefusal(err) {
				o.Status = raffle.OrderStatusFailed
				o.FailureReason = err.Error()
				o.UpdatedAt = s.now()
				if err := tx.SaveOrder(ctx, o); err != nil {
					return err
				}
				result = Result{Order: o}
				failure = err
				return nil
			}
			if err != nil {
				return err
			}

			o.Status = raffle.OrderStatusFulfilled
			o.FailureReason = ""
			o.TicketIDs = make([]int64, len(tickets))
			for i, t := range tickets {
				o.TicketIDs[i] = t.ID
			}
			o.UpdatedAt = s.now()
			if err := tx.SaveOrder(ctx, o); err != nil {
				return err
			}
			result = Result{Order: o, Tickets: tickets}
			return nil
		})
	})
	if err != nil {
		s.metrics.PaymentNotification(OutcomeError)
		logger.Error().Err(err).Str("ref", conf.Ref).Int64("competition_id", competitionID).
			Msg("Failed to reconcile payment")
		return nil, err
	}

	log := logger.Info().Str("ref", conf.Ref).Int64("competition_id", competitionID)
	switch {
	case failure != nil:
		s.metrics.PaymentNotification(OutcomeFailed)
		log.Str("reason", failure.Error()).Bool("replay", result.Duplicate).Msg("Paid order could not be fulfilled")
		return &result, fmt.Errorf("%w: %w", raffle.ErrReservationFailed, failure)
	case result.Duplicate:
		s.metrics.PaymentNotification(OutcomeDuplicate)
		log.Int("tickets", len(result.Tickets)).Msg("Duplicate payment confirmation")
	default:
		s.metrics.PaymentNotification(OutcomeFulfilled)
		s.ledger.RecordIssued(result.Tickets)
		log.Int("tickets", len(result.Tickets)).Str("owner_id", result.Order.OwnerID).Msg("Order fulfilled")
	}
	return &result, nil
}

// ensureOrder inserts the pending order if it is new and returns the
// competition the stored order belongs to. A confirmation that only carries
// a reference must match an order created at checkout.
func (s *Service) ensureOrder(ctx context.Context, conf Confirmation) (int64, error) {
	if conf.CompetitionID != 0 && conf.OwnerID != "" && conf.Quantity != 0 {
		c, err := s.store.GetCompetition(ctx, conf.CompetitionID)
		if err != nil {
			return 0, err
		}
		if c == nil {
			return 0, fmt.Errorf("competition %d: %w", conf.CompetitionID, raffle.ErrNotFound)
		}
		now := s.now()
		inserted, err := s.store.CreateOrderIfAbsent(ctx, &raffle.PendingOrder{
			ExternalRef:   conf.Ref,
			CompetitionID: conf.CompetitionID,
			OwnerID:       conf.OwnerID,
			Quantity:      conf.Quantity,
			Amount:        conf.Amount,
			Currency:      conf.Currency,
			Status:        raffle.OrderStatusCreated,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return 0, err
		}
		if inserted {
			return conf.CompetitionID, nil
		}
	}

	stored, err := s.store.GetOrder(ctx, conf.Ref)
	if err != nil {
		return 0, err
	}
	if stored == nil {
		return 0, fmt.Errorf("order %s: %w", conf.Ref, raffle.ErrNotFound)
	}
	if mismatch(stored, conf) {
		logger.Warn().Str("ref", conf.Ref).
			Int64("stored_competition_id", stored.CompetitionID).Int64("competition_id", conf.CompetitionID).
			Int("stored_quantity", stored.Quantity).Int("quantity", conf.Quantity).
			Msg("Confirmation disagrees with stored order, using stored order")
	}
	return stored.CompetitionID, nil
}

func mismatch(o *raffle.PendingOrder, conf Confirmation) bool {
	return (conf.CompetitionID != 0 && conf.CompetitionID != o.CompetitionID) ||
		(conf.OwnerID != "" && conf.OwnerID != o.OwnerID) ||
		(conf.Quantity != 0 && conf.Quantity != o.Quantity)
}

// isReservationRefusal reports errors that end an order for good.
func isReservationRefusal(err error) bool {
	return errors.Is(err, raffle.ErrSoldOut) ||
		errors.Is(err, raffle.ErrCompetitionClosed) ||
		errors.Is(err, raffle.ErrInvalidRange)
}

// onPaymentFailed records a declined payment on a still open order. The
// order is not closed: the customer may retry the charge under the same
// reference.
func (s *Service) onPaymentFailed(ctx context.Context, ev *payment.Event) (*Result, error) {
	stored, err := s.store.GetOrder(ctx, ev.Ref)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		s.metrics.PaymentNotification(OutcomeIgnored)
		logger.Warn().Str("ref", ev.Ref).Msg("Payment failure for unknown order")
		return &Result{}, nil
	}

	var result Result
	err = s.store.InCompetitionTx(ctx, stored.CompetitionID, func(ctx context.Context, tx raffle.CompetitionTx) error {
		o, err := tx.LockOrder(ctx, ev.Ref)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("order %s: %w", ev.Ref, raffle.ErrNotFound)
		}
		result.Order = o
		if o.Status != raffle.OrderStatusCreated && o.Status != raffle.OrderStatusDeclined {
			result.Duplicate = true
			return nil
		}
		o.Status = raffle.OrderStatusDeclined
		o.FailureReason = "payment failed"
		if ev.Reason != "" {
			o.FailureReason += ": " + ev.Reason
		}
		o.UpdatedAt = s.now()
		return tx.SaveOrder(ctx, o)
	})
	if err != nil {
		s.metrics.PaymentNotification(OutcomeError)
		return nil, err
	}
	if result.Duplicate {
		s.metrics.PaymentNotification(OutcomeDuplicate)
	} else {
		s.metrics.PaymentNotification(OutcomeDeclined)
	}
	logger.Info().Str("ref", ev.Ref).Str("reason", ev.Reason).Msg("Payment declined")
	return &result, nil
}

// Package ledger owns competition state: capacity, sold count, status and the
// end-of-competition draw.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tackle-tarts/giveaway-backend/internal/common/logger"
	"github.com/tackle-tarts/giveaway-backend/internal/common/validation"
	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/platform/metrics"
	"github.com/tackle-tarts/giveaway-backend/internal/service/allocator"
	"github.com/tackle-tarts/giveaway-backend/internal/utils/random"
)

// ErrInvalidInput marks requests rejected before touching the store.
var ErrInvalidInput = errors.New("invalid input")

// Defaults applied to CreateInput fields left empty.
type Defaults struct {
	Capacity    int
	InstantWins int
	MaxAttempts int
}

// CreateInput describes a new competition.
type CreateInput struct {
	Name            string               `json:"name" validate:"required,max=200"`
	Description     string               `json:"description" validate:"max=2000"`
	ImageURL        string               `json:"image_url" validate:"omitempty,url"`
	Capacity        int                  `json:"capacity" validate:"gte=0"`
	InstantWinCount *int                 `json:"instant_win_count" validate:"omitempty,gte=0"`
	Numbering       raffle.NumberingMode `json:"numbering" validate:"omitempty,oneof=random sequential"`
	TicketPrice     int64                `json:"ticket_price" validate:"gte=0"`
	Currency        string               `json:"currency" validate:"omitempty,currency"`
	EndsAt          *time.Time           `json:"ends_at"`
}

// Service contains the business rules of competitions and ticket issuance.
type Service struct {
	store    raffle.Store
	alloc    *allocator.Allocator
	rng      random.Source
	validate *validator.Validate
	metrics  *metrics.Metrics
	defaults Defaults
	now      func() time.Time
}

func NewService(store raffle.Store, alloc *allocator.Allocator, rng random.Source, m *metrics.Metrics, d Defaults) *Service {
	if d.Capacity <= 0 {
		d.Capacity = 200000
	}
	if d.InstantWins < 0 {
		d.InstantWins = 0
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 5
	}
	return &Service{
		store:    store,
		alloc:    alloc,
		rng:      rng,
		validate: validation.New(),
		metrics:  m,
		defaults: d,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create validates in, generates the instant-win set and stores an open competition.
func (s *Service) Create(ctx context.Context, in CreateInput) (*raffle.Competition, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}
	capacity := in.Capacity
	if capacity == 0 {
		capacity = s.defaults.Capacity
	}
	count := s.defaults.InstantWins
	if count > capacity {
		count = capacity
	}
	if in.InstantWinCount != nil {
		count = *in.InstantWinCount
	}
	wins, err := s.alloc.GenerateInstantWinSet(capacity, count)
	if err != nil {
		return nil, err
	}
	numbering := in.Numbering
	if numbering == "" {
		numbering = raffle.NumberingRandom
	}
	currency := in.Currency
	if currency == "" {
		currency = "GBP"
	}

	now := s.now()
	if in.EndsAt != nil && !in.EndsAt.After(now) {
		return nil, fmt.Errorf("%w: ends_at must be in the future", ErrInvalidInput)
	}
	c := &raffle.Competition{
		Name:              in.Name,
		Description:       in.Description,
		ImageURL:          in.ImageURL,
		Capacity:          capacity,
		InstantWinNumbers: wins,
		Numbering:         numbering,
		TicketPrice:       in.TicketPrice,
		Currency:          currency,
		Status:            raffle.CompetitionStatusOpen,
		EndsAt:            in.EndsAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateCompetition(ctx, c); err != nil {
		return nil, err
	}
	logger.Info().Int64("competition_id", c.ID).Int("capacity", capacity).Int("instant_wins", count).
		Str("numbering", string(numbering)).Msg("Competition created")
	return c, nil
}

// Get returns the competition or raffle.ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*raffle.Competition, error) {
	c, err := s.store.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, raffle.ErrNotFound
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, status raffle.CompetitionStatus, limit, offset int) ([]raffle.Competition, error) {
	switch status {
	case "", raffle.CompetitionStatusOpen, raffle.CompetitionStatusClosed:
	default:
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}
	return s.store.ListCompetitions(ctx, status, limit, offset)
}

// TicketsForOwner lists the owner's tickets joined with competition names.
func (s *Service) TicketsForOwner(ctx context.Context, ownerID string) ([]raffle.OwnedTicket, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: missing owner_id", ErrInvalidInput)
	}
	return s.store.ListTicketsByOwner(ctx, ownerID)
}

// Reserve claims quantity slots of a competition and returns the slot range.
// It is a standalone capacity hold: the slots are counted as sold but no
// tickets back them, and there is no release. Ticket issuance does not go
// through Reserve; IssueInTx and Purchase reserve inside their own
// transaction.
func (s *Service) Reserve(ctx context.Context, competitionID int64, quantity int) (raffle.Reservation, error) {
	var res raffle.Reservation
	err := s.store.InCompetitionTx(ctx, competitionID, func(ctx context.Context, tx raffle.CompetitionTx) error {
		c := tx.Competition()
		r, err := reserve(c, quantity)
		if err != nil {
			return err
		}
		c.UpdatedAt = s.now()
		if err := tx.SaveCompetition(ctx, c); err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// reserve checks and bumps the sold count of a locked competition.
func reserve(c *raffle.Competition, quantity int) (raffle.Reservation, error) {
	if quantity < 1 {
		return raffle.Reservation{}, fmt.Errorf("%w: quantity must be at least 1", raffle.ErrInvalidRange)
	}
	if c.Status != raffle.CompetitionStatusOpen {
		return raffle.Reservation{}, raffle.ErrCompetitionClosed
	}
	if c.SoldCount+quantity > c.Capacity {
		return raffle.Reservation{}, fmt.Errorf("%w: %d requested, %d left", raffle.ErrSoldOut, quantity, c.Remaining())
	}
	res := raffle.Reservation{
		CompetitionID: c.ID,
		Quantity:      quantity,
		First:         c.SoldCount + 1,
		Last:          c.SoldCount + quantity,
	}
	c.SoldCount += quantity
	return res, nil
}

// IssueInTx reserves, numbers, classifies and stores quantity tickets for
// ownerID inside an open competition transaction. Nothing is visible until
// the caller's transaction commits.
func (s *Service) IssueInTx(ctx context.Context, tx raffle.CompetitionTx, ownerID string, quantity int, orderRef string) ([]raffle.Ticket, error) {
	c := tx.Competition()
	res, err := reserve(c, quantity)
	if err != nil {
		return nil, err
	}
	numbers, err := s.alloc.Allocate(ctx, tx, c, res)
	if err != nil {
		return nil, err
	}
	now := s.now()
	tickets := make([]raffle.Ticket, len(numbers))
	for i, n := range numbers {
		tickets[i] = raffle.Ticket{
			CompetitionID: c.ID,
			OwnerID:       ownerID,
			Number:        n,
			Result:        allocator.Classify(c, n),
			OrderRef:      orderRef,
			CreatedAt:     now,
		}
	}
	if err := tx.InsertTickets(ctx, tickets); err != nil {
		return nil, err
	}
	c.UpdatedAt = now
	if err := tx.SaveCompetition(ctx, c); err != nil {
		return nil, err
	}
	return tickets, nil
}

// Purchase issues quantity tickets directly, without a payment order.
func (s *Service) Purchase(ctx context.Context, competitionID int64, ownerID string, quantity int) ([]raffle.Ticket, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: missing owner_id", ErrInvalidInput)
	}
	var tickets []raffle.Ticket
	err := s.WithRetry(ctx, func() error {
		return s.store.InCompetitionTx(ctx, competitionID, func(ctx context.Context, tx raffle.CompetitionTx) error {
			issued, err := s.IssueInTx(ctx, tx, ownerID, quantity, "")
			if err != nil {
				return err
			}
			tickets = issued
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.RecordIssued(tickets)
	logger.Info().Int64("competition_id", competitionID).Str("owner_id", ownerID).Int("quantity", quantity).
		Msg("Tickets purchased")
	return tickets, nil
}

// WithRetry runs fn again while it fails with raffle.ErrConflict, up to the
// configured attempt count. A conflict that survives every attempt is
// reported as raffle.ErrCapacityExhausted.
func (s *Service) WithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.defaults.MaxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, raffle.ErrConflict) {
			return err
		}
		s.metrics.AllocationRetry()
		logger.Warn().Err(err).Int("attempt", attempt).Msg("Ticket issuance conflict, retrying")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return fmt.Errorf("%w: %d attempts lost to concurrent writers: %v", raffle.ErrCapacityExhausted, s.defaults.MaxAttempts, err)
}

// RecordIssued counts tickets by result after a successful commit.
func (s *Service) RecordIssued(tickets []raffle.Ticket) {
	counts := make(map[raffle.TicketResult]int, 2)
	for _, t := range tickets {
		counts[t.Result]++
	}
	for r, n := range counts {
		s.metrics.TicketIssued(string(r), n)
	}
}

// Close moves an open competition to closed. Closing twice is an error.
func (s *Service) Close(ctx context.Context, id int64) (*raffle.Competition, error) {
	var out *raffle.Competition
	err := s.store.InCompetitionTx(ctx, id, func(ctx context.Context, tx raffle.CompetitionTx) error {
		c := tx.Competition()
		if c.Status == raffle.CompetitionStatusClosed {
			return raffle.ErrAlreadyClosed
		}
		now := s.now()
		c.Status = raffle.CompetitionStatusClosed
		c.ClosedAt = &now
		c.UpdatedAt = now
		if err := tx.SaveCompetition(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.CompetitionClosed()
	logger.Info().Int64("competition_id", id).Int("sold", out.SoldCount).Msg("Competition closed")
	return out, nil
}

// DrawEndWinner picks one issued ticket of a closed competition uniformly at
// random and marks it as the end winner. It can happen only once.
func (s *Service) DrawEndWinner(ctx context.Context, id int64) (*raffle.Ticket, error) {
	var winner raffle.Ticket
	err := s.store.InCompetitionTx(ctx, id, func(ctx context.Context, tx raffle.CompetitionTx) error {
		c := tx.Competition()
		if c.Status != raffle.CompetitionStatusClosed {
			return raffle.ErrNotClosed
		}
		if c.HasEndWinner() {
			return raffle.ErrAlreadyDrawn
		}
		tickets, err := tx.Tickets(ctx)
		if err != nil {
			return err
		}
		if len(tickets) == 0 {
			return raffle.ErrNoTickets
		}
		winner = tickets[s.rng.IntN(len(tickets))]
		if err := tx.UpdateTicketResult(ctx, winner.ID, raffle.ResultEndWinner); err != nil {
			return err
		}
		winner.Result = raffle.ResultEndWinner

		now := s.now()
		c.EndWinnerTicketID = &winner.ID
		c.DrawnAt = &now
		c.UpdatedAt = now
		return tx.SaveCompetition(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	logger.Info().Int64("competition_id", id).Int64("ticket_id", winner.ID).Int("number", winner.Number).
		Str("owner_id", winner.OwnerID).Msg("End winner drawn")
	return &winner, nil
}

// EndDraw closes the competition if it is still open, then draws the end winner.
func (s *Service) EndDraw(ctx context.Context, id int64) (*raffle.Ticket, error) {
	if _, err := s.Close(ctx, id); err != nil && !errors.Is(err, raffle.ErrAlreadyClosed) {
		return nil, err
	}
	return s.DrawEndWinner(ctx, id)
}

// CloseExpired closes every open competition whose ends_at has passed and
// returns how many were closed.
func (s *Service) CloseExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.ListExpiredOpen(ctx, now)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		if _, err := s.Close(ctx, id); err != nil {
			if errors.Is(err, raffle.ErrAlreadyClosed) {
				continue
			}
			logger.Error().Err(err).Int64("competition_id", id).Msg("Failed to close expired competition")
			continue
		}
		closed++
	}
	return closed, nil
}

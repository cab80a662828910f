package raffle

import (
	"context"
	"time"
)

// Store is the persistence collaborator for competitions, tickets and orders.
type Store interface {
	CreateCompetition(ctx context.Context, c *Competition) error
	// GetCompetition returns nil without error when the competition does not exist.
	GetCompetition(ctx context.Context, id int64) (*Competition, error)
	ListCompetitions(ctx context.Context, status CompetitionStatus, limit, offset int) ([]Competition, error)
	ListExpiredOpen(ctx context.Context, now time.Time) ([]int64, error)

	ListTicketsByOwner(ctx context.Context, ownerID string) ([]OwnedTicket, error)
	ListTicketsByCompetition(ctx context.Context, competitionID int64) ([]Ticket, error)

	// CreateOrderIfAbsent inserts o unless an order with the same ExternalRef
	// exists. It reports whether the row was inserted.
	CreateOrderIfAbsent(ctx context.Context, o *PendingOrder) (bool, error)
	GetOrder(ctx context.Context, ref string) (*PendingOrder, error)

	// InCompetitionTx runs fn as the single writer of one competition. All
	// writes made through tx commit together or not at all; fn's error aborts.
	InCompetitionTx(ctx context.Context, competitionID int64, fn func(ctx context.Context, tx CompetitionTx) error) error
}

// CompetitionTx is the view of one locked competition inside InCompetitionTx.
type CompetitionTx interface {
	// Competition returns the locked competition row.
	Competition() *Competition
	// SaveCompetition persists sold count, status and end-draw fields.
	SaveCompetition(ctx context.Context, c *Competition) error

	// NumberIssued reports whether number already belongs to a ticket.
	NumberIssued(ctx context.Context, number int) (bool, error)
	// FreeNumbers lists every number in [1, capacity] without a ticket.
	FreeNumbers(ctx context.Context) ([]int, error)
	// IssuedCount is the number of tickets already inserted.
	IssuedCount(ctx context.Context) (int, error)

	// InsertTickets stores tickets and fills in their IDs.
	InsertTickets(ctx context.Context, tickets []Ticket) error
	Tickets(ctx context.Context) ([]Ticket, error)
	TicketsByID(ctx context.Context, ids []int64) ([]Ticket, error)
	UpdateTicketResult(ctx context.Context, id int64, result TicketResult) error

	// LockOrder returns the order row locked for update, or nil if absent.
	LockOrder(ctx context.Context, ref string) (*PendingOrder, error)
	SaveOrder(ctx context.Context, o *PendingOrder) error
}

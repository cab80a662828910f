package raffle

import "time"

// CompetitionStatus represents the lifecycle state of a competition.
type CompetitionStatus string

const (
	CompetitionStatusOpen   CompetitionStatus = "open"
	CompetitionStatusClosed CompetitionStatus = "closed"
)

// NumberingMode controls how ticket numbers are handed out.
type NumberingMode string

const (
	// NumberingRandom picks uniformly among the numbers not yet issued.
	NumberingRandom NumberingMode = "random"
	// NumberingSequential hands out sold_count+1, sold_count+2, ...
	NumberingSequential NumberingMode = "sequential"
)

// Valid reports whether m is a known numbering mode.
func (m NumberingMode) Valid() bool {
	return m == NumberingRandom || m == NumberingSequential
}

// TicketResult is the outcome recorded on a ticket.
type TicketResult string

const (
	ResultInstantWin TicketResult = "instant-win"
	ResultNonWin     TicketResult = "non-win"
	ResultEndWinner  TicketResult = "end-winner"
)

// OrderStatus is the state of a pending order.
type OrderStatus string

const (
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusDeclined marks a declined charge. The order stays open: a
	// later successful charge for the same reference still fulfils it.
	OrderStatusDeclined  OrderStatus = "declined"
	OrderStatusFulfilled OrderStatus = "fulfilled"
	OrderStatusFailed    OrderStatus = "failed"
)

// Competition is one raffle round with a fixed ticket capacity.
type Competition struct {
	ID                int64             `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	ImageURL          string            `json:"image_url,omitempty"`
	Capacity          int               `json:"capacity"`
	SoldCount         int               `json:"sold_count"`
	InstantWinNumbers []int             `json:"instant_win_numbers,omitempty"`
	Numbering         NumberingMode     `json:"numbering"`
	TicketPrice       int64             `json:"ticket_price"`
	Currency          string            `json:"currency"`
	Status            CompetitionStatus `json:"status"`
	EndWinnerTicketID *int64            `json:"end_winner_ticket_id,omitempty"`
	EndsAt            *time.Time        `json:"ends_at,omitempty"`
	ClosedAt          *time.Time        `json:"closed_at,omitempty"`
	DrawnAt           *time.Time        `json:"drawn_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Remaining returns the number of unsold ticket slots.
func (c *Competition) Remaining() int {
	return c.Capacity - c.SoldCount
}

// IsInstantWin reports whether number was pre-designated as an instant win.
func (c *Competition) IsInstantWin(number int) bool {
	for _, n := range c.InstantWinNumbers {
		if n == number {
			return true
		}
	}
	return false
}

// HasEndWinner reports whether the end draw already happened.
func (c *Competition) HasEndWinner() bool {
	return c.EndWinnerTicketID != nil
}

// Ticket is a single issued raffle ticket.
type Ticket struct {
	ID            int64        `json:"id"`
	CompetitionID int64        `json:"competition_id"`
	OwnerID       string       `json:"owner_id"`
	Number        int          `json:"number"`
	Result        TicketResult `json:"result"`
	OrderRef      string       `json:"order_ref,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// PendingOrder bridges checkout initiation and ticket issuance.
// ExternalRef is the idempotency key carried by payment notifications.
type PendingOrder struct {
	ExternalRef   string      `json:"external_ref"`
	CompetitionID int64       `json:"competition_id"`
	OwnerID       string      `json:"owner_id"`
	Quantity      int         `json:"quantity"`
	Amount        int64       `json:"amount"`
	Currency      string      `json:"currency"`
	Status        OrderStatus `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	TicketIDs     []int64     `json:"ticket_ids,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Reservation is capacity claimed inside a competition's critical section.
// First..Last is the sequential slot range the reservation corresponds to.
type Reservation struct {
	CompetitionID int64 `json:"competition_id"`
	Quantity      int   `json:"quantity"`
	First         int   `json:"first"`
	Last          int   `json:"last"`
}

// OwnedTicket is a ticket joined with the name of its competition.
type OwnedTicket struct {
	Ticket
	CompetitionName string `json:"competition"`
}

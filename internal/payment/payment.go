// Package payment defines the boundary with payment providers: starting a
// hosted checkout and authenticating the notifications they send back.
package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
)

// Event types understood by the reconciler.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
)

// ErrInvalidSignature is returned by verifiers when a notification cannot be
// attributed to the provider.
var ErrInvalidSignature = errors.New("invalid notification signature")

// Event is a verified provider notification.
type Event struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Ref           string `json:"ref"`
	CompetitionID int64  `json:"competition_id,omitempty"`
	OwnerID       string `json:"owner_id,omitempty"`
	Quantity      int    `json:"quantity,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (e *Event) Succeeded() bool { return e.Type == EventPaymentSucceeded }

// Verifier authenticates a raw notification and parses it. It must not
// trust any field of the payload before authentication succeeds.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) (*Event, error)
}

// Checkout is what the client needs to complete payment with the provider.
type Checkout struct {
	ProviderRef string `json:"provider_ref,omitempty"`
	RedirectURL string `json:"redirect_url"`
}

// Provider starts a hosted checkout for a pending order. Providers never
// block on the final payment outcome; that arrives as a notification.
type Provider interface {
	Name() string
	CreateCheckout(ctx context.Context, order *raffle.PendingOrder, token string) (*Checkout, error)
}

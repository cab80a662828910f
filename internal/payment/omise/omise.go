// Package omise adapts the Omise payment API to the payment boundary.
package omise

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/payment"
)

const (
	metaOrderRef    = "order_ref"
	metaCompetition = "competition_id"
	metaOwner       = "owner_id"
	metaQuantity    = "quantity"
)

func NewClient(publicKey, secretKey string) (*omise.Client, error) {
	return omise.NewClient(publicKey, secretKey)
}

// Provider creates Omise charges for pending orders.
type Provider struct {
	client    *omise.Client
	returnURI string
}

func NewProvider(client *omise.Client, returnURI string) *Provider {
	return &Provider{client: client, returnURI: returnURI}
}

func (p *Provider) Name() string { return "omise" }

// CreateCheckout charges token, a card token (tokn_) or a source id (src_),
// and returns the authorize URI the buyer must visit. The charge outcome is
// reported later through the charge.complete webhook.
func (p *Provider) CreateCheckout(_ context.Context, order *raffle.PendingOrder, token string) (*payment.Checkout, error) {
	req, err := chargeRequest(order, token, p.returnURI)
	if err != nil {
		return nil, err
	}
	ch := &omise.Charge{}
	if err := p.client.Do(ch, req); err != nil {
		return nil, fmt.Errorf("create omise charge: %w", err)
	}
	return &payment.Checkout{ProviderRef: ch.ID, RedirectURL: ch.AuthorizeURI}, nil
}

func chargeRequest(order *raffle.PendingOrder, token, returnURI string) (*operations.CreateCharge, error) {
	if token == "" {
		return nil, fmt.Errorf("omise checkout requires a card token or source id")
	}
	req := &operations.CreateCharge{
		Amount:      order.Amount,
		Currency:    strings.ToLower(order.Currency),
		Description: fmt.Sprintf("competition %d x%d", order.CompetitionID, order.Quantity),
		ReturnURI:   returnURI,
		Metadata: map[string]interface{}{
			metaOrderRef:    order.ExternalRef,
			metaCompetition: strconv.FormatInt(order.CompetitionID, 10),
			metaOwner:       order.OwnerID,
			metaQuantity:    strconv.Itoa(order.Quantity),
		},
	}
	if strings.HasPrefix(token, "src_") {
		req.Source = token
	} else {
		req.Card = token
	}
	return req, nil
}

// Verifier authenticates Omise webhooks by retrieving the event from the API
// with the secret key; the posted body only supplies the event id.
type Verifier struct {
	client *omise.Client
}

func NewVerifier(client *omise.Client) *Verifier {
	return &Verifier{client: client}
}

type incomingEvent struct {
	ID string `json:"id"`
}

func (v *Verifier) Verify(_ context.Context, payload []byte, _ http.Header) (*payment.Event, error) {
	var inc incomingEvent
	if err := json.Unmarshal(payload, &inc); err != nil || inc.ID == "" {
		return nil, fmt.Errorf("%w: malformed omise event", payment.ErrInvalidSignature)
	}
	ev := &omise.Event{}
	if err := v.client.Do(ev, &operations.RetrieveEvent{EventID: inc.ID}); err != nil {
		return nil, fmt.Errorf("%w: retrieve event %s: %v", payment.ErrInvalidSignature, inc.ID, err)
	}
	return eventFromOmise(inc.ID, ev.Key, ev.Data)
}

// eventFromOmise maps a retrieved charge.complete event to a payment event.
func eventFromOmise(id, key string, data interface{}) (*payment.Event, error) {
	if key != "charge.complete" {
		return &payment.Event{ID: id, Type: key}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal omise event data: %w", err)
	}
	var ch omise.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("decode omise charge: %w", err)
	}

	ev := &payment.Event{
		ID:       id,
		Type:     payment.EventPaymentFailed,
		Ref:      metaString(ch.Metadata, metaOrderRef),
		OwnerID:  metaString(ch.Metadata, metaOwner),
		Amount:   ch.Amount,
		Currency: strings.ToUpper(ch.Currency),
	}
	if n, err := strconv.ParseInt(metaString(ch.Metadata, metaCompetition), 10, 64); err == nil {
		ev.CompetitionID = n
	}
	if n, err := strconv.Atoi(metaString(ch.Metadata, metaQuantity)); err == nil {
		ev.Quantity = n
	}
	if ev.Ref == "" {
		return nil, fmt.Errorf("omise charge %s has no order reference", ch.ID)
	}
	if string(ch.Status) == "successful" {
		ev.Type = payment.EventPaymentSucceeded
	} else if ch.FailureCode != nil {
		ev.Reason = *ch.FailureCode
	}
	return ev, nil
}

func metaString(meta map[string]interface{}, key string) string {
	switch v := meta[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/payment"
	"github.com/tackle-tarts/giveaway-backend/internal/repository/memory"
)

type stubProvider struct {
	err    error
	orders []*raffle.PendingOrder
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) CreateCheckout(_ context.Context, o *raffle.PendingOrder, _ string) (*payment.Checkout, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.orders = append(p.orders, o)
	return &payment.Checkout{RedirectURL: "https://pay.example.com/" + o.ExternalRef}, nil
}

func seed(t *testing.T, store *memory.Store, capacity, sold int, status raffle.CompetitionStatus) *raffle.Competition {
	t.Helper()
	c := &raffle.Competition{Name: "Reel", Capacity: capacity, SoldCount: sold, TicketPrice: 250, Currency: "GBP", Status: status}
	require.NoError(t, store.CreateCompetition(context.Background(), c))
	return c
}

func TestStart_CreatesOrder(t *testing.T) {
	store := memory.NewStore()
	p := &stubProvider{}
	svc := NewService(store, p)
	svc.newRef = func() string { return "ord-fixed" }
	c := seed(t, store, 10, 0, raffle.CompetitionStatusOpen)

	sess, err := svc.Start(context.Background(), c.ID, "u1", 4, "tokn_x")
	require.NoError(t, err)
	assert.Equal(t, "ord-fixed", sess.Ref)
	assert.Equal(t, int64(1000), sess.Amount)
	assert.Equal(t, "https://pay.example.com/ord-fixed", sess.RedirectURL)

	o, err := svc.Order(context.Background(), "ord-fixed", "u1")
	require.NoError(t, err)
	assert.Equal(t, raffle.OrderStatusCreated, o.Status)
	assert.Equal(t, 4, o.Quantity)

	_, err = svc.Order(context.Background(), "ord-fixed", "someone-else")
	assert.ErrorIs(t, err, raffle.ErrNotFound)

	got, _ := store.GetCompetition(context.Background(), c.ID)
	assert.Zero(t, got.SoldCount, "checkout must not claim capacity")
}

func TestStart_Refusals(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, &stubProvider{})
	ctx := context.Background()
	open := seed(t, store, 10, 9, raffle.CompetitionStatusOpen)
	closed := seed(t, store, 10, 0, raffle.CompetitionStatusClosed)

	_, err := svc.Start(ctx, open.ID, "u1", 2, "")
	assert.ErrorIs(t, err, raffle.ErrSoldOut)
	_, err = svc.Start(ctx, closed.ID, "u1", 1, "")
	assert.ErrorIs(t, err, raffle.ErrCompetitionClosed)
	_, err = svc.Start(ctx, 404, "u1", 1, "")
	assert.ErrorIs(t, err, raffle.ErrNotFound)
	_, err = svc.Start(ctx, open.ID, "u1", 0, "")
	assert.ErrorIs(t, err, raffle.ErrInvalidRange)
}

func TestStart_ProviderFailureMarksOrderFailed(t *testing.T) {
	store := memory.NewStore()
	declined := errors.New("card declined")
	svc := NewService(store, &stubProvider{err: declined})
	svc.newRef = func() string { return "ord-bad" }
	c := seed(t, store, 10, 0, raffle.CompetitionStatusOpen)

	_, err := svc.Start(context.Background(), c.ID, "u1", 1, "tokn_x")
	require.ErrorIs(t, err, declined)

	o, err := store.GetOrder(context.Background(), "ord-bad")
	require.NoError(t, err)
	assert.Equal(t, raffle.OrderStatusFailed, o.Status)
}

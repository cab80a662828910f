package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	"github.com/tackle-tarts/giveaway-backend/internal/payment"
	"github.com/tackle-tarts/giveaway-backend/internal/platform/metrics"
	"github.com/tackle-tarts/giveaway-backend/internal/repository/memory"
	"github.com/tackle-tarts/giveaway-backend/internal/service/allocator"
	"github.com/tackle-tarts/giveaway-backend/internal/service/ledger"
	"github.com/tackle-tarts/giveaway-backend/internal/utils/random"
)

type fixture struct {
	store    *memory.Store
	ledger   *ledger.Service
	verifier *payment.HMACVerifier
	metrics  *metrics.Metrics
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	rng := random.NewSeeded(11)
	m := metrics.New()
	l := ledger.NewService(store, allocator.New(rng), rng, m, ledger.Defaults{Capacity: 100, InstantWins: 2, MaxAttempts: 3})
	v := payment.NewHMACVerifier("whsec", time.Minute)
	return &fixture{store: store, ledger: l, verifier: v, metrics: m, svc: NewService(store, l, v, m)}
}

func (f *fixture) notifications(t *testing.T, outcome string) float64 {
	t.Helper()
	families, err := f.metrics.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "tackle_tarts_payments_notifications_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func (f *fixture) competition(t *testing.T, capacity int) *raffle.Competition {
	t.Helper()
	zero := 0
	c, err := f.ledger.Create(context.Background(), ledger.CreateInput{Name: "Carp rod", Capacity: capacity, InstantWinCount: &zero})
	require.NoError(t, err)
	return c
}

func (f *fixture) signed(t *testing.T, ev payment.Event) ([]byte, map[string][]string) {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return body, f.verifier.Sign(body, time.Now())
}

func TestOnPaymentConfirmed_DuplicateIssuesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.competition(t, 10)
	conf := Confirmation{Ref: "ord-1", CompetitionID: c.ID, OwnerID: "angler", Quantity: 2}

	first, err := f.svc.OnPaymentConfirmed(ctx, conf)
	require.NoError(t, err)
	require.Len(t, first.Tickets, 2)
	assert.False(t, first.Duplicate)
	assert.Equal(t, raffle.OrderStatusFulfilled, first.Order.Status)

	second, err := f.svc.OnPaymentConfirmed(ctx, conf)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.ElementsMatch(t, first.Tickets, second.Tickets)

	tickets, err := f.store.ListTicketsByCompetition(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, tickets, 2)
	for _, tk := range tickets {
		assert.Equal(t, "ord-1", tk.OrderRef)
	}

	got, err := f.ledger.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SoldCount)
}

func TestOnPaymentConfirmed_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.competition(t, 50)
	conf := Confirmation{Ref: "ord-race", CompetitionID: c.ID, OwnerID: "angler", Quantity: 3}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.OnPaymentConfirmed(ctx, conf)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tickets, err := f.store.ListTicketsByCompetition(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, tickets, 3)
	got, _ := f.ledger.Get(ctx, c.ID)
	assert.Equal(t, 3, got.SoldCount)
}

func TestOnPaymentConfirmed_SoldOutFailsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.competition(t, 3)
	_, err := f.ledger.Purchase(ctx, c.ID, "early-bird", 2)
	require.NoError(t, err)

	conf := Confirmation{Ref: "ord-late", CompetitionID: c.ID, OwnerID: "angler", Quantity: 2}
	res, err := f.svc.OnPaymentConfirmed(ctx, conf)
	require.ErrorIs(t, err, raffle.ErrReservationFailed)
	assert.ErrorIs(t, err, raffle.ErrSoldOut)
	require.NotNil(t, res)
	assert.Equal(t, raffle.OrderStatusFailed, res.Order.Status)

	order, err := f.store.GetOrder(ctx, "ord-late")
	require.NoError(t, err)
	assert.Equal(t, raffle.OrderStatusFailed, order.Status)
	assert.NotEmpty(t, order.FailureReason)

	_, err = f.svc.OnPaymentConfirmed(ctx, conf)
	assert.ErrorIs(t, err, raffle.ErrReservationFailed)

	got, _ := f.ledger.Get(ctx, c.ID)
	assert.Equal(t, 2, got.SoldCount)
}

func TestOnPaymentConfirmed_ClosedCompetition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.competition(t, 5)
	_, err := f.ledger.Close(ctx, c.ID)
	require.NoError(t, err)

	_, err = f.svc.OnPaymentConfirmed(ctx, Confirmation{Ref: "ord-x", CompetitionID: c.ID, OwnerID: "a", Quantity: 1})
	assert.ErrorIs(t, err, raffle.ErrReservationFailed)
	assert.ErrorIs(t, err, raffle.ErrCompetitionClosed)
}

type failingStore struct {
	raffle.Store
	fail error
}

func (s *failingStore) InCompetitionTx(ctx context.Context, id int64, fn func(context.Context, raffle.CompetitionTx) error) error {
	return s.Store.InCompetitionTx(ctx, id, func(ctx context.Context, tx raffle.CompetitionTx) error {
		return fn(ctx, &failingTx{CompetitionTx: tx, fail: s.fail})
	})
}

type failingTx struct {
	raffle.CompetitionTx
	fail error
}

func (t *failingTx) SaveOrder(context.Context, *raffle.PendingOrder) error { return t.fail }

func TestOnPaymentConfirmed_FailureLeavesNoPartialState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.competition(t, 10)
	boom := errors.New("disk full")
	broken := NewService(&failingStore{Store: f.store, fail: boom}, f.ledger, f.verifier, nil)
	conf := Confirmation{Ref: "ord-atomic", CompetitionID: c.ID, OwnerID: "angler", Quantity: 4}

	_, err := broken.OnPaymentConfirmed(ctx, conf)
	require.ErrorIs(t, err, boom)

	tickets, _ := f.store.ListTicketsByCompetition(ctx, c.ID)
	assert.Empty(t, tickets)
	got, _ := f.ledger.Get(ctx, c.ID)
	assert.Zero(t, got.SoldCount)
	order, _ := f.store.GetOrder(ctx, "ord-atomic")
	assert.Equal(t, raffle.OrderStatusCreated, order.Status)

	res, err := f.svc.OnPaymentConfirmed(ctx, conf)
	require.NoError(t, err)
	assert.Len(t, res.Tickets, 4)
}

func TestOnPaymentConfirmed_StoredOrderWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.competition(t, 10)
	_, err := f.store.CreateOrderIfAbsent(ctx, &raffle.PendingOrder{
		ExternalRef: "ord-co", CompetitionID: c.ID, OwnerID: "buyer", Quantity: 1, Status: raffle.OrderStatusCreated,
	})
	require.NoError(t, err)

	res, err := f.svc.OnPaymentConfirmed(ctx, Confirmation{Ref: "ord-co", CompetitionID: c.ID, OwnerID: "someone-else", Quantity: 5})
	require.NoError(t, err)
	require.Len(t, res.Tickets, 1)
	assert.Equal(t, "buyer", res.Tickets[0].OwnerID)

	res, err = f.svc.OnPaymentConfirmed(ctx, Confirmation{Ref: "ord-co"})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestOnPaymentConfirmed_UnknownRefOnly(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.OnPaymentConfirmed(context.Background(), Confirmation{Ref: "ghost"})
	assert.ErrorIs(t, err, raffle.ErrNotFound)

	_, err = f.svc.OnPaymentConfirmed(context.Background(), Confirmation{})
	assert.Error(t, err)
}

func TestHandleNotification_Signed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.competition(t, 10)
	body, headers := f.signed(t, payment.Event{ID: "evt_1", Type: payment.EventPaymentSucceeded, Ref: "ord-wh", CompetitionID: c.ID, OwnerID: "u1", Quantity: 2})

	res, err := f.svc.HandleNotification(ctx, body, headers)
	require.NoError(t, err)
	assert.Len(t, res.Tickets, 2)

	res, err = f.svc.HandleNotification(ctx, body, headers)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	tickets, _ := f.store.ListTicketsByCompetition(ctx, c.ID)
	assert.Len(t, tickets, 2)
}

func TestHandleNotification_BadSignatureChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.competition(t, 10)
	body, headers := f.signed(t, payment.Event{ID: "evt_2", Type: payment.EventPaymentSucceeded, Ref: "ord-forged", CompetitionID: c.ID, OwnerID: "u1", Quantity: 1})
	headers[payment.SignatureHeader] = []string{"deadbeef"}

	_, err := f.svc.HandleNotification(ctx, body, headers)
	require.ErrorIs(t, err, raffle.ErrUnauthenticatedNotification)

	order, err := f.store.GetOrder(ctx, "ord-forged")
	require.NoError(t, err)
	assert.Nil(t, order)
	tickets, _ := f.store.ListTicketsByCompetition(ctx, c.ID)
	assert.Empty(t, tickets)
}

func TestOnPaymentConfirmed_UnknownCompetition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.OnPaymentConfirmed(ctx, Confirmation{Ref: "ord-lost", CompetitionID: 999, OwnerID: "u1", Quantity: 1})
	require.ErrorIs(t, err, raffle.ErrNotFound)

	order, err := f.store.GetOrder(ctx, "ord-lost")
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestHandleEvent_DeclineThenRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.competition(t, 10)
	_, err := f.store.CreateOrderIfAbsent(ctx, &raffle.PendingOrder{
		ExternalRef: "ord-declined", CompetitionID: c.ID, OwnerID: "u1", Quantity: 2, Status: raffle.OrderStatusCreated,
	})
	require.NoError(t, err)

	res, err := f.svc.HandleEvent(ctx, &payment.Event{Type: payment.EventPaymentFailed, Ref: "ord-declined", Reason: "insufficient_fund"})
	require.NoError(t, err)
	assert.Equal(t, raffle.OrderStatusDeclined, res.Order.Status)
	assert.Equal(t, "payment failed: insufficient_fund", res.Order.FailureReason)
	assert.Equal(t, 1.0, f.notifications(t, OutcomeDeclined))
	assert.Zero(t, f.notifications(t, OutcomeIgnored))

	res, err = f.svc.HandleEvent(ctx, &payment.Event{Type: payment.EventPaymentFailed, Ref: "ord-declined", Reason: "expired_card"})
	require.NoError(t, err)
	assert.Equal(t, "payment failed: expired_card", res.Order.FailureReason)

	res, err = f.svc.OnPaymentConfirmed(ctx, Confirmation{Ref: "ord-declined"})
	require.NoError(t, err)
	require.Len(t, res.Tickets, 2)
	assert.Equal(t, raffle.OrderStatusFulfilled, res.Order.Status)
	assert.Empty(t, res.Order.FailureReason)

	res, err = f.svc.HandleEvent(ctx, &payment.Event{Type: payment.EventPaymentFailed, Ref: "ord-declined", Reason: "late"})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, raffle.OrderStatusFulfilled, res.Order.Status)
	assert.Equal(t, 1.0, f.notifications(t, OutcomeDuplicate))

	res, err = f.svc.HandleEvent(ctx, &payment.Event{Type: "refund.created", Ref: "ord-declined"})
	require.NoError(t, err)
	assert.Nil(t, res.Order)
	assert.Equal(t, 1.0, f.notifications(t, OutcomeIgnored))
}

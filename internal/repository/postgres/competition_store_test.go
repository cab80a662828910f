package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
	domain "github.com/tackle-tarts/giveaway-backend/internal/domain/user"
)

var competitionCols = []string{
	"id", "name", "description", "image_url", "capacity", "sold_count", "instant_win_numbers", "numbering",
	"ticket_price", "currency", "status", "end_winner_ticket_id", "ends_at", "closed_at", "drawn_at", "created_at", "updated_at",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func competitionRow(id int64, capacity, sold int) *sqlmock.Rows {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(competitionCols).AddRow(
		id, "Carp rod", "", "", capacity, sold, "{3,7}", "random",
		int64(250), "GBP", "open", nil, nil, nil, nil, now, now,
	)
}

func TestGetCompetition(t *testing.T) {
	db, mock := newMock(t)
	store := NewCompetitionStore(db)

	mock.ExpectQuery(`SELECT .* FROM competitions WHERE id=\$1`).WithArgs(int64(5)).WillReturnRows(competitionRow(5, 10, 2))
	c, err := store.GetCompetition(context.Background(), 5)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []int{3, 7}, c.InstantWinNumbers)
	assert.Equal(t, raffle.NumberingRandom, c.Numbering)
	assert.Equal(t, 8, c.Remaining())
	assert.Nil(t, c.EndWinnerTicketID)

	mock.ExpectQuery(`SELECT .* FROM competitions WHERE id=\$1`).WithArgs(int64(6)).WillReturnRows(sqlmock.NewRows(competitionCols))
	c, err = store.GetCompetition(context.Background(), 6)
	require.NoError(t, err)
	assert.Nil(t, c)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// pgArray matches the text form lib/pq binds for array arguments.
type pgArray string

func (a pgArray) Match(v driver.Value) bool {
	switch x := v.(type) {
	case string:
		return x == string(a)
	case []byte:
		return string(x) == string(a)
	}
	return false
}

func TestCreateOrderIfAbsent(t *testing.T) {
	db, mock := newMock(t)
	store := NewCompetitionStore(db)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	o := &raffle.PendingOrder{
		ExternalRef: "ord-1", CompetitionID: 1, OwnerID: "u1", Quantity: 2, Amount: 500, Currency: "GBP",
		Status: raffle.OrderStatusCreated, CreatedAt: now, UpdatedAt: now,
	}
	args := []driver.Value{"ord-1", int64(1), "u1", 2, int64(500), "GBP", "created", "", pgArray("{}"), sqlmock.AnyArg(), sqlmock.AnyArg()}

	mock.ExpectExec(`INSERT INTO pending_orders .* ON CONFLICT \(external_ref\) DO NOTHING`).
		WithArgs(args...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO pending_orders`).WithArgs(args...).WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.CreateOrderIfAbsent(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.CreateOrderIfAbsent(context.Background(), o)
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrderIfAbsent_UnknownCompetition(t *testing.T) {
	db, mock := newMock(t)
	store := NewCompetitionStore(db)

	mock.ExpectExec(`INSERT INTO pending_orders`).WillReturnError(&pq.Error{Code: "23503", Message: "violates foreign key constraint"})
	_, err := store.CreateOrderIfAbsent(context.Background(), &raffle.PendingOrder{ExternalRef: "ord-x", CompetitionID: 404})
	assert.ErrorIs(t, err, raffle.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOrder_BindsTicketIDs(t *testing.T) {
	db, mock := newMock(t)
	store := NewCompetitionStore(db)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(competitionRow(1, 10, 2))
	mock.ExpectExec(`UPDATE pending_orders`).
		WithArgs("ord-1", "fulfilled", "", pgArray("{41,42}"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pending_orders`).
		WithArgs("ord-2", "failed", "competition sold out", pgArray("{}"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.InCompetitionTx(context.Background(), 1, func(ctx context.Context, tx raffle.CompetitionTx) error {
		if err := tx.SaveOrder(ctx, &raffle.PendingOrder{
			ExternalRef: "ord-1", Status: raffle.OrderStatusFulfilled, TicketIDs: []int64{41, 42}, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.SaveOrder(ctx, &raffle.PendingOrder{
			ExternalRef: "ord-2", Status: raffle.OrderStatusFailed, FailureReason: "competition sold out", UpdatedAt: now,
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInCompetitionTx_Commit(t *testing.T) {
	db, mock := newMock(t)
	store := NewCompetitionStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM competitions WHERE id=\$1 FOR UPDATE`).WithArgs(int64(1)).WillReturnRows(competitionRow(1, 10, 0))
	mock.ExpectQuery(`INSERT INTO tickets`).
		WithArgs(int64(1), "u1", 3, "instant-win", "ord-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(41)))
	mock.ExpectExec(`UPDATE competitions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.InCompetitionTx(context.Background(), 1, func(ctx context.Context, tx raffle.CompetitionTx) error {
		c := tx.Competition()
		tickets := []raffle.Ticket{{CompetitionID: c.ID, OwnerID: "u1", Number: 3, Result: raffle.ResultInstantWin, OrderRef: "ord-1"}}
		if err := tx.InsertTickets(ctx, tickets); err != nil {
			return err
		}
		assert.Equal(t, int64(41), tickets[0].ID)
		c.SoldCount = 1
		return tx.SaveCompetition(ctx, c)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInCompetitionTx_UniqueViolationIsConflict(t *testing.T) {
	db, mock := newMock(t)
	store := NewCompetitionStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(competitionRow(1, 10, 0))
	mock.ExpectQuery(`INSERT INTO tickets`).WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})
	mock.ExpectRollback()

	err := store.InCompetitionTx(context.Background(), 1, func(ctx context.Context, tx raffle.CompetitionTx) error {
		return tx.InsertTickets(ctx, []raffle.Ticket{{CompetitionID: 1, Number: 3, Result: raffle.ResultNonWin}})
	})
	assert.ErrorIs(t, err, raffle.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInCompetitionTx_RollbackOnError(t *testing.T) {
	db, mock := newMock(t)
	store := NewCompetitionStore(db)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(competitionRow(1, 10, 0))
	mock.ExpectRollback()

	err := store.InCompetitionTx(context.Background(), 1, func(context.Context, raffle.CompetitionTx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInCompetitionTx_NotFound(t *testing.T) {
	db, mock := newMock(t)
	store := NewCompetitionStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(sqlmock.NewRows(competitionCols))
	mock.ExpectRollback()

	err := store.InCompetitionTx(context.Background(), 9, func(context.Context, raffle.CompetitionTx) error { return nil })
	assert.ErrorIs(t, err, raffle.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockOrderAndFreeNumbers(t *testing.T) {
	db, mock := newMock(t)
	store := NewCompetitionStore(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(competitionRow(1, 4, 2))
	mock.ExpectQuery(`SELECT .* FROM pending_orders WHERE external_ref=\$1 FOR UPDATE`).WithArgs("ord-1").WillReturnRows(
		sqlmock.NewRows([]string{"external_ref", "competition_id", "owner_id", "quantity", "amount", "currency", "status", "failure_reason", "ticket_ids", "created_at", "updated_at"}).
			AddRow("ord-1", int64(1), "u1", 2, int64(500), "GBP", "fulfilled", "", "{11,12}", now, now),
	)
	mock.ExpectQuery(`generate_series`).WithArgs(int64(1), 4).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2).AddRow(4))
	mock.ExpectCommit()

	err := store.InCompetitionTx(context.Background(), 1, func(ctx context.Context, tx raffle.CompetitionTx) error {
		o, err := tx.LockOrder(ctx, "ord-1")
		require.NoError(t, err)
		assert.Equal(t, raffle.OrderStatusFulfilled, o.Status)
		assert.Equal(t, []int64{11, 12}, o.TicketIDs)

		free, err := tx.FreeNumbers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 4}, free)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_EmailTaken(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)

	mock.ExpectExec(`INSERT INTO users`).WillReturnError(&pq.Error{Code: "23505"})
	err := repo.Create(context.Background(), &domain.User{ID: "8f1c", Email: "a@example.com", Role: domain.RoleUser})
	assert.ErrorIs(t, err, domain.ErrEmailTaken)

	mock.ExpectQuery(`FROM users WHERE email = lower\(\$1\)`).WithArgs("A@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "role", "created_at"}))
	u, err := repo.GetByEmail(context.Background(), "A@example.com")
	require.NoError(t, err)
	assert.Nil(t, u)

	assert.NoError(t, mock.ExpectationsWereMet())
}

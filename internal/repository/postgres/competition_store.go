package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
)

// CompetitionStore persists competitions, tickets and pending orders.
type CompetitionStore struct {
	db *sql.DB
}

var _ raffle.Store = (*CompetitionStore)(nil)

func NewCompetitionStore(db *sql.DB) *CompetitionStore { return &CompetitionStore{db: db} }

const competitionColumns = `id, name, description, image_url, capacity, sold_count, instant_win_numbers, numbering,
	ticket_price, currency, status, end_winner_ticket_id, ends_at, closed_at, drawn_at, created_at, updated_at`

const ticketColumns = `id, competition_id, owner_id, number, result, COALESCE(order_ref, ''), created_at`

const orderColumns = `external_ref, competition_id, owner_id, quantity, amount, currency, status, failure_reason,
	ticket_ids, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCompetition(row scanner) (*raffle.Competition, error) {
	var (
		c         raffle.Competition
		wins      pq.Int64Array
		winner    sql.NullInt64
		endsAt    sql.NullTime
		closedAt  sql.NullTime
		drawnAt   sql.NullTime
		numbering string
		status    string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.ImageURL, &c.Capacity, &c.SoldCount, &wins, &numbering,
		&c.TicketPrice, &c.Currency, &status, &winner, &endsAt, &closedAt, &drawnAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Numbering = raffle.NumberingMode(numbering)
	c.Status = raffle.CompetitionStatus(status)
	c.InstantWinNumbers = make([]int, len(wins))
	for i, n := range wins {
		c.InstantWinNumbers[i] = int(n)
	}
	if winner.Valid {
		id := winner.Int64
		c.EndWinnerTicketID = &id
	}
	c.EndsAt = timePtr(endsAt)
	c.ClosedAt = timePtr(closedAt)
	c.DrawnAt = timePtr(drawnAt)
	return &c, nil
}

func scanTicket(row scanner) (raffle.Ticket, error) {
	var (
		t      raffle.Ticket
		result string
	)
	err := row.Scan(&t.ID, &t.CompetitionID, &t.OwnerID, &t.Number, &result, &t.OrderRef, &t.CreatedAt)
	t.Result = raffle.TicketResult(result)
	return t, err
}

func scanOrder(row scanner) (*raffle.PendingOrder, error) {
	var (
		o      raffle.PendingOrder
		ids    pq.Int64Array
		status string
	)
	if err := row.Scan(&o.ExternalRef, &o.CompetitionID, &o.OwnerID, &o.Quantity, &o.Amount, &o.Currency, &status,
		&o.FailureReason, &ids, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = raffle.OrderStatus(status)
	o.TicketIDs = []int64(ids)
	return &o, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func toInt64s(in []int) pq.Int64Array {
	out := make(pq.Int64Array, len(in))
	for i, n := range in {
		out[i] = int64(n)
	}
	return out
}

// ticketIDArray never binds NULL: ticket_ids is NOT NULL and an explicit
// NULL bypasses the column default.
func ticketIDArray(ids []int64) pq.Int64Array {
	if ids == nil {
		return pq.Int64Array{}
	}
	return pq.Int64Array(ids)
}

// mapError turns lost races into raffle.ErrConflict so callers can retry, and
// a missing parent row into raffle.ErrNotFound.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01": // unique_violation, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", raffle.ErrConflict, pqErr.Message)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", raffle.ErrNotFound, pqErr.Message)
		}
	}
	return err
}

func (s *CompetitionStore) CreateCompetition(ctx context.Context, c *raffle.Competition) error {
	const q = `
	INSERT INTO competitions (name, description, image_url, capacity, sold_count, instant_win_numbers, numbering,
		ticket_price, currency, status, ends_at, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	RETURNING id`
	return s.db.QueryRowContext(ctx, q,
		c.Name, c.Description, c.ImageURL, c.Capacity, c.SoldCount, toInt64s(c.InstantWinNumbers), string(c.Numbering),
		c.TicketPrice, c.Currency, string(c.Status), nullTime(c.EndsAt), c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID)
}

// GetCompetition returns nil when the competition does not exist.
func (s *CompetitionStore) GetCompetition(ctx context.Context, id int64) (*raffle.Competition, error) {
	c, err := scanCompetition(s.db.QueryRowContext(ctx, `SELECT `+competitionColumns+` FROM competitions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *CompetitionStore) ListCompetitions(ctx context.Context, status raffle.CompetitionStatus, limit, offset int) ([]raffle.Competition, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + competitionColumns + ` FROM competitions
	WHERE ($1 = '' OR status = $1)
	ORDER BY id DESC
	LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, q, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]raffle.Competition, 0)
	for rows.Next() {
		c, err := scanCompetition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *CompetitionStore) ListExpiredOpen(ctx context.Context, now time.Time) ([]int64, error) {
	const q = `SELECT id FROM competitions WHERE status='open' AND ends_at IS NOT NULL AND ends_at <= $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *CompetitionStore) ListTicketsByOwner(ctx context.Context, ownerID string) ([]raffle.OwnedTicket, error) {
	const q = `
	SELECT t.id, t.competition_id, t.owner_id, t.number, t.result, COALESCE(t.order_ref, ''), t.created_at, c.name
	FROM tickets t
	JOIN competitions c ON c.id = t.competition_id
	WHERE t.owner_id = $1
	ORDER BY t.id`
	rows, err := s.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []raffle.OwnedTicket
	for rows.Next() {
		var (
			ot     raffle.OwnedTicket
			result string
		)
		if err := rows.Scan(&ot.ID, &ot.CompetitionID, &ot.OwnerID, &ot.Number, &result, &ot.OrderRef, &ot.CreatedAt, &ot.CompetitionName); err != nil {
			return nil, err
		}
		ot.Result = raffle.TicketResult(result)
		out = append(out, ot)
	}
	return out, rows.Err()
}

func (s *CompetitionStore) ListTicketsByCompetition(ctx context.Context, competitionID int64) ([]raffle.Ticket, error) {
	return queryTickets(ctx, s.db, `SELECT `+ticketColumns+` FROM tickets WHERE competition_id=$1 ORDER BY id`, competitionID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func queryTickets(ctx context.Context, db queryer, q string, args ...interface{}) ([]raffle.Ticket, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []raffle.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateOrderIfAbsent relies on the external_ref primary key.
func (s *CompetitionStore) CreateOrderIfAbsent(ctx context.Context, o *raffle.PendingOrder) (bool, error) {
	const q = `
	INSERT INTO pending_orders (external_ref, competition_id, owner_id, quantity, amount, currency, status, failure_reason, ticket_ids, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (external_ref) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q,
		o.ExternalRef, o.CompetitionID, o.OwnerID, o.Quantity, o.Amount, o.Currency, string(o.Status), o.FailureReason,
		ticketIDArray(o.TicketIDs), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *CompetitionStore) GetOrder(ctx context.Context, ref string) (*raffle.PendingOrder, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM pending_orders WHERE external_ref=$1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// InCompetitionTx locks the competition row with SELECT ... FOR UPDATE for the
// lifetime of one transaction.
func (s *CompetitionStore) InCompetitionTx(ctx context.Context, competitionID int64, fn func(ctx context.Context, tx raffle.CompetitionTx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	c, err := scanCompetition(sqlTx.QueryRowContext(ctx, `SELECT `+competitionColumns+` FROM competitions WHERE id=$1 FOR UPDATE`, competitionID))
	if errors.Is(err, sql.ErrNoRows) {
		return raffle.ErrNotFound
	}
	if err != nil {
		return mapError(err)
	}
	if err = fn(ctx, &competitionTx{tx: sqlTx, comp: c}); err != nil {
		return mapError(err)
	}
	if err = sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

type competitionTx struct {
	tx   *sql.Tx
	comp *raffle.Competition
}

func (t *competitionTx) Competition() *raffle.Competition { return t.comp }

func (t *competitionTx) SaveCompetition(ctx context.Context, c *raffle.Competition) error {
	const q = `
	UPDATE competitions
	SET sold_count=$2, status=$3, end_winner_ticket_id=$4, closed_at=$5, drawn_at=$6, updated_at=$7
	WHERE id=$1`
	_, err := t.tx.ExecContext(ctx, q, c.ID, c.SoldCount, string(c.Status), nullInt64(c.EndWinnerTicketID),
		nullTime(c.ClosedAt), nullTime(c.DrawnAt), c.UpdatedAt)
	if err != nil {
		return err
	}
	t.comp = c
	return nil
}

func (t *competitionTx) NumberIssued(ctx context.Context, number int) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tickets WHERE competition_id=$1 AND number=$2)`, t.comp.ID, number,
	).Scan(&exists)
	return exists, err
}

func (t *competitionTx) FreeNumbers(ctx context.Context) ([]int, error) {
	const q = `
	SELECT n FROM generate_series(1, $2::int) AS n
	WHERE NOT EXISTS (SELECT 1 FROM tickets t WHERE t.competition_id = $1 AND t.number = n)
	ORDER BY n`
	rows, err := t.tx.QueryContext(ctx, q, t.comp.ID, t.comp.Capacity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *competitionTx) IssuedCount(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets WHERE competition_id=$1`, t.comp.ID).Scan(&n)
	return n, err
}

func (t *competitionTx) InsertTickets(ctx context.Context, tickets []raffle.Ticket) error {
	const q = `
	INSERT INTO tickets (competition_id, owner_id, number, result, order_ref, created_at)
	VALUES ($1,$2,$3,$4,$5,$6)
	RETURNING id`
	for i := range tickets {
		tk := &tickets[i]
		if err := t.tx.QueryRowContext(ctx, q, tk.CompetitionID, tk.OwnerID, tk.Number, string(tk.Result),
			nullString(tk.OrderRef), tk.CreatedAt).Scan(&tk.ID); err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (t *competitionTx) Tickets(ctx context.Context) ([]raffle.Ticket, error) {
	return queryTickets(ctx, t.tx, `SELECT `+ticketColumns+` FROM tickets WHERE competition_id=$1 ORDER BY id`, t.comp.ID)
}

func (t *competitionTx) TicketsByID(ctx context.Context, ids []int64) ([]raffle.Ticket, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return queryTickets(ctx, t.tx,
		`SELECT `+ticketColumns+` FROM tickets WHERE competition_id=$1 AND id = ANY($2) ORDER BY id`,
		t.comp.ID, pq.Int64Array(ids))
}

func (t *competitionTx) UpdateTicketResult(ctx context.Context, id int64, result raffle.TicketResult) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE tickets SET result=$3 WHERE id=$1 AND competition_id=$2`, id, t.comp.ID, string(result))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return raffle.ErrNotFound
	}
	return nil
}

func (t *competitionTx) LockOrder(ctx context.Context, ref string) (*raffle.PendingOrder, error) {
	o, err := scanOrder(t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM pending_orders WHERE external_ref=$1 FOR UPDATE`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (t *competitionTx) SaveOrder(ctx context.Context, o *raffle.PendingOrder) error {
	const q = `
	UPDATE pending_orders
	SET status=$2, failure_reason=$3, ticket_ids=$4, updated_at=$5
	WHERE external_ref=$1`
	_, err := t.tx.ExecContext(ctx, q, o.ExternalRef, string(o.Status), o.FailureReason, ticketIDArray(o.TicketIDs), o.UpdatedAt)
	return err
}

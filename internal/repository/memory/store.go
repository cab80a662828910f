// Package memory is an in-process implementation of the raffle store, used
// for tests and for running the service without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tackle-tarts/giveaway-backend/internal/domain/raffle"
)

// Store keeps raffle state in maps. Writers of one competition are serialised
// by a per-competition mutex; writes become visible only on commit.
type Store struct {
	mu           sync.RWMutex
	nextCompID   int64
	nextTicketID int64
	competitions map[int64]*raffle.Competition
	tickets      map[int64][]raffle.Ticket
	numbers      map[int64]map[int]struct{}
	orders       map[string]*raffle.PendingOrder

	locks sync.Map // competition id -> *sync.Mutex
}

var _ raffle.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		competitions: make(map[int64]*raffle.Competition),
		tickets:      make(map[int64][]raffle.Ticket),
		numbers:      make(map[int64]map[int]struct{}),
		orders:       make(map[string]*raffle.PendingOrder),
	}
}

func (s *Store) CreateCompetition(_ context.Context, c *raffle.Competition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCompID++
	c.ID = s.nextCompID
	s.competitions[c.ID] = copyCompetition(c)
	s.numbers[c.ID] = make(map[int]struct{})
	return nil
}

func (s *Store) GetCompetition(_ context.Context, id int64) (*raffle.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.competitions[id]
	if !ok {
		return nil, nil
	}
	return copyCompetition(c), nil
}

func (s *Store) ListCompetitions(_ context.Context, status raffle.CompetitionStatus, limit, offset int) ([]raffle.Competition, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.RLock()
	out := make([]raffle.Competition, 0, len(s.competitions))
	for _, c := range s.competitions {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, *copyCompetition(c))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return []raffle.Competition{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListExpiredOpen(_ context.Context, now time.Time) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for id, c := range s.competitions {
		if c.Status == raffle.CompetitionStatusOpen && c.EndsAt != nil && !c.EndsAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) ListTicketsByOwner(_ context.Context, ownerID string) ([]raffle.OwnedTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []raffle.OwnedTicket
	for compID, list := range s.tickets {
		name := ""
		if c, ok := s.competitions[compID]; ok {
			name = c.Name
		}
		for _, t := range list {
			if t.OwnerID == ownerID {
				out = append(out, raffle.OwnedTicket{Ticket: t, CompetitionName: name})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListTicketsByCompetition(_ context.Context, competitionID int64) ([]raffle.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]raffle.Ticket(nil), s.tickets[competitionID]...), nil
}

func (s *Store) CreateOrderIfAbsent(_ context.Context, o *raffle.PendingOrder) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ExternalRef]; exists {
		return false, nil
	}
	s.orders[o.ExternalRef] = copyOrder(o)
	return true, nil
}

func (s *Store) GetOrder(_ context.Context, ref string) (*raffle.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[ref]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (s *Store) lockFor(id int64) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (s *Store) InCompetitionTx(ctx context.Context, competitionID int64, fn func(ctx context.Context, tx raffle.CompetitionTx) error) error {
	lock := s.lockFor(competitionID)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.GetCompetition(ctx, competitionID)
	if err != nil {
		return err
	}
	if c == nil {
		return raffle.ErrNotFound
	}
	tx := &competitionTx{
		store:   s,
		comp:    c,
		added:   make(map[int]struct{}),
		results: make(map[int64]raffle.TicketResult),
		orders:  make(map[string]*raffle.PendingOrder),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *competitionTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := tx.comp.ID
	if tx.dirty {
		s.competitions[id] = copyCompetition(tx.comp)
	}
	if len(tx.results) > 0 {
		list := s.tickets[id]
		for i := range list {
			if r, ok := tx.results[list[i].ID]; ok {
				list[i].Result = r
			}
		}
	}
	for _, t := range tx.newTickets {
		if r, ok := tx.results[t.ID]; ok {
			t.Result = r
		}
		s.tickets[id] = append(s.tickets[id], t)
		s.numbers[id][t.Number] = struct{}{}
	}
	for ref, o := range tx.orders {
		s.orders[ref] = o
	}
}

type competitionTx struct {
	store      *Store
	comp       *raffle.Competition
	dirty      bool
	newTickets []raffle.Ticket
	added      map[int]struct{}
	results    map[int64]raffle.TicketResult
	orders     map[string]*raffle.PendingOrder
}

func (tx *competitionTx) Competition() *raffle.Competition { return tx.comp }

func (tx *competitionTx) SaveCompetition(_ context.Context, c *raffle.Competition) error {
	tx.comp = copyCompetition(c)
	tx.dirty = true
	return nil
}

func (tx *competitionTx) NumberIssued(_ context.Context, number int) (bool, error) {
	if _, ok := tx.added[number]; ok {
		return true, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.numbers[tx.comp.ID][number]
	return ok, nil
}

func (tx *competitionTx) FreeNumbers(_ context.Context) ([]int, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	issued := tx.store.numbers[tx.comp.ID]
	out := make([]int, 0, tx.comp.Capacity-len(issued)-len(tx.added))
	for n := 1; n <= tx.comp.Capacity; n++ {
		if _, ok := issued[n]; ok {
			continue
		}
		if _, ok := tx.added[n]; ok {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (tx *competitionTx) IssuedCount(_ context.Context) (int, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return len(tx.store.numbers[tx.comp.ID]) + len(tx.added), nil
}

func (tx *competitionTx) InsertTickets(_ context.Context, tickets []raffle.Ticket) error {
	for _, t := range tickets {
		if _, dup := tx.added[t.Number]; dup {
			return raffle.ErrConflict
		}
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for _, t := range tickets {
		if _, dup := tx.store.numbers[tx.comp.ID][t.Number]; dup {
			return raffle.ErrConflict
		}
	}
	for i := range tickets {
		tx.store.nextTicketID++
		tickets[i].ID = tx.store.nextTicketID
		tx.added[tickets[i].Number] = struct{}{}
		tx.newTickets = append(tx.newTickets, tickets[i])
	}
	return nil
}

func (tx *competitionTx) Tickets(_ context.Context) ([]raffle.Ticket, error) {
	tx.store.mu.RLock()
	out := append([]raffle.Ticket(nil), tx.store.tickets[tx.comp.ID]...)
	tx.store.mu.RUnlock()
	out = append(out, tx.newTickets...)
	for i := range out {
		if r, ok := tx.results[out[i].ID]; ok {
			out[i].Result = r
		}
	}
	return out, nil
}

func (tx *competitionTx) TicketsByID(ctx context.Context, ids []int64) ([]raffle.Ticket, error) {
	all, err := tx.Tickets(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]raffle.Ticket, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	out := make([]raffle.Ticket, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (tx *competitionTx) UpdateTicketResult(ctx context.Context, id int64, result raffle.TicketResult) error {
	found, err := tx.TicketsByID(ctx, []int64{id})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return raffle.ErrNotFound
	}
	tx.results[id] = result
	return nil
}

func (tx *competitionTx) LockOrder(_ context.Context, ref string) (*raffle.PendingOrder, error) {
	if o, ok := tx.orders[ref]; ok {
		return copyOrder(o), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	o, ok := tx.store.orders[ref]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (tx *competitionTx) SaveOrder(_ context.Context, o *raffle.PendingOrder) error {
	tx.orders[o.ExternalRef] = copyOrder(o)
	return nil
}

func copyCompetition(c *raffle.Competition) *raffle.Competition {
	cp := *c
	cp.InstantWinNumbers = append([]int(nil), c.InstantWinNumbers...)
	if c.EndWinnerTicketID != nil {
		v := *c.EndWinnerTicketID
		cp.EndWinnerTicketID = &v
	}
	return &cp
}

func copyOrder(o *raffle.PendingOrder) *raffle.PendingOrder {
	cp := *o
	cp.TicketIDs = append([]int64(nil), o.TicketIDs...)
	return &cp
}

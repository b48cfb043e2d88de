package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/league-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A transaction holds the write lock for its whole duration, so transactions
// are serial. Writes made inside a failed transaction are reverted from an
// undo log.
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

type pairKey struct{ a, b string }

type memState struct {
	users     map[string]*model.User
	leagues   map[string]*model.League
	members   map[pairKey]*model.Membership
	markets   map[string]*model.Market
	orders    map[string]*model.Order
	orderSeq  map[string]int64
	nextSeq   int64
	trades    []model.Trade
	positions map[pairKey]*model.Position
	votes     map[pairKey]*model.Vote
	settings  *model.VotingSettings
}

func newMemState() *memState {
	return &memState{
		users:     make(map[string]*model.User),
		leagues:   make(map[string]*model.League),
		members:   make(map[pairKey]*model.Membership),
		markets:   make(map[string]*model.Market),
		orders:    make(map[string]*model.Order),
		orderSeq:  make(map[string]int64),
		positions: make(map[pairKey]*model.Position),
		votes:     make(map[pairKey]*model.Vote),
	}
}

// --- Transactions ---

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{memState: s.st}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// --- Seeding ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	c := *u
	s.st.users[u.ID] = &c
	return nil
}

func (s *MemoryStore) CreateLeague(_ context.Context, l *model.League) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.st.leagues {
		if existing.ID == l.ID || existing.JoinCode == l.JoinCode {
			return fmt.Errorf("league %s: %w", l.ID, ErrConflict)
		}
	}
	c := *l
	s.st.leagues[l.ID] = &c
	return nil
}

func (s *MemoryStore) AddMembership(_ context.Context, m *model.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pairKey{m.LeagueID, m.UserID}
	if _, ok := s.st.members[k]; ok {
		return fmt.Errorf("membership %s/%s: %w", m.LeagueID, m.UserID, ErrConflict)
	}
	c := *m
	s.st.members[k] = &c
	return nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrConflict)
	}
	c := *m
	s.st.markets[m.ID] = &c
	return nil
}

func (s *MemoryStore) SaveVotingSettings(_ context.Context, vs model.VotingSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.settings = &vs
	return nil
}

// --- Reads (locked wrappers around memState) ---

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetUser(ctx, id)
}

func (s *MemoryStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.IsAdmin(ctx, userID)
}

func (s *MemoryStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetMarket(ctx, id)
}

func (s *MemoryStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListMarkets(ctx, f)
}

func (s *MemoryStore) GetMembership(ctx context.Context, leagueID, userID string) (*model.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetMembership(ctx, leagueID, userID)
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetOrder(ctx, id)
}

func (s *MemoryStore) ListOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListOrders(ctx, marketID)
}

func (s *MemoryStore) ListTrades(ctx context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListTrades(ctx, marketID)
}

func (s *MemoryStore) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetPosition(ctx, marketID, userID)
}

func (s *MemoryStore) ListPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListPositions(ctx, marketID)
}

func (s *MemoryStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListUserPositions(ctx, userID)
}

func (s *MemoryStore) GetVote(ctx context.Context, marketID, userID string) (*model.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetVote(ctx, marketID, userID)
}

func (s *MemoryStore) ListVotes(ctx context.Context, marketID string) ([]model.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListVotes(ctx, marketID)
}

func (s *MemoryStore) PendingVoteMarkets(ctx context.Context, userID string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.PendingVoteMarkets(ctx, userID)
}

func (s *MemoryStore) GetVotingSettings(ctx context.Context) (model.VotingSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetVotingSettings(ctx)
}

// --- memState: unlocked reads, callers hold MemoryStore.mu ---

func (st *memState) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	c := *u
	return &c, nil
}

func (st *memState) IsAdmin(_ context.Context, userID string) (bool, error) {
	u, ok := st.users[userID]
	return ok && u.IsAdmin, nil
}

func (st *memState) GetMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := st.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	c := *m
	return &c, nil
}

func (st *memState) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, error) {
	markets := make([]model.Market, 0, len(st.markets))
	for _, m := range st.markets {
		if f.LeagueID != "" && m.LeagueID != f.LeagueID {
			continue
		}
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (st *memState) GetMembership(_ context.Context, leagueID, userID string) (*model.Membership, error) {
	m, ok := st.members[pairKey{leagueID, userID}]
	if !ok {
		return nil, fmt.Errorf("membership %s/%s: %w", leagueID, userID, ErrNotFound)
	}
	c := *m
	return &c, nil
}

func (st *memState) GetOrder(_ context.Context, id string) (*model.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (st *memState) ListOrders(_ context.Context, marketID string) ([]model.Order, error) {
	var orders []model.Order
	for _, o := range st.orders {
		if o.MarketID == marketID {
			orders = append(orders, *o)
		}
	}
	st.sortOrders(orders)
	return orders, nil
}

func (st *memState) ListTrades(_ context.Context, marketID string) ([]model.Trade, error) {
	var result []model.Trade
	for _, t := range st.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (st *memState) GetPosition(_ context.Context, marketID, userID string) (*model.Position, error) {
	if p, ok := st.positions[pairKey{marketID, userID}]; ok {
		c := *p
		return &c, nil
	}
	return &model.Position{MarketID: marketID, UserID: userID}, nil
}

func (st *memState) ListPositions(_ context.Context, marketID string) ([]model.Position, error) {
	var result []model.Position
	for _, p := range st.positions {
		if p.MarketID == marketID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (st *memState) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	var result []model.Position
	for _, p := range st.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MarketID < result[j].MarketID })
	return result, nil
}

func (st *memState) GetVote(_ context.Context, marketID, userID string) (*model.Vote, error) {
	v, ok := st.votes[pairKey{marketID, userID}]
	if !ok {
		return nil, fmt.Errorf("vote %s/%s: %w", marketID, userID, ErrNotFound)
	}
	c := *v
	return &c, nil
}

func (st *memState) ListVotes(_ context.Context, marketID string) ([]model.Vote, error) {
	var result []model.Vote
	for _, v := range st.votes {
		if v.MarketID == marketID {
			result = append(result, *v)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].UserID < result[j].UserID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (st *memState) PendingVoteMarkets(_ context.Context, userID string) ([]model.Market, error) {
	var result []model.Market
	for _, m := range st.markets {
		if m.Status != model.StatusVoting {
			continue
		}
		p, ok := st.positions[pairKey{m.ID, userID}]
		if !ok || p.Total() == 0 {
			continue
		}
		if _, voted := st.votes[pairKey{m.ID, userID}]; voted {
			continue
		}
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (st *memState) GetVotingSettings(_ context.Context) (model.VotingSettings, error) {
	if st.settings == nil {
		return model.DefaultVotingSettings(), nil
	}
	return *st.settings, nil
}

func (st *memState) sortOrders(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return st.orderSeq[orders[i].ID] < st.orderSeq[orders[j].ID]
	})
}

// --- memTx: writes with undo log ---

type memTx struct {
	*memState
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	return tx.GetMarket(ctx, id)
}

func (tx *memTx) UpdateMarketStatus(_ context.Context, m *model.Market, from ...model.MarketStatus) (bool, error) {
	cur, ok := tx.markets[m.ID]
	if !ok {
		return false, fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	if !statusIn(cur.Status, from) {
		return false, nil
	}
	old := *cur
	cur.Status = m.Status
	cur.Outcome = m.Outcome
	cur.ReportedAt = m.ReportedAt
	cur.ReportedBy = m.ReportedBy
	cur.EvidenceRef = m.EvidenceRef
	cur.ResolvedAt = m.ResolvedAt
	tx.undo = append(tx.undo, func() { *cur = old })
	return true, nil
}

func (tx *memTx) LockMembership(ctx context.Context, leagueID, userID string) (*model.Membership, error) {
	return tx.GetMembership(ctx, leagueID, userID)
}

func (tx *memTx) AdjustBalance(_ context.Context, leagueID, userID string, delta int64) (int64, error) {
	m, ok := tx.members[pairKey{leagueID, userID}]
	if !ok {
		return 0, fmt.Errorf("membership %s/%s: %w", leagueID, userID, ErrNotFound)
	}
	old := m.TokenBalance
	m.TokenBalance += delta
	tx.undo = append(tx.undo, func() { m.TokenBalance = old })
	return m.TokenBalance, nil
}

func (tx *memTx) LockPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	return tx.GetPosition(ctx, marketID, userID)
}

func (tx *memTx) AdjustPosition(_ context.Context, marketID, userID string, dYes, dNo int64) (*model.Position, error) {
	k := pairKey{marketID, userID}
	p, existed := tx.positions[k]
	if !existed {
		p = &model.Position{MarketID: marketID, UserID: userID}
	}
	if p.YesShares+dYes < 0 || p.NoShares+dNo < 0 {
		return nil, fmt.Errorf("adjust position %s/%s: %w", marketID, userID, ErrNegativePosition)
	}
	old := *p
	p.YesShares += dYes
	p.NoShares += dNo
	if !existed {
		tx.positions[k] = p
		tx.undo = append(tx.undo, func() { delete(tx.positions, k) })
	} else {
		tx.undo = append(tx.undo, func() { *p = old })
	}
	c := *p
	return &c, nil
}

func (tx *memTx) ZeroPosition(_ context.Context, marketID, userID string) error {
	p, ok := tx.positions[pairKey{marketID, userID}]
	if !ok {
		return nil
	}
	old := *p
	p.YesShares, p.NoShares = 0, 0
	tx.undo = append(tx.undo, func() { *p = old })
	return nil
}

func (tx *memTx) LockOrder(ctx context.Context, id string) (*model.Order, error) {
	return tx.GetOrder(ctx, id)
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, ok := tx.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrConflict)
	}
	c := *o
	tx.nextSeq++
	tx.orders[o.ID] = &c
	tx.orderSeq[o.ID] = tx.nextSeq
	tx.undo = append(tx.undo, func() {
		delete(tx.orders, o.ID)
		delete(tx.orderSeq, o.ID)
	})
	return nil
}

func (tx *memTx) MatchableOrders(_ context.Context, q OrderQuery) ([]model.Order, error) {
	var result []model.Order
	for _, o := range tx.orders {
		if o.MarketID != q.MarketID || o.Side != q.Side || o.Price != q.Price || o.IsSell != q.IsSell {
			continue
		}
		if o.Remaining <= 0 || (q.ExcludeUserID != "" && o.UserID == q.ExcludeUserID) {
			continue
		}
		result = append(result, *o)
	}
	tx.sortOrders(result)
	return result, nil
}

func (tx *memTx) SetOrderRemaining(_ context.Context, id string, remaining int64) error {
	o, ok := tx.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if remaining < 0 {
		return fmt.Errorf("order %s: negative remaining quantity", id)
	}
	old := o.Remaining
	o.Remaining = remaining
	tx.undo = append(tx.undo, func() { o.Remaining = old })
	return nil
}

func (tx *memTx) DeleteOrder(_ context.Context, id string) error {
	o, ok := tx.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	seq := tx.orderSeq[id]
	delete(tx.orders, id)
	delete(tx.orderSeq, id)
	tx.undo = append(tx.undo, func() {
		tx.orders[id] = o
		tx.orderSeq[id] = seq
	})
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	n := len(tx.trades)
	tx.trades = append(tx.trades, *t)
	tx.undo = append(tx.undo, func() { tx.trades = tx.trades[:n] })
	return nil
}

func (tx *memTx) InsertVote(_ context.Context, v *model.Vote) error {
	k := pairKey{v.MarketID, v.UserID}
	if _, ok := tx.votes[k]; ok {
		return fmt.Errorf("vote %s/%s: %w", v.MarketID, v.UserID, ErrConflict)
	}
	c := *v
	tx.votes[k] = &c
	tx.undo = append(tx.undo, func() { delete(tx.votes, k) })
	return nil
}

func (tx *memTx) MarkStakeReturned(_ context.Context, marketID, userID string) error {
	v, ok := tx.votes[pairKey{marketID, userID}]
	if !ok {
		return fmt.Errorf("vote %s/%s: %w", marketID, userID, ErrNotFound)
	}
	old := v.StakeReturned
	v.StakeReturned = true
	tx.undo = append(tx.undo, func() { v.StakeReturned = old })
	return nil
}

func (tx *memTx) DeleteVotes(_ context.Context, marketID string) error {
	removed := make(map[pairKey]*model.Vote)
	for k, v := range tx.votes {
		if v.MarketID == marketID {
			removed[k] = v
			delete(tx.votes, k)
		}
	}
	tx.undo = append(tx.undo, func() {
		for k, v := range removed {
			tx.votes[k] = v
		}
	})
	return nil
}

func statusIn(s model.MarketStatus, set []model.MarketStatus) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atmx/league-engine/internal/engine"
	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

const league = "lg"

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	st     store.Store
	eng    *engine.Engine
	clock  *fakeClock
	mu     sync.Mutex
	events []engine.Event
}

func stores(t *testing.T) map[string]func() store.Store {
	return map[string]func() store.Store{
		"memory": func() store.Store { return store.NewMemoryStore() },
		"sqlite": func() store.Store {
			s, err := store.NewSQLiteStore(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			require.NoError(t, s.RunMigrations(context.Background()))
			return s
		},
	}
}

// run executes fn once per store backend with a freshly seeded harness.
func run(t *testing.T, fn func(t *testing.T, h *harness)) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, newHarness(t, open()))
		})
	}
}

// newHarness seeds league "lg" with members alice, bob, carol and dave
// (1000 tokens each), the admin root, and two OPEN markets m1 and m2.
func newHarness(t *testing.T, st store.Store) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background(), st: st, clock: &fakeClock{now: t0}}
	h.eng = engine.New(st,
		engine.WithClock(h.clock.Now),
		engine.WithPublisher(engine.PublisherFunc(func(ev engine.Event) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		})),
	)

	ctx := h.ctx
	require.NoError(t, st.CreateLeague(ctx, &model.League{ID: league, Name: "Test League", JoinCode: "ABC123", CreatedAt: t0}))
	for _, id := range []string{"alice", "bob", "carol", "dave", "root"} {
		require.NoError(t, st.CreateUser(ctx, &model.User{ID: id, Username: id, IsAdmin: id == "root", CreatedAt: t0}))
		require.NoError(t, st.AddMembership(ctx, &model.Membership{
			LeagueID: league, UserID: id, TokenBalance: model.DefaultStartingBalance, JoinedAt: t0,
		}))
	}
	for i, id := range []string{"m1", "m2"} {
		closes := t0.Add(time.Duration(i+1) * 24 * time.Hour)
		require.NoError(t, st.CreateMarket(ctx, &model.Market{
			ID: id, LeagueID: league, Question: "Question " + id, Status: model.StatusOpen,
			ClosesAt: &closes, CreatedBy: "alice", CreatedAt: t0,
		}))
	}
	return h
}

func (h *harness) balance(user string) int64 {
	h.t.Helper()
	m, err := h.st.GetMembership(h.ctx, league, user)
	require.NoError(h.t, err)
	return m.TokenBalance
}

func (h *harness) position(market, user string) model.Position {
	h.t.Helper()
	p, err := h.st.GetPosition(h.ctx, market, user)
	require.NoError(h.t, err)
	return *p
}

func (h *harness) market(id string) *model.Market {
	h.t.Helper()
	m, err := h.st.GetMarket(h.ctx, id)
	require.NoError(h.t, err)
	return m
}

func (h *harness) orders(market string) []model.Order {
	h.t.Helper()
	orders, err := h.st.ListOrders(h.ctx, market)
	require.NoError(h.t, err)
	return orders
}

func (h *harness) buy(market, user string, side model.Side, price, qty int64) *engine.Fill {
	h.t.Helper()
	h.clock.Advance(time.Second)
	f, err := h.eng.PlaceOrder(h.ctx, engine.OrderRequest{
		MarketID: market, UserID: user, Side: side, Price: price, Quantity: qty,
	})
	require.NoError(h.t, err)
	return f
}

func (h *harness) sell(market, user string, side model.Side, price, qty int64) *engine.Fill {
	h.t.Helper()
	h.clock.Advance(time.Second)
	f, err := h.eng.PlaceSellOrder(h.ctx, engine.OrderRequest{
		MarketID: market, UserID: user, Side: side, Price: price, Quantity: qty,
	})
	require.NoError(h.t, err)
	return f
}

// mint gives yesUser qty YES shares and noUser qty NO shares at YES price p.
func (h *harness) mint(market, yesUser, noUser string, price, qty int64) {
	h.t.Helper()
	h.buy(market, noUser, model.SideNo, price, qty)
	f := h.buy(market, yesUser, model.SideYes, price, qty)
	require.Equal(h.t, qty, f.Matched)
}

func (h *harness) report(market, user string) {
	h.t.Helper()
	res, err := h.eng.ReportOutcome(h.ctx, engine.ReportRequest{MarketID: market, UserID: user})
	require.NoError(h.t, err)
	require.True(h.t, res.Transitioned)
}

func (h *harness) eventTypes() []engine.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]engine.EventType, len(h.events))
	for i, ev := range h.events {
		types[i] = ev.Type
	}
	return types
}

// totalTokens sums league balances and the escrow of resting buy orders.
func (h *harness) totalTokens(markets ...string) int64 {
	h.t.Helper()
	var total int64
	for _, id := range []string{"alice", "bob", "carol", "dave", "root"} {
		total += h.balance(id)
	}
	for _, m := range markets {
		for _, o := range h.orders(m) {
			total += o.EscrowedCost()
		}
	}
	return total
}

// shareTotals counts YES and NO shares held in positions and escrowed in
// resting sell orders.
func (h *harness) shareTotals(market string) (yes, no int64) {
	h.t.Helper()
	positions, err := h.st.ListPositions(h.ctx, market)
	require.NoError(h.t, err)
	for _, p := range positions {
		yes += p.YesShares
		no += p.NoShares
	}
	for _, o := range h.orders(market) {
		if !o.IsSell {
			continue
		}
		if o.Side == model.SideYes {
			yes += o.Remaining
		} else {
			no += o.Remaining
		}
	}
	return yes, no
}

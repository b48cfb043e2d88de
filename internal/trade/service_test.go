package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/atmx/league-engine/internal/engine"
	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
	"github.com/atmx/league-engine/internal/trade"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// newTestEnv creates a test Service over a seeded in-memory store and
// mounts it on a chi router under /api/v1.
func newTestEnv(t *testing.T) (*engine.Engine, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.CreateLeague(ctx, &model.League{ID: "lg", Name: "League", JoinCode: "JOIN01", CreatedAt: t0}); err != nil {
		t.Fatalf("seed league: %v", err)
	}
	for _, id := range []string{"alice", "bob", "carol", "root"} {
		if err := ms.CreateUser(ctx, &model.User{ID: id, Username: id, IsAdmin: id == "root", CreatedAt: t0}); err != nil {
			t.Fatalf("seed user: %v", err)
		}
		if err := ms.AddMembership(ctx, &model.Membership{LeagueID: "lg", UserID: id, TokenBalance: 1000, JoinedAt: t0}); err != nil {
			t.Fatalf("seed membership: %v", err)
		}
	}
	closes := time.Now().UTC().Add(24 * time.Hour)
	if err := ms.CreateMarket(ctx, &model.Market{
		ID: "m1", LeagueID: "lg", Question: "Will it snow?", Status: model.StatusOpen,
		ClosesAt: &closes, CreatedBy: "alice", CreatedAt: t0,
	}); err != nil {
		t.Fatalf("seed market: %v", err)
	}

	eng := engine.New(ms)
	svc := trade.NewService(eng, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return eng, ms, r
}

func do(t *testing.T, router chi.Router, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(trade.UserHeader, user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, w)["error"]
}

func order(side string, price, qty int64) trade.OrderRequest {
	return trade.OrderRequest{Side: side, Price: price, Quantity: qty}
}

// --- Order tests ---

func TestPlaceOrder_RestsOnBook(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/markets/m1/orders", "alice", order("YES", 60, 2))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	fill := decode[engine.Fill](t, w)
	if fill.OrderID == "" || fill.Resting != 2 || fill.Escrowed != 120 {
		t.Errorf("unexpected fill: %+v", fill)
	}

	w = do(t, router, "GET", "/api/v1/markets/m1/book", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	book := decode[trade.Book](t, w)
	if len(book.Buys) != 1 || book.Buys[0].Quantity != 2 || book.Buys[0].Price != 60 {
		t.Errorf("unexpected book: %+v", book)
	}
}

func TestPlaceOrder_SyntheticMint(t *testing.T) {
	_, ms, router := newTestEnv(t)

	do(t, router, "POST", "/api/v1/markets/m1/orders", "bob", order("NO", 60, 1))
	w := do(t, router, "POST", "/api/v1/markets/m1/orders", "alice", order("YES", 60, 1))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	fill := decode[engine.Fill](t, w)
	if len(fill.Trades) != 1 || fill.Trades[0].Kind != model.TradeMint {
		t.Fatalf("expected one MINT trade, got %+v", fill.Trades)
	}

	pos, _ := ms.GetPosition(context.Background(), "m1", "bob")
	if pos.NoShares != 1 {
		t.Errorf("expected bob to hold 1 NO, got %d", pos.NoShares)
	}

	w = do(t, router, "GET", "/api/v1/markets/m1/trades", "", nil)
	if trades := decode[[]model.Trade](t, w); len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}
}

func TestPlaceOrder_ErrorMapping(t *testing.T) {
	_, _, router := newTestEnv(t)

	cases := []struct {
		name   string
		path   string
		user   string
		body   any
		status int
	}{
		{"missing user", "/api/v1/markets/m1/orders", "", order("YES", 50, 1), http.StatusUnauthorized},
		{"bad side", "/api/v1/markets/m1/orders", "alice", order("MAYBE", 50, 1), http.StatusBadRequest},
		{"bad price", "/api/v1/markets/m1/orders", "alice", order("YES", 100, 1), http.StatusBadRequest},
		{"bad quantity", "/api/v1/markets/m1/orders", "alice", order("YES", 50, 0), http.StatusBadRequest},
		{"no market", "/api/v1/markets/nope/orders", "alice", order("YES", 50, 1), http.StatusNotFound},
		{"too expensive", "/api/v1/markets/m1/orders", "alice", order("YES", 99, 100), http.StatusUnprocessableEntity},
		{"no shares", "/api/v1/markets/m1/sell", "alice", order("YES", 50, 1), http.StatusUnprocessableEntity},
		{"not a member", "/api/v1/markets/m1/orders", "mallory", order("YES", 50, 1), http.StatusForbidden},
		{"malformed", "/api/v1/markets/m1/orders", "alice", "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, "POST", tc.path, tc.user, tc.body)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			if errorOf(t, w) == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestPlaceOrder_RejectsWhenMarketVoting(t *testing.T) {
	_, _, router := newTestEnv(t)

	do(t, router, "POST", "/api/v1/markets/m1/report", "carol", nil)
	w := do(t, router, "POST", "/api/v1/markets/m1/orders", "alice", order("YES", 50, 1))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if msg := errorOf(t, w); msg != engine.ErrMarketNotOpen.Msg {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestCancelOrder(t *testing.T) {
	_, ms, router := newTestEnv(t)

	fill := decode[engine.Fill](t, do(t, router, "POST", "/api/v1/markets/m1/orders", "alice", order("NO", 30, 3)))

	w := do(t, router, "DELETE", "/api/v1/orders/"+fill.OrderID, "bob", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's order, got %d", w.Code)
	}

	w = do(t, router, "DELETE", "/api/v1/orders/"+fill.OrderID, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	mem, _ := ms.GetMembership(context.Background(), "lg", "alice")
	if mem.TokenBalance != 1000 {
		t.Errorf("expected escrow refunded, balance %d", mem.TokenBalance)
	}

	w = do(t, router, "DELETE", "/api/v1/orders/"+fill.OrderID, "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a cancelled order, got %d", w.Code)
	}
}

// --- Lifecycle tests ---

func TestCreateMarket(t *testing.T) {
	_, _, router := newTestEnv(t)

	closes := time.Now().UTC().Add(time.Hour)
	w := do(t, router, "POST", "/api/v1/markets", "bob", trade.CreateMarketRequest{
		LeagueID: "lg", Question: "Will the final go to extra time?", ClosesAt: &closes,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	m := decode[model.Market](t, w)
	if m.ID == "" || m.Status != model.StatusOpen || m.CreatedBy != "bob" {
		t.Errorf("unexpected market: %+v", m)
	}

	w = do(t, router, "GET", "/api/v1/markets?league_id=lg&status=open", "", nil)
	if markets := decode[[]model.Market](t, w); len(markets) != 2 {
		t.Errorf("expected 2 open markets, got %d", len(markets))
	}

	w = do(t, router, "POST", "/api/v1/markets", "bob", trade.CreateMarketRequest{LeagueID: "lg"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if msg := errorOf(t, w); !strings.Contains(msg, "question is required") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestGetMarket_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)
	w := do(t, router, "GET", "/api/v1/markets/missing", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestVoteFlow(t *testing.T) {
	_, ms, router := newTestEnv(t)
	ctx := context.Background()

	do(t, router, "POST", "/api/v1/markets/m1/orders", "bob", order("NO", 50, 5))
	do(t, router, "POST", "/api/v1/markets/m1/orders", "alice", order("YES", 50, 5))

	w := do(t, router, "POST", "/api/v1/markets/m1/report", "alice", trade.ReportRequest{EvidenceRef: "match-report"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if res := decode[engine.ReportResult](t, w); !res.Transitioned {
		t.Error("expected the first report to transition")
	}

	w = do(t, router, "GET", "/api/v1/me/pending-votes", "bob", nil)
	if pending := decode[[]model.Market](t, w); len(pending) != 1 {
		t.Fatalf("expected 1 pending vote, got %d", len(pending))
	}

	w = do(t, router, "GET", "/api/v1/markets/m1/stake", "alice", nil)
	if stake := decode[map[string]any](t, w)["stake_amount"]; stake != float64(50) {
		t.Errorf("expected stake 50, got %v", stake)
	}

	w = do(t, router, "POST", "/api/v1/markets/m1/votes", "carol", trade.VoteRequest{Choice: "YES"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a non-stakeholder, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/markets/m1/tally", "alice", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 before any vote, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/markets/m1/votes", "alice", trade.VoteRequest{Choice: "YES"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/markets/m1/votes", "bob", trade.VoteRequest{Choice: "YES"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[engine.VoteResult](t, w)
	if res.Tally == nil || res.Tally.Decision != engine.DecisionResolved {
		t.Fatalf("expected the last vote to resolve the market, got %+v", res.Tally)
	}

	m, _ := ms.GetMarket(ctx, "m1")
	if m.Status != model.StatusResolved || m.Outcome != model.SideYes {
		t.Errorf("expected RESOLVED/YES, got %s/%s", m.Status, m.Outcome)
	}
	mem, _ := ms.GetMembership(ctx, "lg", "alice")
	if mem.TokenBalance != 1250 {
		t.Errorf("expected alice at 1250, got %d", mem.TokenBalance)
	}

	w = do(t, router, "GET", "/api/v1/portfolio/alice?league_id=lg", "alice", nil)
	p := decode[trade.Portfolio](t, w)
	if p.Balance == nil || *p.Balance != 1250 || len(p.Positions) != 0 {
		t.Errorf("unexpected portfolio: %+v", p)
	}
}

func TestCastVote_StakeIsQuotedByServer(t *testing.T) {
	_, ms, router := newTestEnv(t)
	ctx := context.Background()

	do(t, router, "POST", "/api/v1/markets/m1/orders", "alice", order("YES", 50, 5))
	do(t, router, "POST", "/api/v1/markets/m1/orders", "bob", order("NO", 50, 5))
	if w := do(t, router, "POST", "/api/v1/markets/m1/report", "carol", trade.ReportRequest{}); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// A client-chosen stake in the body has no effect.
	w := do(t, router, "POST", "/api/v1/markets/m1/votes", "bob", map[string]any{"choice": "NO", "stake_amount": 0})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	res := decode[engine.VoteResult](t, w)
	if res.Vote.StakeAmount != 50 {
		t.Errorf("expected the quoted stake of 50, got %d", res.Vote.StakeAmount)
	}
	mem, _ := ms.GetMembership(ctx, "lg", "bob")
	if mem.TokenBalance != 700 {
		t.Errorf("expected bob at 700 after escrowing the stake, got %d", mem.TokenBalance)
	}
}

func TestAdminRoutes(t *testing.T) {
	_, ms, router := newTestEnv(t)
	ctx := context.Background()

	w := do(t, router, "POST", "/api/v1/markets/m1/resolve", "alice", trade.ResolveRequest{Outcome: "NO"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	w = do(t, router, "POST", "/api/v1/markets/m1/resolve", "root", trade.ResolveRequest{Outcome: "PERHAPS"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w = do(t, router, "POST", "/api/v1/markets/m1/resolve", "root", trade.ResolveRequest{Outcome: "NO"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, router, "POST", "/api/v1/markets/m1/cancel", "root", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on a settled market, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/admin/balances", "root", trade.AdjustRequest{LeagueID: "lg", UserID: "bob", Delta: 500})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	mem, _ := ms.GetMembership(ctx, "lg", "bob")
	if mem.TokenBalance != 1500 {
		t.Errorf("expected 1500, got %d", mem.TokenBalance)
	}

	w = do(t, router, "POST", "/api/v1/sweep", "bob", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for sweep, got %d", w.Code)
	}
	w = do(t, router, "POST", "/api/v1/sweep", "root", trade.SweepRequest{})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for sweep, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/portfolio/alice", "bob", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 reading another portfolio, got %d", w.Code)
	}
}

// --- Book, limiter, and hub ---

func TestBuildBook(t *testing.T) {
	orders := []model.Order{
		{ID: "1", Side: model.SideYes, Price: 40, Remaining: 2},
		{ID: "2", Side: model.SideYes, Price: 45, Remaining: 1},
		{ID: "3", Side: model.SideYes, Price: 40, Remaining: 3},
		{ID: "4", Side: model.SideNo, Price: 70, Remaining: 1},
		{ID: "5", Side: model.SideNo, Price: 60, Remaining: 4},
		{ID: "6", Side: model.SideYes, Price: 80, Remaining: 5, IsSell: true},
		{ID: "7", Side: model.SideYes, Price: 75, Remaining: 1, IsSell: true},
	}
	b := trade.BuildBook("m1", orders)

	want := []trade.BookLevel{
		{Side: model.SideYes, Price: 45, Quantity: 1, Orders: 1},
		{Side: model.SideYes, Price: 40, Quantity: 5, Orders: 2},
		{Side: model.SideNo, Price: 60, Quantity: 4, Orders: 1},
		{Side: model.SideNo, Price: 70, Quantity: 1, Orders: 1},
	}
	if len(b.Buys) != len(want) {
		t.Fatalf("expected %d buy levels, got %+v", len(want), b.Buys)
	}
	for i := range want {
		if b.Buys[i] != want[i] {
			t.Errorf("buy level %d: expected %+v, got %+v", i, want[i], b.Buys[i])
		}
	}
	if len(b.Sells) != 2 || b.Sells[0].Price != 75 {
		t.Errorf("expected cheapest sell first, got %+v", b.Sells)
	}
}

func TestRateLimiter(t *testing.T) {
	l := trade.NewRateLimiter(1, 2)
	if !l.Allow("alice") || !l.Allow("alice") {
		t.Fatal("burst should be allowed")
	}
	if l.Allow("alice") {
		t.Error("third request should be limited")
	}
	if !l.Allow("bob") {
		t.Error("limits are per user")
	}

	r := chi.NewRouter()
	r.Use(l.Middleware)
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	if w := do(t, r, "GET", "/", "alice", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}

	if !trade.NewRateLimiter(0, 0).Allow("x") {
		t.Error("zero rate disables limiting")
	}
}

func TestWSHub_BroadcastsEvents(t *testing.T) {
	hub := trade.NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?market_id=m1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(engine.Event{Type: engine.EventMarketReported, MarketID: "other"})
	hub.Publish(engine.Event{Type: engine.EventMarketReported, MarketID: "m1", UserID: "alice"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg trade.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != engine.EventMarketReported || msg.MarketID != "m1" || msg.Event.UserID != "alice" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

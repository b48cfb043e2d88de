// Package trade provides the HTTP handlers for league markets: market
// creation and queries, order placement and cancellation, the resolution
// vote, and admin settlement operations.
//
// The acting user is taken from the X-User-ID header, which an upstream
// identity layer is trusted to set.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atmx/league-engine/internal/engine"
	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-User-ID"

// Service exposes the engine over HTTP.
type Service struct {
	engine   *engine.Engine
	validate *validator.Validate
	log      *slog.Logger
}

// NewService creates a new trade service.
func NewService(eng *engine.Engine, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{engine: eng, validate: validator.New(), log: log}
}

// Routes mounts the API on r. Every route except the read-only market
// queries requires X-User-ID.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/book", s.GetBook)
	r.Get("/markets/{marketID}/trades", s.GetTrades)
	r.Get("/markets/{marketID}/positions", s.GetPositions)

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/markets", s.CreateMarket)
		r.Post("/markets/{marketID}/orders", s.PlaceOrder)
		r.Post("/markets/{marketID}/sell", s.PlaceSellOrder)
		r.Delete("/orders/{orderID}", s.CancelOrder)
		r.Post("/markets/{marketID}/report", s.ReportOutcome)
		r.Get("/markets/{marketID}/stake", s.QuoteStake)
		r.Post("/markets/{marketID}/votes", s.CastVote)
		r.Post("/markets/{marketID}/tally", s.TallyVotes)
		r.Post("/markets/{marketID}/resolve", s.ForceResolve)
		r.Post("/markets/{marketID}/cancel", s.CancelMarket)
		r.Post("/sweep", s.Sweep)
		r.Post("/admin/balances", s.AdjustBalance)
		r.Get("/me/pending-votes", s.PendingVotes)
		r.Get("/portfolio/{userID}", s.GetPortfolio)
	})
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	LeagueID string     `json:"league_id" validate:"required"`
	Question string     `json:"question" validate:"required,max=500"`
	ClosesAt *time.Time `json:"closes_at,omitempty"`
}

// OrderRequest is the JSON body for buy and sell orders. Price is the YES
// probability in cents for either side.
type OrderRequest struct {
	LeagueID string `json:"league_id,omitempty"`
	Side     string `json:"side" validate:"required,oneof=YES NO"`
	Price    int64  `json:"price"`
	Quantity int64  `json:"quantity"`
}

// ReportRequest is the JSON body for POST /markets/{marketID}/report.
type ReportRequest struct {
	EvidenceRef string `json:"evidence_ref,omitempty" validate:"max=2048"`
}

// VoteRequest is the JSON body for POST /markets/{marketID}/votes. The
// stake is always the server's quote for the voter's position.
type VoteRequest struct {
	LeagueID string `json:"league_id,omitempty"`
	Choice   string `json:"choice" validate:"required,oneof=YES NO"`
}

// MarketActionRequest is the optional JSON body for admin market actions.
type MarketActionRequest struct {
	LeagueID string `json:"league_id,omitempty"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	LeagueID string `json:"league_id,omitempty"`
	Outcome  string `json:"outcome" validate:"required,oneof=YES NO"`
}

// SweepRequest is the optional JSON body for POST /sweep.
type SweepRequest struct {
	MarketID string `json:"market_id,omitempty"`
}

// AdjustRequest is the JSON body for POST /admin/balances.
type AdjustRequest struct {
	LeagueID string `json:"league_id" validate:"required"`
	UserID   string `json:"user_id" validate:"required"`
	Delta    int64  `json:"delta" validate:"required"`
	Reason   string `json:"reason,omitempty" validate:"max=200"`
}

// BookLevel aggregates resting orders at one side, price and direction.
type BookLevel struct {
	Side     model.Side `json:"side"`
	Price    int64      `json:"price"`
	Quantity int64      `json:"quantity"`
	Orders   int        `json:"orders"`
}

// Book is the resting order book of a market.
type Book struct {
	MarketID string      `json:"market_id"`
	Buys     []BookLevel `json:"buys"`
	Sells    []BookLevel `json:"sells"`
}

// Portfolio is a user's positions and, when a league is given, the league
// balance.
type Portfolio struct {
	UserID    string           `json:"user_id"`
	LeagueID  string           `json:"league_id,omitempty"`
	Balance   *int64           `json:"balance,omitempty"`
	Positions []model.Position `json:"positions"`
	Pending   []model.Market   `json:"pending_votes"`
}

// --- HTTP Handlers ---

// ListMarkets handles GET /api/v1/markets, optionally filtered by
// ?league_id= and ?status=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.MarketFilter{
		LeagueID: q.Get("league_id"),
		Status:   model.MarketStatus(strings.ToUpper(q.Get("status"))),
	}
	markets, err := s.engine.Store().ListMarkets(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Store().GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.fail(w, r, lookupError(err, engine.ErrMarketNotFound))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetBook handles GET /api/v1/markets/{marketID}/book
func (s *Service) GetBook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.engine.Store().GetMarket(r.Context(), marketID); err != nil {
		s.fail(w, r, lookupError(err, engine.ErrMarketNotFound))
		return
	}
	orders, err := s.engine.Store().ListOrders(r.Context(), marketID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BuildBook(marketID, orders))
}

// BuildBook aggregates resting orders into price levels, best price first:
// highest YES price for YES buys, lowest for NO buys, and the reverse for
// sells.
func BuildBook(marketID string, orders []model.Order) Book {
	type key struct {
		side  model.Side
		price int64
		sell  bool
	}
	levels := make(map[key]*BookLevel)
	var keys []key
	for _, o := range orders {
		k := key{o.Side, o.Price, o.IsSell}
		l, ok := levels[k]
		if !ok {
			l = &BookLevel{Side: o.Side, Price: o.Price}
			levels[k] = l
			keys = append(keys, k)
		}
		l.Quantity += o.Remaining
		l.Orders++
	}

	b := Book{MarketID: marketID, Buys: []BookLevel{}, Sells: []BookLevel{}}
	for _, k := range keys {
		if k.sell {
			b.Sells = append(b.Sells, *levels[k])
		} else {
			b.Buys = append(b.Buys, *levels[k])
		}
	}
	// Best for a buyer is the highest unit cost it will pay; best for a
	// seller is the lowest unit cost it will accept.
	sortLevels(b.Buys, true)
	sortLevels(b.Sells, false)
	return b
}

func sortLevels(levels []BookLevel, desc bool) {
	sort.SliceStable(levels, func(i, j int) bool {
		a, b := levels[i], levels[j]
		if a.Side != b.Side {
			return a.Side == model.SideYes
		}
		ca, cb := model.UnitCost(a.Side, a.Price), model.UnitCost(b.Side, b.Price)
		if desc {
			return ca > cb
		}
		return ca < cb
	})
}

// GetTrades handles GET /api/v1/markets/{marketID}/trades
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.Store().ListTrades(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetPositions handles GET /api/v1/markets/{marketID}/positions
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.Store().ListPositions(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !s.decode(w, r, &req) {
		return
	}
	m, err := s.engine.CreateMarket(r.Context(), engine.CreateMarketRequest{
		LeagueID:  req.LeagueID,
		Question:  req.Question,
		ClosesAt:  req.ClosesAt,
		CreatedBy: UserFrom(r.Context()),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// PlaceOrder handles POST /api/v1/markets/{marketID}/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	s.order(w, r, s.engine.PlaceOrder)
}

// PlaceSellOrder handles POST /api/v1/markets/{marketID}/sell
func (s *Service) PlaceSellOrder(w http.ResponseWriter, r *http.Request) {
	s.order(w, r, s.engine.PlaceSellOrder)
}

func (s *Service) order(w http.ResponseWriter, r *http.Request, place func(context.Context, engine.OrderRequest) (*engine.Fill, error)) {
	var req OrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	fill, err := place(r.Context(), engine.OrderRequest{
		MarketID: chi.URLParam(r, "marketID"),
		UserID:   UserFrom(r.Context()),
		LeagueID: req.LeagueID,
		Side:     model.Side(req.Side),
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if fill.Trades == nil {
		fill.Trades = []model.Trade{}
	}
	status := http.StatusOK
	if fill.Resting > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, fill)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?league_id=
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.CancelOrder(r.Context(), engine.CancelRequest{
		ActorID:  UserFrom(r.Context()),
		OrderID:  chi.URLParam(r, "orderID"),
		LeagueID: r.URL.Query().Get("league_id"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ReportOutcome handles POST /api/v1/markets/{marketID}/report
func (s *Service) ReportOutcome(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	res, err := s.engine.ReportOutcome(r.Context(), engine.ReportRequest{
		MarketID:    chi.URLParam(r, "marketID"),
		UserID:      UserFrom(r.Context()),
		EvidenceRef: req.EvidenceRef,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// QuoteStake handles GET /api/v1/markets/{marketID}/stake
func (s *Service) QuoteStake(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.engine.Store().GetMarket(r.Context(), marketID); err != nil {
		s.fail(w, r, lookupError(err, engine.ErrMarketNotFound))
		return
	}
	stake, err := s.engine.QuoteStake(r.Context(), marketID, user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": marketID, "user_id": user, "stake_amount": stake})
}

// CastVote handles POST /api/v1/markets/{marketID}/votes
func (s *Service) CastVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	user := UserFrom(r.Context())
	marketID := chi.URLParam(r, "marketID")

	stake, err := s.engine.QuoteStake(r.Context(), marketID, user)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.engine.CastVote(r.Context(), engine.VoteRequest{
		MarketID:    marketID,
		UserID:      user,
		LeagueID:    req.LeagueID,
		Choice:      model.Side(req.Choice),
		StakeAmount: stake,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// TallyVotes handles POST /api/v1/markets/{marketID}/tally
func (s *Service) TallyVotes(w http.ResponseWriter, r *http.Request) {
	var req MarketActionRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	res, err := s.engine.TallyVotes(r.Context(), s.action(r, req.LeagueID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ForceResolve handles POST /api/v1/markets/{marketID}/resolve (admin).
func (s *Service) ForceResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.engine.ForceResolve(r.Context(), engine.ResolveRequest{
		MarketAction: s.action(r, req.LeagueID),
		Outcome:      model.Side(req.Outcome),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelMarket handles POST /api/v1/markets/{marketID}/cancel (admin).
func (s *Service) CancelMarket(w http.ResponseWriter, r *http.Request) {
	var req MarketActionRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	res, err := s.engine.CancelMarket(r.Context(), s.action(r, req.LeagueID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sweep handles POST /api/v1/sweep (admin). Sweep errors on individual
// markets are reported alongside the markets that were resolved.
func (s *Service) Sweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	admin, err := s.engine.Store().IsAdmin(r.Context(), UserFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !admin {
		s.fail(w, r, engine.ErrNotAuthorized)
		return
	}

	results, err := s.engine.SweepExpired(r.Context(), req.MarketID)
	if err != nil && engine.KindOf(err) == engine.KindNotFound {
		s.fail(w, r, err)
		return
	}
	if results == nil {
		results = []engine.SweepResult{}
	}
	resp := map[string]any{"resolved": results}
	if err != nil {
		s.log.Error("sweep incomplete", "error", err)
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdjustBalance handles POST /api/v1/admin/balances
func (s *Service) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !s.decode(w, r, &req) {
		return
	}
	balance, err := s.engine.AdjustBalance(r.Context(), engine.AdjustRequest{
		ActorID:  UserFrom(r.Context()),
		LeagueID: req.LeagueID,
		UserID:   req.UserID,
		Delta:    req.Delta,
		Reason:   req.Reason,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"league_id": req.LeagueID, "user_id": req.UserID, "token_balance": balance})
}

// PendingVotes handles GET /api/v1/me/pending-votes
func (s *Service) PendingVotes(w http.ResponseWriter, r *http.Request) {
	markets, err := s.engine.PendingVotes(r.Context(), UserFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetPortfolio handles GET /api/v1/portfolio/{userID}?league_id=. Users
// may only read their own portfolio unless they are admins.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	if actor := UserFrom(ctx); actor != userID {
		admin, err := s.engine.Store().IsAdmin(ctx, actor)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !admin {
			s.fail(w, r, engine.ErrNotAuthorized)
			return
		}
	}

	p := Portfolio{UserID: userID, LeagueID: r.URL.Query().Get("league_id")}
	if p.LeagueID != "" {
		mem, err := s.engine.Store().GetMembership(ctx, p.LeagueID, userID)
		if err != nil {
			s.fail(w, r, lookupError(err, engine.ErrNotAMember))
			return
		}
		p.Balance = &mem.TokenBalance
	}

	positions, err := s.engine.Store().ListUserPositions(ctx, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p.Positions = []model.Position{}
	for _, pos := range positions {
		if pos.Total() > 0 {
			p.Positions = append(p.Positions, pos)
		}
	}
	if p.Pending, err = s.engine.PendingVotes(ctx, userID); err != nil {
		s.fail(w, r, err)
		return
	}
	if p.Pending == nil {
		p.Pending = []model.Market{}
	}
	writeJSON(w, http.StatusOK, p)
}

// --- helpers ---

func (s *Service) action(r *http.Request, leagueID string) engine.MarketAction {
	return engine.MarketAction{
		ActorID:  UserFrom(r.Context()),
		MarketID: chi.URLParam(r, "marketID"),
		LeagueID: leagueID,
	}
}

// decode reads and validates a required JSON body.
func (s *Service) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return s.check(w, v)
}

// decodeOptional accepts an empty body.
func (s *Service) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return s.check(w, v)
	}
	return s.decode(w, r, v)
}

func (s *Service) check(w http.ResponseWriter, v any) bool {
	if err := s.validate.Struct(v); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

// validationMessage turns validator errors into one readable sentence.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of %s", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// fail writes an engine error with its mapped status. Store failures are
// logged and reported without detail.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = engine.ErrStore.Msg
	}
	writeError(w, msg, status)
}

// StatusFor maps an engine error kind to an HTTP status.
func StatusFor(err error) int {
	switch engine.KindOf(err) {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindStateConflict:
		return http.StatusConflict
	case engine.KindInsufficientFunds, engine.KindInsufficientShares:
		return http.StatusUnprocessableEntity
	case engine.KindNotAuthorized:
		return http.StatusForbidden
	case engine.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// lookupError maps store.ErrNotFound from a direct store read to the
// engine's not-found error.
func lookupError(err error, notFound *engine.Error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/atmx/league-engine/internal/metrics"
	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
)

// CreateMarketRequest opens a new market in a league. The creator must be a
// member of the league or an admin.
type CreateMarketRequest struct {
	LeagueID  string
	Question  string
	ClosesAt  *time.Time
	CreatedBy string
}

// CreateMarket stores a new OPEN market.
func (e *Engine) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.LeagueID == "" || req.Question == "" || req.CreatedBy == "" {
		return nil, ErrMissingField.with("league_id, question and creator are required")
	}
	now := e.now()
	if req.ClosesAt != nil && !req.ClosesAt.After(now) {
		return nil, ErrInvalidDeadline
	}

	if _, err := e.store.GetMembership(ctx, req.LeagueID, req.CreatedBy); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, storeError(err)
		}
		admin, err := e.store.IsAdmin(ctx, req.CreatedBy)
		if err != nil {
			return nil, storeError(err)
		}
		if !admin {
			return nil, ErrNotAMember
		}
	}

	m := &model.Market{
		ID:        e.newID(),
		LeagueID:  req.LeagueID,
		Question:  req.Question,
		Status:    model.StatusOpen,
		ClosesAt:  req.ClosesAt,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
	}
	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, storeError(err)
	}
	metrics.ActiveMarkets.Inc()

	e.log.Info("market created", "id", m.ID, "league", m.LeagueID, "creator", m.CreatedBy)
	e.publish(Event{Type: EventMarketCreated, MarketID: m.ID, UserID: m.CreatedBy, Market: m})
	return m, nil
}

// ReportRequest moves an OPEN market into voting.
type ReportRequest struct {
	MarketID    string
	UserID      string
	EvidenceRef string
}

// ReportResult says whether this call performed the transition. A report
// that lost the race to another reporter is not an error.
type ReportResult struct {
	Transitioned bool          `json:"transitioned"`
	Market       *model.Market `json:"market"`
}

// ReportOutcome asserts YES and opens the resolution vote. The transition is
// a compare-and-swap on status OPEN.
func (e *Engine) ReportOutcome(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	if req.MarketID == "" || req.UserID == "" {
		return nil, ErrMissingField.with("market_id and user_id are required")
	}

	var res *ReportResult
	err := e.inMarketTx(ctx, req.MarketID, func(tx store.Tx) error {
		m, err := lockMarket(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		switch m.Status {
		case model.StatusOpen:
		case model.StatusVoting:
			res = &ReportResult{Market: m}
			return nil
		default:
			return ErrMarketNotOpen
		}

		now := e.now()
		m.Status = model.StatusVoting
		m.Outcome = model.SideYes
		m.ReportedAt = &now
		m.ReportedBy = req.UserID
		m.EvidenceRef = req.EvidenceRef
		ok, err := tx.UpdateMarketStatus(ctx, m, model.StatusOpen)
		if err != nil {
			return err
		}
		if !ok {
			current, err := tx.GetMarket(ctx, req.MarketID)
			if err != nil {
				return err
			}
			res = &ReportResult{Market: current}
			return nil
		}
		res = &ReportResult{Transitioned: true, Market: m}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Transitioned {
		e.log.Info("report lost race", "market", req.MarketID, "user", req.UserID, "status", res.Market.Status)
		return res, nil
	}
	trackOpen(model.StatusOpen, model.StatusVoting)
	e.log.Info("market reported", "market", req.MarketID, "user", req.UserID, "evidence", req.EvidenceRef)
	e.publish(Event{Type: EventMarketReported, MarketID: req.MarketID, UserID: req.UserID, Market: res.Market})
	return res, nil
}

// MarketAction identifies an admin operation on a market. LeagueID is only
// consulted for legacy markets without a league.
type MarketAction struct {
	ActorID  string
	MarketID string
	LeagueID string
}

// ResolveRequest force-resolves a market with a chosen outcome.
type ResolveRequest struct {
	MarketAction
	Outcome model.Side
}

// Settlement summarises the money movements of a resolution or cancellation.
type Settlement struct {
	MarketID       string             `json:"market_id"`
	Status         model.MarketStatus `json:"status"`
	Outcome        model.Side         `json:"outcome,omitempty"`
	OrdersRefunded int                `json:"orders_refunded"`
	TokensRefunded int64              `json:"tokens_refunded"`
	StakesReturned int64              `json:"stakes_returned"`
	Winners        int                `json:"winners"`
	Payout         int64              `json:"payout"`
}

// ForceResolve lets an admin resolve a non-terminal market directly. Any
// escrowed vote stakes are returned since no consensus was reached.
func (e *Engine) ForceResolve(ctx context.Context, req ResolveRequest) (*Settlement, error) {
	if req.MarketID == "" {
		return nil, ErrMissingField.with("market_id is required")
	}
	if !req.Outcome.Valid() {
		return nil, ErrInvalidSide.with("outcome must be YES or NO")
	}

	var s *Settlement
	var from model.MarketStatus
	err := e.inMarketTx(ctx, req.MarketID, func(tx store.Tx) error {
		if err := e.requireAdmin(ctx, tx, req.ActorID); err != nil {
			return err
		}
		m, err := lockMarket(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return ErrMarketFinal
		}
		league, err := leagueFor(m, req.LeagueID)
		if err != nil {
			return err
		}
		from = m.Status

		if err := e.transition(ctx, tx, m, model.StatusResolved, req.Outcome); err != nil {
			return err
		}
		returned, err := returnStakes(ctx, tx, league, m.ID, nil)
		if err != nil {
			return err
		}
		s, err = e.settle(ctx, tx, m, league)
		if err != nil {
			return err
		}
		s.StakesReturned = returned
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.afterSettlement("force", from, s, req.ActorID)
	return s, nil
}

// CancelMarket voids a non-terminal market. Order escrow and vote stakes are
// returned; positions are not paid out.
func (e *Engine) CancelMarket(ctx context.Context, req MarketAction) (*Settlement, error) {
	if req.MarketID == "" {
		return nil, ErrMissingField.with("market_id is required")
	}

	var s *Settlement
	var from model.MarketStatus
	err := e.inMarketTx(ctx, req.MarketID, func(tx store.Tx) error {
		if err := e.requireAdmin(ctx, tx, req.ActorID); err != nil {
			return err
		}
		m, err := lockMarket(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return ErrMarketFinal
		}
		league, err := leagueFor(m, req.LeagueID)
		if err != nil {
			return err
		}
		from = m.Status

		if err := e.transition(ctx, tx, m, model.StatusCancelled, ""); err != nil {
			return err
		}
		s = &Settlement{MarketID: m.ID, Status: model.StatusCancelled}
		s.OrdersRefunded, s.TokensRefunded, err = refundBook(ctx, tx, league, m.ID)
		if err != nil {
			return err
		}
		s.StakesReturned, err = returnStakes(ctx, tx, league, m.ID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.afterSettlement("cancel", from, s, req.ActorID)
	return s, nil
}

// transition writes the terminal status with a compare-and-swap from the
// tradable states. Losing the swap means another settlement already ran.
func (e *Engine) transition(ctx context.Context, tx store.Tx, m *model.Market, to model.MarketStatus, outcome model.Side) error {
	now := e.now()
	m.Status = to
	m.Outcome = outcome
	m.ResolvedAt = &now
	ok, err := tx.UpdateMarketStatus(ctx, m, model.StatusOpen, model.StatusVoting)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMarketFinal
	}
	return nil
}

// settle is the shared resolution routine. It must run in the transaction
// that moved the market to RESOLVED: escrowed sell shares go back to their
// owners, resting buy escrow is refunded, every winning share pays out
// model.Payout tokens, and positions are zeroed.
func (e *Engine) settle(ctx context.Context, tx store.Tx, m *model.Market, league string) (*Settlement, error) {
	s := &Settlement{MarketID: m.ID, Status: m.Status, Outcome: m.Outcome}

	var err error
	s.OrdersRefunded, s.TokensRefunded, err = refundBook(ctx, tx, league, m.ID)
	if err != nil {
		return nil, err
	}

	positions, err := tx.ListPositions(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		p := &positions[i]
		if p.Total() == 0 {
			continue
		}
		if won := p.Shares(m.Outcome); won > 0 {
			amount := won * model.Payout
			if _, err := tx.AdjustBalance(ctx, league, p.UserID, amount); err != nil {
				return nil, err
			}
			s.Winners++
			s.Payout += amount
		}
		if err := tx.ZeroPosition(ctx, m.ID, p.UserID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// refundBook releases and deletes every resting order of a market.
func refundBook(ctx context.Context, tx store.Tx, league, marketID string) (int, int64, error) {
	orders, err := tx.ListOrders(ctx, marketID)
	if err != nil {
		return 0, 0, err
	}
	var tokens int64
	for i := range orders {
		refunded, err := refundOrder(ctx, tx, league, &orders[i])
		if err != nil {
			return 0, 0, err
		}
		tokens += refunded
	}
	return len(orders), tokens, nil
}

// returnStakes refunds unreturned vote stakes, optionally only for voters of
// one choice, and marks them returned.
func returnStakes(ctx context.Context, tx store.Tx, league, marketID string, only *model.Side) (int64, error) {
	votes, err := tx.ListVotes(ctx, marketID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, v := range votes {
		if v.StakeReturned || (only != nil && v.Choice != *only) {
			continue
		}
		if v.StakeAmount > 0 {
			if _, err := tx.AdjustBalance(ctx, league, v.UserID, v.StakeAmount); err != nil {
				return 0, err
			}
			total += v.StakeAmount
		}
		if err := tx.MarkStakeReturned(ctx, marketID, v.UserID); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (e *Engine) afterSettlement(reason string, from model.MarketStatus, s *Settlement, actor string) {
	metrics.Settlements.WithLabelValues(reason).Inc()
	metrics.Payouts.Add(float64(s.Payout))
	trackOpen(from, s.Status)

	e.log.Info("market settled",
		"market", s.MarketID,
		"reason", reason,
		"actor", actor,
		"status", s.Status,
		"outcome", s.Outcome,
		"orders_refunded", s.OrdersRefunded,
		"tokens_refunded", s.TokensRefunded,
		"stakes_returned", s.StakesReturned,
		"winners", s.Winners,
		"payout", s.Payout,
	)

	typ := EventMarketResolved
	if s.Status == model.StatusCancelled {
		typ = EventMarketCancelled
	}
	e.publish(Event{Type: typ, MarketID: s.MarketID, UserID: actor})
}

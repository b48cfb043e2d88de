package engine

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/league-engine/internal/metrics"
	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
)

// OrderRequest places a buy (mint) order or a sell order. Price is the YES
// probability in cents for either side. LeagueID is only consulted for
// legacy markets without a league.
type OrderRequest struct {
	MarketID string
	UserID   string
	LeagueID string
	Side     model.Side
	Price    int64
	Quantity int64
}

func (r OrderRequest) validate() error {
	if r.MarketID == "" || r.UserID == "" {
		return ErrMissingField.with("market_id and user_id are required")
	}
	if !r.Side.Valid() {
		return ErrInvalidSide
	}
	if r.Price < model.MinPrice || r.Price > model.MaxPrice {
		return ErrInvalidPrice
	}
	if r.Quantity < 1 {
		return ErrInvalidQuantity
	}
	return nil
}

// Fill reports what happened to an order. OrderID is set when a remainder
// rests on the book.
type Fill struct {
	OrderID  string        `json:"order_id,omitempty"`
	Matched  int64         `json:"matched_quantity"`
	Resting  int64         `json:"resting_quantity"`
	Escrowed int64         `json:"escrowed"`
	Trades   []model.Trade `json:"trades"`
}

// TradeCount is the number of executions.
func (f *Fill) TradeCount() int { return len(f.Trades) }

// PlaceOrder buys Quantity contracts of Side at Price. The full cost is
// escrowed from the league balance before matching. The order first takes
// resting sell orders of the same side at the same price, then mints new
// pairs against resting buy orders of the opposite side at the same YES
// price; anything left rests as a buy order.
func (e *Engine) PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	start := time.Now()
	if err := req.validate(); err != nil {
		metrics.OrderRejections.WithLabelValues(codeOf(err)).Inc()
		return nil, err
	}

	var fill *Fill
	var resting *model.Order
	err := e.inMarketTx(ctx, req.MarketID, func(tx store.Tx) error {
		fill, resting = &Fill{}, nil

		m, league, err := e.tradableMarket(ctx, tx, req)
		if err != nil {
			return err
		}
		admin, err := tx.IsAdmin(ctx, req.UserID)
		if err != nil {
			return err
		}
		mem, err := tx.LockMembership(ctx, league, req.UserID)
		if err != nil {
			return notFound(err, ErrNotAMember)
		}

		cost := model.UnitCost(req.Side, req.Price) * req.Quantity
		if !admin && mem.TokenBalance < cost {
			return ErrInsufficientBalance.with("insufficient balance: need %d, have %d", cost, mem.TokenBalance)
		}
		if _, err := tx.AdjustBalance(ctx, league, req.UserID, -cost); err != nil {
			return err
		}
		fill.Escrowed = cost

		remaining := req.Quantity
		mt := matcher{e: e, tx: tx, market: m, league: league, fill: fill}

		// Direct transfer: resting sellers of the same side.
		remaining, err = mt.transferFromSellers(ctx, req, remaining)
		if err != nil {
			return err
		}
		// Synthetic mint: resting buyers of the opposite side.
		remaining, err = mt.mintAgainstBuyers(ctx, req, remaining)
		if err != nil {
			return err
		}

		fill.Matched = req.Quantity - remaining
		if remaining > 0 {
			resting, err = e.rest(ctx, tx, req, remaining, false)
			if err != nil {
				return err
			}
			fill.OrderID, fill.Resting = resting.ID, remaining
		}
		return nil
	})
	if err != nil {
		metrics.OrderRejections.WithLabelValues(codeOf(err)).Inc()
		return nil, err
	}

	e.afterOrder("buy", req, fill, resting, start)
	return fill, nil
}

// PlaceSellOrder offers Quantity already-owned shares of Side at Price. The
// shares are escrowed out of the position before matching against resting
// buy orders of the same side at the same price; the remainder rests as a
// sell order.
func (e *Engine) PlaceSellOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	start := time.Now()
	if err := req.validate(); err != nil {
		metrics.OrderRejections.WithLabelValues(codeOf(err)).Inc()
		return nil, err
	}

	var fill *Fill
	var resting *model.Order
	err := e.inMarketTx(ctx, req.MarketID, func(tx store.Tx) error {
		fill, resting = &Fill{}, nil

		m, league, err := e.tradableMarket(ctx, tx, req)
		if err != nil {
			return err
		}
		if _, err := tx.LockMembership(ctx, league, req.UserID); err != nil {
			return notFound(err, ErrNotAMember)
		}
		pos, err := tx.LockPosition(ctx, req.MarketID, req.UserID)
		if err != nil {
			return err
		}
		if held := pos.Shares(req.Side); held < req.Quantity {
			return ErrInsufficientShares.with("insufficient %s shares: need %d, have %d", req.Side, req.Quantity, held)
		}
		dYes, dNo := sideDelta(req.Side, -req.Quantity)
		if _, err := tx.AdjustPosition(ctx, req.MarketID, req.UserID, dYes, dNo); err != nil {
			return err
		}

		mt := matcher{e: e, tx: tx, market: m, league: league, fill: fill}
		remaining, err := mt.sellToBuyers(ctx, req, req.Quantity)
		if err != nil {
			return err
		}

		fill.Matched = req.Quantity - remaining
		if remaining > 0 {
			resting, err = e.rest(ctx, tx, req, remaining, true)
			if err != nil {
				return err
			}
			fill.OrderID, fill.Resting = resting.ID, remaining
		}
		return nil
	})
	if err != nil {
		metrics.OrderRejections.WithLabelValues(codeOf(err)).Inc()
		return nil, err
	}

	e.afterOrder("sell", req, fill, resting, start)
	return fill, nil
}

// tradableMarket applies the preconditions shared by buy and sell orders.
func (e *Engine) tradableMarket(ctx context.Context, tx store.Tx, req OrderRequest) (*model.Market, string, error) {
	m, err := lockMarket(ctx, tx, req.MarketID)
	if err != nil {
		return nil, "", err
	}
	if m.Status != model.StatusOpen {
		return nil, "", ErrMarketNotOpen
	}
	league, err := leagueFor(m, req.LeagueID)
	if err != nil {
		return nil, "", err
	}
	pending, err := tx.PendingVoteMarkets(ctx, req.UserID)
	if err != nil {
		return nil, "", err
	}
	if len(pending) > 0 {
		return nil, "", ErrPendingVoteBlocksTrading
	}
	return m, league, nil
}

func (e *Engine) rest(ctx context.Context, tx store.Tx, req OrderRequest, remaining int64, sell bool) (*model.Order, error) {
	o := &model.Order{
		ID:        e.newID(),
		MarketID:  req.MarketID,
		UserID:    req.UserID,
		Side:      req.Side,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Remaining: remaining,
		IsSell:    sell,
		CreatedAt: e.now(),
	}
	if err := tx.InsertOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (e *Engine) afterOrder(kind string, req OrderRequest, fill *Fill, resting *model.Order, start time.Time) {
	metrics.OrdersTotal.WithLabelValues(kind, string(req.Side)).Inc()
	metrics.OrderLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	for _, t := range fill.Trades {
		metrics.TradesTotal.WithLabelValues(string(t.Kind)).Inc()
		metrics.TradeVolume.WithLabelValues(string(t.Kind)).Add(float64(t.Quantity))
	}

	e.log.Info("order placed",
		"market", req.MarketID,
		"user", req.UserID,
		"kind", kind,
		"side", req.Side,
		"price", req.Price,
		"quantity", req.Quantity,
		"matched", fill.Matched,
		"resting", fill.Resting,
		"trades", fill.TradeCount(),
	)

	if len(fill.Trades) > 0 {
		e.publish(Event{Type: EventTrades, MarketID: req.MarketID, UserID: req.UserID, Trades: fill.Trades})
	}
	if resting != nil {
		e.publish(Event{Type: EventOrderPlaced, MarketID: req.MarketID, UserID: req.UserID, Order: resting})
	}
}

// CancelRequest withdraws a resting order. Only the owner or an admin may
// cancel.
type CancelRequest struct {
	ActorID  string
	OrderID  string
	LeagueID string
}

// CancelOrder deletes a resting order while its market is OPEN. Escrowed
// shares of a sell order go back to the owner's position; the escrowed cost
// of an unfilled buy remainder goes back to the owner's league balance.
func (e *Engine) CancelOrder(ctx context.Context, req CancelRequest) (*model.Order, error) {
	if req.ActorID == "" || req.OrderID == "" {
		return nil, ErrMissingField.with("actor and order_id are required")
	}
	o, err := e.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, storeError(notFound(err, ErrOrderNotFound))
	}

	var cancelled *model.Order
	err = e.inMarketTx(ctx, o.MarketID, func(tx store.Tx) error {
		o, err := tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return notFound(err, ErrOrderNotFound)
		}
		if o.UserID != req.ActorID {
			admin, err := tx.IsAdmin(ctx, req.ActorID)
			if err != nil {
				return err
			}
			if !admin {
				return ErrNotAuthorized.with("only the order owner or an admin may cancel")
			}
		}
		m, err := lockMarket(ctx, tx, o.MarketID)
		if err != nil {
			return err
		}
		if m.Status != model.StatusOpen {
			return ErrMarketNotOpen
		}
		league, err := leagueFor(m, req.LeagueID)
		if err != nil {
			return err
		}
		if _, err := refundOrder(ctx, tx, league, o); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("order cancelled",
		"order", cancelled.ID,
		"market", cancelled.MarketID,
		"owner", cancelled.UserID,
		"actor", req.ActorID,
		"remaining", cancelled.Remaining,
		"sell", cancelled.IsSell,
	)
	e.publish(Event{Type: EventOrderCancelled, MarketID: cancelled.MarketID, UserID: cancelled.UserID, Order: cancelled})
	return cancelled, nil
}

// refundOrder releases what a resting order holds in escrow and deletes it.
// It returns the tokens refunded.
func refundOrder(ctx context.Context, tx store.Tx, league string, o *model.Order) (int64, error) {
	var refunded int64
	if o.IsSell {
		if o.Remaining > 0 {
			dYes, dNo := sideDelta(o.Side, o.Remaining)
			if _, err := tx.AdjustPosition(ctx, o.MarketID, o.UserID, dYes, dNo); err != nil {
				return 0, err
			}
		}
	} else if refunded = o.EscrowedCost(); refunded > 0 {
		if _, err := tx.AdjustBalance(ctx, league, o.UserID, refunded); err != nil {
			return 0, err
		}
	}
	if err := tx.DeleteOrder(ctx, o.ID); err != nil {
		return 0, err
	}
	return refunded, nil
}

// sideDelta expresses a change of n shares of side as (dYes, dNo).
func sideDelta(side model.Side, n int64) (int64, int64) {
	if side == model.SideNo {
		return 0, n
	}
	return n, 0
}

func codeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrStore.Code
}

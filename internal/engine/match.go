package engine

import (
	"context"

	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
)

// matcher walks resting orders at a single price level. Only the exact
// price is eligible; there is no sweep across levels.
type matcher struct {
	e      *Engine
	tx     store.Tx
	market *model.Market
	league string
	fill   *Fill
}

// transferFromSellers fills an incoming buy from resting sell orders of the
// same side. Shares change hands and the seller is paid the unit cost of the
// side. It returns the quantity still unfilled.
func (mt *matcher) transferFromSellers(ctx context.Context, req OrderRequest, remaining int64) (int64, error) {
	sellers, err := mt.tx.MatchableOrders(ctx, store.OrderQuery{
		MarketID:      req.MarketID,
		Side:          req.Side,
		Price:         req.Price,
		IsSell:        true,
		ExcludeUserID: req.UserID,
	})
	if err != nil {
		return remaining, err
	}

	for i := range sellers {
		if remaining == 0 {
			break
		}
		c := &sellers[i]
		qty := min(remaining, c.Remaining)

		proceeds := model.UnitCost(req.Side, req.Price) * qty
		if _, err := mt.tx.AdjustBalance(ctx, mt.league, c.UserID, proceeds); err != nil {
			return remaining, err
		}
		if err := mt.credit(ctx, req.UserID, req.Side, qty); err != nil {
			return remaining, err
		}
		if err := mt.consume(ctx, c, qty); err != nil {
			return remaining, err
		}
		if err := mt.record(ctx, req.Side, req.UserID, c.UserID, req.Price, qty, model.TradeTransfer); err != nil {
			return remaining, err
		}
		remaining -= qty
	}
	return remaining, nil
}

// mintAgainstBuyers pairs an incoming buy with resting buy orders of the
// opposite side at the same YES price. Both sides already escrowed their unit
// cost, which together is exactly the payout of one pair, so each unit mints
// one YES and one NO share.
func (mt *matcher) mintAgainstBuyers(ctx context.Context, req OrderRequest, remaining int64) (int64, error) {
	if remaining == 0 {
		return 0, nil
	}
	buyers, err := mt.tx.MatchableOrders(ctx, store.OrderQuery{
		MarketID:      req.MarketID,
		Side:          req.Side.Opposite(),
		Price:         req.Price,
		IsSell:        false,
		ExcludeUserID: req.UserID,
	})
	if err != nil {
		return remaining, err
	}

	for i := range buyers {
		if remaining == 0 {
			break
		}
		c := &buyers[i]
		qty := min(remaining, c.Remaining)

		if err := mt.credit(ctx, req.UserID, req.Side, qty); err != nil {
			return remaining, err
		}
		if err := mt.credit(ctx, c.UserID, c.Side, qty); err != nil {
			return remaining, err
		}
		if err := mt.consume(ctx, c, qty); err != nil {
			return remaining, err
		}
		if err := mt.record(ctx, req.Side, req.UserID, c.UserID, req.Price, qty, model.TradeMint); err != nil {
			return remaining, err
		}
		remaining -= qty
	}
	return remaining, nil
}

// sellToBuyers fills an incoming sell from resting buy orders of the same
// side. The buyers' cost is already escrowed and becomes the seller's
// proceeds.
func (mt *matcher) sellToBuyers(ctx context.Context, req OrderRequest, remaining int64) (int64, error) {
	buyers, err := mt.tx.MatchableOrders(ctx, store.OrderQuery{
		MarketID:      req.MarketID,
		Side:          req.Side,
		Price:         req.Price,
		IsSell:        false,
		ExcludeUserID: req.UserID,
	})
	if err != nil {
		return remaining, err
	}

	for i := range buyers {
		if remaining == 0 {
			break
		}
		c := &buyers[i]
		qty := min(remaining, c.Remaining)

		proceeds := model.UnitCost(req.Side, req.Price) * qty
		if _, err := mt.tx.AdjustBalance(ctx, mt.league, req.UserID, proceeds); err != nil {
			return remaining, err
		}
		if err := mt.credit(ctx, c.UserID, req.Side, qty); err != nil {
			return remaining, err
		}
		if err := mt.consume(ctx, c, qty); err != nil {
			return remaining, err
		}
		if err := mt.record(ctx, req.Side, c.UserID, req.UserID, req.Price, qty, model.TradeTransfer); err != nil {
			return remaining, err
		}
		remaining -= qty
	}
	return remaining, nil
}

func (mt *matcher) credit(ctx context.Context, userID string, side model.Side, qty int64) error {
	dYes, dNo := sideDelta(side, qty)
	_, err := mt.tx.AdjustPosition(ctx, mt.market.ID, userID, dYes, dNo)
	return err
}

// consume takes qty from a resting order, deleting it once exhausted.
func (mt *matcher) consume(ctx context.Context, o *model.Order, qty int64) error {
	o.Remaining -= qty
	if o.Remaining == 0 {
		return mt.tx.DeleteOrder(ctx, o.ID)
	}
	return mt.tx.SetOrderRemaining(ctx, o.ID, o.Remaining)
}

// record stores a trade. holder receives shares of side; the other party
// takes the complementary role (NO holder in a mint, seller in a transfer).
func (mt *matcher) record(ctx context.Context, side model.Side, holder, other string, price, qty int64, kind model.TradeKind) error {
	t := model.Trade{
		ID:        mt.e.newID(),
		MarketID:  mt.market.ID,
		Price:     price,
		Quantity:  qty,
		Kind:      kind,
		CreatedAt: mt.e.now(),
	}
	if side == model.SideYes {
		t.YesUserID, t.NoUserID = holder, other
	} else {
		t.YesUserID, t.NoUserID = other, holder
	}
	if err := mt.tx.InsertTrade(ctx, &t); err != nil {
		return err
	}
	mt.fill.Trades = append(mt.fill.Trades, t)
	return nil
}

package engine

import (
	"context"

	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
)

// AdjustRequest changes a league balance by Delta tokens.
type AdjustRequest struct {
	ActorID  string
	LeagueID string
	UserID   string
	Delta    int64
	Reason   string
}

// AdjustBalance lets an admin credit or debit a member's league balance. The
// result may not go negative. It returns the new balance.
func (e *Engine) AdjustBalance(ctx context.Context, req AdjustRequest) (int64, error) {
	if req.LeagueID == "" || req.UserID == "" {
		return 0, ErrMissingField.with("league_id and user_id are required")
	}
	if req.Delta == 0 {
		return 0, ErrInvalidAmount
	}

	unlock, err := e.locker.Lock(ctx, "membership:"+req.LeagueID+":"+req.UserID)
	if err != nil {
		return 0, ErrBusy
	}
	defer unlock()

	var balance int64
	err = e.runTx(ctx, func(tx store.Tx) error {
		if err := e.requireAdmin(ctx, tx, req.ActorID); err != nil {
			return err
		}
		mem, err := tx.LockMembership(ctx, req.LeagueID, req.UserID)
		if err != nil {
			return notFound(err, ErrNotAMember)
		}
		if mem.TokenBalance+req.Delta < 0 {
			return ErrInsufficientBalance.with("balance %d cannot absorb %d", mem.TokenBalance, req.Delta)
		}
		balance, err = tx.AdjustBalance(ctx, req.LeagueID, req.UserID, req.Delta)
		return err
	})
	if err != nil {
		return 0, err
	}

	e.log.Info("balance adjusted",
		"league", req.LeagueID,
		"user", req.UserID,
		"actor", req.ActorID,
		"delta", req.Delta,
		"balance", balance,
		"reason", req.Reason,
	)
	e.publish(Event{Type: EventBalanceAdjusted, UserID: req.UserID, Balance: &balance})
	return balance, nil
}

// PendingVotes lists markets in VOTING where userID holds shares but has not
// voted. While the list is non-empty the user cannot trade.
func (e *Engine) PendingVotes(ctx context.Context, userID string) ([]model.Market, error) {
	if userID == "" {
		return nil, ErrMissingField.with("user_id is required")
	}
	markets, err := e.store.PendingVoteMarkets(ctx, userID)
	if err != nil {
		return nil, storeError(err)
	}
	return markets, nil
}

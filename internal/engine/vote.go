package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/league-engine/internal/metrics"
	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
)

var (
	hundred = decimal.NewFromInt(100)
	fifty   = decimal.NewFromInt(50)
)

// ComputeStake is the stake a holder of yes+no shares escrows to vote:
// floor(shares * 100 * pct / 100).
func ComputeStake(yesShares, noShares int64, pct decimal.Decimal) int64 {
	value := decimal.NewFromInt((yesShares + noShares) * model.Payout)
	return value.Mul(pct).Div(hundred).Floor().IntPart()
}

// QuoteStake returns the stake userID would escrow to vote on marketID under
// the current settings. Positions do not move while a market is in voting,
// so this equals the stake computed when voting began.
func (e *Engine) QuoteStake(ctx context.Context, marketID, userID string) (int64, error) {
	settings, err := e.store.GetVotingSettings(ctx)
	if err != nil {
		return 0, storeError(err)
	}
	pos, err := e.store.GetPosition(ctx, marketID, userID)
	if err != nil {
		return 0, storeError(err)
	}
	return ComputeStake(pos.YesShares, pos.NoShares, settings.StakePercentage), nil
}

// Decision is the result of a tally.
type Decision string

const (
	DecisionResolved Decision = "RESOLVED"
	DecisionRejected Decision = "REJECTED"
)

// TallyOutcome is the weighted result of a set of votes.
type TallyOutcome struct {
	Decision      Decision        `json:"decision"`
	Outcome       model.Side      `json:"outcome,omitempty"`
	YesWeight     decimal.Decimal `json:"yes_weight"`
	NoWeight      decimal.Decimal `json:"no_weight"`
	YesPercentage decimal.Decimal `json:"yes_percentage"`
	Votes         int             `json:"votes"`
	YesVoters     int             `json:"yes_voters"`
	NoVoters      int             `json:"no_voters"`
	AdminVoters   int             `json:"admin_voters"`
}

// Tally weighs votes by bloc. Non-admin YES voters share the YES bloc weight
// in proportion to their share of all non-admin voters, and likewise for NO.
// Each admin adds the admin weight to their choice. YES wins only with a
// weighted share strictly above 50%; no votes at all is a rejection.
func Tally(votes []model.Vote, admins map[string]bool, s model.VotingSettings) TallyOutcome {
	var out TallyOutcome
	out.Votes = len(votes)

	var adminYes, adminNo int64
	for _, v := range votes {
		switch {
		case admins[v.UserID]:
			out.AdminVoters++
			if v.Choice == model.SideYes {
				adminYes++
			} else {
				adminNo++
			}
		case v.Choice == model.SideYes:
			out.YesVoters++
		default:
			out.NoVoters++
		}
	}

	out.YesWeight = decimal.Zero
	out.NoWeight = decimal.Zero
	if n := out.YesVoters + out.NoVoters; n > 0 {
		total := decimal.NewFromInt(int64(n))
		out.YesWeight = s.YesBlocWeight.Mul(decimal.NewFromInt(int64(out.YesVoters))).Div(total)
		out.NoWeight = s.NoBlocWeight.Mul(decimal.NewFromInt(int64(out.NoVoters))).Div(total)
	}
	out.YesWeight = out.YesWeight.Add(s.AdminWeight.Mul(decimal.NewFromInt(adminYes)))
	out.NoWeight = out.NoWeight.Add(s.AdminWeight.Mul(decimal.NewFromInt(adminNo)))

	out.YesPercentage = decimal.Zero
	if sum := out.YesWeight.Add(out.NoWeight); sum.IsPositive() {
		out.YesPercentage = out.YesWeight.Div(sum).Mul(hundred)
	}

	if out.YesPercentage.GreaterThan(fifty) {
		out.Decision, out.Outcome = DecisionResolved, model.SideYes
	} else {
		out.Decision = DecisionRejected
	}
	return out
}

// VoteRequest casts a resolution vote. StakeAmount is escrowed from the
// voter's league balance; see QuoteStake.
type VoteRequest struct {
	MarketID    string
	UserID      string
	LeagueID    string
	Choice      model.Side
	StakeAmount int64
}

// VoteResult reports the stored vote and, when the vote completed the
// quorum, the tally it triggered.
type VoteResult struct {
	Vote       model.Vote    `json:"vote"`
	Tally      *TallyOutcome `json:"tally,omitempty"`
	Settlement *Settlement   `json:"settlement,omitempty"`
}

// CastVote records a stakeholder's vote on a market in VOTING and escrows
// the stake. When every current stakeholder has voted and the minimum vote
// count is met, the votes are tallied in the same transaction.
func (e *Engine) CastVote(ctx context.Context, req VoteRequest) (*VoteResult, error) {
	if req.MarketID == "" || req.UserID == "" {
		return nil, ErrMissingField.with("market_id and user_id are required")
	}
	if !req.Choice.Valid() {
		return nil, ErrInvalidSide.with("choice must be YES or NO")
	}
	if req.StakeAmount < 0 {
		return nil, ErrInvalidAmount.with("stake must not be negative")
	}

	var res *VoteResult
	err := e.inMarketTx(ctx, req.MarketID, func(tx store.Tx) error {
		res = &VoteResult{}

		m, err := lockMarket(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		if m.Status != model.StatusVoting {
			return ErrMarketNotInVoting
		}
		league, err := leagueFor(m, req.LeagueID)
		if err != nil {
			return err
		}
		admin, err := tx.IsAdmin(ctx, req.UserID)
		if err != nil {
			return err
		}
		pos, err := tx.GetPosition(ctx, req.MarketID, req.UserID)
		if err != nil {
			return err
		}
		if pos.Total() == 0 && !admin {
			return ErrNotAStakeholder
		}
		if _, err := tx.GetVote(ctx, req.MarketID, req.UserID); err == nil {
			return ErrAlreadyVoted
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		mem, err := tx.LockMembership(ctx, league, req.UserID)
		if err != nil {
			return notFound(err, ErrNotAMember)
		}
		if mem.TokenBalance < req.StakeAmount {
			return ErrInsufficientStakeBalance.with("insufficient balance for stake: need %d, have %d", req.StakeAmount, mem.TokenBalance)
		}
		if _, err := tx.AdjustBalance(ctx, league, req.UserID, -req.StakeAmount); err != nil {
			return err
		}
		res.Vote = model.Vote{
			MarketID:    req.MarketID,
			UserID:      req.UserID,
			Choice:      req.Choice,
			StakeAmount: req.StakeAmount,
			CreatedAt:   e.now(),
		}
		if err := tx.InsertVote(ctx, &res.Vote); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrAlreadyVoted
			}
			return err
		}

		settings, err := tx.GetVotingSettings(ctx)
		if err != nil {
			return err
		}
		votes, quorum, err := quorumReached(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		if !quorum || len(votes) < settings.MinVotes {
			return nil
		}
		res.Tally, res.Settlement, err = e.applyTally(ctx, tx, m, league, votes, settings)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.VotesCast.WithLabelValues(string(req.Choice)).Inc()
	e.log.Info("vote cast",
		"market", req.MarketID,
		"user", req.UserID,
		"choice", req.Choice,
		"stake", req.StakeAmount,
		"tallied", res.Tally != nil,
	)
	e.publish(Event{Type: EventVoteCast, MarketID: req.MarketID, UserID: req.UserID})
	if res.Tally != nil {
		e.afterTally(req.MarketID, req.UserID, res.Tally, res.Settlement)
	}
	return res, nil
}

// TallyResult is returned from an explicit tally.
type TallyResult struct {
	Tally      TallyOutcome `json:"tally"`
	Settlement *Settlement  `json:"settlement,omitempty"`
}

// TallyVotes closes the vote on request. Non-admins need at least one vote
// and every current stakeholder to have voted; admins tally whatever votes
// are present.
func (e *Engine) TallyVotes(ctx context.Context, req MarketAction) (*TallyResult, error) {
	if req.MarketID == "" || req.ActorID == "" {
		return nil, ErrMissingField.with("market_id and actor are required")
	}

	var res *TallyResult
	err := e.inMarketTx(ctx, req.MarketID, func(tx store.Tx) error {
		m, err := lockMarket(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		if m.Status != model.StatusVoting {
			return ErrMarketNotInVoting
		}
		league, err := leagueFor(m, req.LeagueID)
		if err != nil {
			return err
		}
		admin, err := tx.IsAdmin(ctx, req.ActorID)
		if err != nil {
			return err
		}
		settings, err := tx.GetVotingSettings(ctx)
		if err != nil {
			return err
		}
		votes, quorum, err := quorumReached(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		if !admin {
			if len(votes) == 0 {
				return ErrNoVotesYet
			}
			if !quorum || len(votes) < settings.MinVotes {
				return ErrQuorumNotReached
			}
		}
		out, s, err := e.applyTally(ctx, tx, m, league, votes, settings)
		if err != nil {
			return err
		}
		res = &TallyResult{Tally: *out, Settlement: s}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.afterTally(req.MarketID, req.ActorID, &res.Tally, res.Settlement)
	return res, nil
}

// quorumReached lists the votes and reports whether every user currently
// holding shares has voted.
func quorumReached(ctx context.Context, tx store.Tx, marketID string) ([]model.Vote, bool, error) {
	votes, err := tx.ListVotes(ctx, marketID)
	if err != nil {
		return nil, false, err
	}
	positions, err := tx.ListPositions(ctx, marketID)
	if err != nil {
		return nil, false, err
	}
	voted := make(map[string]bool, len(votes))
	for _, v := range votes {
		voted[v.UserID] = true
	}
	for _, p := range positions {
		if p.Total() > 0 && !voted[p.UserID] {
			return votes, false, nil
		}
	}
	return votes, true, nil
}

// applyTally weighs votes and acts on the decision: a YES consensus
// resolves and settles the market and returns the YES voters' stakes; a
// rejection returns the NO voters' stakes, discards the votes and reopens the
// market. Stakes not returned are forfeited.
func (e *Engine) applyTally(ctx context.Context, tx store.Tx, m *model.Market, league string, votes []model.Vote, settings model.VotingSettings) (*TallyOutcome, *Settlement, error) {
	admins := make(map[string]bool)
	for _, v := range votes {
		admin, err := tx.IsAdmin(ctx, v.UserID)
		if err != nil {
			return nil, nil, err
		}
		if admin {
			admins[v.UserID] = true
		}
	}
	out := Tally(votes, admins, settings)

	if out.Decision == DecisionResolved {
		if err := e.transition(ctx, tx, m, model.StatusResolved, model.SideYes); err != nil {
			return nil, nil, err
		}
		yes := model.SideYes
		returned, err := returnStakes(ctx, tx, league, m.ID, &yes)
		if err != nil {
			return nil, nil, err
		}
		s, err := e.settle(ctx, tx, m, league)
		if err != nil {
			return nil, nil, err
		}
		s.StakesReturned = returned
		return &out, s, nil
	}

	no := model.SideNo
	if _, err := returnStakes(ctx, tx, league, m.ID, &no); err != nil {
		return nil, nil, err
	}
	if err := tx.DeleteVotes(ctx, m.ID); err != nil {
		return nil, nil, err
	}
	m.Status = model.StatusOpen
	m.Outcome = ""
	m.ReportedAt = nil
	m.ReportedBy = ""
	m.EvidenceRef = ""
	ok, err := tx.UpdateMarketStatus(ctx, m, model.StatusVoting)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrMarketNotInVoting
	}
	return &out, nil, nil
}

func (e *Engine) afterTally(marketID, actor string, out *TallyOutcome, s *Settlement) {
	metrics.Tallies.WithLabelValues(string(out.Decision)).Inc()
	e.log.Info("votes tallied",
		"market", marketID,
		"actor", actor,
		"decision", out.Decision,
		"yes_pct", out.YesPercentage.StringFixed(2),
		"votes", out.Votes,
	)
	if s != nil {
		e.afterSettlement("vote", model.StatusVoting, s, actor)
		return
	}
	trackOpen(model.StatusVoting, model.StatusOpen)
	e.publish(Event{Type: EventMarketReopened, MarketID: marketID, UserID: actor, Tally: out})
}

package engine_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/league-engine/internal/engine"
	"github.com/atmx/league-engine/internal/model"
)

func votes(choices ...string) []model.Vote {
	out := make([]model.Vote, 0, len(choices)/2)
	for i := 0; i+1 < len(choices); i += 2 {
		out = append(out, model.Vote{UserID: choices[i], Choice: model.Side(choices[i+1])})
	}
	return out
}

func TestTally(t *testing.T) {
	split := model.DefaultVotingSettings()
	split.YesBlocWeight = decimal.RequireFromString("49.5")
	split.NoBlocWeight = decimal.RequireFromString("49.5")
	split.AdminWeight = decimal.NewFromInt(1)

	cases := []struct {
		name     string
		votes    []model.Vote
		admins   map[string]bool
		settings model.VotingSettings
		decision engine.Decision
		pct      string
	}{
		{"no votes", nil, nil, model.DefaultVotingSettings(), engine.DecisionRejected, "0"},
		{"even split", votes("a", "YES", "b", "NO"), nil, split, engine.DecisionRejected, "50"},
		{"two to one", votes("a", "YES", "b", "YES", "c", "NO"), nil, model.DefaultVotingSettings(), engine.DecisionResolved, "66.67"},
		{"unanimous yes", votes("a", "YES"), nil, model.DefaultVotingSettings(), engine.DecisionResolved, "100"},
		{"unanimous no", votes("a", "NO", "b", "NO"), nil, model.DefaultVotingSettings(), engine.DecisionRejected, "0"},
		{"admin tips to no", votes("a", "YES", "b", "NO", "root", "NO"), map[string]bool{"root": true}, model.DefaultVotingSettings(), engine.DecisionRejected, "33.33"},
		{"admin tips to yes", votes("a", "YES", "b", "NO", "root", "YES"), map[string]bool{"root": true}, model.DefaultVotingSettings(), engine.DecisionResolved, "66.67"},
		{"admin alone", votes("root", "YES"), map[string]bool{"root": true}, model.DefaultVotingSettings(), engine.DecisionResolved, "100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := engine.Tally(tc.votes, tc.admins, tc.settings)
			assert.Equal(t, tc.decision, out.Decision)
			assert.Equal(t, tc.pct, out.YesPercentage.Round(2).String())
			assert.Equal(t, len(tc.votes), out.Votes)
			if tc.decision == engine.DecisionResolved {
				assert.Equal(t, model.SideYes, out.Outcome)
			} else {
				assert.Empty(t, out.Outcome)
			}
		})
	}
}

func TestComputeStake(t *testing.T) {
	assert.Equal(t, int64(50), engine.ComputeStake(5, 0, decimal.NewFromInt(10)))
	assert.Equal(t, int64(37), engine.ComputeStake(3, 0, decimal.RequireFromString("12.5")))
	assert.Equal(t, int64(80), engine.ComputeStake(2, 6, decimal.NewFromInt(10)))
	assert.Zero(t, engine.ComputeStake(0, 0, decimal.NewFromInt(10)))
}

// votingMarket gives alice 5 YES and bob 5 NO in m1 at 50 and reports it.
func votingMarket(h *harness) {
	h.t.Helper()
	h.mint("m1", "alice", "bob", 50, 5)
	h.report("m1", "alice")
}

func (h *harness) vote(user string, choice model.Side) *engine.VoteResult {
	h.t.Helper()
	stake, err := h.eng.QuoteStake(h.ctx, "m1", user)
	require.NoError(h.t, err)
	res, err := h.eng.CastVote(h.ctx, engine.VoteRequest{MarketID: "m1", UserID: user, Choice: choice, StakeAmount: stake})
	require.NoError(h.t, err)
	return res
}

func TestRejectedVoteReopensMarket(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		votingMarket(h)
		require.Equal(t, int64(750), h.balance("alice"))
		require.Equal(t, int64(750), h.balance("bob"))

		first := h.vote("alice", model.SideYes)
		assert.Equal(t, int64(50), first.Vote.StakeAmount)
		assert.Nil(t, first.Tally)

		res := h.vote("bob", model.SideNo)
		require.NotNil(t, res.Tally)
		assert.Equal(t, engine.DecisionRejected, res.Tally.Decision)
		assert.Equal(t, "50", res.Tally.YesPercentage.String())
		assert.Nil(t, res.Settlement)

		assert.Equal(t, int64(700), h.balance("alice"))
		assert.Equal(t, int64(750), h.balance("bob"))

		m := h.market("m1")
		assert.Equal(t, model.StatusOpen, m.Status)
		assert.Empty(t, m.Outcome)
		assert.Nil(t, m.ReportedAt)
		assert.Empty(t, m.ReportedBy)
		assert.Empty(t, m.EvidenceRef)

		remaining, err := h.st.ListVotes(h.ctx, "m1")
		require.NoError(t, err)
		assert.Empty(t, remaining)

		// Positions survive a rejection and the market can be reported again.
		assert.Equal(t, int64(5), h.position("m1", "alice").YesShares)
		assert.Equal(t, int64(5), h.position("m1", "bob").NoShares)
		h.report("m1", "bob")
		assert.Contains(t, h.eventTypes(), engine.EventMarketReopened)
	})
}

func TestYesConsensusResolvesAndPays(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		votingMarket(h)
		h.vote("alice", model.SideYes)
		res := h.vote("bob", model.SideYes)

		require.NotNil(t, res.Tally)
		assert.Equal(t, engine.DecisionResolved, res.Tally.Decision)
		require.NotNil(t, res.Settlement)
		assert.Equal(t, int64(500), res.Settlement.Payout)
		assert.Equal(t, int64(100), res.Settlement.StakesReturned)
		assert.Equal(t, 1, res.Settlement.Winners)

		assert.Equal(t, int64(1250), h.balance("alice"))
		assert.Equal(t, int64(750), h.balance("bob"))

		m := h.market("m1")
		assert.Equal(t, model.StatusResolved, m.Status)
		assert.Equal(t, model.SideYes, m.Outcome)
		assert.Equal(t, int64(5000), h.totalTokens("m1", "m2"))

		_, err := h.eng.TallyVotes(h.ctx, engine.MarketAction{ActorID: "root", MarketID: "m1"})
		assert.ErrorIs(t, err, engine.ErrMarketNotInVoting)
	})
}

func TestCastVoteRejections(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		_, err := h.eng.CastVote(h.ctx, engine.VoteRequest{MarketID: "m1", UserID: "alice", Choice: model.SideYes})
		assert.ErrorIs(t, err, engine.ErrMarketNotInVoting)

		votingMarket(h)

		_, err = h.eng.CastVote(h.ctx, engine.VoteRequest{MarketID: "m1", UserID: "carol", Choice: model.SideYes})
		assert.ErrorIs(t, err, engine.ErrNotAStakeholder)
		assert.Equal(t, engine.KindNotAuthorized, engine.KindOf(err))

		_, err = h.eng.CastVote(h.ctx, engine.VoteRequest{MarketID: "m1", UserID: "alice", Choice: "MAYBE"})
		assert.ErrorIs(t, err, engine.ErrInvalidSide)

		_, err = h.eng.CastVote(h.ctx, engine.VoteRequest{MarketID: "m1", UserID: "alice", Choice: model.SideYes, StakeAmount: 5000})
		assert.ErrorIs(t, err, engine.ErrInsufficientStakeBalance)
		assert.Equal(t, int64(750), h.balance("alice"))

		h.vote("alice", model.SideYes)
		_, err = h.eng.CastVote(h.ctx, engine.VoteRequest{MarketID: "m1", UserID: "alice", Choice: model.SideNo})
		assert.ErrorIs(t, err, engine.ErrAlreadyVoted)
		assert.Equal(t, int64(700), h.balance("alice"))
	})
}

func TestTallyVotesPreconditions(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		votingMarket(h)

		_, err := h.eng.TallyVotes(h.ctx, engine.MarketAction{ActorID: "alice", MarketID: "m1"})
		assert.ErrorIs(t, err, engine.ErrNoVotesYet)

		h.vote("alice", model.SideYes)
		_, err = h.eng.TallyVotes(h.ctx, engine.MarketAction{ActorID: "alice", MarketID: "m1"})
		assert.ErrorIs(t, err, engine.ErrQuorumNotReached)

		// An admin may close the vote early.
		res, err := h.eng.TallyVotes(h.ctx, engine.MarketAction{ActorID: "root", MarketID: "m1"})
		require.NoError(t, err)
		assert.Equal(t, engine.DecisionResolved, res.Tally.Decision)
		require.NotNil(t, res.Settlement)
		assert.Equal(t, int64(1250), h.balance("alice"))
	})
}

func TestAdminTallyWithoutVotesRejects(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		votingMarket(h)
		res, err := h.eng.TallyVotes(h.ctx, engine.MarketAction{ActorID: "root", MarketID: "m1"})
		require.NoError(t, err)
		assert.Equal(t, engine.DecisionRejected, res.Tally.Decision)
		assert.Zero(t, res.Tally.Votes)
		assert.Equal(t, model.StatusOpen, h.market("m1").Status)
	})
}

func TestMinVotesDelaysAutoTally(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		settings := model.DefaultVotingSettings()
		settings.MinVotes = 3
		require.NoError(t, h.st.SaveVotingSettings(h.ctx, settings))
		votingMarket(h)

		h.vote("alice", model.SideYes)
		res := h.vote("bob", model.SideYes)
		assert.Nil(t, res.Tally)
		assert.Equal(t, model.StatusVoting, h.market("m1").Status)

		// Admins may vote without holding shares.
		res, err := h.eng.CastVote(h.ctx, engine.VoteRequest{MarketID: "m1", UserID: "root", Choice: model.SideYes})
		require.NoError(t, err)
		require.NotNil(t, res.Tally)
		assert.Equal(t, 1, res.Tally.AdminVoters)
		assert.Equal(t, model.StatusResolved, h.market("m1").Status)
	})
}

func TestQuoteStakeUsesSettings(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		h.mint("m1", "alice", "bob", 50, 3)
		settings := model.DefaultVotingSettings()
		settings.StakePercentage = decimal.RequireFromString("12.5")
		require.NoError(t, h.st.SaveVotingSettings(h.ctx, settings))

		stake, err := h.eng.QuoteStake(h.ctx, "m1", "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(37), stake)

		stake, err = h.eng.QuoteStake(h.ctx, "m1", "carol")
		require.NoError(t, err)
		assert.Zero(t, stake)
	})
}

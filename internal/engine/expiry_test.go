package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/league-engine/internal/engine"
	"github.com/atmx/league-engine/internal/model"
)

func TestSweepResolvesExpiredMarketsNo(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		h.mint("m1", "alice", "bob", 50, 4)
		h.buy("m1", "carol", model.SideYes, 10, 2)
		bobBefore := h.balance("bob")
		carolBefore := h.balance("carol")

		// Within the grace period nothing happens.
		h.clock.Advance(24*time.Hour + 30*time.Minute)
		results, err := h.eng.SweepExpired(h.ctx, "")
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.Equal(t, model.StatusOpen, h.market("m1").Status)

		h.clock.Advance(31 * time.Minute)
		results, err = h.eng.SweepExpired(h.ctx, "")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "m1", results[0].MarketID)
		assert.Equal(t, int64(400), results[0].Settlement.Payout)
		assert.Equal(t, 1, results[0].Settlement.OrdersRefunded)

		m := h.market("m1")
		assert.Equal(t, model.StatusResolved, m.Status)
		assert.Equal(t, model.SideNo, m.Outcome)
		assert.Equal(t, bobBefore+400, h.balance("bob"))
		assert.Equal(t, carolBefore+20, h.balance("carol"))
		assert.Zero(t, h.position("m1", "alice").YesShares)
		assert.Equal(t, model.StatusOpen, h.market("m2").Status)

		// A second sweep finds nothing to do.
		results, err = h.eng.SweepExpired(h.ctx, "")
		require.NoError(t, err)
		assert.Empty(t, results)
		assert.Equal(t, bobBefore+400, h.balance("bob"))
	})
}

func TestSweepSkipsReportedMarkets(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		h.mint("m1", "alice", "bob", 50, 1)
		h.report("m1", "alice")
		h.clock.Advance(72 * time.Hour)

		results, err := h.eng.SweepExpired(h.ctx, "")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "m2", results[0].MarketID)
		assert.Equal(t, model.StatusVoting, h.market("m1").Status)
	})
}

func TestSweepSingleMarket(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		h.clock.Advance(72 * time.Hour)

		results, err := h.eng.SweepExpired(h.ctx, "m2")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "m2", results[0].MarketID)
		assert.Equal(t, model.StatusOpen, h.market("m1").Status)

		_, err = h.eng.SweepExpired(h.ctx, "missing")
		assert.ErrorIs(t, err, engine.ErrMarketNotFound)
	})
}

func TestSweepHonoursConfiguredGrace(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		settings := model.DefaultVotingSettings()
		settings.NoReportTimeoutMinutes = 5
		require.NoError(t, h.st.SaveVotingSettings(h.ctx, settings))

		h.clock.Advance(24*time.Hour + 6*time.Minute)
		results, err := h.eng.SweepExpired(h.ctx, "")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "m1", results[0].MarketID)
	})
}

func TestSweeperRunsUntilCancelled(t *testing.T) {
	run(t, func(t *testing.T, h *harness) {
		h.clock.Advance(72 * time.Hour)

		ctx, cancel := context.WithCancel(h.ctx)
		done := make(chan error, 1)
		go func() { done <- engine.NewSweeper(h.eng, 10*time.Millisecond).Run(ctx) }()

		resolved := func(id string) bool {
			m, err := h.st.GetMarket(h.ctx, id)
			return err == nil && m.Status == model.StatusResolved
		}
		require.Eventually(t, func() bool {
			return resolved("m1") && resolved("m2")
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("sweeper did not stop")
		}
	})
}

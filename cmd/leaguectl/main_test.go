package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/league-engine/internal/engine"
	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newCLI seeds one league with a market closing an hour after t0. The
// returned clock setter moves the engine's time.
func newCLI(t *testing.T) (*cli, *bytes.Buffer, func(time.Time)) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.CreateLeague(ctx, &model.League{ID: "lg", Name: "League", JoinCode: "CLI001", CreatedAt: t0}))
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, st.CreateUser(ctx, &model.User{ID: id, Username: id, CreatedAt: t0}))
		require.NoError(t, st.AddMembership(ctx, &model.Membership{
			LeagueID: "lg", UserID: id, TokenBalance: model.DefaultStartingBalance, JoinedAt: t0,
		}))
	}
	closes := t0.Add(time.Hour)
	require.NoError(t, st.CreateMarket(ctx, &model.Market{
		ID: "m1", LeagueID: "lg", Question: "Will it rain?", Status: model.StatusOpen,
		ClosesAt: &closes, CreatedBy: "alice", CreatedAt: t0,
	}))

	now := t0
	eng := engine.New(st, engine.WithClock(func() time.Time { return now }))
	out := &bytes.Buffer{}
	return &cli{eng: eng, out: out}, out, func(t time.Time) { now = t }
}

func place(t *testing.T, c *cli, user string, side model.Side, price, qty int64) {
	t.Helper()
	_, err := c.eng.PlaceOrder(context.Background(), engine.OrderRequest{
		MarketID: "m1", UserID: user, LeagueID: "lg", Side: side, Price: price, Quantity: qty,
	})
	require.NoError(t, err)
}

func TestBookAndPositions(t *testing.T) {
	c, out, _ := newCLI(t)
	ctx := context.Background()

	place(t, c, "alice", model.SideYes, 60, 3)
	place(t, c, "bob", model.SideNo, 60, 3)
	place(t, c, "alice", model.SideYes, 55, 2)

	require.NoError(t, c.dispatch(ctx, []string{"book", "-market", "m1"}))
	assert.Contains(t, out.String(), "BUY")
	assert.Contains(t, out.String(), "55")
	assert.NotContains(t, out.String(), "SELL")

	out.Reset()
	require.NoError(t, c.dispatch(ctx, []string{"positions", "-market", "m1"}))
	assert.Contains(t, out.String(), "alice")
	assert.Contains(t, out.String(), "bob")
	assert.Contains(t, strings.ToLower(out.String()), "total")

	out.Reset()
	require.NoError(t, c.dispatch(ctx, []string{"trades", "-market", "m1"}))
	assert.Contains(t, out.String(), string(model.TradeMint))
}

func TestSweepCommand(t *testing.T) {
	c, out, setNow := newCLI(t)
	ctx := context.Background()

	place(t, c, "alice", model.SideYes, 60, 3)
	place(t, c, "bob", model.SideNo, 60, 3)
	place(t, c, "alice", model.SideYes, 55, 2)

	// Inside the grace window nothing expires.
	setNow(t0.Add(90 * time.Minute))
	require.NoError(t, c.dispatch(ctx, []string{"sweep"}))
	assert.Contains(t, out.String(), "0 market(s) resolved")

	out.Reset()
	setNow(t0.Add(3 * time.Hour))
	require.NoError(t, c.dispatch(ctx, []string{"sweep", "-market", "m1"}))
	assert.Contains(t, out.String(), "1 market(s) resolved")
	assert.Contains(t, out.String(), string(model.StatusResolved))
	assert.Contains(t, out.String(), "110", "alice's resting bid is refunded")
	assert.Contains(t, out.String(), "300", "bob's three NO shares pay out")

	m, err := c.eng.Store().GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.SideNo, m.Outcome)

	out.Reset()
	require.NoError(t, c.dispatch(ctx, []string{"markets", "-status", "RESOLVED"}))
	assert.Contains(t, out.String(), "Will it rain?")
}

func TestSettingsCommand(t *testing.T) {
	c, out, _ := newCLI(t)
	require.NoError(t, c.dispatch(context.Background(), []string{"settings"}))
	assert.Contains(t, out.String(), "stake_percentage")
	assert.Contains(t, out.String(), "no_report_timeout_minutes")
}

func TestUsageErrors(t *testing.T) {
	c, _, _ := newCLI(t)
	ctx := context.Background()

	for _, args := range [][]string{
		nil,
		{"explode"},
		{"book"},
		{"positions", "-bogus"},
	} {
		err := c.dispatch(ctx, args)
		assert.True(t, errors.Is(err, errUsage), "args %v: %v", args, err)
	}

	err := c.dispatch(ctx, []string{"book", "-market", "nope"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, errUsage))
}

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/league-engine/internal/metrics"
	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
)

// SweepResult describes one market resolved by the expiry sweep.
type SweepResult struct {
	MarketID   string      `json:"market_id"`
	Settlement *Settlement `json:"settlement"`
}

// SweepExpired resolves NO every OPEN market whose deadline plus grace period
// has passed without a report. With a marketID only that market is checked.
// Failures on one market do not stop the sweep; they are joined into the
// returned error.
func (e *Engine) SweepExpired(ctx context.Context, marketID string) ([]SweepResult, error) {
	metrics.SweepRuns.Inc()

	settings, err := e.store.GetVotingSettings(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	grace := settings.Grace()
	now := e.now()

	var candidates []model.Market
	if marketID != "" {
		m, err := e.store.GetMarket(ctx, marketID)
		if err != nil {
			return nil, storeError(notFound(err, ErrMarketNotFound))
		}
		candidates = []model.Market{*m}
	} else {
		candidates, err = e.store.ListMarkets(ctx, store.MarketFilter{Status: model.StatusOpen})
		if err != nil {
			return nil, storeError(err)
		}
	}

	var results []SweepResult
	var errs []error
	for i := range candidates {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		m := &candidates[i]
		if !m.Expired(now, grace) {
			continue
		}
		if m.LeagueID == "" {
			e.log.Warn("skipping expired legacy market without league", "market", m.ID)
			continue
		}
		s, err := e.expire(ctx, m.ID, grace)
		if err != nil {
			e.log.Error("expiry sweep failed", "market", m.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if s == nil {
			continue
		}
		results = append(results, SweepResult{MarketID: m.ID, Settlement: s})
	}

	if len(results) > 0 {
		e.log.Info("expiry sweep", "resolved", len(results), "checked", len(candidates))
	}
	return results, errors.Join(errs...)
}

// expire re-checks the market under its lock and settles it NO. A nil
// settlement means another operation got there first.
func (e *Engine) expire(ctx context.Context, marketID string, grace time.Duration) (*Settlement, error) {
	var s *Settlement
	err := e.inMarketTx(ctx, marketID, func(tx store.Tx) error {
		s = nil
		m, err := lockMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}
		if !m.Expired(e.now(), grace) {
			return nil
		}
		if err := e.transition(ctx, tx, m, model.StatusResolved, model.SideNo); err != nil {
			return err
		}
		s, err = e.settle(ctx, tx, m, m.LeagueID)
		return err
	})
	if err != nil || s == nil {
		return nil, err
	}

	metrics.SweepResolved.Inc()
	e.afterSettlement("expiry", model.StatusOpen, s, "")
	return s, nil
}

// Sweeper runs SweepExpired on a fixed interval.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper. A non-positive interval defaults to one
// minute.
func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{engine: e, interval: interval}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.engine.log.Info("expiry sweeper started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.engine.SweepExpired(ctx, ""); err != nil && ctx.Err() == nil {
			s.engine.log.Error("expiry sweep error", "error", err)
		}
		select {
		case <-ctx.Done():
			s.engine.log.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

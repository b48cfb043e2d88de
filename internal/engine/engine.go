// Package engine implements the league trading and settlement core: limit
// order matching with a direct transfer pass and a synthetic mint pass,
// escrow of balances and shares, the market lifecycle, the stake-weighted
// resolution vote, and the expiry sweep.
//
// Every state-changing operation runs under a per-market lock inside a single
// store transaction, so partial matches and partial settlements are never
// observable.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/league-engine/internal/lock"
	"github.com/atmx/league-engine/internal/metrics"
	"github.com/atmx/league-engine/internal/model"
	"github.com/atmx/league-engine/internal/store"
)

// Engine is safe for concurrent use.
type Engine struct {
	store  store.Store
	locker lock.Locker
	pub    Publisher
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the in-process per-market lock, e.g. with a Redis lock
// shared by several instances.
func WithLocker(l lock.Locker) Option { return func(e *Engine) { e.locker = l } }

// WithPublisher sets the sink for committed events.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.pub = p } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDs overrides id generation.
func WithIDs(newID func() string) Option { return func(e *Engine) { e.newID = newID } }

// New creates an engine over st.
func New(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		locker: lock.NewKeyedMutex(),
		log:    slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying store for read-only queries.
func (e *Engine) Store() store.Store { return e.store }

// inMarketTx runs fn under the market lock in one store transaction. fn may
// run more than once if the store retries, so it must not leak state
// between attempts.
func (e *Engine) inMarketTx(ctx context.Context, marketID string, fn func(tx store.Tx) error) error {
	unlock, err := e.locker.Lock(ctx, "market:"+marketID)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			return ErrBusy
		}
		return storeError(err)
	}
	defer unlock()

	return e.runTx(ctx, fn)
}

func (e *Engine) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := e.store.InTx(ctx, fn)
	if err == nil {
		return nil
	}
	err = storeError(err)
	if KindOf(err) == KindStore {
		e.log.Error("store failure", "error", err)
	}
	return err
}

// lockMarket loads the market for update.
func lockMarket(ctx context.Context, tx store.Tx, marketID string) (*model.Market, error) {
	m, err := tx.LockMarket(ctx, marketID)
	if err != nil {
		return nil, notFound(err, ErrMarketNotFound)
	}
	return m, nil
}

// leagueFor picks the league whose balances a market operation touches. The
// market's own league wins; requested only fills in for legacy markets.
func leagueFor(m *model.Market, requested string) (string, error) {
	if m.LeagueID == "" {
		if requested == "" {
			return "", ErrMissingField.with("league_id is required for market %s", m.ID)
		}
		return requested, nil
	}
	if requested != "" && requested != m.LeagueID {
		return "", ErrLeagueMismatch
	}
	return m.LeagueID, nil
}

func (e *Engine) requireAdmin(ctx context.Context, r store.Reader, userID string) error {
	if userID == "" {
		return ErrMissingField.with("acting user is required")
	}
	admin, err := r.IsAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if !admin {
		return ErrNotAuthorized.with("admin capability required")
	}
	return nil
}

func (e *Engine) publish(ev Event) {
	if e.pub == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.pub.Publish(ev)
}

// trackOpen keeps the active-markets gauge in step with a status change.
func trackOpen(from, to model.MarketStatus) {
	switch {
	case from == model.StatusOpen && to != model.StatusOpen:
		metrics.ActiveMarkets.Dec()
	case from != model.StatusOpen && to == model.StatusOpen:
		metrics.ActiveMarkets.Inc()
	}
}

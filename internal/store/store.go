// Package store defines the persistence interface for the league engine.
// Implementations include PostgreSQL and SQLite (SQLStore), Redis
// (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/league-engine/internal/model"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a unique key already exists.
	ErrConflict = errors.New("store: conflict")

	// ErrNegativePosition is returned when a share delta would take a
	// holding below zero.
	ErrNegativePosition = errors.New("store: position would go negative")
)

// OrderQuery selects resting orders eligible for matching. Results are
// ordered by creation time ascending, ties broken by insertion order.
type OrderQuery struct {
	MarketID      string
	Side          model.Side
	Price         int64
	IsSell        bool
	ExcludeUserID string
}

// MarketFilter narrows ListMarkets. Zero values match everything.
type MarketFilter struct {
	LeagueID string
	Status   model.MarketStatus
}

// Reader holds the queries available both inside and outside a transaction.
type Reader interface {
	GetUser(ctx context.Context, id string) (*model.User, error)

	// IsAdmin reports the admin capability of a user. Unknown users are not admins.
	IsAdmin(ctx context.Context, userID string) (bool, error)

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error)

	GetMembership(ctx context.Context, leagueID, userID string) (*model.Membership, error)

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListOrders(ctx context.Context, marketID string) ([]model.Order, error)

	ListTrades(ctx context.Context, marketID string) ([]model.Trade, error)

	// GetPosition returns a zero position when the user holds nothing.
	GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error)
	ListPositions(ctx context.Context, marketID string) ([]model.Position, error)
	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	GetVote(ctx context.Context, marketID, userID string) (*model.Vote, error)
	ListVotes(ctx context.Context, marketID string) ([]model.Vote, error)

	// PendingVoteMarkets lists VOTING markets where the user holds shares
	// but has not voted.
	PendingVoteMarkets(ctx context.Context, userID string) ([]model.Market, error)

	// GetVotingSettings returns the single settings row, or the defaults.
	GetVotingSettings(ctx context.Context) (model.VotingSettings, error)
}

// Tx is a unit of work. Lock* methods take row locks that are held until the
// transaction ends.
type Tx interface {
	Reader

	LockMarket(ctx context.Context, id string) (*model.Market, error)

	// UpdateMarketStatus writes status, outcome, report and resolution fields
	// of m if the stored status is one of from. It reports whether a row changed.
	UpdateMarketStatus(ctx context.Context, m *model.Market, from ...model.MarketStatus) (bool, error)

	LockMembership(ctx context.Context, leagueID, userID string) (*model.Membership, error)

	// AdjustBalance adds delta to the league balance and returns the new value.
	AdjustBalance(ctx context.Context, leagueID, userID string, delta int64) (int64, error)

	LockPosition(ctx context.Context, marketID, userID string) (*model.Position, error)

	// AdjustPosition adds share deltas, creating the row when needed. A
	// delta that would leave either side negative fails with
	// ErrNegativePosition and changes nothing.
	AdjustPosition(ctx context.Context, marketID, userID string, dYes, dNo int64) (*model.Position, error)
	ZeroPosition(ctx context.Context, marketID, userID string) error

	LockOrder(ctx context.Context, id string) (*model.Order, error)
	InsertOrder(ctx context.Context, o *model.Order) error
	MatchableOrders(ctx context.Context, q OrderQuery) ([]model.Order, error)
	SetOrderRemaining(ctx context.Context, id string, remaining int64) error
	DeleteOrder(ctx context.Context, id string) error

	InsertTrade(ctx context.Context, t *model.Trade) error

	// InsertVote returns ErrConflict if the user already voted.
	InsertVote(ctx context.Context, v *model.Vote) error
	MarkStakeReturned(ctx context.Context, marketID, userID string) error
	DeleteVotes(ctx context.Context, marketID string) error
}

// Store is the persistence interface.
type Store interface {
	Reader

	// InTx runs fn atomically. If fn returns an error nothing it wrote is
	// kept. fn may be invoked more than once when the backend asks for a retry.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Seeding (league and identity administration live elsewhere) ---

	CreateUser(ctx context.Context, u *model.User) error
	CreateLeague(ctx context.Context, l *model.League) error
	AddMembership(ctx context.Context, m *model.Membership) error
	CreateMarket(ctx context.Context, m *model.Market) error
	SaveVotingSettings(ctx context.Context, s model.VotingSettings) error
}

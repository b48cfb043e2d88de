// Package model defines the core domain types shared across the league engine.
// Token amounts and prices are integer cents; only the vote weights use
// shopspring/decimal.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is one half of a binary contract.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

const (
	// MinPrice and MaxPrice bound every order price (YES probability in cents).
	MinPrice int64 = 1
	MaxPrice int64 = 99

	// Payout is the token value of one winning share.
	Payout int64 = 100

	// DefaultStartingBalance is credited to a membership on join.
	DefaultStartingBalance int64 = 1000
)

// UnitCost is what one contract of side costs at the YES-denominated price.
func UnitCost(side Side, price int64) int64 {
	if side == SideNo {
		return Payout - price
	}
	return price
}

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	StatusOpen      MarketStatus = "OPEN"
	StatusVoting    MarketStatus = "VOTING"
	StatusResolved  MarketStatus = "RESOLVED"
	StatusCancelled MarketStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s MarketStatus) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// User is an account. TokenBalance is the legacy global balance; trading only
// ever touches Membership.TokenBalance.
type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	DisplayName  string    `json:"display_name" db:"display_name"`
	TokenBalance int64     `json:"token_balance" db:"token_balance"`
	IsAdmin      bool      `json:"is_admin" db:"is_admin"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// League is an isolated trading community.
type League struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	JoinCode  string    `json:"join_code" db:"join_code"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Membership holds the spendable balance of a user inside one league.
type Membership struct {
	LeagueID     string    `json:"league_id" db:"league_id"`
	UserID       string    `json:"user_id" db:"user_id"`
	TokenBalance int64     `json:"token_balance" db:"token_balance"`
	JoinedAt     time.Time `json:"joined_at" db:"joined_at"`
}

// Market is a binary question traded inside a league. LeagueID is empty only
// for legacy rows created before leagues existed.
type Market struct {
	ID          string       `json:"id" db:"id"`
	LeagueID    string       `json:"league_id,omitempty" db:"league_id"`
	Question    string       `json:"question" db:"question"`
	Status      MarketStatus `json:"status" db:"status"`
	Outcome     Side         `json:"outcome,omitempty" db:"outcome"`
	ClosesAt    *time.Time   `json:"closes_at,omitempty" db:"closes_at"`
	ReportedAt  *time.Time   `json:"reported_at,omitempty" db:"reported_at"`
	ReportedBy  string       `json:"reported_by,omitempty" db:"reported_by"`
	EvidenceRef string       `json:"evidence_ref,omitempty" db:"evidence_ref"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedBy   string       `json:"created_by,omitempty" db:"created_by"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

// InGrace reports whether the deadline has passed but the grace window has not.
func (m *Market) InGrace(now time.Time, grace time.Duration) bool {
	if m.Status != StatusOpen || m.ClosesAt == nil {
		return false
	}
	return now.After(*m.ClosesAt) && !now.After(m.ClosesAt.Add(grace))
}

// Expired reports whether an OPEN market is past its deadline plus grace.
func (m *Market) Expired(now time.Time, grace time.Duration) bool {
	if m.Status != StatusOpen || m.ClosesAt == nil {
		return false
	}
	return now.After(m.ClosesAt.Add(grace))
}

// Order is a resting limit order. Price is always the YES probability in
// cents; a NO order at price p pays 100-p per contract. IsSell orders offer
// shares already escrowed out of the owner's position.
type Order struct {
	ID        string    `json:"id" db:"id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Side      Side      `json:"side" db:"side"`
	Price     int64     `json:"price" db:"price"`
	Quantity  int64     `json:"quantity" db:"quantity"`
	Remaining int64     `json:"remaining_quantity" db:"remaining_quantity"`
	IsSell    bool      `json:"is_sell" db:"is_sell"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EscrowedCost is the token amount still held for a resting buy order.
func (o *Order) EscrowedCost() int64 {
	if o.IsSell {
		return 0
	}
	return UnitCost(o.Side, o.Price) * o.Remaining
}

// TradeKind distinguishes newly minted contract pairs from transfers.
type TradeKind string

const (
	TradeMint     TradeKind = "MINT"
	TradeTransfer TradeKind = "TRANSFER"
)

// Trade is an immutable execution record. Price is the YES price.
type Trade struct {
	ID        string    `json:"id" db:"id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	YesUserID string    `json:"yes_user_id" db:"yes_user_id"`
	NoUserID  string    `json:"no_user_id" db:"no_user_id"`
	Price     int64     `json:"price" db:"price"`
	Quantity  int64     `json:"quantity" db:"quantity"`
	Kind      TradeKind `json:"kind" db:"kind"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Position is a user's share holding in one market.
type Position struct {
	MarketID  string `json:"market_id" db:"market_id"`
	UserID    string `json:"user_id" db:"user_id"`
	YesShares int64  `json:"yes_shares" db:"yes_shares"`
	NoShares  int64  `json:"no_shares" db:"no_shares"`
}

// Shares returns the holding of one side.
func (p *Position) Shares(side Side) int64 {
	if side == SideNo {
		return p.NoShares
	}
	return p.YesShares
}

// Total is the combined share count.
func (p *Position) Total() int64 { return p.YesShares + p.NoShares }

// Vote is one stakeholder's resolution vote with its escrowed stake.
type Vote struct {
	MarketID      string    `json:"market_id" db:"market_id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Choice        Side      `json:"choice" db:"choice"`
	StakeAmount   int64     `json:"stake_amount" db:"stake_amount"`
	StakeReturned bool      `json:"stake_returned" db:"stake_returned"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// VotingSettings is the global resolution-vote configuration.
type VotingSettings struct {
	YesBlocWeight          decimal.Decimal `json:"yes_bloc_weight" db:"yes_bloc_weight"`
	NoBlocWeight           decimal.Decimal `json:"no_bloc_weight" db:"no_bloc_weight"`
	AdminWeight            decimal.Decimal `json:"admin_weight" db:"admin_weight"`
	StakePercentage        decimal.Decimal `json:"stake_percentage" db:"stake_percentage"`
	NoReportTimeoutMinutes int             `json:"no_report_timeout_minutes" db:"no_report_timeout_minutes"`
	MinVotes               int             `json:"min_votes" db:"min_votes"`
}

// DefaultVotingSettings is used when no settings row exists.
func DefaultVotingSettings() VotingSettings {
	return VotingSettings{
		YesBlocWeight:          decimal.NewFromInt(40),
		NoBlocWeight:           decimal.NewFromInt(40),
		AdminWeight:            decimal.NewFromInt(20),
		StakePercentage:        decimal.NewFromInt(10),
		NoReportTimeoutMinutes: 60,
		MinVotes:               1,
	}
}

// Grace is the window after closes_at before the market expires.
func (s VotingSettings) Grace() time.Duration {
	if s.NoReportTimeoutMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(s.NoReportTimeoutMinutes) * time.Minute
}

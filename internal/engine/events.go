package engine

import (
	"time"

	"github.com/atmx/league-engine/internal/model"
)

// EventType names a committed engine change.
type EventType string

const (
	EventOrderPlaced     EventType = "order.placed"
	EventOrderCancelled  EventType = "order.cancelled"
	EventTrades          EventType = "trades"
	EventMarketCreated   EventType = "market.created"
	EventMarketReported  EventType = "market.reported"
	EventVoteCast        EventType = "vote.cast"
	EventMarketReopened  EventType = "market.reopened"
	EventMarketResolved  EventType = "market.resolved"
	EventMarketCancelled EventType = "market.cancelled"
	EventBalanceAdjusted EventType = "balance.adjusted"
)

// Event is published after the transaction that produced it has committed.
type Event struct {
	Type     EventType     `json:"type"`
	MarketID string        `json:"market_id,omitempty"`
	UserID   string        `json:"user_id,omitempty"`
	Market   *model.Market `json:"market,omitempty"`
	Order    *model.Order  `json:"order,omitempty"`
	Trades   []model.Trade `json:"trades,omitempty"`
	Tally    *TallyOutcome `json:"tally,omitempty"`
	Balance  *int64        `json:"balance,omitempty"`
	Time     time.Time     `json:"time"`
}

// Publisher receives engine events. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/league-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// market rows and voting settings. Writes go to the primary store and
// invalidate the cache once the transaction has committed; reads check
// Redis first then fall back to the primary. Only resolved or cancelled
// markets are cached: their rows never change again, so a read that races
// a commit cannot leave a stale status behind.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.Store.InTx(ctx, func(tx Tx) error {
		// fn may be replayed; only the final attempt's keys matter.
		touched = touched[:0]
		return fn(&cachedTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		keys := make([]string, len(touched))
		for i, id := range touched {
			keys[i] = marketKey(id)
		}
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) SaveVotingSettings(ctx context.Context, vs model.VotingSettings) error {
	if err := s.Store.SaveVotingSettings(ctx, vs); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		s.cache(ctx, marketKey(id), m)
	}
	return m, nil
}

func (s *CachedStore) GetVotingSettings(ctx context.Context) (model.VotingSettings, error) {
	data, err := s.rdb.Get(ctx, settingsKey).Bytes()
	if err == nil {
		var vs model.VotingSettings
		if json.Unmarshal(data, &vs) == nil {
			return vs, nil
		}
	}

	vs, err := s.Store.GetVotingSettings(ctx)
	if err != nil {
		return vs, err
	}
	s.cache(ctx, settingsKey, vs)
	return vs, nil
}

// cachedTx records which markets changed status so the cache can be
// invalidated after commit. Reads inside a transaction always go to the
// primary.
type cachedTx struct {
	Tx
	touched *[]string
}

func (tx *cachedTx) UpdateMarketStatus(ctx context.Context, m *model.Market, from ...model.MarketStatus) (bool, error) {
	ok, err := tx.Tx.UpdateMarketStatus(ctx, m, from...)
	if ok {
		*tx.touched = append(*tx.touched, m.ID)
	}
	return ok, err
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const settingsKey = "league:voting_settings"

func marketKey(id string) string { return fmt.Sprintf("league:market:%s", id) }

var _ Store = (*CachedStore)(nil)

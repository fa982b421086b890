package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/predex/engine/internal/model"
)

// CachedStore wraps another Store with a Redis read-through cache for the
// hot read paths (markets and users). Writes go straight to the inner store
// and invalidate the affected keys; a cache miss or Redis outage degrades
// to the inner store, never to an error.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

// NewCachedStore wraps inner with a Redis cache.
func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{Store: inner, rdb: rdb, ttl: ttl, log: log}
}

func marketKey(id string) string { return "market:" + id }
func userKey(id string) string   { return "user:" + id }

func (s *CachedStore) getCached(ctx context.Context, key string, dst any) bool {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("cache read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.log.Warn("cache entry corrupt", "key", key, "error", err)
		s.rdb.Del(ctx, key)
		return false
	}
	return true
}

func (s *CachedStore) setCached(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		s.log.Warn("cache write failed", "key", key, "error", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		s.log.Warn("cache invalidation failed", "keys", keys, "error", err)
	}
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.getCached(ctx, marketKey(id), &m) {
		return &m, nil
	}
	got, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, marketKey(id), got)
	return got, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.getCached(ctx, userKey(id), &u) {
		return &u, nil
	}
	got, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, userKey(id), got)
	return got, nil
}

func (s *CachedStore) TransitionMarketStatus(ctx context.Context, id string, from, to model.MarketStatus) (bool, error) {
	ok, err := s.Store.TransitionMarketStatus(ctx, id, from, to)
	if ok {
		s.invalidate(ctx, marketKey(id))
	}
	return ok, err
}

func (s *CachedStore) ApplyTrade(ctx context.Context, app *TradeApplication) error {
	if err := s.Store.ApplyTrade(ctx, app); err != nil {
		return err
	}
	s.invalidate(ctx, marketKey(app.MarketID), userKey(app.UserID))
	return nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, app *SettlementApplication) error {
	if err := s.Store.ApplySettlement(ctx, app); err != nil {
		return err
	}
	keys := []string{marketKey(app.MarketID)}
	for _, p := range app.Payouts {
		keys = append(keys, userKey(p.UserID))
	}
	s.invalidate(ctx, keys...)
	return nil
}

// Ping verifies the Redis connection at startup.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot hedge-path reads: events, venue mappings, config and
// positions. Writes go to the primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	data, err := s.rdb.Get(ctx, eventKey(id)).Bytes()
	if err == nil {
		var e model.Event
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	e, err := s.primary.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, eventKey(id), e)
	return e, nil
}

func (s *CachedStore) GetMarketMapping(ctx context.Context, eventID string) (*model.MarketMapping, error) {
	data, err := s.rdb.Get(ctx, mappingKey(eventID)).Bytes()
	if err == nil {
		var m model.MarketMapping
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarketMapping(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, mappingKey(eventID), m)
	return m, nil
}

func (s *CachedStore) GetHedgePosition(ctx context.Context, id string) (*model.HedgePosition, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.HedgePosition
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetHedgePosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionKey(id), p)
	return p, nil
}

func (s *CachedStore) GetConfigValues(ctx context.Context) (map[string]string, error) {
	data, err := s.rdb.Get(ctx, configKey()).Bytes()
	if err == nil {
		var values map[string]string
		if json.Unmarshal(data, &values) == nil {
			return values, nil
		}
	}

	values, err := s.primary.GetConfigValues(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, configKey(), values)
	return values, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertHedgePosition(ctx context.Context, p *model.HedgePosition) error {
	if err := s.primary.InsertHedgePosition(ctx, p); err != nil {
		return err
	}
	s.cacheJSON(ctx, positionKey(p.ID), p)
	return nil
}

func (s *CachedStore) CloseHedgePosition(ctx context.Context, id string, netProfit, settlementPrice decimal.Decimal, settledAt time.Time) error {
	if err := s.primary.CloseHedgePosition(ctx, id, netProfit, settlementPrice, settledAt); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the closed row.
	s.rdb.Del(ctx, positionKey(id))
	return nil
}

func (s *CachedStore) SetConfigValue(ctx context.Context, key, value string) error {
	if err := s.primary.SetConfigValue(ctx, key, value); err != nil {
		return err
	}
	s.rdb.Del(ctx, configKey())
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.GetBalance(ctx, userID)
}

func (s *CachedStore) ExecuteUserTrade(ctx context.Context, order *model.UserOrder, balanceDelta decimal.Decimal) error {
	return s.primary.ExecuteUserTrade(ctx, order, balanceDelta)
}

func (s *CachedStore) GetUserEventTradeStats(ctx context.Context, userID, eventID string) (TradeStats, error) {
	return s.primary.GetUserEventTradeStats(ctx, userID, eventID)
}

func (s *CachedStore) GetEventLiability(ctx context.Context, eventID string) (decimal.Decimal, error) {
	return s.primary.GetEventLiability(ctx, eventID)
}

func (s *CachedStore) GetTotalLiability(ctx context.Context) (decimal.Decimal, error) {
	return s.primary.GetTotalLiability(ctx)
}

func (s *CachedStore) GetOpenPositionsByEvent(ctx context.Context, eventID string) ([]model.HedgePosition, error) {
	return s.primary.GetOpenPositionsByEvent(ctx, eventID)
}

func (s *CachedStore) GetLatestOpenPosition(ctx context.Context, userID, eventID, option string) (*model.HedgePosition, error) {
	return s.primary.GetLatestOpenPosition(ctx, userID, eventID, option)
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.HedgePosition, error) {
	return s.primary.GetUserPositions(ctx, userID)
}

func (s *CachedStore) GetHedgeStats(ctx context.Context, since time.Time) (HedgeStats, error) {
	return s.primary.GetHedgeStats(ctx, since)
}

func (s *CachedStore) InsertRiskSnapshot(ctx context.Context, snap *model.RiskSnapshot) error {
	return s.primary.InsertRiskSnapshot(ctx, snap)
}

func (s *CachedStore) ListRiskSnapshots(ctx context.Context, limit int) ([]model.RiskSnapshot, error) {
	return s.primary.ListRiskSnapshots(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func eventKey(id string) string        { return fmt.Sprintf("event:%s", id) }
func mappingKey(eventID string) string { return fmt.Sprintf("mapping:%s", eventID) }
func positionKey(id string) string     { return fmt.Sprintf("hedgepos:%s", id) }
func configKey() string                { return "hedge:config" }

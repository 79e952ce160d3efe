package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string]*model.Event
	mappings  map[string]*model.MarketMapping // by eventID
	balances  map[string]decimal.Decimal
	orders    []model.UserOrder
	positions map[string]*model.HedgePosition
	snapshots []model.RiskSnapshot
	config    map[string]string

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string]*model.Event),
		mappings:  make(map[string]*model.MarketMapping),
		balances:  make(map[string]decimal.Decimal),
		positions: make(map[string]*model.HedgePosition),
		config:    make(map[string]string),
		now:       time.Now,
	}
}

// --- Seed helpers (tests and development only) ---

// SeedEvent inserts an event.
func (s *MemoryStore) SeedEvent(e *model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[e.ID] = &cp
}

// SeedMapping inserts an event→venue mapping.
func (s *MemoryStore) SeedMapping(m *model.MarketMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.mappings[m.EventID] = &cp
}

// SeedBalance sets a user balance.
func (s *MemoryStore) SeedBalance(userID string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
}

// SetClock overrides the store's time source, so tests can pin the
// day boundary used by the trade-stats aggregation.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// UserOrders returns a copy of the user-order ledger, for assertions.
func (s *MemoryStore) UserOrders() []model.UserOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.UserOrder, len(s.orders))
	copy(out, s.orders)
	return out
}

// --- Events and mappings ---

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetMarketMapping(_ context.Context, eventID string) (*model.MarketMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// --- Balances and the user-side ledger ---

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) ExecuteUserTrade(_ context.Context, order *model.UserOrder, balanceDelta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, ok := s.balances[order.UserID]
	if !ok {
		return ErrNotFound
	}
	newBalance := balance.Add(balanceDelta)
	if newBalance.IsNegative() {
		return ErrInsufficientBalance
	}

	s.balances[order.UserID] = newBalance
	s.orders = append(s.orders, *order)
	return nil
}

func (s *MemoryStore) GetUserEventTradeStats(_ context.Context, userID, eventID string) (TradeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dayStart := s.now().Truncate(24 * time.Hour)
	var stats TradeStats
	for _, o := range s.orders {
		if o.UserID != userID || o.EventID != eventID {
			continue
		}
		if o.Timestamp.After(stats.LastTradeAt) {
			stats.LastTradeAt = o.Timestamp
		}
		if !o.Timestamp.Before(dayStart) {
			stats.TradesToday++
		}
	}
	return stats, nil
}

// --- Liability aggregates ---

// eventLiabilityLocked mirrors the SQL grouped aggregation: max across
// outcomes of net shares held by non-house users. Caller holds s.mu.
func (s *MemoryStore) eventLiabilityLocked(eventID string) decimal.Decimal {
	byOption := make(map[string]decimal.Decimal)
	for _, o := range s.orders {
		if o.EventID != eventID || o.UserID == "house" {
			continue
		}
		delta := o.Shares
		if o.Side == model.SideSell {
			delta = delta.Neg()
		}
		byOption[o.Option] = byOption[o.Option].Add(delta)
	}

	maxShares := decimal.Zero
	for _, shares := range byOption {
		if shares.GreaterThan(maxShares) {
			maxShares = shares
		}
	}
	return maxShares
}

func (s *MemoryStore) GetEventLiability(_ context.Context, eventID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventLiabilityLocked(eventID), nil
}

func (s *MemoryStore) GetTotalLiability(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for id, e := range s.events {
		if !e.Active {
			continue
		}
		total = total.Add(s.eventLiabilityLocked(id))
	}
	return total, nil
}

// --- Hedge positions ---

func (s *MemoryStore) InsertHedgePosition(_ context.Context, p *model.HedgePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetHedgePosition(_ context.Context, id string) (*model.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) CloseHedgePosition(_ context.Context, id string, netProfit, settlementPrice decimal.Decimal, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status == model.StatusClosed {
		return ErrAlreadyClosed
	}
	p.Status = model.StatusClosed
	p.NetProfit = netProfit
	p.SettlementPrice = settlementPrice
	p.SettledAt = settledAt
	return nil
}

func (s *MemoryStore) GetOpenPositionsByEvent(_ context.Context, eventID string) ([]model.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HedgePosition
	for _, p := range s.positions {
		if p.EventID == eventID && p.Open() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetLatestOpenPosition(_ context.Context, userID, eventID, option string) (*model.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.HedgePosition
	for _, p := range s.positions {
		if p.EventID != eventID || p.Option != option || !p.Open() {
			continue
		}
		if userID != "" && !hasUserOrder(s.orders, userID, p.UserOrderID) {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) GetUserPositions(_ context.Context, userID string) ([]model.HedgePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HedgePosition
	for _, p := range s.positions {
		if p.Open() && hasUserOrder(s.orders, userID, p.UserOrderID) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func hasUserOrder(orders []model.UserOrder, userID, orderID string) bool {
	for _, o := range orders {
		if o.ID == orderID {
			return o.UserID == userID
		}
	}
	return false
}

func (s *MemoryStore) GetHedgeStats(_ context.Context, since time.Time) (HedgeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats HedgeStats
	stats.TotalHedged = decimal.Zero
	stats.TotalUnhedged = decimal.Zero
	stats.AvgHedgeMs = decimal.Zero

	totalMs := decimal.Zero
	timed := 0

	for _, p := range s.positions {
		if p.Open() {
			stats.OpenPositions++
			stats.TotalHedged = stats.TotalHedged.Add(p.Shares.Mul(p.VenuePrice))
		}
		if p.Status == model.StatusFailed && p.RollbackAttempted && !p.RollbackSucceeded {
			stats.TotalUnhedged = stats.TotalUnhedged.Add(p.Shares.Mul(p.VenuePrice))
		}
		if p.CreatedAt.Before(since) {
			continue
		}
		stats.Attempts++
		switch p.Status {
		case model.StatusFailed:
			stats.FailedHedges++
		default:
			stats.Succeeded++
			if !p.SettledAt.IsZero() && p.SettledAt.After(p.CreatedAt) {
				totalMs = totalMs.Add(decimal.NewFromInt(p.SettledAt.Sub(p.CreatedAt).Milliseconds()))
				timed++
			}
		}
	}

	if timed > 0 {
		stats.AvgHedgeMs = totalMs.Div(decimal.NewFromInt(int64(timed)))
	}
	return stats, nil
}

// --- Risk snapshots ---

func (s *MemoryStore) InsertRiskSnapshot(_ context.Context, snap *model.RiskSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *MemoryStore) ListRiskSnapshots(_ context.Context, limit int) ([]model.RiskSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.snapshots)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.RiskSnapshot, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.snapshots[i])
	}
	return out, nil
}

// --- Dynamic config ---

func (s *MemoryStore) GetConfigValues(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.config))
	for k, v := range s.config {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SetConfigValue(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

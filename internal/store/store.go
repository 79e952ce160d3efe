// Package store defines the persistence interface for the hedge engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/model"
)

var (
	// ErrNotFound is returned for lookups with no matching row.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyClosed is returned when mutating a closed hedge position.
	// Closed rows are immutable.
	ErrAlreadyClosed = errors.New("store: position already closed")

	// ErrInsufficientBalance is returned when a trade's debit would take
	// a balance negative.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
)

// TradeStats summarizes a user's recent activity on one event, for the
// cooldown and daily-cap risk checks.
type TradeStats struct {
	LastTradeAt time.Time
	TradesToday int
}

// HedgeStats is the aggregate the risk reporter reads. Computed with
// grouped aggregation, never by scanning full tables into memory.
type HedgeStats struct {
	TotalHedged   decimal.Decimal // venue notional of open hedged positions
	TotalUnhedged decimal.Decimal // venue notional of failed rollbacks
	OpenPositions int
	FailedHedges  int
	Attempts      int
	Succeeded     int
	AvgHedgeMs    decimal.Decimal
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for hot mapping/config reads.
type Store interface {
	// --- Events and venue mappings (read-only to the hedge core) ---

	// GetEvent retrieves an event by ID.
	GetEvent(ctx context.Context, id string) (*model.Event, error)

	// GetMarketMapping retrieves the event→venue mapping.
	GetMarketMapping(ctx context.Context, eventID string) (*model.MarketMapping, error)

	// --- Balances and the user-side ledger ---

	// GetBalance returns a user's cash balance.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// ExecuteUserTrade atomically applies the balance delta and inserts
	// the user order row. All-or-nothing: a crash mid-trade leaves no
	// partial ledger state.
	ExecuteUserTrade(ctx context.Context, order *model.UserOrder, balanceDelta decimal.Decimal) error

	// GetUserEventTradeStats returns cooldown/daily-cap inputs for one
	// user on one event.
	GetUserEventTradeStats(ctx context.Context, userID, eventID string) (TradeStats, error)

	// --- Liability aggregates (grouped aggregation, not table scans) ---

	// GetEventLiability returns the event's worst-case payout: the max,
	// across outcomes, of total shares held by non-house users.
	GetEventLiability(ctx context.Context, eventID string) (decimal.Decimal, error)

	// GetTotalLiability sums per-event liabilities across active events.
	GetTotalLiability(ctx context.Context) (decimal.Decimal, error)

	// --- Hedge positions ---

	// InsertHedgePosition appends one hedge ledger row.
	InsertHedgePosition(ctx context.Context, p *model.HedgePosition) error

	// GetHedgePosition retrieves a position by ID.
	GetHedgePosition(ctx context.Context, id string) (*model.HedgePosition, error)

	// CloseHedgePosition transitions a position to closed with its final
	// P&L. Fails if the position is already closed.
	CloseHedgePosition(ctx context.Context, id string, netProfit, settlementPrice decimal.Decimal, settledAt time.Time) error

	// GetOpenPositionsByEvent returns hedged/partial positions for an event.
	GetOpenPositionsByEvent(ctx context.Context, eventID string) ([]model.HedgePosition, error)

	// GetLatestOpenPosition returns the most recent open hedge for a user
	// on one event option, for the early-close flow.
	GetLatestOpenPosition(ctx context.Context, userID, eventID, option string) (*model.HedgePosition, error)

	// GetUserPositions returns a user's open positions, newest first.
	GetUserPositions(ctx context.Context, userID string) ([]model.HedgePosition, error)

	// GetHedgeStats computes exposure/success aggregates since a cutoff.
	GetHedgeStats(ctx context.Context, since time.Time) (HedgeStats, error)

	// --- Risk snapshots (append-only) ---

	// InsertRiskSnapshot appends one snapshot.
	InsertRiskSnapshot(ctx context.Context, s *model.RiskSnapshot) error

	// ListRiskSnapshots returns the most recent snapshots, newest first.
	ListRiskSnapshots(ctx context.Context, limit int) ([]model.RiskSnapshot, error)

	// --- Dynamic config ---

	// GetConfigValues returns all override rows.
	GetConfigValues(ctx context.Context) (map[string]string, error)

	// SetConfigValue upserts one override row.
	SetConfigValue(ctx context.Context, key, value string) error
}

// Package model defines the core domain types shared across the hedge engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade, from the user's point of view.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the flattening direction for a side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// HedgeStatus is the lifecycle state of a HedgePosition.
//
//	pending → hedged → closed
//	pending → failed
//	pending → partial (split order with some chunks unfilled)
type HedgeStatus string

const (
	StatusPending HedgeStatus = "pending"
	StatusHedged  HedgeStatus = "hedged"
	StatusFailed  HedgeStatus = "failed"
	StatusPartial HedgeStatus = "partial"
	StatusClosed  HedgeStatus = "closed"
)

// ErrorCode classifies hedge failures for callers and operators.
type ErrorCode string

const (
	CodeValidation  ErrorCode = "VALIDATION"
	CodeMapping     ErrorCode = "MAPPING"
	CodePolymarket  ErrorCode = "POLYMARKET"
	CodeDatabase    ErrorCode = "DATABASE"
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	CodeDisabled    ErrorCode = "DISABLED"
)

// HedgeRequest is one user trade to be hedged externally. Transient,
// created per trade.
type HedgeRequest struct {
	UserID    string          `json:"user_id"`
	EventID   string          `json:"event_id"`
	Option    string          `json:"option"` // outcome selector, e.g. "YES"
	USDAmount decimal.Decimal `json:"usd_amount"`
	Side      Side            `json:"side"`
}

// HedgeResult is returned from the executor for every hedge attempt,
// success or failure. Partial outcomes are always flagged explicitly.
type HedgeResult struct {
	Success      bool            `json:"success"`
	PositionID   string          `json:"position_id,omitempty"`
	UserOrderID  string          `json:"user_order_id,omitempty"`
	VenueOrderID string          `json:"venue_order_id,omitempty"`
	UserPrice    decimal.Decimal `json:"user_price,omitempty"`
	VenuePrice   decimal.Decimal `json:"venue_price,omitempty"`
	Shares       decimal.Decimal `json:"shares,omitempty"`
	Spread       decimal.Decimal `json:"spread,omitempty"`
	NetProfit    decimal.Decimal `json:"net_profit,omitempty"`

	// Unhedged marks a fallback trade executed with no venue leg. Only
	// possible when the operator has explicitly allowed unhedged flow.
	Unhedged bool `json:"unhedged,omitempty"`

	// SplitExecution is set when the order went through the splitter;
	// ChunksFilled/ChunksTotal describe partial fills.
	SplitExecution bool `json:"split_execution,omitempty"`
	ChunksFilled   int  `json:"chunks_filled,omitempty"`
	ChunksTotal    int  `json:"chunks_total,omitempty"`

	// Rollback flags are set on the one path where residual exposure can
	// occur: venue fill succeeded but the user-side trade could not be
	// recorded. RollbackSucceeded=false with RollbackAttempted=true means
	// manual reconciliation is required.
	RollbackAttempted bool `json:"rollback_attempted,omitempty"`
	RollbackSucceeded bool `json:"rollback_succeeded,omitempty"`

	ErrorCode ErrorCode `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Event is the internal market an end user trades on. Events sourced from
// the external venue carry no internal liquidity pool.
type Event struct {
	ID        string          `json:"id" db:"id"`
	Title     string          `json:"title" db:"title"`
	Source    string          `json:"source" db:"source"` // "internal" or "polymarket"
	Active    bool            `json:"active" db:"active"`
	Liquidity decimal.Decimal `json:"liquidity" db:"liquidity"` // internal pool, zero for venue-sourced
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// SourcePolymarket marks events whose liquidity lives on the external venue.
const SourcePolymarket = "polymarket"

// MarketMapping links an internal event to an external-venue market.
// Owned by the configuration layer; read-only to the hedge core.
type MarketMapping struct {
	EventID     string            `json:"event_id" db:"event_id"`
	MarketID    string            `json:"market_id" db:"market_id"`       // venue market id
	ConditionID string            `json:"condition_id" db:"condition_id"` // venue condition id
	TokenIDs    map[string]string `json:"token_ids" db:"token_ids"`       // option → venue token id
	Active      bool              `json:"active" db:"active"`
}

// Quote is a point-in-time top-of-book price. Derived, never persisted.
type Quote struct {
	TokenID   string
	Price     decimal.Decimal // side-relevant top of book
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// Age returns how stale the quote is.
func (q Quote) Age() time.Duration {
	return time.Since(q.Timestamp)
}

// OrderBookLevel is one price level of venue depth.
type OrderBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is venue depth for one token. Bids descending, asks ascending.
type OrderBook struct {
	TokenID   string           `json:"token_id"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
	TickSize  decimal.Decimal  `json:"tick_size"`
	NegRisk   bool             `json:"neg_risk"`
}

// HedgePosition is the ledger row for one hedge: the user leg and the
// offsetting venue leg. Mutated only by the executor (open) and the
// settlement/close flow (terminal transition). Immutable once closed.
type HedgePosition struct {
	ID              string          `json:"id" db:"id"`
	UserOrderID     string          `json:"user_order_id" db:"user_order_id"`
	VenueOrderID    string          `json:"venue_order_id" db:"venue_order_id"`
	EventID         string          `json:"event_id" db:"event_id"`
	MarketID        string          `json:"market_id" db:"market_id"`
	TokenID         string          `json:"token_id" db:"token_id"`
	Option          string          `json:"option" db:"option"`
	Side            Side            `json:"side" db:"side"`
	Shares          decimal.Decimal `json:"shares" db:"shares"`
	UserPrice       decimal.Decimal `json:"user_price" db:"user_price"`
	VenuePrice      decimal.Decimal `json:"venue_price" db:"venue_price"`
	SpreadCaptured  decimal.Decimal `json:"spread_captured" db:"spread_captured"`
	VenueFees       decimal.Decimal `json:"venue_fees" db:"venue_fees"`
	OverheadCost    decimal.Decimal `json:"overhead_cost" db:"overhead_cost"`
	NetProfit       decimal.Decimal `json:"net_profit" db:"net_profit"`
	SettlementPrice decimal.Decimal `json:"settlement_price" db:"settlement_price"`
	Status          HedgeStatus     `json:"status" db:"status"`

	// Rollback bookkeeping for failed rows. A failed position with an
	// attempted but unsuccessful rollback is live venue exposure that
	// needs manual reconciliation.
	RollbackAttempted bool `json:"rollback_attempted,omitempty" db:"rollback_attempted"`
	RollbackSucceeded bool `json:"rollback_succeeded,omitempty" db:"rollback_succeeded"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	SettledAt time.Time `json:"settled_at" db:"settled_at"`
}

// Open reports whether the position still carries venue exposure.
func (p *HedgePosition) Open() bool {
	return p.Status == StatusHedged || p.Status == StatusPartial
}

// OrderChunk is one slice of a split order. Owned exclusively by its plan.
type OrderChunk struct {
	Index         int
	Size          decimal.Decimal
	TargetPrice   decimal.Decimal
	Executed      bool
	ExecutedPrice decimal.Decimal
	ExecutedAt    time.Time
	VenueOrderID  string
	Err           error
}

// SplitOrderPlan is the chunk schedule for one large order. Transient,
// lives for the duration of that execution.
type SplitOrderPlan struct {
	TotalSize      decimal.Decimal
	Side           Side
	Chunks         []OrderChunk
	EstDuration    time.Duration
	EstSlippageBps decimal.Decimal
}

// RiskSnapshot is a point-in-time exposure aggregate. Append-only series.
type RiskSnapshot struct {
	ID               string          `json:"id" db:"id"`
	TotalUnhedged    decimal.Decimal `json:"total_unhedged" db:"total_unhedged"`
	TotalHedged      decimal.Decimal `json:"total_hedged" db:"total_hedged"`
	NetExposure      decimal.Decimal `json:"net_exposure" db:"net_exposure"`
	HedgeSuccessRate decimal.Decimal `json:"hedge_success_rate" db:"hedge_success_rate"`
	AvgHedgeMs       decimal.Decimal `json:"avg_hedge_ms" db:"avg_hedge_ms"`
	OpenPositions    int             `json:"open_positions" db:"open_positions"`
	FailedHedges     int             `json:"failed_hedges" db:"failed_hedges"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
}

// UserOrder is the user-side trade record created after a confirmed
// venue fill. Immutable once created.
type UserOrder struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	EventID   string          `json:"event_id" db:"event_id"`
	Option    string          `json:"option" db:"option"`
	Side      Side            `json:"side" db:"side"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Cost      decimal.Decimal `json:"cost" db:"cost"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

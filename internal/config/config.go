// Package config provides hedge-engine configuration: compiled-in defaults
// merged with operator overrides stored as key-value rows in the database.
// Callers take an immutable Snapshot per operation; the loader refreshes
// its cached copy on a TTL instead of mutating a shared struct.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Source reads and writes the dynamic override rows. Implemented by the
// store layer.
type Source interface {
	GetConfigValues(ctx context.Context) (map[string]string, error)
	SetConfigValue(ctx context.Context, key, value string) error
}

// Snapshot is one immutable view of effective configuration.
type Snapshot struct {
	// Feature flags.
	HedgingEnabled bool // master switch for external hedging
	AllowUnhedged  bool // permit fallback trades with no venue leg

	// Pricing and economics.
	SpreadRate   decimal.Decimal // markup over venue price, e.g. 0.04
	FeeRate      decimal.Decimal // venue fee rate on notional, e.g. 0.02
	GasOverhead  decimal.Decimal // fixed per-hedge overhead in USD
	MinNetProfit decimal.Decimal // reject hedges expected to earn less
	MaxDrift     decimal.Decimal // max |userPrice-venuePrice|/venuePrice

	// Order bounds.
	MinOrderUSD decimal.Decimal
	MaxOrderUSD decimal.Decimal

	// Quote handling.
	QuoteStaleness   time.Duration
	FillPollInterval time.Duration
	FillPollTimeout  time.Duration

	// Risk gate.
	TradeCooldown      time.Duration
	DailyTradeCap      int
	LiquidityFraction  decimal.Decimal // max order share of internal pool
	SlippageCap        decimal.Decimal // max predicted probability move
	EventLiabilityCap  decimal.Decimal
	GlobalLiabilityCap decimal.Decimal

	// Splitter.
	MaxChunkSize   decimal.Decimal
	MinChunkSize   decimal.Decimal
	BaseChunkDelay time.Duration

	// Queue.
	BatchWindow  time.Duration
	MaxBatchSize int
	MaxQueueAge  time.Duration
}

// Defaults returns the compiled-in configuration.
func Defaults() Snapshot {
	return Snapshot{
		HedgingEnabled: true,
		AllowUnhedged:  false,

		SpreadRate:   dec("0.04"),
		FeeRate:      dec("0.02"),
		GasOverhead:  dec("0.50"),
		MinNetProfit: dec("0.10"),
		MaxDrift:     dec("0.06"),

		MinOrderUSD: dec("1"),
		MaxOrderUSD: dec("10000"),

		QuoteStaleness:   5 * time.Second,
		FillPollInterval: 500 * time.Millisecond,
		FillPollTimeout:  10 * time.Second,

		TradeCooldown:      30 * time.Second,
		DailyTradeCap:      100,
		LiquidityFraction:  dec("0.05"),
		SlippageCap:        dec("0.10"),
		EventLiabilityCap:  dec("50000"),
		GlobalLiabilityCap: dec("250000"),

		MaxChunkSize:   dec("100"),
		MinChunkSize:   dec("10"),
		BaseChunkDelay: 2 * time.Second,

		BatchWindow:  100 * time.Millisecond,
		MaxBatchSize: 20,
		MaxQueueAge:  500 * time.Millisecond,
	}
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// appliers maps override keys onto snapshot fields. Unknown keys are
// rejected at write time and skipped (with a warning) at read time.
var appliers = map[string]func(*Snapshot, string) error{
	"hedging_enabled":       func(s *Snapshot, v string) error { return parseBool(v, &s.HedgingEnabled) },
	"allow_unhedged":        func(s *Snapshot, v string) error { return parseBool(v, &s.AllowUnhedged) },
	"spread_rate":           func(s *Snapshot, v string) error { return parseDec(v, &s.SpreadRate) },
	"fee_rate":              func(s *Snapshot, v string) error { return parseDec(v, &s.FeeRate) },
	"gas_overhead":          func(s *Snapshot, v string) error { return parseDec(v, &s.GasOverhead) },
	"min_net_profit":        func(s *Snapshot, v string) error { return parseDec(v, &s.MinNetProfit) },
	"max_drift":             func(s *Snapshot, v string) error { return parseDec(v, &s.MaxDrift) },
	"min_order_usd":         func(s *Snapshot, v string) error { return parseDec(v, &s.MinOrderUSD) },
	"max_order_usd":         func(s *Snapshot, v string) error { return parseDec(v, &s.MaxOrderUSD) },
	"quote_staleness_ms":    func(s *Snapshot, v string) error { return parseMs(v, &s.QuoteStaleness) },
	"fill_poll_interval_ms": func(s *Snapshot, v string) error { return parseMs(v, &s.FillPollInterval) },
	"fill_poll_timeout_ms":  func(s *Snapshot, v string) error { return parseMs(v, &s.FillPollTimeout) },
	"trade_cooldown_ms":     func(s *Snapshot, v string) error { return parseMs(v, &s.TradeCooldown) },
	"daily_trade_cap":       func(s *Snapshot, v string) error { return parseInt(v, &s.DailyTradeCap) },
	"liquidity_fraction":    func(s *Snapshot, v string) error { return parseDec(v, &s.LiquidityFraction) },
	"slippage_cap":          func(s *Snapshot, v string) error { return parseDec(v, &s.SlippageCap) },
	"event_liability_cap":   func(s *Snapshot, v string) error { return parseDec(v, &s.EventLiabilityCap) },
	"global_liability_cap":  func(s *Snapshot, v string) error { return parseDec(v, &s.GlobalLiabilityCap) },
	"max_chunk_size":        func(s *Snapshot, v string) error { return parseDec(v, &s.MaxChunkSize) },
	"min_chunk_size":        func(s *Snapshot, v string) error { return parseDec(v, &s.MinChunkSize) },
	"base_chunk_delay_ms":   func(s *Snapshot, v string) error { return parseMs(v, &s.BaseChunkDelay) },
	"batch_window_ms":       func(s *Snapshot, v string) error { return parseMs(v, &s.BatchWindow) },
	"max_batch_size":        func(s *Snapshot, v string) error { return parseInt(v, &s.MaxBatchSize) },
	"max_queue_age_ms":      func(s *Snapshot, v string) error { return parseMs(v, &s.MaxQueueAge) },
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseDec(v string, dst *decimal.Decimal) error {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func parseMs(v string, dst *time.Duration) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

// Loader serves config snapshots, re-reading overrides from the source at
// most once per TTL.
type Loader struct {
	source Source
	ttl    time.Duration

	mu       sync.RWMutex
	cached   Snapshot
	loadedAt time.Time
}

// NewLoader creates a loader. ttl <= 0 falls back to 5s.
func NewLoader(source Source, ttl time.Duration) *Loader {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Loader{source: source, ttl: ttl}
}

// Snapshot returns the effective configuration: defaults with DB overrides
// applied. A source failure degrades to the last good snapshot (or pure
// defaults) rather than blocking trades.
func (l *Loader) Snapshot(ctx context.Context) Snapshot {
	l.mu.RLock()
	if !l.loadedAt.IsZero() && time.Since(l.loadedAt) < l.ttl {
		snap := l.cached
		l.mu.RUnlock()
		return snap
	}
	l.mu.RUnlock()

	snap := Defaults()
	values, err := l.source.GetConfigValues(ctx)
	if err != nil {
		slog.Warn("config override load failed, using last known", "err", err)
		l.mu.RLock()
		defer l.mu.RUnlock()
		if !l.loadedAt.IsZero() {
			return l.cached
		}
		return snap
	}

	for key, value := range values {
		apply, ok := appliers[key]
		if !ok {
			slog.Warn("unknown config key ignored", "key", key)
			continue
		}
		if err := apply(&snap, value); err != nil {
			slog.Warn("invalid config override ignored", "key", key, "value", value, "err", err)
		}
	}

	l.mu.Lock()
	l.cached = snap
	l.loadedAt = time.Now()
	l.mu.Unlock()
	return snap
}

// Set validates and persists one override, then invalidates the cache so
// the next Snapshot picks it up.
func (l *Loader) Set(ctx context.Context, key, value string) error {
	apply, ok := appliers[key]
	if !ok {
		return fmt.Errorf("config: unknown key %q", key)
	}
	// Validate against a scratch snapshot before persisting.
	scratch := Defaults()
	if err := apply(&scratch, value); err != nil {
		return fmt.Errorf("config: invalid value for %q: %w", key, err)
	}
	if err := l.source.SetConfigValue(ctx, key, value); err != nil {
		return err
	}

	l.mu.Lock()
	l.loadedAt = time.Time{}
	l.mu.Unlock()

	slog.Info("config override updated", "key", key, "value", value)
	return nil
}

// Keys returns the set of valid override keys, for the admin surface.
func Keys() []string {
	keys := make([]string, 0, len(appliers))
	for k := range appliers {
		keys = append(keys, k)
	}
	return keys
}

// Package risk implements the pre-trade gate applied before any hedge is
// attempted, and the periodic exposure snapshot reporter. Checks run in a
// fixed order and short-circuit on the first failure; risk failures are
// decisions, not errors.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/config"
	"github.com/oddsline/hedge-engine/internal/metrics"
	"github.com/oddsline/hedge-engine/internal/model"
	"github.com/oddsline/hedge-engine/internal/store"
)

// Rule names, used in rejection reasons and metrics labels.
const (
	RuleCooldown        = "cooldown"
	RuleDailyCap        = "daily_cap"
	RuleLiquidity       = "liquidity"
	RuleSlippage        = "slippage"
	RuleEventLiability  = "event_liability"
	RuleGlobalLiability = "global_liability"
)

// TradeCheck carries the inputs to one risk evaluation.
type TradeCheck struct {
	UserID        string
	EventID       string
	Option        string
	Side          model.Side
	USDAmount     decimal.Decimal
	CurrentProb   decimal.Decimal // current market probability of the option
	PredictedProb decimal.Decimal // probability after the trade's impact
}

// Decision is the gate's verdict. Rule is set on rejections.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

// Manager evaluates pre-trade risk rules against the store's aggregates.
type Manager struct {
	store store.Store
	now   func() time.Time
}

// NewManager creates a risk manager.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st, now: time.Now}
}

// NewManagerWithClock creates a manager with an injected clock. Test hook.
func NewManagerWithClock(st store.Store, now func() time.Time) *Manager {
	return &Manager{store: st, now: now}
}

// minProbForSlippage guards the slippage ratio against division blowup on
// near-zero probabilities; trades at or below it skip the slippage rule.
var minProbForSlippage = decimal.NewFromFloat(0.01)

// ValidateTrade runs the gate. Checks execute strictly in order — cooldown,
// daily cap, liquidity fraction, slippage, per-event liability, global
// liability — and stop at the first rejection. The liability checks are
// point-in-time estimates, not serialized against concurrent trades.
func (m *Manager) ValidateTrade(ctx context.Context, cfg config.Snapshot, check TradeCheck) (Decision, error) {
	// 1+2. Cooldown and daily cap share one aggregate read.
	stats, err := m.store.GetUserEventTradeStats(ctx, check.UserID, check.EventID)
	if err != nil {
		return Decision{}, fmt.Errorf("risk: trade stats: %w", err)
	}
	if !stats.LastTradeAt.IsZero() && m.now().Sub(stats.LastTradeAt) < cfg.TradeCooldown {
		return m.reject(RuleCooldown, fmt.Sprintf(
			"traded this event %s ago, cooldown is %s",
			m.now().Sub(stats.LastTradeAt).Round(time.Second), cfg.TradeCooldown)), nil
	}
	if stats.TradesToday >= cfg.DailyTradeCap {
		return m.reject(RuleDailyCap, fmt.Sprintf(
			"%d trades today, cap is %d", stats.TradesToday, cfg.DailyTradeCap)), nil
	}

	event, err := m.store.GetEvent(ctx, check.EventID)
	if err != nil {
		return Decision{}, fmt.Errorf("risk: load event: %w", err)
	}

	// Estimated shares the order would move. Used by the liquidity and
	// liability rules below.
	shares := decimal.Zero
	if check.CurrentProb.IsPositive() {
		shares = check.USDAmount.Div(check.CurrentProb)
	}

	// 3. Order size vs internal liquidity. Venue-sourced events carry no
	// internal pool, so the rule does not apply to them.
	if event.Source != model.SourcePolymarket && event.Liquidity.IsPositive() {
		maxShares := event.Liquidity.Mul(cfg.LiquidityFraction)
		if shares.GreaterThan(maxShares) {
			return m.reject(RuleLiquidity, fmt.Sprintf(
				"order of ~%s shares exceeds %s%% of pool liquidity %s",
				shares.Round(2), cfg.LiquidityFraction.Mul(decimal.NewFromInt(100)),
				event.Liquidity)), nil
		}
	}

	// 4. Slippage cap, skipped for near-zero probabilities.
	if check.CurrentProb.GreaterThan(minProbForSlippage) {
		move := check.PredictedProb.Sub(check.CurrentProb).Abs().Div(check.CurrentProb)
		if move.GreaterThan(cfg.SlippageCap) {
			return m.reject(RuleSlippage, fmt.Sprintf(
				"predicted move %s%% exceeds cap %s%%",
				move.Mul(decimal.NewFromInt(100)).Round(2),
				cfg.SlippageCap.Mul(decimal.NewFromInt(100)))), nil
		}
	}

	// 5+6. Liability caps apply to buys only: sells reduce payout exposure.
	if check.Side == model.SideBuy {
		eventLiability, err := m.store.GetEventLiability(ctx, check.EventID)
		if err != nil {
			return Decision{}, fmt.Errorf("risk: event liability: %w", err)
		}
		if eventLiability.Add(shares).GreaterThan(cfg.EventLiabilityCap) {
			return m.reject(RuleEventLiability, fmt.Sprintf(
				"event liability %s + %s would exceed cap %s",
				eventLiability.Round(2), shares.Round(2), cfg.EventLiabilityCap)), nil
		}

		totalLiability, err := m.store.GetTotalLiability(ctx)
		if err != nil {
			return Decision{}, fmt.Errorf("risk: total liability: %w", err)
		}
		if totalLiability.Add(shares).GreaterThan(cfg.GlobalLiabilityCap) {
			return m.reject(RuleGlobalLiability, fmt.Sprintf(
				"global liability %s + %s would exceed cap %s",
				totalLiability.Round(2), shares.Round(2), cfg.GlobalLiabilityCap)), nil
		}
	}

	return Decision{Allowed: true}, nil
}

func (m *Manager) reject(rule, reason string) Decision {
	metrics.RiskRejections.WithLabelValues(rule).Inc()
	return Decision{Allowed: false, Rule: rule, Reason: reason}
}

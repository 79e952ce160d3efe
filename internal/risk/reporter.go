package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/metrics"
	"github.com/oddsline/hedge-engine/internal/model"
	"github.com/oddsline/hedge-engine/internal/store"
)

// Broadcaster pushes risk snapshots to the operator feed. Satisfied by the
// hedge package's WebSocket hub; nil disables broadcasting.
type Broadcaster interface {
	BroadcastRiskSnapshot(s model.RiskSnapshot)
}

// Reporter periodically aggregates hedge exposure into RiskSnapshot rows
// for monitoring. The series is append-only.
type Reporter struct {
	store    store.Store
	hub      Broadcaster
	interval time.Duration
	window   time.Duration // lookback for success-rate aggregates
}

// NewReporter creates a reporter. interval <= 0 falls back to 1m.
func NewReporter(st store.Store, hub Broadcaster, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{
		store:    st,
		hub:      hub,
		interval: interval,
		window:   24 * time.Hour,
	}
}

// Run computes snapshots on a ticker until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Snapshot(ctx); err != nil {
				slog.Error("risk snapshot failed", "err", err)
			}
		}
	}
}

// Snapshot computes, persists, and broadcasts one exposure snapshot.
func (r *Reporter) Snapshot(ctx context.Context) (*model.RiskSnapshot, error) {
	stats, err := r.store.GetHedgeStats(ctx, time.Now().Add(-r.window))
	if err != nil {
		return nil, err
	}

	successRate := decimal.Zero
	if stats.Attempts > 0 {
		successRate = decimal.NewFromInt(int64(stats.Succeeded)).
			Div(decimal.NewFromInt(int64(stats.Attempts)))
	}

	snap := &model.RiskSnapshot{
		ID:               uuid.New().String(),
		TotalUnhedged:    stats.TotalUnhedged,
		TotalHedged:      stats.TotalHedged,
		NetExposure:      stats.TotalUnhedged,
		HedgeSuccessRate: successRate,
		AvgHedgeMs:       stats.AvgHedgeMs,
		OpenPositions:    stats.OpenPositions,
		FailedHedges:     stats.FailedHedges,
		Timestamp:        time.Now().UTC(),
	}

	if err := r.store.InsertRiskSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	exposure, _ := snap.NetExposure.Float64()
	metrics.NetExposure.Set(exposure)
	metrics.OpenPositions.Set(float64(snap.OpenPositions))

	if r.hub != nil {
		r.hub.BroadcastRiskSnapshot(*snap)
	}

	slog.Info("risk snapshot",
		"hedged", snap.TotalHedged.String(),
		"unhedged", snap.TotalUnhedged.String(),
		"success_rate", snap.HedgeSuccessRate.StringFixed(4),
		"open_positions", snap.OpenPositions,
	)
	return snap, nil
}

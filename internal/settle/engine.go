// Package settle closes out hedge positions: event resolution and early
// user-initiated closes. Settlement P&L deliberately excludes the hedged
// payout legs: the external hedge mirrors the user's position, so payout in
// equals payout out regardless of outcome, and what remains is the spread
// captured at entry minus costs.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/metrics"
	"github.com/oddsline/hedge-engine/internal/model"
	"github.com/oddsline/hedge-engine/internal/store"
)

// ErrPositionNotFound is returned when no position matches the request.
var ErrPositionNotFound = errors.New("settle: position not found")

// ErrNotSettleable is returned for positions that never reached a hedged
// state: a failed or still-pending row has no spread to realize, and
// reporting it as settled would hide the broken hedge from operators.
var ErrNotSettleable = errors.New("settle: position not settleable")

// QuoteFunc returns the current side-relevant venue price for a token.
type QuoteFunc func(ctx context.Context, tokenID string, side model.Side) (decimal.Decimal, error)

// PlaceFunc submits one venue order and returns its ID and fill price.
type PlaceFunc func(ctx context.Context, tokenID string, side model.Side, size, price decimal.Decimal) (string, decimal.Decimal, error)

// Engine settles hedge positions. quote and place are only used by the
// early-close flow; event settlement needs no venue access because winning
// positions pay out on the venue automatically.
type Engine struct {
	store store.Store
	quote QuoteFunc
	place PlaceFunc
	now   func() time.Time
}

func NewEngine(st store.Store, quote QuoteFunc, place PlaceFunc) *Engine {
	return &Engine{store: st, quote: quote, place: place, now: time.Now}
}

// Result describes one settled position.
type Result struct {
	PositionID      string          `json:"position_id"`
	NetProfit       decimal.Decimal `json:"net_profit"`
	SettlementPrice decimal.Decimal `json:"settlement_price"`
	AlreadySettled  bool            `json:"already_settled,omitempty"`
}

// SettlePosition closes one position after event resolution. The P&L is
// the same whichever way the event resolved: spread captured minus venue
// fees minus overhead. Settling an already-closed position returns its
// stored result unchanged; a failed or pending position is rejected with
// ErrNotSettleable.
func (e *Engine) SettlePosition(ctx context.Context, positionID string, won bool) (*Result, error) {
	pos, err := e.store.GetHedgePosition(ctx, positionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
		}
		return nil, err
	}
	if !pos.Open() && pos.Status != model.StatusClosed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotSettleable, pos.ID, pos.Status)
	}
	if !pos.Open() {
		return &Result{
			PositionID:      pos.ID,
			NetProfit:       pos.NetProfit,
			SettlementPrice: pos.SettlementPrice,
			AlreadySettled:  true,
		}, nil
	}

	pnl := pos.SpreadCaptured.Sub(pos.VenueFees).Sub(pos.OverheadCost)
	settlementPrice := decimal.Zero
	branch := "lose"
	if won {
		settlementPrice = decimal.NewFromInt(1)
		branch = "win"
	}

	settledAt := e.now().UTC()
	if err := e.store.CloseHedgePosition(ctx, pos.ID, pnl, settlementPrice, settledAt); err != nil {
		if errors.Is(err, store.ErrAlreadyClosed) {
			// Lost a settle race; the stored result is authoritative.
			closed, getErr := e.store.GetHedgePosition(ctx, pos.ID)
			if getErr != nil {
				return nil, getErr
			}
			return &Result{
				PositionID:      closed.ID,
				NetProfit:       closed.NetProfit,
				SettlementPrice: closed.SettlementPrice,
				AlreadySettled:  true,
			}, nil
		}
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues(branch).Inc()
	slog.Info("position settled",
		"position_id", pos.ID,
		"event", pos.EventID,
		"branch", branch,
		"net_profit", pnl.String(),
	)
	return &Result{PositionID: pos.ID, NetProfit: pnl, SettlementPrice: settlementPrice}, nil
}

// EventResult summarizes settling every open position on one event.
type EventResult struct {
	EventID        string          `json:"event_id"`
	Settled        int             `json:"settled"`
	Failed         int             `json:"failed"`
	TotalNetProfit decimal.Decimal `json:"total_net_profit"`
}

// SettleEvent settles all open positions for a resolved event. A position
// won if its option matches the winning outcome. Failures are isolated:
// one bad row does not block the rest of the event.
func (e *Engine) SettleEvent(ctx context.Context, eventID, winningOption string) (*EventResult, error) {
	positions, err := e.store.GetOpenPositionsByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	out := &EventResult{EventID: eventID, TotalNetProfit: decimal.Zero}
	for i := range positions {
		pos := &positions[i]
		res, err := e.SettlePosition(ctx, pos.ID, pos.Option == winningOption)
		if err != nil {
			out.Failed++
			slog.Error("settle failed", "position_id", pos.ID, "err", err)
			continue
		}
		out.Settled++
		if !res.AlreadySettled {
			out.TotalNetProfit = out.TotalNetProfit.Add(res.NetProfit)
		}
	}

	slog.Info("event settled",
		"event", eventID,
		"winning_option", winningOption,
		"settled", out.Settled,
		"failed", out.Failed,
		"total_net_profit", out.TotalNetProfit.String(),
	)
	return out, nil
}

// ClosePosition unwinds a user's latest open hedge before resolution by
// placing the opposite order on the venue at the current price. The P&L is
// the spread captured at entry plus the venue price move since entry,
// minus the costs already accrued.
func (e *Engine) ClosePosition(ctx context.Context, userID, eventID, option string) (*Result, error) {
	if e.quote == nil || e.place == nil {
		return nil, errors.New("settle: early close requires venue access")
	}

	pos, err := e.store.GetLatestOpenPosition(ctx, userID, eventID, option)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no open position for user %s on %s/%s",
				ErrPositionNotFound, userID, eventID, option)
		}
		return nil, err
	}

	closeSide := pos.Side.Opposite()
	price, err := e.quote(ctx, pos.TokenID, closeSide)
	if err != nil {
		return nil, fmt.Errorf("settle: close quote: %w", err)
	}
	_, fillPrice, err := e.place(ctx, pos.TokenID, closeSide, pos.Shares, price)
	if err != nil {
		return nil, fmt.Errorf("settle: close order: %w", err)
	}
	price = fillPrice

	// Price move since entry, signed from the hedge's perspective.
	move := price.Sub(pos.VenuePrice)
	if pos.Side == model.SideSell {
		move = move.Neg()
	}
	pnl := pos.SpreadCaptured.Add(move.Mul(pos.Shares)).Sub(pos.VenueFees).Sub(pos.OverheadCost)

	settledAt := e.now().UTC()
	if err := e.store.CloseHedgePosition(ctx, pos.ID, pnl, price, settledAt); err != nil {
		if errors.Is(err, store.ErrAlreadyClosed) {
			closed, getErr := e.store.GetHedgePosition(ctx, pos.ID)
			if getErr != nil {
				return nil, getErr
			}
			return &Result{
				PositionID:      closed.ID,
				NetProfit:       closed.NetProfit,
				SettlementPrice: closed.SettlementPrice,
				AlreadySettled:  true,
			}, nil
		}
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("early_close").Inc()
	slog.Info("position closed early",
		"position_id", pos.ID,
		"user", userID,
		"close_price", price.String(),
		"net_profit", pnl.String(),
	)
	return &Result{PositionID: pos.ID, NetProfit: pnl, SettlementPrice: price}, nil
}

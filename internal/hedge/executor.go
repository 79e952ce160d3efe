// Package hedge provides the hedge-and-execute pipeline, its HTTP surface,
// and the operator WebSocket feed. Every user trade is offset on the
// external venue before the user's side is recorded: the platform never
// carries exposure from a user fill that has no matching venue fill.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/breaker"
	"github.com/oddsline/hedge-engine/internal/config"
	"github.com/oddsline/hedge-engine/internal/hedgequeue"
	"github.com/oddsline/hedge-engine/internal/mapping"
	"github.com/oddsline/hedge-engine/internal/metrics"
	"github.com/oddsline/hedge-engine/internal/model"
	"github.com/oddsline/hedge-engine/internal/risk"
	"github.com/oddsline/hedge-engine/internal/splitter"
	"github.com/oddsline/hedge-engine/internal/store"
	"github.com/oddsline/hedge-engine/internal/venue"
)

var (
	one        = decimal.NewFromInt(1)
	priceFloor = decimal.NewFromFloat(0.01)
	priceCeil  = decimal.NewFromFloat(0.99)
)

// Executor orchestrates the hedge pipeline. Construct with NewExecutor and
// release with Close; tests build isolated instances around fakes.
type Executor struct {
	store   store.Store
	client  venue.Client
	oracle  *venue.Oracle
	breaker *breaker.Breaker
	riskMgr *risk.Manager
	loader  *config.Loader
	hub     *Hub // optional operator feed
	queue   *hedgequeue.Queue
}

// NewExecutor wires the pipeline. Pass nil for hub if the operator feed is
// not needed.
func NewExecutor(st store.Store, client venue.Client, brk *breaker.Breaker, riskMgr *risk.Manager, loader *config.Loader, hub *Hub) *Executor {
	e := &Executor{
		store:   st,
		client:  client,
		oracle:  venue.NewOracle(client, config.Defaults().QuoteStaleness),
		breaker: brk,
		riskMgr: riskMgr,
		loader:  loader,
		hub:     hub,
	}
	defaults := config.Defaults()
	e.queue = hedgequeue.New(hedgequeue.Config{
		BatchWindow:  defaults.BatchWindow,
		MaxBatchSize: defaults.MaxBatchSize,
		MaxQueueAge:  defaults.MaxQueueAge,
	}, e.placeBatch)
	return e
}

// Close releases the batching queue, failing any pending requests.
func (e *Executor) Close() {
	e.queue.Close()
}

// HedgeAndExecute runs the full pipeline for one trade request. Steps are
// strictly sequential and short-circuit on failure; the venue hedge is
// placed before any user-side mutation.
func (e *Executor) HedgeAndExecute(ctx context.Context, req *model.HedgeRequest) *model.HedgeResult {
	start := time.Now()
	result := e.run(ctx, req)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.HedgesTotal.WithLabelValues(string(req.Side), outcome).Inc()
	metrics.HedgeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	if result.Success {
		spread, _ := result.Spread.Float64()
		metrics.SpreadCaptured.Observe(spread)
	}

	if e.hub != nil {
		e.hub.BroadcastHedgeResult(req, result)
	}
	return result
}

func (e *Executor) run(ctx context.Context, req *model.HedgeRequest) *model.HedgeResult {
	cfg := e.loader.Snapshot(ctx)

	// 1. Feature gate.
	if !cfg.HedgingEnabled {
		if cfg.AllowUnhedged {
			return e.executeUnhedged(ctx, cfg, req, "hedging disabled")
		}
		return fail(model.CodeDisabled, "hedging is disabled")
	}

	// 2. Request and mapping validation.
	m, tokenID, res := e.validate(ctx, cfg, req)
	if res != nil {
		return res
	}

	// 3. Circuit breaker gate.
	if e.breaker.State() == breaker.StateOpen {
		if cfg.AllowUnhedged {
			return e.executeUnhedged(ctx, cfg, req, "circuit open")
		}
		return fail(model.CodeCircuitOpen, "venue circuit breaker is open")
	}

	// 4. Price discovery, breaker-wrapped like every venue touch.
	var quote *model.Quote
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var qErr error
		quote, qErr = e.oracle.QuoteWithin(ctx, tokenID, req.Side, cfg.QuoteStaleness)
		return qErr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return fail(model.CodeCircuitOpen, "venue circuit breaker is open")
		}
		return fail(model.CodePolymarket, fmt.Sprintf("quote failed: %v", err))
	}
	venuePrice := quote.Price

	// 5. User-facing price: venue price marked up (buy) or down (sell),
	// clamped to the tradable band, drift-checked against the venue.
	userPrice := applySpread(venuePrice, cfg.SpreadRate, req.Side)
	drift := userPrice.Sub(venuePrice).Abs().Div(venuePrice)
	if drift.GreaterThan(cfg.MaxDrift) {
		return fail(model.CodeValidation, fmt.Sprintf(
			"user price %s drifts %s%% from venue price %s",
			userPrice, drift.Mul(decimal.NewFromInt(100)).Round(2), venuePrice))
	}

	shares := req.USDAmount.Div(venuePrice).Round(6)

	// Risk gate, now that the live probability is known.
	decision, err := e.riskMgr.ValidateTrade(ctx, cfg, risk.TradeCheck{
		UserID:        req.UserID,
		EventID:       req.EventID,
		Option:        req.Option,
		Side:          req.Side,
		USDAmount:     req.USDAmount,
		CurrentProb:   venuePrice,
		PredictedProb: userPrice,
	})
	if err != nil {
		return fail(model.CodeDatabase, fmt.Sprintf("risk check failed: %v", err))
	}
	if !decision.Allowed {
		return fail(model.CodeValidation, fmt.Sprintf("risk rule %s: %s", decision.Rule, decision.Reason))
	}

	// 6. Expected economics. Unprofitable trades are rejected before any
	// venue order exists.
	spreadValue := userPrice.Sub(venuePrice).Abs().Mul(shares)
	fees := shares.Mul(venuePrice).Mul(cfg.FeeRate).Add(cfg.GasOverhead)
	netProfit := spreadValue.Sub(fees)
	if netProfit.LessThan(cfg.MinNetProfit) {
		return fail(model.CodeValidation, fmt.Sprintf(
			"expected net profit %s below minimum %s",
			netProfit.Round(4), cfg.MinNetProfit))
	}

	// 7. Venue hedge first. Large orders go through the splitter, small
	// ones through the batching queue.
	fill, res := e.placeHedge(ctx, cfg, req, tokenID, shares, venuePrice)
	if res != nil {
		return res
	}

	// 8. Only after a confirmed venue fill, record the user side. The
	// store applies balance delta and order row in one transaction.
	userOrder := &model.UserOrder{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		EventID:   req.EventID,
		Option:    req.Option,
		Side:      req.Side,
		Shares:    fill.size,
		Price:     userPrice,
		Cost:      fill.size.Mul(userPrice),
		Timestamp: time.Now().UTC(),
	}
	balanceDelta := userOrder.Cost.Neg()
	if req.Side == model.SideSell {
		balanceDelta = userOrder.Cost
	}
	if err := e.store.ExecuteUserTrade(ctx, userOrder, balanceDelta); err != nil {
		return e.rollbackHedge(ctx, req, m, tokenID, fill, err)
	}

	// 9. Hedge ledger row. Best-effort: a recording failure is logged but
	// does not fail the user-visible trade.
	position := &model.HedgePosition{
		ID:             uuid.New().String(),
		UserOrderID:    userOrder.ID,
		VenueOrderID:   fill.orderID,
		EventID:        req.EventID,
		MarketID:       m.MarketID,
		TokenID:        tokenID,
		Option:         req.Option,
		Side:           req.Side,
		Shares:         fill.size,
		UserPrice:      userPrice,
		VenuePrice:     fill.price,
		SpreadCaptured: spreadValue,
		VenueFees:      fees.Sub(cfg.GasOverhead),
		OverheadCost:   cfg.GasOverhead,
		Status:         fill.status,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.InsertHedgePosition(ctx, position); err != nil {
		slog.Error("hedge record persist failed (trade stands)",
			"position_id", position.ID,
			"venue_order_id", fill.orderID,
			"err", err,
		)
	}

	slog.Info("hedge executed",
		"user", req.UserID,
		"event", req.EventID,
		"side", req.Side,
		"shares", fill.size.String(),
		"user_price", userPrice.String(),
		"venue_price", fill.price.String(),
		"spread", spreadValue.String(),
		"net_profit", netProfit.String(),
		"split", fill.split,
	)

	return &model.HedgeResult{
		Success:        true,
		PositionID:     position.ID,
		UserOrderID:    userOrder.ID,
		VenueOrderID:   fill.orderID,
		UserPrice:      userPrice,
		VenuePrice:     fill.price,
		Shares:         fill.size,
		Spread:         spreadValue,
		NetProfit:      netProfit,
		SplitExecution: fill.split,
		ChunksFilled:   fill.chunksFilled,
		ChunksTotal:    fill.chunksTotal,
	}
}

// validate covers step 2: order bounds, event state, and venue mapping.
func (e *Executor) validate(ctx context.Context, cfg config.Snapshot, req *model.HedgeRequest) (*model.MarketMapping, string, *model.HedgeResult) {
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return nil, "", fail(model.CodeValidation, fmt.Sprintf("invalid side %q", req.Side))
	}
	if req.USDAmount.LessThan(cfg.MinOrderUSD) {
		return nil, "", fail(model.CodeValidation, fmt.Sprintf(
			"order %s below minimum %s", req.USDAmount, cfg.MinOrderUSD))
	}
	if req.USDAmount.GreaterThan(cfg.MaxOrderUSD) {
		return nil, "", fail(model.CodeValidation, fmt.Sprintf(
			"order %s above maximum %s", req.USDAmount, cfg.MaxOrderUSD))
	}

	event, err := e.store.GetEvent(ctx, req.EventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", fail(model.CodeValidation, fmt.Sprintf("event %s not found", req.EventID))
		}
		return nil, "", fail(model.CodeDatabase, fmt.Sprintf("load event: %v", err))
	}
	if !event.Active {
		return nil, "", fail(model.CodeValidation, fmt.Sprintf("event %s is not active", req.EventID))
	}
	if event.Source != model.SourcePolymarket {
		return nil, "", fail(model.CodeValidation, fmt.Sprintf(
			"event %s is not venue-sourced", req.EventID))
	}

	m, err := e.store.GetMarketMapping(ctx, req.EventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", fail(model.CodeMapping, fmt.Sprintf("no venue mapping for event %s", req.EventID))
		}
		return nil, "", fail(model.CodeDatabase, fmt.Sprintf("load mapping: %v", err))
	}
	if err := mapping.Validate(m); err != nil {
		return nil, "", fail(model.CodeMapping, err.Error())
	}
	tokenID, err := mapping.ResolveToken(m, req.Option)
	if err != nil {
		return nil, "", fail(model.CodeMapping, err.Error())
	}
	return m, tokenID, nil
}

// fillOutcome carries the venue leg's result through steps 8-9.
type fillOutcome struct {
	orderID      string
	price        decimal.Decimal
	size         decimal.Decimal
	status       model.HedgeStatus
	split        bool
	chunksFilled int
	chunksTotal  int
}

// placeHedge covers step 7: the breaker-wrapped venue order, via the
// splitter for large sizes and the batching queue otherwise.
func (e *Executor) placeHedge(ctx context.Context, cfg config.Snapshot, req *model.HedgeRequest, tokenID string, shares, venuePrice decimal.Decimal) (*fillOutcome, *model.HedgeResult) {
	sp := splitter.New(splitter.Config{
		MaxChunkSize: cfg.MaxChunkSize,
		MinChunkSize: cfg.MinChunkSize,
		BaseDelay:    cfg.BaseChunkDelay,
	})

	if sp.ShouldSplit(shares) {
		plan := sp.CreatePlan(shares, venuePrice, req.Side)
		exec := sp.ExecutePlan(ctx, plan, decimal.Zero, func(ctx context.Context, size, price decimal.Decimal) (string, decimal.Decimal, error) {
			return e.placeVenueOrder(ctx, tokenID, req.Side, size, price)
		})
		if exec.Executed == 0 {
			return nil, fail(model.CodePolymarket, "split hedge: no chunks filled")
		}
		status := model.StatusHedged
		if !exec.Complete() {
			status = model.StatusPartial
		}
		return &fillOutcome{
			orderID:      exec.OrderIDs[0],
			price:        exec.AvgFillPrice,
			size:         exec.FilledSize,
			status:       status,
			split:        true,
			chunksFilled: exec.Executed,
			chunksTotal:  exec.Total,
		}, nil
	}

	resultCh := e.queue.Enqueue(hedgequeue.Request{
		TokenID: tokenID,
		Side:    req.Side,
		Size:    shares,
		Price:   venuePrice,
	})
	// Wait out the batch even if the caller's context dies: the queue
	// resolves every member within its own bounded placement timeout, and
	// abandoning here would orphan a venue fill with no user leg and no
	// rollback. A cancelled caller surfaces on the user-leg write instead,
	// where the rollback path can flatten the exposure.
	qr := <-resultCh
	if qr.Err != nil {
		if errors.Is(qr.Err, breaker.ErrCircuitOpen) {
			return nil, fail(model.CodeCircuitOpen, "venue circuit breaker is open")
		}
		return nil, fail(model.CodePolymarket, fmt.Sprintf("hedge placement failed: %v", qr.Err))
	}
	return &fillOutcome{
		orderID: qr.OrderID,
		price:   qr.FillPrice,
		size:    qr.Size,
		status:  model.StatusHedged,
	}, nil
}

// placeVenueOrder is the single breaker-wrapped order submission used by
// both the splitter and the queue paths. After the ack it polls the
// order's status: a venue-side cancel fails the placement, while a poll
// timeout leaves the order standing at its limit price and is accepted.
func (e *Executor) placeVenueOrder(ctx context.Context, tokenID string, side model.Side, size, price decimal.Decimal) (string, decimal.Decimal, error) {
	var resp *venue.OrderResponse
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var placeErr error
		resp, placeErr = e.client.PlaceOrder(ctx, venue.OrderRequest{
			TokenID: tokenID,
			Side:    side,
			Size:    size,
			Price:   price,
		})
		return placeErr
	})
	if err != nil {
		return "", decimal.Zero, err
	}

	cfg := e.loader.Snapshot(ctx)
	status, pollErr := e.oracle.WaitForFill(ctx, resp.OrderID, cfg.FillPollInterval, cfg.FillPollTimeout)
	if status == venue.OrderCancelled {
		e.breaker.RecordFailure()
		return "", decimal.Zero, fmt.Errorf("venue order %s cancelled before fill", resp.OrderID)
	}
	if pollErr != nil {
		slog.Warn("fill poll inconclusive, keeping order",
			"order_id", resp.OrderID,
			"last_status", status,
			"err", pollErr,
		)
	}

	fillPrice := resp.Price
	if fillPrice.IsZero() {
		fillPrice = price
	}
	return resp.OrderID, fillPrice, nil
}

// placeBatch adapts placeVenueOrder to the queue's signature.
func (e *Executor) placeBatch(ctx context.Context, tokenID string, side model.Side, size, price decimal.Decimal) (string, decimal.Decimal, error) {
	return e.placeVenueOrder(ctx, tokenID, side, size, price)
}

// VenueQuote exposes the breaker-wrapped price read for the settlement
// engine's early-close flow.
func (e *Executor) VenueQuote(ctx context.Context, tokenID string, side model.Side) (decimal.Decimal, error) {
	var q *model.Quote
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		var qErr error
		q, qErr = e.oracle.Quote(ctx, tokenID, side)
		return qErr
	})
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// VenuePlace exposes the breaker-wrapped order submission for the
// settlement engine's early-close flow.
func (e *Executor) VenuePlace(ctx context.Context, tokenID string, side model.Side, size, price decimal.Decimal) (string, decimal.Decimal, error) {
	return e.placeVenueOrder(ctx, tokenID, side, size, price)
}

// rollbackHedge covers the one path where residual exposure can occur:
// the venue leg filled but the user leg could not be recorded. A
// compensating opposite order flattens the venue position; the outcome is
// surfaced in the result for operator reconciliation, never just logged.
func (e *Executor) rollbackHedge(ctx context.Context, req *model.HedgeRequest, m *model.MarketMapping, tokenID string, fill *fillOutcome, cause error) *model.HedgeResult {
	slog.Error("user trade recording failed after venue fill, rolling back",
		"venue_order_id", fill.orderID,
		"size", fill.size.String(),
		"err", cause,
	)

	// The compensating order must go out even when the user-leg failure
	// was the caller's context dying, so it runs on a detached deadline.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	_, _, rbErr := e.placeVenueOrder(rbCtx, tokenID, req.Side.Opposite(), fill.size, fill.price)
	succeeded := rbErr == nil
	if succeeded {
		metrics.RollbacksTotal.WithLabelValues("flattened").Inc()
		slog.Info("rollback flattened venue exposure", "venue_order_id", fill.orderID)
	} else {
		metrics.RollbacksTotal.WithLabelValues("failed").Inc()
		slog.Error("ROLLBACK FAILED, manual reconciliation required",
			"venue_order_id", fill.orderID,
			"size", fill.size.String(),
			"err", rbErr,
		)
	}

	// Record the failed row with rollback flags so exposure reporting
	// picks up un-flattened positions. Best-effort.
	failedPos := &model.HedgePosition{
		ID:                uuid.New().String(),
		VenueOrderID:      fill.orderID,
		EventID:           req.EventID,
		MarketID:          m.MarketID,
		TokenID:           tokenID,
		Option:            req.Option,
		Side:              req.Side,
		Shares:            fill.size,
		VenuePrice:        fill.price,
		Status:            model.StatusFailed,
		RollbackAttempted: true,
		RollbackSucceeded: succeeded,
		CreatedAt:         time.Now().UTC(),
	}
	if err := e.store.InsertHedgePosition(rbCtx, failedPos); err != nil {
		slog.Error("failed-hedge record persist failed", "err", err)
	}

	if e.hub != nil {
		e.hub.BroadcastRollbackAlert(failedPos)
	}

	result := fail(model.CodeDatabase, fmt.Sprintf(
		"user trade recording failed: %v (rollback attempted)", cause))
	result.VenueOrderID = fill.orderID
	result.RollbackAttempted = true
	result.RollbackSucceeded = succeeded
	return result
}

// executeUnhedged runs the fallback trade with no venue leg. Only reached
// when the operator has explicitly allowed unhedged flow. Pricing uses a
// direct venue read outside the breaker; when even that fails, the trade
// is refused rather than priced blind.
func (e *Executor) executeUnhedged(ctx context.Context, cfg config.Snapshot, req *model.HedgeRequest, reason string) *model.HedgeResult {
	_, tokenID, res := e.validate(ctx, cfg, req)
	if res != nil {
		return res
	}

	quote, err := e.oracle.QuoteWithin(ctx, tokenID, req.Side, cfg.QuoteStaleness)
	if err != nil {
		return fail(model.CodePolymarket, fmt.Sprintf("unhedged fallback: no price source: %v", err))
	}
	userPrice := applySpread(quote.Price, cfg.SpreadRate, req.Side)
	shares := req.USDAmount.Div(quote.Price).Round(6)

	order := &model.UserOrder{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		EventID:   req.EventID,
		Option:    req.Option,
		Side:      req.Side,
		Shares:    shares,
		Price:     userPrice,
		Cost:      shares.Mul(userPrice),
		Timestamp: time.Now().UTC(),
	}
	balanceDelta := order.Cost.Neg()
	if req.Side == model.SideSell {
		balanceDelta = order.Cost
	}
	if err := e.store.ExecuteUserTrade(ctx, order, balanceDelta); err != nil {
		return fail(model.CodeDatabase, fmt.Sprintf("unhedged trade failed: %v", err))
	}

	slog.Warn("unhedged fallback trade executed",
		"user", req.UserID,
		"event", req.EventID,
		"shares", shares.String(),
		"reason", reason,
	)
	return &model.HedgeResult{
		Success:     true,
		UserOrderID: order.ID,
		UserPrice:   userPrice,
		Shares:      shares,
		Unhedged:    true,
	}
}

// applySpread marks the venue price up for buys and down for sells,
// clamped to the tradable band.
func applySpread(venuePrice, spread decimal.Decimal, side model.Side) decimal.Decimal {
	var p decimal.Decimal
	if side == model.SideBuy {
		p = venuePrice.Mul(one.Add(spread))
	} else {
		p = venuePrice.Mul(one.Sub(spread))
	}
	if p.LessThan(priceFloor) {
		return priceFloor
	}
	if p.GreaterThan(priceCeil) {
		return priceCeil
	}
	return p
}

func fail(code model.ErrorCode, msg string) *model.HedgeResult {
	return &model.HedgeResult{Success: false, ErrorCode: code, Error: msg}
}

// Exposure is the operator risk view served by the API.
type Exposure struct {
	TotalUnhedged  decimal.Decimal  `json:"total_unhedged"`
	TotalHedged    decimal.Decimal  `json:"total_hedged"`
	OpenPositions  int              `json:"open_positions"`
	RecentFailures int              `json:"recent_failures"`
	Breaker        breaker.Snapshot `json:"breaker"`
}

// GetRiskExposure aggregates current exposure and breaker health.
func (e *Executor) GetRiskExposure(ctx context.Context) (*Exposure, error) {
	stats, err := e.store.GetHedgeStats(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	return &Exposure{
		TotalUnhedged:  stats.TotalUnhedged,
		TotalHedged:    stats.TotalHedged,
		OpenPositions:  stats.OpenPositions,
		RecentFailures: stats.FailedHedges,
		Breaker:        e.breaker.Stats(),
	}, nil
}

package hedge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/breaker"
	"github.com/oddsline/hedge-engine/internal/config"
	"github.com/oddsline/hedge-engine/internal/model"
	"github.com/oddsline/hedge-engine/internal/risk"
	"github.com/oddsline/hedge-engine/internal/store"
	"github.com/oddsline/hedge-engine/internal/venue"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeVenue is an in-memory venue client with switchable failure modes.
type fakeVenue struct {
	mu        sync.Mutex
	bid, ask  decimal.Decimal
	bookErr   error
	placeErr  error
	failAfter int               // fail placements after this many successes (0 = never)
	status    venue.OrderStatus // reported order status, matched when empty
	placed    []venue.OrderRequest
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{bid: d(0.56), ask: d(0.58)}
}

func (f *fakeVenue) GetOrderBook(_ context.Context, tokenID string) (*model.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bookErr != nil {
		return nil, f.bookErr
	}
	return &model.OrderBook{
		TokenID:   tokenID,
		Bids:      []model.OrderBookLevel{{Price: f.bid, Size: d(100000)}},
		Asks:      []model.OrderBookLevel{{Price: f.ask, Size: d(100000)}},
		Timestamp: time.Now().UTC(),
	}, nil
}

func (f *fakeVenue) PlaceOrder(_ context.Context, req venue.OrderRequest) (*venue.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	if f.failAfter > 0 && len(f.placed) >= f.failAfter {
		return nil, errors.New("venue rejected order")
	}
	f.placed = append(f.placed, req)
	return &venue.OrderResponse{
		OrderID:    "venue-ord-" + decimal.NewFromInt(int64(len(f.placed))).String(),
		FilledSize: req.Size,
		Price:      req.Price,
	}, nil
}

func (f *fakeVenue) GetOrderStatus(context.Context, string) (venue.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		return venue.OrderMatched, nil
	}
	return f.status, nil
}

func (f *fakeVenue) CancelOrder(context.Context, string) (bool, error) {
	return true, nil
}

func (f *fakeVenue) placedOrders() []venue.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]venue.OrderRequest, len(f.placed))
	copy(out, f.placed)
	return out
}

type testEnv struct {
	store    *store.MemoryStore
	client   *fakeVenue
	breaker  *breaker.Breaker
	loader   *config.Loader
	executor *Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	st.SeedEvent(&model.Event{ID: "evt-1", Active: true, Source: model.SourcePolymarket})
	st.SeedMapping(&model.MarketMapping{
		EventID:     "evt-1",
		MarketID:    "mkt-1",
		ConditionID: "0x" + strings.Repeat("ab", 32),
		TokenIDs:    map[string]string{"YES": "tok-yes", "NO": "tok-no"},
		Active:      true,
	})
	st.SeedBalance("alice", d(10000))

	client := newFakeVenue()
	brk := breaker.New(breaker.DefaultConfig())
	loader := config.NewLoader(st, time.Millisecond)

	// Keep test runs fast: tiny batch window and inter-chunk delay.
	ctx := context.Background()
	mustSet(t, loader, ctx, "batch_window_ms", "5")
	mustSet(t, loader, ctx, "base_chunk_delay_ms", "1")

	exec := NewExecutor(st, client, brk, risk.NewManager(st), loader, nil)
	t.Cleanup(exec.Close)
	return &testEnv{store: st, client: client, breaker: brk, loader: loader, executor: exec}
}

func mustSet(t *testing.T, loader *config.Loader, ctx context.Context, key, value string) {
	t.Helper()
	if err := loader.Set(ctx, key, value); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}

func buyRequest(usd float64) *model.HedgeRequest {
	return &model.HedgeRequest{
		UserID:    "alice",
		EventID:   "evt-1",
		Option:    "YES",
		Side:      model.SideBuy,
		USDAmount: d(usd),
	}
}

// --- Success path ---

func TestHedgeAndExecute_BuySuccess(t *testing.T) {
	env := newTestEnv(t)
	res := env.executor.HedgeAndExecute(context.Background(), buyRequest(50))

	if !res.Success {
		t.Fatalf("expected success, got %s: %s", res.ErrorCode, res.Error)
	}

	// Venue ask 0.58 marked up 4%: user pays 0.6032.
	if !res.UserPrice.Equal(d(0.6032)) {
		t.Errorf("expected user price 0.6032, got %s", res.UserPrice)
	}
	if !res.VenuePrice.Equal(d(0.58)) {
		t.Errorf("expected venue price 0.58, got %s", res.VenuePrice)
	}
	// 50 / 0.58 ≈ 86.2069 shares.
	if res.Shares.Sub(d(86.2069)).Abs().GreaterThan(d(0.001)) {
		t.Errorf("expected ~86.2069 shares, got %s", res.Shares)
	}
	if !res.Spread.IsPositive() || !res.NetProfit.IsPositive() {
		t.Errorf("expected positive spread and profit, got %s / %s", res.Spread, res.NetProfit)
	}
	if res.Unhedged || res.SplitExecution {
		t.Error("small buy should be a plain hedged execution")
	}

	// Hedge first: exactly one venue order, on the YES token, buy side.
	orders := env.client.placedOrders()
	if len(orders) != 1 {
		t.Fatalf("expected 1 venue order, got %d", len(orders))
	}
	if orders[0].TokenID != "tok-yes" || orders[0].Side != model.SideBuy {
		t.Errorf("venue order mismatched: %+v", orders[0])
	}

	// User leg recorded at the marked-up price, balance debited.
	userOrders := env.store.UserOrders()
	if len(userOrders) != 1 {
		t.Fatalf("expected 1 user order, got %d", len(userOrders))
	}
	if !userOrders[0].Price.Equal(d(0.6032)) {
		t.Errorf("user order priced at %s, want 0.6032", userOrders[0].Price)
	}
	balance, _ := env.store.GetBalance(context.Background(), "alice")
	if !balance.LessThan(d(10000)) {
		t.Errorf("buy should debit the balance, got %s", balance)
	}

	// Ledger row is open and hedged.
	pos, err := env.store.GetHedgePosition(context.Background(), res.PositionID)
	if err != nil {
		t.Fatalf("position not recorded: %v", err)
	}
	if pos.Status != model.StatusHedged || !pos.Open() {
		t.Errorf("expected open hedged position, got %s", pos.Status)
	}
}

func TestHedgeAndExecute_SellUsesBidAndCredits(t *testing.T) {
	env := newTestEnv(t)
	req := buyRequest(50)
	req.Side = model.SideSell

	res := env.executor.HedgeAndExecute(context.Background(), req)
	if !res.Success {
		t.Fatalf("expected success, got %s: %s", res.ErrorCode, res.Error)
	}

	// Venue bid 0.56 marked down 4%: user receives 0.5376.
	if !res.UserPrice.Equal(d(0.5376)) {
		t.Errorf("expected user price 0.5376, got %s", res.UserPrice)
	}
	balance, _ := env.store.GetBalance(context.Background(), "alice")
	if !balance.GreaterThan(d(10000)) {
		t.Errorf("sell should credit the balance, got %s", balance)
	}

	orders := env.client.placedOrders()
	if len(orders) != 1 || orders[0].Side != model.SideSell {
		t.Fatalf("expected one venue sell, got %+v", orders)
	}
}

// --- Hedge-first invariant ---

func TestHedgeAndExecute_VenueFailureLeavesNoUserTrade(t *testing.T) {
	env := newTestEnv(t)
	env.client.placeErr = errors.New("venue down")

	res := env.executor.HedgeAndExecute(context.Background(), buyRequest(50))
	if res.Success {
		t.Fatal("hedge failure must fail the trade")
	}
	if res.ErrorCode != model.CodePolymarket {
		t.Errorf("expected POLYMARKET, got %s", res.ErrorCode)
	}
	if len(env.store.UserOrders()) != 0 {
		t.Error("no user order may exist without a venue fill")
	}
	balance, _ := env.store.GetBalance(context.Background(), "alice")
	if !balance.Equal(d(10000)) {
		t.Errorf("balance must be untouched, got %s", balance)
	}
}

func TestHedgeAndExecute_QuoteFailureFailsFast(t *testing.T) {
	env := newTestEnv(t)
	env.client.bookErr = errors.New("book unavailable")

	res := env.executor.HedgeAndExecute(context.Background(), buyRequest(50))
	if res.Success || res.ErrorCode != model.CodePolymarket {
		t.Errorf("expected POLYMARKET failure, got %+v", res)
	}
	if len(env.client.placedOrders()) != 0 {
		t.Error("no order may be placed without a quote")
	}
}

func TestHedgeAndExecute_QueuedHedgeSurvivesCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := env.executor.HedgeAndExecute(ctx, buyRequest(50))

	// The batch must resolve rather than be abandoned: a venue order may
	// never exist without a matching user leg or a flagged failed row.
	venueOrders := len(env.client.placedOrders())
	userOrders := len(env.store.UserOrders())
	if res.Success {
		if venueOrders != 1 || userOrders != 1 {
			t.Errorf("completed hedge must carry both legs, got venue=%d user=%d", venueOrders, userOrders)
		}
		return
	}
	if venueOrders > userOrders && !res.RollbackAttempted {
		t.Errorf("venue leg without user leg must attempt rollback: venue=%d user=%d result=%+v",
			venueOrders, userOrders, res)
	}
}

func TestHedgeAndExecute_VenueCancelBeforeFillFailsHedge(t *testing.T) {
	env := newTestEnv(t)
	env.client.status = venue.OrderCancelled

	res := env.executor.HedgeAndExecute(context.Background(), buyRequest(50))
	if res.Success {
		t.Fatal("a venue-cancelled order is not a fill")
	}
	if res.ErrorCode != model.CodePolymarket {
		t.Errorf("expected POLYMARKET, got %s", res.ErrorCode)
	}
	if len(env.store.UserOrders()) != 0 {
		t.Error("no user order may exist without a confirmed venue fill")
	}
	balance, _ := env.store.GetBalance(context.Background(), "alice")
	if !balance.Equal(d(10000)) {
		t.Errorf("balance must be untouched, got %s", balance)
	}
}

// --- Rollback ---

func TestHedgeAndExecute_RollbackOnUserLegFailure(t *testing.T) {
	env := newTestEnv(t)
	req := buyRequest(50)
	req.UserID = "ghost" // no balance row: user leg will fail

	res := env.executor.HedgeAndExecute(context.Background(), req)
	if res.Success {
		t.Fatal("user-leg failure must fail the trade")
	}
	if res.ErrorCode != model.CodeDatabase {
		t.Errorf("expected DATABASE, got %s", res.ErrorCode)
	}
	if !res.RollbackAttempted || !res.RollbackSucceeded {
		t.Errorf("expected a successful rollback, got attempted=%v succeeded=%v",
			res.RollbackAttempted, res.RollbackSucceeded)
	}

	// Hedge order plus compensating opposite order.
	orders := env.client.placedOrders()
	if len(orders) != 2 {
		t.Fatalf("expected hedge + rollback orders, got %d", len(orders))
	}
	if orders[1].Side != model.SideSell {
		t.Errorf("rollback for a buy must sell, got %s", orders[1].Side)
	}
	if !orders[1].Size.Equal(orders[0].Size) {
		t.Errorf("rollback must flatten the filled size: %s vs %s",
			orders[1].Size, orders[0].Size)
	}

	// Flattened failure: recorded, but no residual exposure.
	stats, _ := env.store.GetHedgeStats(context.Background(), time.Now().Add(-time.Hour))
	if stats.FailedHedges != 1 {
		t.Errorf("expected 1 failed hedge recorded, got %d", stats.FailedHedges)
	}
	if !stats.TotalUnhedged.IsZero() {
		t.Errorf("successful rollback leaves no unhedged exposure, got %s", stats.TotalUnhedged)
	}
}

func TestHedgeAndExecute_FailedRollbackFlagged(t *testing.T) {
	env := newTestEnv(t)
	req := buyRequest(50)
	req.UserID = "ghost"
	env.client.failAfter = 1 // hedge fills, rollback order fails

	res := env.executor.HedgeAndExecute(context.Background(), req)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !res.RollbackAttempted || res.RollbackSucceeded {
		t.Errorf("expected attempted-but-failed rollback, got attempted=%v succeeded=%v",
			res.RollbackAttempted, res.RollbackSucceeded)
	}

	// Residual venue exposure must surface in the stats.
	stats, _ := env.store.GetHedgeStats(context.Background(), time.Now().Add(-time.Hour))
	if !stats.TotalUnhedged.IsPositive() {
		t.Errorf("failed rollback must report unhedged exposure, got %s", stats.TotalUnhedged)
	}
}

// --- Feature gate and breaker ---

func TestHedgeAndExecute_DisabledRejects(t *testing.T) {
	env := newTestEnv(t)
	mustSet(t, env.loader, context.Background(), "hedging_enabled", "false")

	res := env.executor.HedgeAndExecute(context.Background(), buyRequest(50))
	if res.Success || res.ErrorCode != model.CodeDisabled {
		t.Errorf("expected DISABLED, got %+v", res)
	}
}

func TestHedgeAndExecute_DisabledWithFallback(t *testing.T) {
	env := newTestEnv(t)
	mustSet(t, env.loader, context.Background(), "hedging_enabled", "false")
	mustSet(t, env.loader, context.Background(), "allow_unhedged", "true")

	res := env.executor.HedgeAndExecute(context.Background(), buyRequest(50))
	if !res.Success {
		t.Fatalf("fallback should succeed, got %s: %s", res.ErrorCode, res.Error)
	}
	if !res.Unhedged {
		t.Error("fallback result must be flagged unhedged")
	}
	if len(env.client.placedOrders()) != 0 {
		t.Error("unhedged fallback must not place venue orders")
	}
	if len(env.store.UserOrders()) != 1 {
		t.Error("fallback should record the user trade")
	}
}

func TestHedgeAndExecute_OpenBreakerFastFails(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.breaker.RecordFailure()
	}

	res := env.executor.HedgeAndExecute(context.Background(), buyRequest(50))
	if res.Success || res.ErrorCode != model.CodeCircuitOpen {
		t.Errorf("expected CIRCUIT_OPEN, got %+v", res)
	}
	if len(env.client.placedOrders()) != 0 {
		t.Error("open breaker must prevent venue calls")
	}
}

// --- Validation ---

func TestHedgeAndExecute_ValidationFailures(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedEvent(&model.Event{ID: "evt-closed", Active: false, Source: model.SourcePolymarket})
	env.store.SeedEvent(&model.Event{ID: "evt-internal", Active: true, Source: "internal"})

	tests := []struct {
		name     string
		mutate   func(*model.HedgeRequest)
		wantCode model.ErrorCode
	}{
		{"unknown event", func(r *model.HedgeRequest) { r.EventID = "evt-missing" }, model.CodeValidation},
		{"inactive event", func(r *model.HedgeRequest) { r.EventID = "evt-closed" }, model.CodeValidation},
		{"non-venue event", func(r *model.HedgeRequest) { r.EventID = "evt-internal" }, model.CodeValidation},
		{"below min order", func(r *model.HedgeRequest) { r.USDAmount = d(0.5) }, model.CodeValidation},
		{"above max order", func(r *model.HedgeRequest) { r.USDAmount = d(20000) }, model.CodeValidation},
		{"bad side", func(r *model.HedgeRequest) { r.Side = "HOLD" }, model.CodeValidation},
		{"unknown option", func(r *model.HedgeRequest) { r.Option = "MAYBE" }, model.CodeMapping},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := buyRequest(50)
			tt.mutate(req)
			res := env.executor.HedgeAndExecute(context.Background(), req)
			if res.Success {
				t.Fatal("expected rejection")
			}
			if res.ErrorCode != tt.wantCode {
				t.Errorf("expected %s, got %s: %s", tt.wantCode, res.ErrorCode, res.Error)
			}
		})
	}
}

func TestHedgeAndExecute_RejectsUnprofitable(t *testing.T) {
	env := newTestEnv(t)
	mustSet(t, env.loader, context.Background(), "min_net_profit", "100")

	res := env.executor.HedgeAndExecute(context.Background(), buyRequest(50))
	if res.Success || res.ErrorCode != model.CodeValidation {
		t.Errorf("unprofitable hedge must be rejected, got %+v", res)
	}
	if len(env.client.placedOrders()) != 0 {
		t.Error("economics run before any venue order")
	}
}

// --- Split execution ---

func TestHedgeAndExecute_SplitsLargeOrder(t *testing.T) {
	env := newTestEnv(t)

	// $100 at 0.58 ≈ 172.4 shares, above the 100-share chunk max.
	res := env.executor.HedgeAndExecute(context.Background(), buyRequest(100))
	if !res.Success {
		t.Fatalf("expected success, got %s: %s", res.ErrorCode, res.Error)
	}
	if !res.SplitExecution {
		t.Fatal("large order should go through the splitter")
	}
	if res.ChunksTotal != 2 || res.ChunksFilled != 2 {
		t.Errorf("expected 2/2 chunks, got %d/%d", res.ChunksFilled, res.ChunksTotal)
	}
	if len(env.client.placedOrders()) != 2 {
		t.Errorf("expected 2 venue orders, got %d", len(env.client.placedOrders()))
	}

	pos, err := env.store.GetHedgePosition(context.Background(), res.PositionID)
	if err != nil {
		t.Fatalf("position not recorded: %v", err)
	}
	if pos.Status != model.StatusHedged {
		t.Errorf("fully filled split should be hedged, got %s", pos.Status)
	}
}

func TestHedgeAndExecute_PartialSplitTolerated(t *testing.T) {
	env := newTestEnv(t)
	env.client.failAfter = 1 // second chunk fails

	res := env.executor.HedgeAndExecute(context.Background(), buyRequest(100))
	if !res.Success {
		t.Fatalf("partial fill should still succeed, got %s: %s", res.ErrorCode, res.Error)
	}
	if res.ChunksFilled != 1 || res.ChunksTotal != 2 {
		t.Errorf("expected 1/2 chunks, got %d/%d", res.ChunksFilled, res.ChunksTotal)
	}

	// User leg sized to what actually filled, not the request.
	userOrders := env.store.UserOrders()
	if len(userOrders) != 1 {
		t.Fatalf("expected 1 user order, got %d", len(userOrders))
	}
	if !userOrders[0].Shares.Equal(res.Shares) {
		t.Errorf("user shares %s should match filled size %s", userOrders[0].Shares, res.Shares)
	}

	pos, _ := env.store.GetHedgePosition(context.Background(), res.PositionID)
	if pos.Status != model.StatusPartial {
		t.Errorf("partial fill should record partial status, got %s", pos.Status)
	}
}

func TestHedgeAndExecute_SplitTotalFailure(t *testing.T) {
	env := newTestEnv(t)
	env.client.placeErr = errors.New("venue down")

	res := env.executor.HedgeAndExecute(context.Background(), buyRequest(100))
	if res.Success || res.ErrorCode != model.CodePolymarket {
		t.Errorf("zero chunks filled must fail, got %+v", res)
	}
	if len(env.store.UserOrders()) != 0 {
		t.Error("no user order may exist with no venue fill")
	}
}

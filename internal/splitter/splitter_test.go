package splitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestSplitter() *Splitter {
	s := New(Config{
		MaxChunkSize: d(100),
		MinChunkSize: d(10),
		BaseDelay:    2 * time.Second,
	})
	s.SetSleepFunc(func(context.Context, time.Duration) error { return nil })
	return s
}

// --- Split decision tests ---

func TestShouldSplit(t *testing.T) {
	s := newTestSplitter()
	if s.ShouldSplit(d(100)) {
		t.Error("100 shares is a single chunk, should not split")
	}
	if !s.ShouldSplit(d(100.01)) {
		t.Error("anything above the max chunk size should split")
	}
}

// --- Plan construction tests ---

func TestCreatePlan_EvenDistribution(t *testing.T) {
	s := newTestSplitter()
	plan := s.CreatePlan(d(250), d(0.50), model.SideBuy)

	if len(plan.Chunks) != 3 {
		t.Fatalf("250 shares should yield 3 chunks, got %d", len(plan.Chunks))
	}

	sum := decimal.Zero
	for _, c := range plan.Chunks {
		sum = sum.Add(c.Size)
	}
	if !sum.Equal(d(250)) {
		t.Errorf("chunk sizes must sum to the total: got %s", sum)
	}
}

func TestCreatePlan_MergesUndersizedFinalChunk(t *testing.T) {
	s := New(Config{MaxChunkSize: d(100), MinChunkSize: d(60), BaseDelay: time.Second})

	// 110 → two even chunks of 55, both under the 60 minimum; the final
	// chunk folds into its predecessor, leaving one 110-share chunk.
	plan := s.CreatePlan(d(110), d(0.50), model.SideBuy)
	if len(plan.Chunks) != 1 {
		t.Fatalf("undersized tail should merge, got %d chunks", len(plan.Chunks))
	}
	if !plan.Chunks[0].Size.Equal(d(110)) {
		t.Errorf("merged chunk should carry the full size, got %s", plan.Chunks[0].Size)
	}
}

func TestCreatePlan_BuyPricesWalkUp(t *testing.T) {
	s := newTestSplitter()
	plan := s.CreatePlan(d(300), d(0.50), model.SideBuy)

	prev := decimal.Zero
	for i, c := range plan.Chunks {
		if c.TargetPrice.LessThan(d(0.50)) {
			t.Errorf("buy chunk %d priced below base: %s", i, c.TargetPrice)
		}
		if c.TargetPrice.LessThan(prev) {
			t.Errorf("buy chunk prices must be non-decreasing: chunk %d %s < %s",
				i, c.TargetPrice, prev)
		}
		prev = c.TargetPrice
	}
}

func TestCreatePlan_SellPricesWalkDown(t *testing.T) {
	s := newTestSplitter()
	plan := s.CreatePlan(d(300), d(0.50), model.SideSell)

	for i, c := range plan.Chunks {
		if c.TargetPrice.GreaterThan(d(0.50)) {
			t.Errorf("sell chunk %d priced above base: %s", i, c.TargetPrice)
		}
	}
}

func TestCreatePlan_ImpactCapped(t *testing.T) {
	s := newTestSplitter()
	// Worst case: every chunk at the cap would be base × 1.05.
	plan := s.CreatePlan(d(10000), d(0.50), model.SideBuy)

	ceiling := d(0.50).Mul(d(1.05))
	for i, c := range plan.Chunks {
		if c.TargetPrice.GreaterThan(ceiling) {
			t.Errorf("chunk %d exceeds the 5%% impact cap: %s", i, c.TargetPrice)
		}
	}
}

func TestCreatePlan_PricesClampedToBand(t *testing.T) {
	s := newTestSplitter()

	plan := s.CreatePlan(d(300), d(0.985), model.SideBuy)
	for _, c := range plan.Chunks {
		if c.TargetPrice.GreaterThan(d(0.99)) {
			t.Errorf("price must clamp at 0.99, got %s", c.TargetPrice)
		}
	}

	plan = s.CreatePlan(d(300), d(0.011), model.SideSell)
	for _, c := range plan.Chunks {
		if c.TargetPrice.LessThan(d(0.01)) {
			t.Errorf("price must clamp at 0.01, got %s", c.TargetPrice)
		}
	}
}

func TestCreatePlan_EstimatesDurationAndSlippage(t *testing.T) {
	s := newTestSplitter()
	plan := s.CreatePlan(d(300), d(0.50), model.SideBuy)

	if plan.EstDuration != 4*time.Second {
		t.Errorf("3 chunks with 2s delay should estimate 4s, got %s", plan.EstDuration)
	}
	if !plan.EstSlippageBps.IsPositive() {
		t.Errorf("expected positive slippage estimate, got %s", plan.EstSlippageBps)
	}
}

// --- Adaptive sizing tests ---

func TestAdaptiveChunkSize(t *testing.T) {
	tests := []struct {
		name     string
		realized float64
		target   float64
		want     float64
	}{
		{"far over target halves", 40, 20, 50},
		{"moderately over shrinks to 75%", 25, 20, 75},
		{"at target keeps full size", 20, 20, 100},
		{"under target keeps full size", 5, 20, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AdaptiveChunkSize(d(100), d(tt.realized), d(tt.target))
			if !got.Equal(d(tt.want)) {
				t.Errorf("got %s, want %v", got, tt.want)
			}
		})
	}
}

func TestAdaptiveChunkSize_ZeroTarget(t *testing.T) {
	got := AdaptiveChunkSize(d(100), d(50), d(0))
	if !got.Equal(d(100)) {
		t.Errorf("zero target must not resize, got %s", got)
	}
}

// --- Execution tests ---

func TestExecutePlan_AllChunksFill(t *testing.T) {
	s := newTestSplitter()
	plan := s.CreatePlan(d(250), d(0.50), model.SideBuy)

	var placed []decimal.Decimal
	res := s.ExecutePlan(context.Background(), plan, decimal.Zero,
		func(_ context.Context, size, price decimal.Decimal) (string, decimal.Decimal, error) {
			placed = append(placed, size)
			return "ord-" + size.String(), price, nil
		})

	if !res.Complete() {
		t.Fatalf("expected complete execution: %d/%d", res.Executed, res.Total)
	}
	if !res.FilledSize.Equal(d(250)) {
		t.Errorf("filled size should equal total: %s", res.FilledSize)
	}
	if len(res.OrderIDs) != len(placed) {
		t.Errorf("one order id per fill: %d vs %d", len(res.OrderIDs), len(placed))
	}
}

func TestExecutePlan_FailureDoesNotAbort(t *testing.T) {
	s := newTestSplitter()
	plan := s.CreatePlan(d(300), d(0.50), model.SideBuy)

	calls := 0
	res := s.ExecutePlan(context.Background(), plan, decimal.Zero,
		func(_ context.Context, size, price decimal.Decimal) (string, decimal.Decimal, error) {
			calls++
			if calls == 2 {
				return "", decimal.Zero, errors.New("venue hiccup")
			}
			return "ord", price, nil
		})

	if calls != 3 {
		t.Fatalf("all 3 chunks should be attempted, got %d calls", calls)
	}
	if res.Executed != 2 {
		t.Errorf("expected 2 fills, got %d", res.Executed)
	}
	if res.Complete() {
		t.Error("partial execution must not report complete")
	}
	if !res.FilledSize.Equal(d(200)) {
		t.Errorf("filled size should be 200, got %s", res.FilledSize)
	}
}

func TestExecutePlan_AdaptivePreservesTotal(t *testing.T) {
	s := newTestSplitter()
	plan := s.CreatePlan(d(300), d(0.50), model.SideBuy)

	// Fill every chunk well above target so realized slippage overshoots
	// and later chunks shrink; the catch-up chunk must restore the total.
	res := s.ExecutePlan(context.Background(), plan, decimal.Zero,
		func(_ context.Context, size, price decimal.Decimal) (string, decimal.Decimal, error) {
			return "ord", price.Mul(d(1.10)), nil
		})

	if !res.Complete() {
		t.Fatalf("expected complete execution: %d/%d", res.Executed, res.Total)
	}
	if !res.FilledSize.Equal(d(300)) {
		t.Errorf("adaptive resizing must preserve the plan total, got %s", res.FilledSize)
	}
	if res.Total <= 3 {
		t.Errorf("expected a catch-up chunk beyond the original 3, got %d", res.Total)
	}
}

func TestExecutePlan_AvgFillPriceIsWeighted(t *testing.T) {
	s := New(Config{MaxChunkSize: d(100), MinChunkSize: d(10), BaseDelay: time.Second})
	s.SetSleepFunc(func(context.Context, time.Duration) error { return nil })

	plan := s.CreatePlan(d(200), d(0.50), model.SideBuy)
	fills := []decimal.Decimal{d(0.50), d(0.52)}
	i := 0
	res := s.ExecutePlan(context.Background(), plan, decimal.Zero,
		func(_ context.Context, _, _ decimal.Decimal) (string, decimal.Decimal, error) {
			p := fills[i]
			i++
			return "ord", p, nil
		})

	// Equal 100-share chunks: weighted average is the midpoint.
	if !res.AvgFillPrice.Equal(d(0.51)) {
		t.Errorf("expected avg fill 0.51, got %s", res.AvgFillPrice)
	}
}

func TestExecutePlan_CancelledContextStops(t *testing.T) {
	s := New(Config{MaxChunkSize: d(100), MinChunkSize: d(10), BaseDelay: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	s.SetSleepFunc(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})

	plan := s.CreatePlan(d(300), d(0.50), model.SideBuy)
	calls := 0
	res := s.ExecutePlan(ctx, plan, decimal.Zero,
		func(_ context.Context, _, price decimal.Decimal) (string, decimal.Decimal, error) {
			calls++
			return "ord", price, nil
		})

	if calls != 1 {
		t.Errorf("cancellation after chunk 1 should stop the plan, got %d calls", calls)
	}
	if res.Complete() {
		t.Error("cancelled plan must not report complete")
	}
}

// --- Delay scaling tests ---

func TestChunkDelay_ScalesWithVolatility(t *testing.T) {
	s := New(Config{MaxChunkSize: d(100), MinChunkSize: d(10), BaseDelay: 2 * time.Second})

	if got := s.chunkDelay(decimal.Zero); got != 2*time.Second {
		t.Errorf("zero volatility keeps base delay, got %s", got)
	}
	if got := s.chunkDelay(d(0.5)); got != 3*time.Second {
		t.Errorf("0.5 volatility should give 3s, got %s", got)
	}
	if got := s.chunkDelay(d(-1)); got != 2*time.Second {
		t.Errorf("negative volatility clamps to base, got %s", got)
	}
}

// Package splitter divides large hedge orders into time-spaced chunks to
// limit market impact on the external venue. Chunk target prices follow a
// square-root impact model; execution is partial-fill tolerant.
//
// All monetary values use shopspring/decimal — the square-root itself is
// computed in float64 and immediately converted back.
package splitter

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/metrics"
	"github.com/oddsline/hedge-engine/internal/model"
)

// Impact model constants.
var (
	impactK       = decimal.NewFromFloat(0.2)  // sqrt-model coefficient
	impactCap     = decimal.NewFromFloat(0.05) // max price impact 5%
	liquidityMult = decimal.NewFromInt(10)     // est. liquidity = 10× total (conservative)
	priceFloor    = decimal.NewFromFloat(0.01)
	priceCeil     = decimal.NewFromFloat(0.99)
	bpsScale      = decimal.NewFromInt(10000)
	two           = decimal.NewFromInt(2)
)

// Config holds splitter tunables.
type Config struct {
	MaxChunkSize decimal.Decimal // orders above this get split
	MinChunkSize decimal.Decimal // final chunks below this merge backward
	BaseDelay    time.Duration   // inter-chunk pause before volatility scaling
}

// Splitter plans and executes chunked orders.
type Splitter struct {
	cfg Config

	// sleep is replaced in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a splitter with the given tunables.
func New(cfg Config) *Splitter {
	if cfg.MaxChunkSize.LessThanOrEqual(decimal.Zero) {
		cfg.MaxChunkSize = decimal.NewFromInt(100)
	}
	if cfg.MinChunkSize.LessThanOrEqual(decimal.Zero) {
		cfg.MinChunkSize = decimal.NewFromInt(10)
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	return &Splitter{
		cfg: cfg,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// ShouldSplit reports whether an order exceeds the single-chunk maximum.
func (s *Splitter) ShouldSplit(size decimal.Decimal) bool {
	return size.GreaterThan(s.cfg.MaxChunkSize)
}

// CreatePlan builds the chunk schedule for one large order. Chunks are
// distributed evenly across ceil(total/maxChunkSize) slices; a final chunk
// smaller than MinChunkSize is merged into its predecessor. Target prices
// walk the square-root impact curve: up for buys, down for sells, clamped
// to the venue's tradable price band.
func (s *Splitter) CreatePlan(totalSize, basePrice decimal.Decimal, side model.Side) *model.SplitOrderPlan {
	count := int(totalSize.Div(s.cfg.MaxChunkSize).Ceil().IntPart())
	if count < 1 {
		count = 1
	}

	even := totalSize.Div(decimal.NewFromInt(int64(count))).Round(6)
	sizes := make([]decimal.Decimal, count)
	allocated := decimal.Zero
	for i := 0; i < count-1; i++ {
		sizes[i] = even
		allocated = allocated.Add(even)
	}
	sizes[count-1] = totalSize.Sub(allocated) // absorbs rounding

	// Merge rule: an undersized final chunk folds into its predecessor.
	if count > 1 && sizes[count-1].LessThan(s.cfg.MinChunkSize) {
		sizes[count-2] = sizes[count-2].Add(sizes[count-1])
		sizes = sizes[:count-1]
		count--
	}

	estLiquidity := totalSize.Mul(liquidityMult)
	plan := &model.SplitOrderPlan{
		TotalSize:   totalSize,
		Side:        side,
		EstDuration: time.Duration(count-1) * s.cfg.BaseDelay,
	}

	cumulative := decimal.Zero
	weightedDev := decimal.Zero
	for i, size := range sizes {
		midpoint := cumulative.Add(size.Div(two))
		impact := impactAt(midpoint, estLiquidity)

		target := basePrice
		if side == model.SideBuy {
			target = basePrice.Mul(decimal.NewFromInt(1).Add(impact))
		} else {
			target = basePrice.Mul(decimal.NewFromInt(1).Sub(impact))
		}
		target = clampPrice(target)

		plan.Chunks = append(plan.Chunks, model.OrderChunk{
			Index:       i,
			Size:        size,
			TargetPrice: target,
		})

		weightedDev = weightedDev.Add(target.Sub(basePrice).Abs().Mul(size))
		cumulative = cumulative.Add(size)
	}

	if basePrice.IsPositive() && totalSize.IsPositive() {
		plan.EstSlippageBps = weightedDev.
			Div(totalSize).Div(basePrice).Mul(bpsScale).Round(2)
	}
	return plan
}

// impactAt computes k·sqrt(cumVolume/liquidity), capped.
func impactAt(cumVolume, liquidity decimal.Decimal) decimal.Decimal {
	if liquidity.LessThanOrEqual(decimal.Zero) {
		return impactCap
	}
	ratio, _ := cumVolume.Div(liquidity).Float64()
	impact := impactK.Mul(decimal.NewFromFloat(math.Sqrt(ratio)))
	if impact.GreaterThan(impactCap) {
		return impactCap
	}
	return impact
}

func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(priceFloor) {
		return priceFloor
	}
	if p.GreaterThan(priceCeil) {
		return priceCeil
	}
	return p
}

// AdaptiveChunkSize resizes an upcoming chunk based on realized slippage
// so far versus the plan's estimate: 50% when realized is far above
// target, 75% when moderately above, full size restored when well under.
func AdaptiveChunkSize(baseSize, realizedBps, targetBps decimal.Decimal) decimal.Decimal {
	if targetBps.LessThanOrEqual(decimal.Zero) {
		return baseSize
	}
	ratio := realizedBps.Div(targetBps)
	switch {
	case ratio.GreaterThan(decimal.NewFromFloat(1.5)):
		return baseSize.Mul(decimal.NewFromFloat(0.5))
	case ratio.GreaterThan(decimal.NewFromInt(1)):
		return baseSize.Mul(decimal.NewFromFloat(0.75))
	default:
		return baseSize
	}
}

// PlaceFunc submits one chunk to the venue and returns the venue order id
// and fill price. The executor passes a circuit-breaker-wrapped closure.
type PlaceFunc func(ctx context.Context, size, price decimal.Decimal) (orderID string, fillPrice decimal.Decimal, err error)

// ExecResult summarizes a plan execution.
type ExecResult struct {
	Executed     int
	Total        int
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal // size-weighted over executed chunks
	OrderIDs     []string
	RealizedBps  decimal.Decimal
}

// Complete reports whether every chunk filled.
func (r ExecResult) Complete() bool { return r.Executed == r.Total }

// ExecutePlan runs chunks strictly in order, pausing baseDelay×(1+volatility)
// between non-final chunks. A chunk failure does not abort the plan;
// remaining chunks still attempt execution. Adaptive sizing shrinks
// upcoming chunks when realized slippage overshoots the estimate, with the
// shaved size carried into a trailing catch-up chunk so the plan total is
// preserved.
func (s *Splitter) ExecutePlan(ctx context.Context, plan *model.SplitOrderPlan, volatility decimal.Decimal, place PlaceFunc) ExecResult {
	result := ExecResult{Total: len(plan.Chunks)}
	basePrice := decimal.Zero
	if len(plan.Chunks) > 0 {
		basePrice = plan.Chunks[0].TargetPrice
	}

	delay := s.chunkDelay(volatility)
	weightedFill := decimal.Zero
	weightedDev := decimal.Zero
	deficit := decimal.Zero

	for i := range plan.Chunks {
		chunk := &plan.Chunks[i]

		// Resize against realized slippage so far.
		if result.FilledSize.IsPositive() && plan.EstSlippageBps.IsPositive() {
			realized := weightedDev.Div(result.FilledSize).Div(basePrice).Mul(bpsScale)
			adjusted := AdaptiveChunkSize(chunk.Size, realized, plan.EstSlippageBps)
			if adjusted.LessThan(chunk.Size) {
				deficit = deficit.Add(chunk.Size.Sub(adjusted))
				chunk.Size = adjusted
			}
		}

		s.executeChunk(ctx, chunk, place)
		if chunk.Executed {
			result.Executed++
			result.FilledSize = result.FilledSize.Add(chunk.Size)
			result.OrderIDs = append(result.OrderIDs, chunk.VenueOrderID)
			weightedFill = weightedFill.Add(chunk.ExecutedPrice.Mul(chunk.Size))
			weightedDev = weightedDev.Add(chunk.ExecutedPrice.Sub(basePrice).Abs().Mul(chunk.Size))
		}

		if i < len(plan.Chunks)-1 {
			if err := s.sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	// Catch-up chunk for size shaved off by adaptive resizing.
	if deficit.IsPositive() && ctx.Err() == nil {
		last := plan.Chunks[len(plan.Chunks)-1]
		catchup := model.OrderChunk{
			Index:       len(plan.Chunks),
			Size:        deficit,
			TargetPrice: last.TargetPrice,
		}
		s.executeChunk(ctx, &catchup, place)
		plan.Chunks = append(plan.Chunks, catchup)
		result.Total++
		if catchup.Executed {
			result.Executed++
			result.FilledSize = result.FilledSize.Add(catchup.Size)
			result.OrderIDs = append(result.OrderIDs, catchup.VenueOrderID)
			weightedFill = weightedFill.Add(catchup.ExecutedPrice.Mul(catchup.Size))
			weightedDev = weightedDev.Add(catchup.ExecutedPrice.Sub(basePrice).Abs().Mul(catchup.Size))
		}
	}

	if result.FilledSize.IsPositive() {
		result.AvgFillPrice = weightedFill.Div(result.FilledSize)
		if basePrice.IsPositive() {
			result.RealizedBps = weightedDev.Div(result.FilledSize).Div(basePrice).Mul(bpsScale).Round(2)
		}
	}
	return result
}

func (s *Splitter) executeChunk(ctx context.Context, chunk *model.OrderChunk, place PlaceFunc) {
	orderID, fillPrice, err := place(ctx, chunk.Size, chunk.TargetPrice)
	if err != nil {
		chunk.Err = err
		metrics.SplitChunksTotal.WithLabelValues("failed").Inc()
		return
	}
	chunk.Executed = true
	chunk.ExecutedPrice = fillPrice
	chunk.ExecutedAt = time.Now().UTC()
	chunk.VenueOrderID = orderID
	metrics.SplitChunksTotal.WithLabelValues("filled").Inc()
}

// chunkDelay scales the base inter-chunk delay by current volatility.
func (s *Splitter) chunkDelay(volatility decimal.Decimal) time.Duration {
	if volatility.IsNegative() {
		volatility = decimal.Zero
	}
	scale := decimal.NewFromInt(1).Add(volatility)
	ms := decimal.NewFromInt(s.cfg.BaseDelay.Milliseconds()).Mul(scale)
	return time.Duration(ms.IntPart()) * time.Millisecond
}

// SetSleepFunc overrides the inter-chunk sleep. Test hook.
func (s *Splitter) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

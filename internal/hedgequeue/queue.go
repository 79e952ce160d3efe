// Package hedgequeue batches small concurrent hedge requests into fewer
// external orders. Requests for the same venue token and direction that
// arrive within a short window are merged into one aggregated order; each
// caller still receives its own result.
package hedgequeue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/metrics"
	"github.com/oddsline/hedge-engine/internal/model"
)

// ErrClosed is returned for requests enqueued after Close.
var ErrClosed = errors.New("hedgequeue: queue closed")

// PlaceFunc submits one aggregated order to the venue. The executor passes
// a circuit-breaker-wrapped closure, so group failures are recorded as
// breaker failures without the queue holding a breaker reference.
type PlaceFunc func(ctx context.Context, tokenID string, side model.Side, size, price decimal.Decimal) (orderID string, fillPrice decimal.Decimal, err error)

// Request is one caller's hedge order awaiting batching.
type Request struct {
	TokenID string
	Side    model.Side
	Size    decimal.Decimal // shares
	Price   decimal.Decimal // caller's limit price

	enqueuedAt time.Time
	result     chan Result
}

// Result resolves one queued request. Size echoes the caller's requested
// size, not a prorated share of the aggregated fill.
type Result struct {
	OrderID   string
	FillPrice decimal.Decimal
	Size      decimal.Decimal
	Err       error
}

// Config holds queue tunables.
type Config struct {
	BatchWindow  time.Duration // collection window before a flush
	MaxBatchSize int           // flush immediately at this depth
	MaxQueueAge  time.Duration // flush immediately when the oldest item is this old
}

// Queue is the process-wide batching layer. One batch is in flight at a
// time; requests arriving during processing wait for the next cycle.
type Queue struct {
	cfg   Config
	place PlaceFunc

	mu       sync.Mutex
	items    []*Request
	timer    *time.Timer
	inFlight bool
	closed   bool
}

// New creates a queue. Zero config fields fall back to the defaults
// (100ms window, batch size 20, 500ms max age).
func New(cfg Config, place PlaceFunc) *Queue {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 100 * time.Millisecond
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 20
	}
	if cfg.MaxQueueAge <= 0 {
		cfg.MaxQueueAge = 500 * time.Millisecond
	}
	return &Queue{cfg: cfg, place: place}
}

// Enqueue adds a request and returns the channel its result will arrive
// on. The channel is buffered; the caller may read it at leisure.
func (q *Queue) Enqueue(req Request) <-chan Result {
	req.result = make(chan Result, 1)
	req.enqueuedAt = time.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		req.result <- Result{Size: req.Size, Err: ErrClosed}
		return req.result
	}

	q.items = append(q.items, &req)
	metrics.QueueDepth.Set(float64(len(q.items)))

	switch {
	case len(q.items) >= q.cfg.MaxBatchSize:
		q.scheduleFlushLocked(0)
	case time.Since(q.items[0].enqueuedAt) >= q.cfg.MaxQueueAge:
		q.scheduleFlushLocked(0)
	case q.timer == nil:
		q.scheduleFlushLocked(q.cfg.BatchWindow)
	}
	q.mu.Unlock()

	return req.result
}

// scheduleFlushLocked arms the flush timer. Caller holds q.mu.
func (q *Queue) scheduleFlushLocked(after time.Duration) {
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(after, q.flush)
}

// flush drains the queue and processes one batch. Only one batch runs at
// a time; leftover or newly arrived items get their own cycle afterward.
func (q *Queue) flush() {
	q.mu.Lock()
	if q.inFlight || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.items
	q.items = nil
	q.timer = nil
	q.inFlight = true
	metrics.QueueDepth.Set(0)
	q.mu.Unlock()

	metrics.QueueBatchSize.Observe(float64(len(batch)))
	q.process(batch)

	q.mu.Lock()
	q.inFlight = false
	if len(q.items) > 0 && !q.closed {
		q.scheduleFlushLocked(q.cfg.BatchWindow)
	}
	q.mu.Unlock()
}

// groupKey buckets requests that can share one venue order.
type groupKey struct {
	tokenID string
	side    model.Side
}

// process places one aggregated order per (token, side) group and
// resolves every member. Group failures are isolated: one group's venue
// rejection does not fail the others.
func (q *Queue) process(batch []*Request) {
	groups := make(map[groupKey][]*Request)
	for _, req := range batch {
		k := groupKey{tokenID: req.TokenID, side: req.Side}
		groups[k] = append(groups[k], req)
	}

	for k, members := range groups {
		totalSize := decimal.Zero
		weighted := decimal.Zero
		for _, m := range members {
			totalSize = totalSize.Add(m.Size)
			weighted = weighted.Add(m.Price.Mul(m.Size))
		}
		// Size-weighted limit price across members.
		price := weighted.Div(totalSize)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		orderID, fillPrice, err := q.place(ctx, k.tokenID, k.side, totalSize, price)
		cancel()

		if err != nil {
			slog.Warn("batched hedge failed",
				"token", k.tokenID,
				"side", k.side,
				"members", len(members),
				"size", totalSize.String(),
				"err", err,
			)
			for _, m := range members {
				m.result <- Result{Size: m.Size, Err: err}
			}
			continue
		}

		slog.Info("batched hedge placed",
			"token", k.tokenID,
			"side", k.side,
			"members", len(members),
			"size", totalSize.String(),
			"order_id", orderID,
		)
		for _, m := range members {
			m.result <- Result{OrderID: orderID, FillPrice: fillPrice, Size: m.Size}
		}
	}
}

// Close fails all pending requests and rejects future ones.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for _, req := range pending {
		req.result <- Result{Size: req.Size, Err: ErrClosed}
	}
	metrics.QueueDepth.Set(0)
}

// Depth returns the current queue length. Monitoring hook.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

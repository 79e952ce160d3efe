package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/model"
)

var (
	// ErrStaleQuote is returned when the venue book is older than the
	// configured staleness threshold.
	ErrStaleQuote = errors.New("oracle: stale quote")

	// ErrInvalidQuote is returned when the top of book is outside (0,1)
	// or the relevant side is empty.
	ErrInvalidQuote = errors.New("oracle: invalid quote")

	// ErrFillTimeout is returned by WaitForFill when the order did not
	// reach a terminal state within the polling budget.
	ErrFillTimeout = errors.New("oracle: fill poll timed out")
)

// Oracle performs price discovery against the venue order book.
type Oracle struct {
	client    Client
	staleness time.Duration
}

// NewOracle creates an oracle. staleness <= 0 falls back to 5s.
func NewOracle(client Client, staleness time.Duration) *Oracle {
	if staleness <= 0 {
		staleness = 5 * time.Second
	}
	return &Oracle{client: client, staleness: staleness}
}

// Quote returns the side-relevant top-of-book price for a token: the best
// ask when buying, the best bid when selling. Stale or out-of-range books
// are rejected.
func (o *Oracle) Quote(ctx context.Context, tokenID string, side model.Side) (*model.Quote, error) {
	return o.QuoteWithin(ctx, tokenID, side, o.staleness)
}

// QuoteWithin is Quote with a caller-supplied staleness threshold, for
// call sites driven by dynamic config.
func (o *Oracle) QuoteWithin(ctx context.Context, tokenID string, side model.Side, maxAge time.Duration) (*model.Quote, error) {
	if maxAge <= 0 {
		maxAge = o.staleness
	}
	book, err := o.client.GetOrderBook(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	q := &model.Quote{TokenID: tokenID, Timestamp: book.Timestamp}
	if len(book.Bids) > 0 {
		q.Bid = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		q.Ask = book.Asks[0].Price
	}

	if side == model.SideBuy {
		q.Price = q.Ask
	} else {
		q.Price = q.Bid
	}

	one := decimal.NewFromInt(1)
	if q.Price.LessThanOrEqual(decimal.Zero) || q.Price.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("%w: token %s side %s price %s", ErrInvalidQuote, tokenID, side, q.Price)
	}
	if q.Age() > maxAge {
		return nil, fmt.Errorf("%w: token %s age %s", ErrStaleQuote, tokenID, q.Age().Round(time.Millisecond))
	}
	return q, nil
}

// WaitForFill polls order status until the order is matched, cancelled, or
// the overall timeout elapses. It never hangs: timeout returns the last
// observed status with ErrFillTimeout so callers can treat it as partial.
func (o *Oracle) WaitForFill(ctx context.Context, orderID string, interval, timeout time.Duration) (OrderStatus, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	last := OrderUnknown
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := o.client.GetOrderStatus(ctx, orderID)
		if err == nil {
			last = status
			if status == OrderMatched || status == OrderCancelled {
				return status, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, ErrFillTimeout
		case <-ticker.C:
		}
	}
}

// Package venue implements the client for the external central-limit-order-
// book venue (Polymarket CLOB) that all platform flow is hedged against:
// order book reads, order placement and status, a shared retry policy, and
// the price oracle built on top.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/metrics"
	"github.com/oddsline/hedge-engine/internal/model"
)

// OrderStatus reported by the venue for a placed order.
type OrderStatus string

const (
	OrderLive      OrderStatus = "live"
	OrderMatched   OrderStatus = "matched"
	OrderCancelled OrderStatus = "cancelled"
	OrderUnknown   OrderStatus = "unknown" // venue returned no status
)

// OrderRequest describes one order to place on the venue.
type OrderRequest struct {
	TokenID  string          `json:"token_id"`
	Side     model.Side      `json:"side"`
	Size     decimal.Decimal `json:"size"`
	Price    decimal.Decimal `json:"price"`
	TickSize decimal.Decimal `json:"tick_size,omitempty"`
	NegRisk  bool            `json:"neg_risk,omitempty"`
}

// OrderResponse is the venue's acknowledgement of a placed order.
type OrderResponse struct {
	OrderID    string          `json:"order_id"`
	FilledSize decimal.Decimal `json:"filled_size"`
	Price      decimal.Decimal `json:"price"`
}

// Client is the external venue surface consumed by the hedge path.
// HTTPClient is the production implementation; tests substitute fakes.
type Client interface {
	GetOrderBook(ctx context.Context, tokenID string) (*model.OrderBook, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

// HTTPClient talks to the venue's REST API. Every call carries its own
// timeout; transient failures are classified retryable so the shared
// RetryPolicy can be applied at call sites.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
}

// ClientConfig holds venue client tunables.
type ClientConfig struct {
	BaseURL     string
	CallTimeout time.Duration
	Retry       RetryPolicy
}

// NewHTTPClient creates a venue REST client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry,
	}
}

// --- Wire types ---

type bookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type bookResponse struct {
	Bids      []bookLevel     `json:"bids"`
	Asks      []bookLevel     `json:"asks"`
	Timestamp int64           `json:"timestamp"` // unix millis
	TickSize  decimal.Decimal `json:"tick_size"`
	NegRisk   bool            `json:"neg_risk"`
}

type orderAck struct {
	OrderID      string          `json:"orderID"`
	Success      bool            `json:"success"`
	ErrorMsg     string          `json:"errorMsg"`
	TakingAmount decimal.Decimal `json:"takingAmount"`
	MakingAmount decimal.Decimal `json:"makingAmount"`
	Price        decimal.Decimal `json:"price"`
}

type orderStatusResponse struct {
	Status string `json:"status"`
}

// GetOrderBook fetches current depth for a token. Bids are returned
// descending and asks ascending, as the venue serves them.
func (c *HTTPClient) GetOrderBook(ctx context.Context, tokenID string) (*model.OrderBook, error) {
	const op = "get_orderbook"

	var book *model.OrderBook
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		u := fmt.Sprintf("%s/book?token_id=%s", c.baseURL, url.QueryEscape(tokenID))
		var resp bookResponse
		if err := c.getJSON(ctx, op, u, &resp); err != nil {
			return err
		}

		ob := &model.OrderBook{
			TokenID:   tokenID,
			Timestamp: time.UnixMilli(resp.Timestamp),
			TickSize:  resp.TickSize,
			NegRisk:   resp.NegRisk,
		}
		for _, l := range resp.Bids {
			ob.Bids = append(ob.Bids, model.OrderBookLevel{Price: l.Price, Size: l.Size})
		}
		for _, l := range resp.Asks {
			ob.Asks = append(ob.Asks, model.OrderBookLevel{Price: l.Price, Size: l.Size})
		}
		book = ob
		return nil
	})
	if err != nil {
		metrics.VenueRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.VenueRequestsTotal.WithLabelValues(op, "ok").Inc()
	return book, nil
}

// PlaceOrder submits an order. Rejections (insufficient liquidity/balance,
// invalid price) come back as non-retryable typed errors; the retry policy
// only re-attempts transient faults.
func (c *HTTPClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	const op = "place_order"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, newError(op, ErrCodeBadResponse, false, err)
	}

	var out *OrderResponse
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/order", bytes.NewReader(body))
		if err != nil {
			return newError(op, ErrCodeNetwork, false, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return classifyTransportError(ctx, op, err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(op, resp.StatusCode); err != nil {
			io.Copy(io.Discard, resp.Body)
			return err
		}

		var ack orderAck
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
			return newError(op, ErrCodeBadResponse, true, err)
		}
		if !ack.Success {
			return newError(op, ErrCodeRejected, false, fmt.Errorf("%s", ack.ErrorMsg))
		}

		out = &OrderResponse{
			OrderID:    ack.OrderID,
			FilledSize: ack.MakingAmount,
			Price:      ack.Price,
		}
		return nil
	})
	if err != nil {
		metrics.VenueRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}

	metrics.VenueRequestsTotal.WithLabelValues(op, "ok").Inc()
	slog.Info("venue order placed",
		"order_id", out.OrderID,
		"token", req.TokenID,
		"side", req.Side,
		"size", req.Size.String(),
		"price", req.Price.String(),
	)
	return out, nil
}

// GetOrderStatus returns the venue's view of an order, or OrderUnknown
// when the venue has no record of it.
func (c *HTTPClient) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	const op = "get_order_status"

	u := fmt.Sprintf("%s/order/%s", c.baseURL, url.PathEscape(orderID))
	var resp orderStatusResponse
	if err := c.getJSON(ctx, op, u, &resp); err != nil {
		var ve *Error
		if errors.As(err, &ve) && ve.Code == ErrCodeNotFound {
			return OrderUnknown, nil
		}
		metrics.VenueRequestsTotal.WithLabelValues(op, "error").Inc()
		return OrderUnknown, err
	}
	metrics.VenueRequestsTotal.WithLabelValues(op, "ok").Inc()

	switch resp.Status {
	case "LIVE":
		return OrderLive, nil
	case "MATCHED", "FILLED":
		return OrderMatched, nil
	case "CANCELED", "CANCELLED":
		return OrderCancelled, nil
	default:
		return OrderUnknown, nil
	}
}

// CancelOrder cancels a live order. Returns false without error when the
// order was already terminal.
func (c *HTTPClient) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	const op = "cancel_order"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/order/%s", c.baseURL, url.PathEscape(orderID)), nil)
	if err != nil {
		return false, newError(op, ErrCodeNetwork, false, err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.VenueRequestsTotal.WithLabelValues(op, "error").Inc()
		return false, classifyTransportError(ctx, op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	metrics.VenueRequestsTotal.WithLabelValues(op, "ok").Inc()
	return resp.StatusCode == http.StatusOK, nil
}

// getJSON performs a GET and decodes the JSON body into out.
func (c *HTTPClient) getJSON(ctx context.Context, op, u string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return newError(op, ErrCodeNetwork, false, err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(op, resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return newError(op, ErrCodeBadResponse, true, err)
	}
	return nil
}

// classifyStatus maps HTTP status codes onto the venue error taxonomy.
func classifyStatus(op string, status int) error {
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		return nil
	case status == http.StatusNotFound:
		return newError(op, ErrCodeNotFound, false, fmt.Errorf("status %d", status))
	case status == http.StatusTooManyRequests:
		return newError(op, ErrCodeRateLimited, true, fmt.Errorf("status %d", status))
	case status >= 500:
		return newError(op, ErrCodeServer, true, fmt.Errorf("status %d", status))
	default:
		return newError(op, ErrCodeRejected, false, fmt.Errorf("status %d", status))
	}
}

// classifyTransportError distinguishes deadline expiry from other
// transport failures. Both count as retryable venue faults.
func classifyTransportError(ctx context.Context, op string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return newError(op, ErrCodeTimeout, true, err)
	}
	return newError(op, ErrCodeNetwork, true, err)
}

package venue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsline/hedge-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fastRetry keeps test backoff negligible.
func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(ClientConfig{
		BaseURL:     srv.URL,
		CallTimeout: 2 * time.Second,
		Retry:       fastRetry(),
	})
}

// --- Order book ---

func TestGetOrderBook_ParsesDepth(t *testing.T) {
	now := time.Now().UnixMilli()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token_id") != "tok-1" {
			t.Errorf("unexpected token: %s", r.URL.Query().Get("token_id"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"bids":      []map[string]string{{"price": "0.56", "size": "1000"}},
			"asks":      []map[string]string{{"price": "0.58", "size": "800"}},
			"timestamp": now,
			"tick_size": "0.01",
		})
	})

	book, err := c.GetOrderBook(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !book.Bids[0].Price.Equal(d(0.56)) || !book.Asks[0].Price.Equal(d(0.58)) {
		t.Errorf("top of book mismatched: bid=%s ask=%s", book.Bids[0].Price, book.Asks[0].Price)
	}
	if book.Timestamp.UnixMilli() != now {
		t.Errorf("timestamp should parse from unix millis")
	}
}

func TestGetOrderBook_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"asks":      []map[string]string{{"price": "0.58", "size": "800"}},
			"timestamp": time.Now().UnixMilli(),
		})
	})

	if _, err := c.GetOrderBook(context.Background(), "tok-1"); err != nil {
		t.Fatalf("expected recovery on third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

// --- Order placement ---

func TestPlaceOrder_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.TokenID != "tok-1" || req.Side != model.SideBuy {
			t.Errorf("unexpected order: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"orderID": "ord-123",
			"success": true,
			"price":   "0.58",
		})
	})

	resp, err := c.PlaceOrder(context.Background(), OrderRequest{
		TokenID: "tok-1", Side: model.SideBuy, Size: d(100), Price: d(0.58),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.OrderID != "ord-123" {
		t.Errorf("expected ord-123, got %s", resp.OrderID)
	}
}

func TestPlaceOrder_RejectionNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"success":  false,
			"errorMsg": "not enough balance",
		})
	})

	_, err := c.PlaceOrder(context.Background(), OrderRequest{TokenID: "tok-1", Side: model.SideBuy, Size: d(10), Price: d(0.5)})
	if !IsRejected(err) {
		t.Fatalf("expected a rejection, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("rejections must not be retryable")
	}
	if calls.Load() != 1 {
		t.Errorf("rejection must not be retried, got %d attempts", calls.Load())
	}
}

func TestPlaceOrder_RateLimitRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"orderID": "ord-1", "success": true})
	})

	if _, err := c.PlaceOrder(context.Background(), OrderRequest{TokenID: "tok-1", Side: model.SideBuy, Size: d(10), Price: d(0.5)}); err != nil {
		t.Fatalf("expected retry after 429, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

// --- Order status ---

func TestGetOrderStatus_Mapping(t *testing.T) {
	tests := []struct {
		venue string
		want  OrderStatus
	}{
		{"LIVE", OrderLive},
		{"MATCHED", OrderMatched},
		{"FILLED", OrderMatched},
		{"CANCELED", OrderCancelled},
		{"CANCELLED", OrderCancelled},
		{"DELAYED", OrderUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.venue, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"status": tt.venue})
			})
			got, err := c.GetOrderStatus(context.Background(), "ord-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("status %s should map to %s, got %s", tt.venue, tt.want, got)
			}
		})
	}
}

func TestGetOrderStatus_NotFoundIsUnknown(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	got, err := c.GetOrderStatus(context.Background(), "ord-missing")
	if err != nil {
		t.Fatalf("404 should not be an error: %v", err)
	}
	if got != OrderUnknown {
		t.Errorf("expected unknown, got %s", got)
	}
}

// --- Cancel ---

func TestCancelOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	})
	ok, err := c.CancelOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("200 should report cancelled")
	}
}

// --- Error taxonomy ---

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{http.StatusNotFound, ErrCodeNotFound, false},
		{http.StatusTooManyRequests, ErrCodeRateLimited, true},
		{http.StatusInternalServerError, ErrCodeServer, true},
		{http.StatusBadGateway, ErrCodeServer, true},
		{http.StatusBadRequest, ErrCodeRejected, false},
	}
	for _, tt := range tests {
		err := classifyStatus("op", tt.status)
		var ve *Error
		if !errors.As(err, &ve) {
			t.Fatalf("status %d: expected *Error, got %v", tt.status, err)
		}
		if ve.Code != tt.code || ve.Retryable != tt.retryable {
			t.Errorf("status %d: got code=%s retryable=%v, want %s/%v",
				tt.status, ve.Code, ve.Retryable, tt.code, tt.retryable)
		}
	}
	if classifyStatus("op", http.StatusOK) != nil {
		t.Error("200 is not an error")
	}
}

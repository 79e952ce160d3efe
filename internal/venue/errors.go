package venue

import (
	"errors"
	"fmt"
)

// Error codes for venue failures. Rejections are terminal; everything
// else is fair game for the retry policy.
const (
	ErrCodeRejected    = "rejected"     // order rejected, insufficient liquidity/balance
	ErrCodeRateLimited = "rate_limited" // 429
	ErrCodeServer      = "server"       // 5xx
	ErrCodeNetwork     = "network"      // transport failure
	ErrCodeTimeout     = "timeout"      // per-call deadline exceeded
	ErrCodeBadResponse = "bad_response" // unparseable venue payload
	ErrCodeNotFound    = "not_found"
)

// Error is a typed external-venue failure. Retryable distinguishes
// transient faults (rate limit, 5xx, network) from hard rejections.
type Error struct {
	Op        string // venue operation, e.g. "place_order"
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("venue %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("venue %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient venue failure.
func IsRetryable(err error) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}

// IsRejected reports whether err is a hard venue rejection
// (insufficient liquidity, invalid order).
func IsRejected(err error) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == ErrCodeRejected
	}
	return false
}

func newError(op, code string, retryable bool, err error) *Error {
	return &Error{Op: op, Code: code, Retryable: retryable, Err: err}
}

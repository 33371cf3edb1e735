package execution

import "fmt"

// Validation error codes surfaced to callers.
const (
	CodeInvalidSymbol      = "INVALID_SYMBOL"
	CodeInvalidSide        = "INVALID_SIDE"
	CodeInvalidOrderType   = "INVALID_ORDER_TYPE"
	CodeInvalidPrice       = "INVALID_PRICE"
	CodeInvalidSize        = "INVALID_SIZE"
	CodeSizeTooSmall       = "SIZE_TOO_SMALL"
	CodeInvalidTimeInForce = "INVALID_TIME_IN_FORCE"
	CodeInvalidAddress     = "INVALID_ADDRESS"
	CodeInvalidUser        = "INVALID_USER"
)

// ValidationError rejects bad input with a machine-readable code. Never retryable.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Code, e.Message)
}

// InsufficientMarginError rejects an order whose estimated margin exceeds
// what the account has available.
type InsufficientMarginError struct {
	Required  float64
	Available float64
}

func (e *InsufficientMarginError) Error() string {
	return fmt.Sprintf("insufficient margin: need %.2f, available %.2f", e.Required, e.Available)
}

// NoPositionError rejects a reduce-only order with no position to reduce.
type NoPositionError struct {
	Symbol string
}

func (e *NoPositionError) Error() string {
	return fmt.Sprintf("no open position for %s to reduce", e.Symbol)
}

// InvalidReduceOnlyError rejects a reduce-only order that would grow or flip
// the position.
type InvalidReduceOnlyError struct {
	Reason string
}

func (e *InvalidReduceOnlyError) Error() string {
	return "invalid reduce-only order: " + e.Reason
}

// ExchangeRejectionError is a business-level rejection reported inside an
// otherwise successful exchange response. Never retryable.
type ExchangeRejectionError struct {
	Reason string
}

func (e *ExchangeRejectionError) Error() string {
	return "rejected by exchange: " + e.Reason
}

func (e *ExchangeRejectionError) Retryable() bool { return false }

// Package errs defines the tagged error taxonomy used across the engine.
// Every error that crosses a package boundary is one of these concrete
// types so callers can branch with errors.As instead of matching strings.
package errs

import "fmt"

// ConfigError indicates a problem loading, validating, or reloading config.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config error: %s", e.Reason) }

// AuthError indicates a problem deriving or applying credentials/signatures.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth error: %s", e.Reason) }

// ApiErrorKind classifies a failed REST/WS call to the venue.
type ApiErrorKind string

const (
	ApiRateLimit       ApiErrorKind = "rate_limit"
	ApiTimeout         ApiErrorKind = "timeout"
	ApiInvalidResponse ApiErrorKind = "invalid_response"
	ApiHttp            ApiErrorKind = "http"
)

// ApiError wraps a failure talking to the exchange API.
type ApiError struct {
	Kind ApiErrorKind
	Code int
	Err  error
}

func (e *ApiError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error [%s] code=%d: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("api error [%s]: %v", e.Kind, e.Err)
}

func (e *ApiError) Unwrap() error { return e.Err }

// TradingErrorKind classifies why an order-related action was refused.
type TradingErrorKind string

const (
	TradingInsufficientBalance TradingErrorKind = "insufficient_balance"
	TradingOrderRejected       TradingErrorKind = "order_rejected"
	TradingInvalidOrder        TradingErrorKind = "invalid_order"
	TradingFokNotFilled        TradingErrorKind = "fok_not_filled"
	TradingSlippageExceeded    TradingErrorKind = "slippage_exceeded"
	TradingPriceGuard          TradingErrorKind = "price_guard"
	TradingPositionLimit       TradingErrorKind = "position_limit"
	TradingDailyVolumeLimit    TradingErrorKind = "daily_volume_limit"
)

// TradingError wraps a rejected or invalid trading action.
type TradingError struct {
	Kind      TradingErrorKind
	VenueCode string
	Err       error
}

func (e *TradingError) Error() string {
	if e.VenueCode != "" {
		return fmt.Sprintf("trading error [%s] venue_code=%s: %v", e.Kind, e.VenueCode, e.Err)
	}
	return fmt.Sprintf("trading error [%s]: %v", e.Kind, e.Err)
}

func (e *TradingError) Unwrap() error { return e.Err }

// StrategyError indicates a strategy-internal computation failed (e.g. no
// valid quote could be derived from the current book).
type StrategyError struct {
	Reason string
	Err    error
}

func (e *StrategyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("strategy error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("strategy error: %s", e.Reason)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// CircuitScope identifies which circuit breaker tripped.
type CircuitScope string

const (
	CircuitDaily              CircuitScope = "daily"
	CircuitToxicFlow          CircuitScope = "toxic_flow"
	CircuitConsecutiveArbFail CircuitScope = "consecutive_arb_fails"
)

// CircuitBreakerTripped indicates a named circuit breaker halted trading.
type CircuitBreakerTripped struct {
	Scope  CircuitScope
	Reason string
}

func (e *CircuitBreakerTripped) Error() string {
	return fmt.Sprintf("circuit breaker tripped [%s]: %s", e.Scope, e.Reason)
}

// HealthCheckFailed indicates a dependency health probe failed (e.g. stale
// book, disconnected feed, failed auth refresh).
type HealthCheckFailed struct {
	Reason string
}

func (e *HealthCheckFailed) Error() string { return fmt.Sprintf("health check failed: %s", e.Reason) }

// DataValidationError indicates malformed or inconsistent data from a feed
// or API response (e.g. unparseable price, negative size, crossed book).
type DataValidationError struct {
	Reason string
}

func (e *DataValidationError) Error() string {
	return fmt.Sprintf("data validation error: %s", e.Reason)
}

// ValidationKind enumerates the Execution Gateway's pre-trade validation
// checks. The gateway runs the halted check first, then invalid_order,
// insufficient_balance, position_limit, price_guard, slippage_guard and
// daily_volume_limit.
type ValidationKind string

const (
	ValidationHalted               ValidationKind = "halted"
	ValidationInsufficientBalance  ValidationKind = "insufficient_balance"
	ValidationPriceGuard           ValidationKind = "price_guard"
	ValidationSlippageGuard        ValidationKind = "slippage_guard"
	ValidationPositionLimit        ValidationKind = "position_limit"
	ValidationDailyVolumeLimit     ValidationKind = "daily_volume_limit"
	ValidationInvalidOrder         ValidationKind = "invalid_order"
)

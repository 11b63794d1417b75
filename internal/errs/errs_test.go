package errs

import (
	"errors"
	"testing"
)

func TestConfigErrorMessage(t *testing.T) {
	t.Parallel()
	err := &ConfigError{Reason: "missing api key"}
	want := "config error: missing api key"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestApiErrorUnwrap(t *testing.T) {
	t.Parallel()
	inner := errors.New("connection reset")
	err := &ApiError{Kind: ApiTimeout, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is did not find wrapped inner error")
	}

	var apiErr *ApiError
	if !errors.As(err, &apiErr) {
		t.Fatal("errors.As failed to match *ApiError")
	}
	if apiErr.Kind != ApiTimeout {
		t.Errorf("Kind = %v, want %v", apiErr.Kind, ApiTimeout)
	}
}

func TestApiErrorMessageWithAndWithoutCode(t *testing.T) {
	t.Parallel()
	inner := errors.New("boom")

	withCode := &ApiError{Kind: ApiHttp, Code: 503, Err: inner}
	if got, want := withCode.Error(), "api error [http] code=503: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	withoutCode := &ApiError{Kind: ApiInvalidResponse, Err: inner}
	if got, want := withoutCode.Error(), "api error [invalid_response]: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestTradingErrorUnwrapAndKindMatching(t *testing.T) {
	t.Parallel()
	inner := errors.New("insufficient funds")
	err := &TradingError{Kind: TradingInsufficientBalance, VenueCode: "E_BALANCE", Err: inner}

	var tradingErr *TradingError
	if !errors.As(err, &tradingErr) {
		t.Fatal("errors.As failed to match *TradingError")
	}
	if tradingErr.Kind != TradingInsufficientBalance {
		t.Errorf("Kind = %v, want %v", tradingErr.Kind, TradingInsufficientBalance)
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is did not find wrapped inner error")
	}
}

func TestCircuitBreakerTrippedMessage(t *testing.T) {
	t.Parallel()
	err := &CircuitBreakerTripped{Scope: CircuitConsecutiveArbFail, Reason: "3 consecutive failures"}
	want := "circuit breaker tripped [consecutive_arb_fails]: 3 consecutive failures"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestStrategyErrorWithAndWithoutWrappedErr(t *testing.T) {
	t.Parallel()

	withErr := &StrategyError{Reason: "no valid quote", Err: errors.New("book empty")}
	if got, want := withErr.Error(), "strategy error: no valid quote: book empty"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	withoutErr := &StrategyError{Reason: "no valid quote"}
	if got, want := withoutErr.Error(), "strategy error: no valid quote"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

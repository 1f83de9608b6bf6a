package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus_PrefixMapping(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidAmount, http.StatusBadRequest},
		{ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{ErrCodeAuthTokenInvalid, http.StatusUnauthorized},
		{ErrCodePermissionCredits, http.StatusForbidden},
		{ErrCodePermissionFeature, http.StatusForbidden},
		{ErrCodeNotFoundSession, http.StatusNotFound},
		{ErrCodeConflictNoActiveSubscription, http.StatusConflict},
		{ErrCodeBillingPlanUnresolved, http.StatusBadRequest},
		{ErrCodeUpstreamRateLimited, http.StatusTooManyRequests},
		{ErrCodeUpstreamStripe, http.StatusBadGateway},
		{ErrCodeUpstreamUnavailable, http.StatusBadGateway},
		{ErrCodeInternalStore, http.StatusInternalServerError},
		{ErrCodeInternalCorruptData, http.StatusInternalServerError},
		{ErrorCode("something_unknown"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			if got := tc.code.HTTPStatus(); got != tc.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tc.code, got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !ErrCodeUpstreamUnavailable.Retryable() || !ErrCodeInternalStore.Retryable() {
		t.Error("upstream and store errors are retryable")
	}
	if ErrCodeValidationMissingField.Retryable() || ErrCodeBillingPlanUnresolved.Retryable() {
		t.Error("validation and plan-resolution errors are not retryable")
	}
}

func TestAppError_UnwrapChain(t *testing.T) {
	inner := errors.New("socket closed")
	appErr := NewAppError(ErrCodeInternalStore, "redis HSET failed", inner)

	wrapped := fmt.Errorf("writing subscription: %w", appErr)

	var got *AppError
	if !errors.As(wrapped, &got) {
		t.Fatal("errors.As should find the AppError through the wrap")
	}
	if got.Code != ErrCodeInternalStore {
		t.Errorf("code = %s", got.Code)
	}
	if !errors.Is(wrapped, inner) {
		t.Error("errors.Is should reach the innermost error")
	}
}

func TestAppError_ErrorString(t *testing.T) {
	appErr := NewAppError(ErrCodePermissionCredits, "credit balance exhausted for the current period", nil)
	want := "permission_credits_exhausted: credit balance exhausted for the current period"
	if appErr.Error() != want {
		t.Errorf("Error() = %q, want %q", appErr.Error(), want)
	}
}

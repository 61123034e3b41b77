// Package errors tests for the sync error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrNetwork, Message: "push failed", Err: errors.New("connection reset")},
			want:     "[NETWORK_ERROR] push failed: connection reset",
		},
		{
			name:     "formatted message",
			appError: Newf(ErrQueueExhausted, "entry %d exhausted", 7),
			want:     "[QUEUE_EXHAUSTED] entry 7 exhausted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestIs_WalksChain verifies codes are found through fmt wrapping and nested AppErrors.
func TestIs_WalksChain(t *testing.T) {
	inner := New(ErrAuthExpired, "token expired")
	outer := Wrap(ErrNetwork, "request failed", inner)
	wrapped := fmt.Errorf("push: %w", outer)

	if !Is(wrapped, ErrNetwork) {
		t.Error("expected outer code to match")
	}
	if !Is(wrapped, ErrAuthExpired) {
		t.Error("expected nested code to match")
	}
	if Is(wrapped, ErrValidation) {
		t.Error("unexpected validation match")
	}
	if Is(nil, ErrNetwork) {
		t.Error("nil error must not match")
	}
	if Is(errors.New("plain"), ErrNetwork) {
		t.Error("plain error must not match")
	}
}

// TestClassifiers verifies the taxonomy helpers.
func TestClassifiers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"network", New(ErrNetwork, "x"), IsNetwork},
		{"validation", New(ErrValidation, "x"), IsValidation},
		{"conflict", New(ErrVersionConflict, "x"), IsConflict},
		{"auth", New(ErrAuthExpired, "x"), IsAuthExpired},
		{"exhausted", New(ErrQueueExhausted, "x"), IsExhausted},
		{"retryable network", New(ErrNetwork, "x"), Retryable},
		{"retryable offline", New(ErrOffline, "x"), Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("classifier rejected %v", tt.err)
			}
		})
	}

	if Retryable(New(ErrValidation, "bad")) {
		t.Error("validation errors must not be retryable")
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("wrap: %w", New(ErrVersionConflict, "stale"))); got != ErrVersionConflict {
		t.Errorf("CodeOf() = %q, want %q", got, ErrVersionConflict)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}

// TestAppError_Unwrap verifies errors.Is sees through AppError.
func TestAppError_Unwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := Wrap(ErrDatabase, "query failed", sentinel)
	if !errors.Is(err, sentinel) {
		t.Error("expected errors.Is to find sentinel")
	}
}

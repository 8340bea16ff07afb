package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeBadAddress, "unknown address")
	if err.Code != ErrCodeBadAddress {
		t.Errorf("Code = %v", err.Code)
	}
	if err.Category != CategoryInput {
		t.Errorf("Category = %v, want input", err.Category)
	}
	if err.WireCode != 10 {
		t.Errorf("WireCode = %d, want 10", err.WireCode)
	}
}

func TestError_Format(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeBadName, "unknown application").
		WithComponent("context").WithOperation("start_application")
	want := "[context:start_application] BAD_NAME: unknown application"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection refused")
	err := NewError(ErrCodeAbnormalTermination, "start failed").WithCause(cause)

	if !stderrors.Is(err, NewError(ErrCodeAbnormalTermination, "different message")) {
		t.Error("errors.Is should match on code")
	}
	if stderrors.Is(err, NewError(ErrCodeBadName, "start failed")) {
		t.Error("errors.Is should not match a different code")
	}
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeBadAddress, CategoryInput},
		{ErrCodeBadStrategy, CategoryInput},
		{ErrCodeBadSupvisorsState, CategoryPrecondition},
		{ErrCodeAlreadyInProgress, CategoryPrecondition},
		{ErrCodeAbnormalTermination, CategoryOutcome},
		{ErrCodeInternal, CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestGetDefaultHTTPStatus(t *testing.T) {
	t.Parallel()

	if got := GetDefaultHTTPStatus(ErrCodeBadName); got != 400 {
		t.Errorf("status = %d, want 400", got)
	}
	if got := GetDefaultHTTPStatus(ErrCodeAlreadyStarted); got != 409 {
		t.Errorf("status = %d, want 409", got)
	}
	if got := GetDefaultHTTPStatus(ErrCodeInternal); got != 500 {
		t.Errorf("status = %d, want 500", got)
	}
}

func TestWireCodes_Unique(t *testing.T) {
	t.Parallel()

	seen := make(map[int]ErrorCode)
	for code, wire := range wireCodes {
		if previous, ok := seen[wire]; ok {
			t.Errorf("wire code %d shared by %v and %v", wire, previous, code)
		}
		seen[wire] = code
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	if got := CodeOf(NewError(ErrCodeNotRunning, "stopped")); got != ErrCodeNotRunning {
		t.Errorf("CodeOf = %v", got)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrCodeInternal {
		t.Errorf("CodeOf(plain) = %v, want INTERNAL_ERROR", got)
	}
}

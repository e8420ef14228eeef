package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// CapacityError Tests
// -----------------------------------------------------------------------------

func TestNewCapacityError(t *testing.T) {
	err := NewCapacityError("requests: need 11, have 10").WithNeeded(11, 0)

	if err.Reason != "requests: need 11, have 10" {
		t.Errorf("Reason = %q", err.Reason)
	}
	if err.RequestsNeeded != 11 || err.LLMNeeded != 0 {
		t.Errorf("needed = (%d, %d), want (11, 0)", err.RequestsNeeded, err.LLMNeeded)
	}
	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
	if err.Severity() != SeverityWarning {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityWarning)
	}
	if got, want := err.Error(), "capacity exhausted: requests: need 11, have 10"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCapacityError_Is(t *testing.T) {
	err := NewCapacityError("llm: need 1, have 0")

	if !errors.Is(err, ErrCapacityExhausted) {
		t.Error("errors.Is(err, ErrCapacityExhausted) = false, want true")
	}
	if !errors.Is(err, &CapacityError{}) {
		t.Error("errors.Is(err, &CapacityError{}) = false, want true")
	}
	if errors.Is(err, ErrQueueTimeout) {
		t.Error("errors.Is(err, ErrQueueTimeout) = true, want false")
	}

	wrapped := fmt.Errorf("reserve: %w", err)
	var capErr *CapacityError
	if !errors.As(wrapped, &capErr) {
		t.Fatal("errors.As should find CapacityError through wrapping")
	}
	if capErr.Reason != "llm: need 1, have 0" {
		t.Errorf("Reason = %q", capErr.Reason)
	}
}

// -----------------------------------------------------------------------------
// LeaseError Tests
// -----------------------------------------------------------------------------

func TestLeaseError(t *testing.T) {
	tests := []struct {
		name    string
		cause   error
		leaseID string
		want    string
	}{
		{
			name:    "not found with id",
			cause:   ErrLeaseNotFound,
			leaseID: "abc",
			want:    "lease error [lease=abc]: lease not found",
		},
		{
			name:  "double release without id",
			cause: ErrDoubleRelease,
			want:  "lease error: lease already released",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewLeaseError(tt.cause)
			if tt.leaseID != "" {
				err = err.WithLeaseID(tt.leaseID)
			}
			if got := err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if !errors.Is(err, tt.cause) {
				t.Errorf("errors.Is(err, %v) = false, want true", tt.cause)
			}
			if err.IsRetryable() {
				t.Error("lease errors must not be retryable")
			}
			if err.Severity() != SeverityCritical {
				t.Errorf("Severity() = %v, want critical", err.Severity())
			}
		})
	}
}

// -----------------------------------------------------------------------------
// OwnershipError Tests
// -----------------------------------------------------------------------------

func TestOwnershipError(t *testing.T) {
	err := NewOwnershipError("refactor-auth", "sess-a-4121", 4121)

	want := "ownership error [task=refactor-auth, owner=sess-a-4121, pid=4121]: task owned by another instance"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrOwnershipConflict) {
		t.Error("errors.Is(err, ErrOwnershipConflict) = false, want true")
	}
	if err.IsRetryable() {
		t.Error("IsRetryable() = true, want false")
	}

	notOwner := NewOwnershipError("t", "other", 0).WithCause(ErrNotOwner)
	if !errors.Is(notOwner, ErrNotOwner) {
		t.Error("errors.Is(notOwner, ErrNotOwner) = false, want true")
	}
	if errors.Is(notOwner, ErrOwnershipConflict) {
		t.Error("WithCause should replace the sentinel")
	}
}

// -----------------------------------------------------------------------------
// Semantic Error Tests
// -----------------------------------------------------------------------------

func TestValidationError(t *testing.T) {
	err := NewValidationError("unit counts must be non-negative").WithField("requests").WithValue(-1)

	want := "validation error [field=requests, value=-1]: unit counts must be non-negative"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("errors.Is(err, ErrInvalidInput) = false, want true")
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("waiting for capacity", 20*time.Second).
		WithCause(ErrQueueTimeout).
		WithLastReason("llm: need 2, have 0")

	if !errors.Is(err, ErrQueueTimeout) {
		t.Error("errors.Is(err, ErrQueueTimeout) = false, want true")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false, want true")
	}
	if !strings.Contains(err.Error(), "timeout: 20s") {
		t.Errorf("Error() = %q, should include duration", err.Error())
	}
	if !strings.Contains(err.Error(), "llm: need 2, have 0") {
		t.Errorf("Error() = %q, should include last reason", err.Error())
	}
}

// -----------------------------------------------------------------------------
// Classification Tests
// -----------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"capacity", NewCapacityError("requests: need 1, have 0"), true},
		{"queue timeout", NewTimeoutError("wait", time.Second).WithCause(ErrQueueTimeout), true},
		{"wrapped capacity sentinel", fmt.Errorf("x: %w", ErrCapacityExhausted), true},
		{"canceled", ErrCanceled, false},
		{"wrapped canceled", fmt.Errorf("acquire: %w", ErrCanceled), false},
		{"lease", NewLeaseError(ErrDoubleRelease), false},
		{"ownership", NewOwnershipError("t", "o", 1), false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("acquire: %w", ErrCanceled), true},
		{"ownership", NewOwnershipError("t", "o", 1), true},
		{"double release", NewLeaseError(ErrDoubleRelease), true},
		{"capacity", NewCapacityError("requests: need 1, have 0"), false},
		{"timeout", NewTimeoutError("wait", time.Second).WithCause(ErrQueueTimeout), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.err); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSeverityAndUserFacing(t *testing.T) {
	if got := GetSeverity(nil); got != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v, want debug", got)
	}
	if got := GetSeverity(NewLeaseError(ErrLeaseNotFound)); got != SeverityCritical {
		t.Errorf("GetSeverity(lease) = %v, want critical", got)
	}
	if got := GetSeverity(errors.New("x")); got != SeverityError {
		t.Errorf("GetSeverity(plain) = %v, want error", got)
	}
	if got := GetSeverity(ErrCanceled); got != SeverityInfo {
		t.Errorf("GetSeverity(canceled) = %v, want info", got)
	}

	if IsUserFacing(NewLeaseError(ErrLeaseNotFound)) {
		t.Error("lease errors are internal, IsUserFacing() = true")
	}
	if !IsUserFacing(NewCapacityError("r")) {
		t.Error("IsUserFacing(capacity) = false, want true")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}

	err := Wrapf(ErrStateCorrupted, "read %s", "instances.json")
	if got, want := err.Error(), "read instances.json: coordination state corrupted"; got != want {
		t.Errorf("Wrapf() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrStateCorrupted) {
		t.Error("Wrapf should preserve the chain")
	}
}

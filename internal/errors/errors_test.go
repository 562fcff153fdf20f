package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

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
// LockError Tests
// -----------------------------------------------------------------------------

func TestNewLockError(t *testing.T) {
	err := NewLockError("release refused", ErrNotHolder)

	if err.Severity() != SeverityError {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityError)
	}
	if err.IsRetryable() {
		t.Error("IsRetryable() = true, want false")
	}
	if !err.IsUserFacing() {
		t.Error("IsUserFacing() = false, want true")
	}
	if !errors.Is(err, ErrNotHolder) {
		t.Error("errors.Is(err, ErrNotHolder) = false, want true")
	}
}

func TestLockError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *LockError
		want string
	}{
		{
			name: "no context",
			err:  NewLockError("refused", nil),
			want: "lock error: refused",
		},
		{
			name: "path and agent",
			err:  NewLockError("refused", ErrConflict).WithPath("notes.md").WithAgent("A"),
			want: "lock error [path=notes.md, agent=A]: refused: path is in conflict",
		},
		{
			name: "path only",
			err:  NewLockError("refused", nil).WithPath("tasks/t1.md"),
			want: "lock error [path=tasks/t1.md]: refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLockError_As(t *testing.T) {
	wrapped := fmt.Errorf("acquire: %w", NewLockError("refused", ErrConflict).WithPath("a.md"))

	var lockErr *LockError
	if !errors.As(wrapped, &lockErr) {
		t.Fatal("errors.As should find LockError")
	}
	if lockErr.Path != "a.md" {
		t.Errorf("Path = %q, want %q", lockErr.Path, "a.md")
	}
	if !errors.Is(wrapped, ErrConflict) {
		t.Error("wrapped error should match ErrConflict")
	}
}

// -----------------------------------------------------------------------------
// WorkspaceError Tests
// -----------------------------------------------------------------------------

func TestWorkspaceError_Error(t *testing.T) {
	cause := errors.New("permission denied")
	err := NewWorkspaceError("write failed", cause).WithOp("write").WithPath("shared/x.json")

	want := "workspace error [op=write, path=shared/x.json]: write failed: permission denied"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if IsUserFacing(err) {
		t.Error("workspace errors should not be user facing")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should match the cause")
	}
	if !errors.Is(err, &WorkspaceError{}) {
		t.Error("errors.Is should match by type")
	}
}

// -----------------------------------------------------------------------------
// Semantic Error Tests
// -----------------------------------------------------------------------------

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("file", "tasks/t1.md")
	if got, want := err.Error(), "file 'tasks/t1.md' not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	withCause := NewNotFoundError("file", "x").WithCause(errors.New("gone"))
	if got, want := withCause.Error(), "file 'x' not found: gone"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if GetSeverity(err) != SeverityWarning {
		t.Errorf("GetSeverity() = %v, want %v", GetSeverity(err), SeverityWarning)
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("agent cannot be empty").WithField("agent").WithValue("")

	if !errors.Is(err, ErrInvalidInput) {
		t.Error("ValidationError should match ErrInvalidInput")
	}
	want := "validation error [field=agent, value=]: agent cannot be empty"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("waiting for snapshot lock", 5*time.Second)

	if got, want := err.Error(), "timeout error: waiting for snapshot lock (timeout: 5s)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}
	if !IsRetryable(err) {
		t.Error("TimeoutError should be retryable")
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
		{"plain error", errors.New("x"), false},
		{"wrapped timeout sentinel", fmt.Errorf("op: %w", ErrTimeout), true},
		{"lock error default", NewLockError("x", nil), false},
		{"lock error retryable", NewLockError("x", nil).WithRetryable(true), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	if got := GetSeverity(nil); got != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v, want %v", got, SeverityDebug)
	}
	if got := GetSeverity(errors.New("x")); got != SeverityError {
		t.Errorf("GetSeverity(plain) = %v, want %v", got, SeverityError)
	}
	crit := NewLockError("x", nil).WithSeverity(SeverityCritical)
	if got := GetSeverity(fmt.Errorf("wrap: %w", crit)); got != SeverityCritical {
		t.Errorf("GetSeverity(wrapped critical) = %v, want %v", got, SeverityCritical)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("x"), false},
		{"lock error", NewLockError("x", ErrConflict), true},
		{"workspace error", NewWorkspaceError("write failed", errors.New("disk full")), false},
		{"wrapped not found", fmt.Errorf("read: %w", NewNotFoundError("file", "a.md")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkspaceError_WithSeverity(t *testing.T) {
	err := NewWorkspaceError("workspace is closed", ErrManagerClosed).WithSeverity(SeverityInfo)
	if !errors.Is(err, ErrManagerClosed) {
		t.Error("should match its cause")
	}
	if got := GetSeverity(err); got != SeverityInfo {
		t.Errorf("GetSeverity() = %v, want %v", got, SeverityInfo)
	}
}

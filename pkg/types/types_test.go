package types

import (
	"errors"
	"testing"
)

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(KindProvisioning, "sbx-1", "Create", cause)

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
}

func TestIsKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		want bool
	}{
		{"matching kind", NewError(KindUnknown, "sbx-1", "Execute", errors.New("x")), KindUnknown, true},
		{"mismatched kind", NewError(KindUnknown, "sbx-1", "Execute", errors.New("x")), KindClosed, false},
		{"plain error", errors.New("plain"), KindUnknown, false},
		{"nil error", nil, KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsKind(tt.err, tt.kind); got != tt.want {
				t.Errorf("IsKind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindProvisioning, "provisioning"},
		{KindSessionStart, "session_start"},
		{KindUnknown, "unknown"},
		{KindClosed, "closed"},
		{KindAccessDenied, "access_denied"},
		{KindNotFound, "not_found"},
		{KindInstallFailed, "install_failed"},
		{KindExecuteInternal, "execute_internal"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}

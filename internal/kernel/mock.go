package kernel

import (
	"context"
	"time"

	"github.com/ajaxzhan/sandboxd/pkg/types"
)

// Interface is the surface sandbox.Service depends on, satisfied by both
// *Session and Mock below.
type Interface interface {
	Execute(ctx context.Context, code string, timeout time.Duration) (*types.ExecutionRecord, error)
	Install(ctx context.Context, pkg string, timeout time.Duration) (*types.InstallResult, error)
	Shutdown() error
}

var _ Interface = (*Session)(nil)

// Mock is a test double for Interface with overridable hooks, in the style
// of this codebase's runtime test doubles: a field per operation, nil
// meaning "use the zero-value default behavior."
type Mock struct {
	OnExecute  func(ctx context.Context, code string, timeout time.Duration) (*types.ExecutionRecord, error)
	OnInstall  func(ctx context.Context, pkg string, timeout time.Duration) (*types.InstallResult, error)
	OnShutdown func() error

	ShutdownCalled bool
}

func (m *Mock) Execute(ctx context.Context, code string, timeout time.Duration) (*types.ExecutionRecord, error) {
	if m.OnExecute != nil {
		return m.OnExecute(ctx, code, timeout)
	}
	return &types.ExecutionRecord{Stdout: []string{}, Stderr: []string{}, Results: []types.Result{}}, nil
}

func (m *Mock) Install(ctx context.Context, pkg string, timeout time.Duration) (*types.InstallResult, error) {
	if m.OnInstall != nil {
		return m.OnInstall(ctx, pkg, timeout)
	}
	return &types.InstallResult{Success: true, Message: "installed"}, nil
}

func (m *Mock) Shutdown() error {
	m.ShutdownCalled = true
	if m.OnShutdown != nil {
		return m.OnShutdown()
	}
	return nil
}

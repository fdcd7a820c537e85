package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ajaxzhan/sandboxd/internal/kernel"
	"github.com/ajaxzhan/sandboxd/internal/provision"
	"github.com/ajaxzhan/sandboxd/pkg/types"
)

func newTestService(t *testing.T, factory SessionFactory) *Service {
	t.Helper()
	p := provision.NewProvisioner(t.TempDir(), nil)
	p.PythonPath = "/bin/true" // stand-in venv builder: no real python3 needed

	return New(p, factory, Config{
		ExecuteTimeout: time.Second,
		InstallTimeout: time.Second,
		IdleBudget:     time.Hour,
		SweepInterval:  time.Hour,
	})
}

func mockFactory(ctx context.Context, sandboxID, workDir, envDir string) (kernel.Interface, error) {
	return &kernel.Mock{}, nil
}

func TestService_CreateThenExecute(t *testing.T) {
	s := newTestService(t, mockFactory)

	id, err := s.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	record, err := s.Execute(context.Background(), id, "print('hi')")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record == nil {
		t.Fatal("expected a non-nil execution record")
	}
}

func TestService_ExecuteUnknownSandboxReturnsUnknown(t *testing.T) {
	s := newTestService(t, mockFactory)

	_, err := s.Execute(context.Background(), "no-such-id", "1+1")
	if !types.IsKind(err, types.KindUnknown) {
		t.Errorf("expected KindUnknown, got %v", err)
	}
}

func TestService_CreateFailureTearsDownPartialState(t *testing.T) {
	s := newTestService(t, func(ctx context.Context, sandboxID, workDir, envDir string) (kernel.Interface, error) {
		return nil, types.NewError(types.KindSessionStart, sandboxID, "Start", context.DeadlineExceeded)
	})

	_, err := s.Create(context.Background())
	if !types.IsKind(err, types.KindSessionStart) {
		t.Fatalf("expected KindSessionStart, got %v", err)
	}

	if got := s.ListSandboxes(); len(got) != 0 {
		t.Errorf("expected no sandboxes registered after a failed Create, got %d", len(got))
	}
}

func TestService_CloseTearsDownSession(t *testing.T) {
	mock := &kernel.Mock{}
	s := newTestService(t, func(ctx context.Context, sandboxID, workDir, envDir string) (kernel.Interface, error) {
		return mock, nil
	})

	id, err := s.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Close(id); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := s.Execute(context.Background(), id, "1+1"); !types.IsKind(err, types.KindUnknown) {
		t.Errorf("expected KindUnknown immediately after Close returns, got %v", err)
	}

	if err := s.Close(id); !types.IsKind(err, types.KindUnknown) {
		t.Errorf("expected second Close to report KindUnknown, got %v", err)
	}

	deadline := time.After(time.Second)
	for !mock.ShutdownCalled {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for background session shutdown after Close")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestService_UploadListDownloadRoundTrip(t *testing.T) {
	s := newTestService(t, mockFactory)

	id, err := s.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.Upload(id, strings.NewReader("hello"), "greeting.txt", ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	entries, err := s.ListFiles(id)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "greeting.txt" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	if _, err := s.Download(id, "greeting.txt"); err != nil {
		t.Fatalf("Download: %v", err)
	}
}

func TestService_ListSandboxes(t *testing.T) {
	s := newTestService(t, mockFactory)

	id1, _ := s.Create(context.Background())
	id2, _ := s.Create(context.Background())

	got := s.ListSandboxes()
	if _, ok := got[id1]; !ok {
		t.Errorf("expected %s in ListSandboxes", id1)
	}
	if _, ok := got[id2]; !ok {
		t.Errorf("expected %s in ListSandboxes", id2)
	}
}

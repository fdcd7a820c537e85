package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ajaxzhan/sandboxd/internal/kernel"
	"github.com/ajaxzhan/sandboxd/internal/provision"
	"github.com/ajaxzhan/sandboxd/internal/sandbox"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	p := provision.NewProvisioner(t.TempDir(), nil)
	p.PythonPath = "/bin/true"

	svc := sandbox.New(p, func(ctx context.Context, sandboxID, workDir, envDir string) (kernel.Interface, error) {
		return &kernel.Mock{}, nil
	}, sandbox.Config{
		ExecuteTimeout: time.Second,
		InstallTimeout: time.Second,
		IdleBudget:     time.Hour,
		SweepInterval:  time.Hour,
	})
	return New(svc)
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestServer_CreateExecuteClose(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sandboxes", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		SandboxID string `json:"sandbox_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.SandboxID == "" {
		t.Fatal("expected a non-empty sandbox_id")
	}

	body, _ := json.Marshal(map[string]string{"code": "1+1"})
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sandboxes/"+created.SandboxID+"/execute", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("execute status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sandboxes/"+created.SandboxID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("close status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_ExecuteUnknownSandboxIs404(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"code": "1+1"})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sandboxes/does-not-exist/execute", bytes.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_CloseUnknownSandboxIs404(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sandboxes/does-not-exist", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sandboxes", nil))
	var created struct {
		SandboxID string `json:"sandbox_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)

	s.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/sandboxes/"+created.SandboxID, nil))

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sandboxes/"+created.SandboxID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double-close status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_UploadListDownload(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sandboxes", nil))
	var created struct {
		SandboxID string `json:"sandbox_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("hello sandbox"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/sandboxes/"+created.SandboxID+"/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandboxes/"+created.SandboxID+"/files", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list_files status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandboxes/"+created.SandboxID+"/download?file_path=notes.txt", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if disp := rec.Header().Get("Content-Disposition"); disp == "" {
		t.Error("expected a Content-Disposition header")
	}
}

func TestServer_DownloadTraversalIsForbidden(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sandboxes", nil))
	var created struct {
		SandboxID string `json:"sandbox_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandboxes/"+created.SandboxID+"/download?file_path=../../etc/passwd", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_ListSandboxes(t *testing.T) {
	s := newTestServer(t)

	s.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/sandboxes", nil))

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sandboxes", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list_sandboxes status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var got map[string]struct {
		CreatedAt time.Time `json:"created_at"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 sandbox, got %d", len(got))
	}
}

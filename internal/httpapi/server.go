// Package httpapi is the external RPC facade: a stdlib net/http JSON
// translation of sandbox.Service's operation set.
package httpapi

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/ajaxzhan/sandboxd/internal/logging"
	"github.com/ajaxzhan/sandboxd/internal/metrics"
	"github.com/ajaxzhan/sandboxd/internal/sandbox"
	"github.com/ajaxzhan/sandboxd/pkg/types"
)

// Server wires sandbox.Service into an http.Handler.
type Server struct {
	svc *sandbox.Service
	mux *http.ServeMux
}

// New builds a Server with every route registered.
func New(svc *sandbox.Service) *Server {
	s := &Server{svc: svc, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /sandboxes", s.handleCreate)
	s.mux.HandleFunc("GET /sandboxes", s.handleListSandboxes)
	s.mux.HandleFunc("DELETE /sandboxes/{id}", s.handleClose)
	s.mux.HandleFunc("POST /sandboxes/{id}/execute", s.handleExecute)
	s.mux.HandleFunc("POST /sandboxes/{id}/install", s.handleInstall)
	s.mux.HandleFunc("POST /sandboxes/{id}/upload", s.handleUpload)
	s.mux.HandleFunc("GET /sandboxes/{id}/files", s.handleListFiles)
	s.mux.HandleFunc("GET /sandboxes/{id}/download", s.handleDownload)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.Create(r.Context())
	if err != nil {
		logging.Error("create failed", logging.Err(err))
		writeError(w, err)
		return
	}
	metrics.SandboxesCreated.Inc()
	metrics.SandboxesLive.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"sandbox_id": id})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	record, err := s.svc.Execute(r.Context(), id, body.Code)
	if err != nil {
		metrics.Executions.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	metrics.Executions.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		PackageName string `json:"package_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := s.svc.Install(r.Context(), id, body.PackageName)
	if err != nil {
		metrics.InstallAttempts.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	metrics.InstallAttempts.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart body"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file field"})
		return
	}
	defer file.Close()

	relPath := r.FormValue("file_path")

	path, err := s.svc.Upload(id, file, relPath, headerFilename(header))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file_path": path})
}

func headerFilename(h *multipart.FileHeader) string {
	if h == nil {
		return ""
	}
	return h.Filename
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	entries, err := s.svc.ListFiles(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	relPath := r.URL.Query().Get("file_path")

	path, err := s.svc.Download(id, relPath)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(path)+"\"")
	http.ServeFile(w, r, path)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.svc.Close(id); err != nil {
		writeError(w, err)
		return
	}
	metrics.SandboxesClosed.Inc()
	metrics.SandboxesLive.Dec()
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "message": "sandbox " + id + " is shutting down"})
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ListSandboxes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("failed to encode response", logging.Err(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case types.IsKind(err, types.KindUnknown), types.IsKind(err, types.KindClosed), types.IsKind(err, types.KindNotFound):
		return http.StatusNotFound
	case types.IsKind(err, types.KindAccessDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Package api exposes the Download Manager over the spec's HTTP surface
// (JSON under /api/v1) and the WebSocket event stream at /api/v1/ws.
//
// Grounded on internal/api/server.go's ControlServer: a chi.Mux built
// once in a constructor, a fixed middleware chain (request logging,
// panic recovery), and one handler method per route pasting request
// fields onto the underlying engine. The token-auth and localhost-only
// security middleware is dropped (no AI-assistant feature flag in this
// rewrite's scope; the control surface here is the application's only
// front door, not an optional side channel) and replaced with a CORS
// middleware reading server.cors_origins from config, since this server
// is meant to be reachable from a browser-hosted frontend instead of only
// loopback tools.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tachyon/internal/config"
	"tachyon/internal/filetask"
	"tachyon/internal/foldergroup"
	"tachyon/internal/manager"
	"tachyon/internal/netdiskport"
	"tachyon/internal/security"
	"tachyon/internal/storage"
)

// Server serves the control-plane HTTP and WebSocket API over one
// Download Manager instance.
type Server struct {
	mgr    *manager.Manager
	logger *slog.Logger
	cors   []string
	audit  *security.AuditLogger
	router *chi.Mux
	http   *http.Server
}

// New constructs a Server; call ListenAndServe to start accepting
// connections. audit may be nil, in which case no access log is kept.
func New(mgr *manager.Manager, cfg config.Server, logger *slog.Logger, audit *security.AuditLogger) *Server {
	s := &Server{mgr: mgr, logger: logger, cors: cfg.CORSOrigins, audit: audit}
	s.router = chi.NewRouter()
	s.setupRoutes()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// ListenAndServe blocks serving the API; it returns http.ErrServerClosed
// after a clean Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api: listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server. Hijacked WebSocket
// connections are not tracked by http.Server and are not closed here.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if s.audit != nil {
		s.router.Use(s.audit.Middleware)
	}
	s.router.Use(s.corsMiddleware)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/downloads", s.handleCreateFile)
		r.Post("/downloads/folder", s.handleCreateFolder)
		r.Post("/downloads/batch", s.handleCreateBatch)

		r.Get("/downloads", s.handleListFiles)
		r.Get("/downloads/all", s.handleListAll)
		r.Get("/downloads/folders", s.handleListFolders)

		r.Delete("/downloads/clear/completed", s.handleClearCompleted)
		r.Delete("/downloads/clear/failed", s.handleClearFailed)

		r.Get("/downloads/folder/{id}", s.handleGetFolder)
		r.Post("/downloads/folder/{id}/pause", s.handlePauseFolder)
		r.Post("/downloads/folder/{id}/resume", s.handleResumeFolder)
		r.Delete("/downloads/folder/{id}", s.handleDeleteFolder)

		r.Get("/downloads/{id}", s.handleGetTask)
		r.Post("/downloads/{id}/pause", s.handlePauseTask)
		r.Post("/downloads/{id}/resume", s.handleResumeTask)
		r.Delete("/downloads/{id}", s.handleDeleteTask)

		r.Get("/analytics", s.handleAnalytics)

		r.Post("/diagnostics/speedtest", s.handleRunSpeedTest)
		r.Get("/diagnostics/speedtest", s.handleRecentSpeedTests)

		r.Get("/ws", s.handleWebSocket)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cors {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// envelope is the spec's standard response shape: code 0 means success.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeOK(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, envelope{Code: 0, Message: "ok", Data: data})
}

func writeErr(w http.ResponseWriter, httpStatus, code int, message string) {
	writeEnvelope(w, httpStatus, envelope{Code: code, Message: message})
}

func writeEnvelope(w http.ResponseWriter, httpStatus int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(env)
}

// ---- create ----

type createFileRequest struct {
	FsID       string `json:"fs_id"`
	RemotePath string `json:"remote_path"`
	Filename   string `json:"filename"`
	TotalSize  int64  `json:"total_size"`
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req createFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, 1, "invalid request body: "+err.Error())
		return
	}
	handle := netdiskport.FileHandle{FsID: req.FsID, RemotePath: req.RemotePath, Size: req.TotalSize}
	id, err := s.mgr.CreateFileTask(handle, req.Filename)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, 1, err.Error())
		return
	}
	writeOK(w, map[string]string{"task_id": id})
}

type createFolderRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, 1, "invalid request body: "+err.Error())
		return
	}
	id, err := s.mgr.CreateFolderTask(req.Path)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, 1, err.Error())
		return
	}
	writeOK(w, map[string]string{"group_id": id})
}

type batchItemRequest struct {
	FsID       string `json:"fs_id"`
	RemotePath string `json:"remote_path"`
	Filename   string `json:"filename"`
	TotalSize  int64  `json:"total_size"`
	IsDir      bool   `json:"is_dir"`
}

type batchRequest struct {
	Items     []batchItemRequest `json:"items"`
	TargetDir string             `json:"target_dir"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, 1, "invalid request body: "+err.Error())
		return
	}

	items := make([]manager.BatchItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, manager.BatchItem{
			Handle:   netdiskport.FileHandle{FsID: it.FsID, RemotePath: it.RemotePath, Size: it.TotalSize},
			Filename: it.Filename,
			IsDir:    it.IsDir,
		})
	}
	result := s.mgr.CreateBatch(items, req.TargetDir)

	failed := make([]map[string]string, 0, len(result.Failed))
	for _, f := range result.Failed {
		failed = append(failed, map[string]string{"path": f.Path, "reason": f.Reason})
	}
	writeOK(w, map[string]any{
		"task_ids":        result.CreatedFileIDs,
		"folder_task_ids": result.CreatedFolderIDs,
		"failed":          failed,
	})
}

// ---- list/inspect ----

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files := s.mgr.ListFiles()
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		out = append(out, fileEntryDTO(f))
	}
	writeOK(w, out)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders := s.mgr.ListFolders()
	out := make([]map[string]any, 0, len(folders))
	for _, f := range folders {
		out = append(out, folderEntryDTO(f))
	}
	writeOK(w, out)
}

func (s *Server) handleListAll(w http.ResponseWriter, r *http.Request) {
	mixed := s.mgr.ListAllMixed()
	out := make([]map[string]any, 0, len(mixed))
	for _, e := range mixed {
		out = append(out, map[string]any{
			"kind": e.Kind, "id": e.ID, "filename": e.Filename, "status": e.Status,
			"total_size": e.TotalSize, "downloaded_size": e.DownloadedSize,
			"speed": e.Speed, "created_at": e.CreatedAt,
		})
	}
	writeOK(w, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.mgr.GetTask(id)
	if !ok {
		writeErr(w, http.StatusNotFound, 2, "task not found")
		return
	}
	writeOK(w, taskSnapshotDTO(id, snap))
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.mgr.GetFolder(id)
	if !ok {
		writeErr(w, http.StatusNotFound, 2, "folder group not found")
		return
	}
	writeOK(w, folderSnapshotDTO(snap))
}

// ---- pause/resume/delete ----

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.mutateTask(w, r, s.mgr.PauseTask)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.mutateTask(w, r, s.mgr.ResumeTask)
}

func (s *Server) mutateTask(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		writeErr(w, http.StatusBadRequest, 1, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleteFile := r.URL.Query().Get("delete_file") == "true"
	if err := s.mgr.DeleteTask(id, deleteFile); err != nil {
		writeErr(w, http.StatusBadRequest, 1, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) handlePauseFolder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.PauseFolder(id); err != nil {
		writeErr(w, http.StatusBadRequest, 1, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleResumeFolder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mgr.ResumeFolder(id); err != nil {
		writeErr(w, http.StatusBadRequest, 1, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleteFiles := r.URL.Query().Get("delete_files") == "true"
	if err := s.mgr.CancelFolder(id, deleteFiles); err != nil {
		writeErr(w, http.StatusBadRequest, 1, err.Error())
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]int{"removed": s.mgr.ClearCompleted()})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]int{"removed": s.mgr.ClearFailed()})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.mgr.Stats().Snapshot())
}

func (s *Server) handleRunSpeedTest(w http.ResponseWriter, r *http.Request) {
	result, err := s.mgr.RunSpeedTest(r.Context())
	if err != nil {
		writeErr(w, http.StatusBadGateway, 3, err.Error())
		return
	}
	writeOK(w, result)
}

func (s *Server) handleRecentSpeedTests(w http.ResponseWriter, r *http.Request) {
	results, err := s.mgr.RecentSpeedTests(10)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, 1, err.Error())
		return
	}
	if results == nil {
		results = []storage.SpeedTestHistory{}
	}
	writeOK(w, results)
}

// ---- DTOs ----

func fileEntryDTO(f manager.FileEntry) map[string]any {
	return map[string]any{
		"id": f.ID, "filename": f.Filename, "group_id": f.GroupID,
		"status": f.Snapshot.Status, "total_size": f.Snapshot.TotalSize,
		"downloaded_size": f.Snapshot.DownloadedSize, "speed": f.Snapshot.Speed,
		"last_error": f.Snapshot.LastError,
	}
}

func folderEntryDTO(f manager.FolderEntry) map[string]any {
	dto := folderSnapshotDTO(f.Snapshot)
	dto["remote_root"] = f.RemoteRoot
	return dto
}

func taskSnapshotDTO(id string, snap filetask.Snapshot) map[string]any {
	return map[string]any{
		"id": id, "status": snap.Status, "total_size": snap.TotalSize,
		"downloaded_size": snap.DownloadedSize, "speed": snap.Speed,
		"last_error": snap.LastError, "started_at": snap.StartedAt,
		"completed_at": snap.CompletedAt,
	}
}

func folderSnapshotDTO(snap foldergroup.Snapshot) map[string]any {
	return map[string]any{
		"id": snap.ID, "status": snap.Status, "total_files": snap.TotalFiles,
		"completed_count": snap.CompletedCount, "total_size": snap.TotalSize,
		"downloaded_size": snap.DownloadedSize, "scan_completed": snap.ScanCompleted,
	}
}

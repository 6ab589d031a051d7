// Package security provides an HTTP access log independent of the
// request logging middleware.Logger already does: one JSON line per
// request, retained on disk so an operator can answer "who hit this
// endpoint and when" after the fact rather than only tailing live output.
//
// Grounded on the teacher's security.AuditLogger (same JSON-lines file,
// same GetRecentLogs-by-reading-backwards approach), with the
// Wails-event-emission half dropped (no desktop host to push to) and the
// MCP-specific field names generalized to any HTTP route.
package security

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessLogEntry is one logged request.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
}

// AuditLogger appends AccessLogEntry records to a JSON-lines file and
// mirrors them to the application logger.
type AuditLogger struct {
	mu      sync.Mutex
	logFile *os.File
	logPath string
	logger  *slog.Logger
}

// NewAuditLogger opens (creating if needed) <logPath> for append.
func NewAuditLogger(logger *slog.Logger, logPath string) (*AuditLogger, error) {
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &AuditLogger{logFile: f, logPath: logPath, logger: logger}, nil
}

// Log records one request/response pair.
func (a *AuditLogger) Log(sourceIP, userAgent, method, path string, status int) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Method:    method,
		Path:      path,
		Status:    status,
	}

	a.mu.Lock()
	if a.logFile != nil {
		line, _ := json.Marshal(entry)
		a.logFile.Write(append(line, '\n'))
	}
	a.mu.Unlock()

	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "api: access", "method", method, "path", path, "status", status, "ip", sourceIP)
}

// Close flushes and closes the underlying file.
func (a *AuditLogger) Close() error {
	if a.logFile == nil {
		return nil
	}
	return a.logFile.Close()
}

// GetRecentLogs returns up to limit most-recent entries, newest first.
func (a *AuditLogger) GetRecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	content, err := os.ReadFile(a.logPath)
	if err != nil {
		return []AccessLogEntry{}
	}

	lines := strings.Split(string(content), "\n")
	entries := make([]AccessLogEntry, 0, limit)
	for i := len(lines) - 1; i >= 0 && len(entries) < limit; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry AccessLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}

// statusRecorder captures the status code a handler wrote, since
// http.ResponseWriter doesn't expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware wraps an http.Handler, logging every request through Log.
func (a *AuditLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.Log(r.RemoteAddr, r.UserAgent(), r.Method, r.URL.Path, rec.status)
	})
}

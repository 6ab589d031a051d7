package security

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerMiddlewareRecordsRequests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	audit, err := NewAuditLogger(slog.Default(), path)
	require.NoError(t, err)
	defer audit.Close()

	handler := audit.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)

	entries := audit.GetRecentLogs(10)
	require.Len(t, entries, 1)
	assert.Equal(t, http.MethodGet, entries[0].Method)
	assert.Equal(t, "/api/v1/downloads", entries[0].Path)
	assert.Equal(t, http.StatusTeapot, entries[0].Status)
}

func TestAuditLoggerGetRecentLogsOrdersNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	audit, err := NewAuditLogger(slog.Default(), path)
	require.NoError(t, err)
	defer audit.Close()

	audit.Log("127.0.0.1", "ua", http.MethodGet, "/first", 200)
	audit.Log("127.0.0.1", "ua", http.MethodGet, "/second", 200)

	entries := audit.GetRecentLogs(10)
	require.Len(t, entries, 2)
	assert.Equal(t, "/second", entries[0].Path)
	assert.Equal(t, "/first", entries[1].Path)
}

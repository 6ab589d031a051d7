package manager

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon/internal/filetask"
	"tachyon/internal/foldergroup"
	"tachyon/internal/netdiskport"
	"tachyon/internal/storage"
)

func newTestStorage(t *testing.T, dir string) (*storage.Storage, error) {
	t.Helper()
	st, err := storage.NewStorage(filepath.Join(dir, "data"))
	if err == nil {
		t.Cleanup(func() { st.Close() })
	}
	return st, err
}

// testPort resolves every handle to a single test server regardless of
// host, sidestepping Fake's https-scheme synthesis which doesn't fit an
// httptest.Server (always plain HTTP). ListDir delegates to an embedded
// Fake so folder-scan tests can register a remote tree.
type testPort struct {
	*netdiskport.Fake
	url string
}

func newTestPort(url string) *testPort {
	return &testPort{Fake: netdiskport.NewFake(), url: url}
}

func (p *testPort) Resolve(ctx context.Context, handle netdiskport.FileHandle) (netdiskport.ResolvedURL, error) {
	return netdiskport.ResolvedURL{URL: p.url, Host: p.url, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (p *testPort) ForceRefresh(ctx context.Context, handle netdiskport.FileHandle) (netdiskport.ResolvedURL, error) {
	return p.Resolve(ctx, handle)
}

func rangedServer(t *testing.T, content []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		start, end := int64(0), int64(len(content))-1
		if rangeHeader != "" {
			var s, e int64
			_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &s, &e)
			require.NoError(t, err)
			start, end = s, e
		}
		body := content[start : end+1]
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
}

func slowRangedServer(t *testing.T, content []byte, delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		rangeHeader := r.Header.Get("Range")
		start, end := int64(0), int64(len(content))-1
		if rangeHeader != "" {
			var s, e int64
			_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &s, &e)
			require.NoError(t, err)
			start, end = s, e
		}
		body := content[start : end+1]
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *testPort) {
	dir := t.TempDir()
	st, err := newTestStorage(t, dir)
	require.NoError(t, err)

	srv := rangedServer(t, make([]byte, 64*1024))
	t.Cleanup(srv.Close)
	port := newTestPort(srv.URL)

	cfg.DownloadDir = filepath.Join(dir, "downloads")
	walPath := filepath.Join(dir, "wal", "manager.wal")
	require.NoError(t, os.MkdirAll(filepath.Dir(walPath), 0755))

	m, err := New(slog.Default(), st, walPath, port, cfg)
	require.NoError(t, err)
	m.Start(context.Background())
	t.Cleanup(func() { m.Shutdown() })
	return m, port
}

func TestCreateFileTaskRunsToCompletion(t *testing.T) {
	content := make([]byte, 64*1024)
	for i := range content {
		content[i] = byte(i)
	}
	dir := t.TempDir()
	st, err := newTestStorage(t, dir)
	require.NoError(t, err)

	srv := rangedServer(t, content)
	defer srv.Close()
	port := newTestPort(srv.URL)

	walPath := filepath.Join(dir, "wal", "manager.wal")
	require.NoError(t, os.MkdirAll(filepath.Dir(walPath), 0755))
	m, err := New(slog.Default(), st, walPath, port, Config{DownloadDir: filepath.Join(dir, "downloads"), MaxConcurrentTasks: 3})
	require.NoError(t, err)
	m.Start(context.Background())
	defer m.Shutdown()

	id, err := m.CreateFileTask(netdiskport.FileHandle{FsID: "f1", RemotePath: "/a.bin", Size: int64(len(content))}, "a.bin")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := m.GetTask(id)
		return ok && snap.Status == filetask.Completed
	}, 5*time.Second, 20*time.Millisecond)

	got, err := os.ReadFile(filepath.Join(dir, "downloads", "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAdmissionControlQueuesBeyondMaxConcurrent(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrentTasks: 1})

	id1, err := m.CreateFileTask(netdiskport.FileHandle{FsID: "f1", RemotePath: "/a.bin", Size: 64 * 1024}, "a.bin")
	require.NoError(t, err)
	id2, err := m.CreateFileTask(netdiskport.FileHandle{FsID: "f2", RemotePath: "/b.bin", Size: 64 * 1024}, "b.bin")
	require.NoError(t, err)

	snap1, _ := m.GetTask(id1)
	assert.NotEqual(t, filetask.Pending, snap1.Status)

	require.Eventually(t, func() bool {
		snap, ok := m.GetTask(id2)
		return ok && snap.Status == filetask.Completed
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		snap, ok := m.GetTask(id1)
		return ok && snap.Status == filetask.Completed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPauseResumeDeleteTask(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrentTasks: 3})

	id, err := m.CreateFileTask(netdiskport.FileHandle{FsID: "f1", RemotePath: "/a.bin", Size: 64 * 1024}, "a.bin")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.PauseTask(id))
	snap, ok := m.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, filetask.Paused, snap.Status)

	require.NoError(t, m.ResumeTask(id))
	require.Eventually(t, func() bool {
		snap, ok := m.GetTask(id)
		return ok && snap.Status == filetask.Completed
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, m.DeleteTask(id, true))
	_, ok = m.GetTask(id)
	assert.False(t, ok)
}

func TestListAllMixedExcludesGroupedChildrenAndOrdersByCreatedDesc(t *testing.T) {
	m, port := newTestManager(t, Config{MaxConcurrentTasks: 3})

	id1, err := m.CreateFileTask(netdiskport.FileHandle{FsID: "f1", RemotePath: "/a.bin", Size: 64 * 1024}, "a.bin")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	port.AddFile("/movies", netdiskport.DirEntry{FsID: "m1", Name: "x.mkv", RelPath: "x.mkv", Size: 64 * 1024})
	groupID, err := m.CreateFolderTask("/movies")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := m.GetFolder(groupID)
		return ok && snap.ScanCompleted
	}, 2*time.Second, 10*time.Millisecond)

	mixed := m.ListAllMixed()
	var sawFile, sawFolder bool
	for _, e := range mixed {
		if e.ID == id1 {
			sawFile = true
		}
		if e.ID == groupID {
			sawFolder = true
			assert.Equal(t, "folder", e.Kind)
		}
	}
	assert.True(t, sawFile)
	assert.True(t, sawFolder)
	// Exactly the standalone file and the folder appear; the folder's
	// scanned child must not show up a second time as its own entry.
	assert.Len(t, mixed, 2)
	if len(mixed) >= 2 {
		assert.True(t, !mixed[0].CreatedAt.Before(mixed[1].CreatedAt))
	}
}

// TestListEndpointsDoNotDeadlockWithLiveFolderChildren guards against a
// re-entrant lock: foldergroup.Group.Snapshot rolls up live children via
// Manager.ChildProgress, which itself locks m.mu, so anything that snapshots
// a group while holding m.mu must release it first.
func TestListEndpointsDoNotDeadlockWithLiveFolderChildren(t *testing.T) {
	dir := t.TempDir()
	st, err := newTestStorage(t, dir)
	require.NoError(t, err)

	srv := slowRangedServer(t, make([]byte, 256*1024), 50*time.Millisecond)
	t.Cleanup(srv.Close)
	port := newTestPort(srv.URL)
	port.AddFile("/movies", netdiskport.DirEntry{FsID: "m1", Name: "x.mkv", RelPath: "x.mkv", Size: 256 * 1024})

	walPath := filepath.Join(dir, "wal", "manager.wal")
	require.NoError(t, os.MkdirAll(filepath.Dir(walPath), 0755))
	m, err := New(slog.Default(), st, walPath, port, Config{
		DownloadDir:        filepath.Join(dir, "downloads"),
		MaxConcurrentTasks: 3,
	})
	require.NoError(t, err)
	m.Start(context.Background())
	t.Cleanup(func() { m.Shutdown() })

	groupID, err := m.CreateFolderTask("/movies")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := m.GetFolder(groupID)
		return ok && snap.Status == foldergroup.Downloading
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.ListAllMixed()
		m.ListFolders()
		m.ClearCompleted()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("ListAllMixed/ListFolders/ClearCompleted deadlocked against a live folder child")
	}
}

func TestCreateBatchPartialSuccess(t *testing.T) {
	m, port := newTestManager(t, Config{MaxConcurrentTasks: 3})
	port.AddFile("/movies", netdiskport.DirEntry{FsID: "m1", Name: "x.mkv", RelPath: "x.mkv", Size: 64 * 1024})

	items := []BatchItem{
		{Handle: netdiskport.FileHandle{FsID: "f1", RemotePath: "/a.bin", Size: 64 * 1024}, Filename: "a.bin"},
		{Handle: netdiskport.FileHandle{RemotePath: "/movies"}, IsDir: true},
		// Larger than any free disk space, so allocation fails for this item only.
		{Handle: netdiskport.FileHandle{FsID: "f2", RemotePath: "/huge.bin", Size: 1 << 62}, Filename: "huge.bin"},
	}
	result := m.CreateBatch(items, filepath.Join(m.DownloadDir(), "batch"))
	assert.Len(t, result.CreatedFileIDs, 1)
	assert.Len(t, result.CreatedFolderIDs, 1)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "/huge.bin", result.Failed[0].Path)
}

func TestFolderGroupCompletionPropagatesToManager(t *testing.T) {
	m, port := newTestManager(t, Config{MaxConcurrentTasks: 3})
	port.AddFile("/movies", netdiskport.DirEntry{FsID: "m1", Name: "x.mkv", RelPath: "x.mkv", Size: 64 * 1024})

	groupID, err := m.CreateFolderTask("/movies")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := m.GetFolder(groupID)
		return ok && snap.Status == foldergroup.Completed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHostLimitDelegatesToRegistry(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrentTasks: 3})

	assert.Equal(t, 0, m.GetHostLimit("cdn.example.com"))
	m.SetHostLimit("cdn.example.com", 2)
	assert.Equal(t, 2, m.GetHostLimit("cdn.example.com"))
	assert.Equal(t, 0, m.HostLoad("cdn.example.com"))
}

func TestListFilesIncludesGroupedChildren(t *testing.T) {
	m, port := newTestManager(t, Config{MaxConcurrentTasks: 3})
	port.AddFile("/movies", netdiskport.DirEntry{FsID: "m1", Name: "x.mkv", RelPath: "x.mkv", Size: 64 * 1024})

	groupID, err := m.CreateFolderTask("/movies")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		files := m.ListFiles()
		for _, f := range files {
			if f.GroupID == groupID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	folders := m.ListFolders()
	require.Len(t, folders, 1)
	assert.Equal(t, groupID, folders[0].ID)
}

func TestCompletedTaskUpdatesStats(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrentTasks: 3})

	id, err := m.CreateFileTask(netdiskport.FileHandle{FsID: "f1", RemotePath: "/a.bin", Size: 64 * 1024}, "a.bin")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := m.GetTask(id)
		return ok && snap.Status == filetask.Completed
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		total, err := m.Stats().GetLifetimeStats()
		return err == nil && total == 64*1024
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClearCompletedRemovesTerminalTasks(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrentTasks: 3})

	id, err := m.CreateFileTask(netdiskport.FileHandle{FsID: "f1", RemotePath: "/a.bin", Size: 64 * 1024}, "a.bin")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := m.GetTask(id)
		return ok && snap.Status == filetask.Completed
	}, 5*time.Second, 20*time.Millisecond)

	removed := m.ClearCompleted()
	assert.Equal(t, 1, removed)
	_, ok := m.GetTask(id)
	assert.False(t, ok)
}

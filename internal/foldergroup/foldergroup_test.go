package foldergroup

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon/internal/eventbus"
	"tachyon/internal/netdiskport"
)

type stubAdmitter struct {
	mu       sync.Mutex
	nextID   int
	children map[string]ChildDescriptor
	progress map[string]struct {
		total, downloaded int64
		terminal          bool
		status            string
	}
	paused, resumed, cancelled []string
}

func newStubAdmitter() *stubAdmitter {
	return &stubAdmitter{
		children: make(map[string]ChildDescriptor),
		progress: make(map[string]struct {
			total, downloaded int64
			terminal          bool
			status            string
		}),
	}
}

func (s *stubAdmitter) AdmitChild(groupID string, child ChildDescriptor) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := child.RelativePath
	s.children[id] = child
	s.progress[id] = struct {
		total, downloaded int64
		terminal          bool
		status            string
	}{total: child.Handle.Size, downloaded: 0, terminal: false, status: "downloading"}
	return id, nil
}

func (s *stubAdmitter) ChildProgress(taskID string) (int64, int64, bool, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[taskID]
	if !ok {
		return 0, 0, false, "", false
	}
	return p.total, p.downloaded, p.terminal, p.status, true
}

func (s *stubAdmitter) completeChild(taskID string) {
	s.mu.Lock()
	p := s.progress[taskID]
	p.downloaded = p.total
	p.terminal = true
	p.status = "completed"
	s.progress[taskID] = p
	s.mu.Unlock()
}

func (s *stubAdmitter) failChild(taskID string) {
	s.mu.Lock()
	p := s.progress[taskID]
	p.terminal = true
	p.status = "failed"
	s.progress[taskID] = p
	s.mu.Unlock()
}

func (s *stubAdmitter) PauseChild(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = append(s.paused, taskID)
	return nil
}
func (s *stubAdmitter) ResumeChild(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumed = append(s.resumed, taskID)
	return nil
}
func (s *stubAdmitter) CancelChild(taskID string, deleteFile bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, taskID)
	return nil
}

func TestScanAdmitsEachDiscoveredFileAndMarksScanCompleted(t *testing.T) {
	fake := netdiskport.NewFake()
	fake.AddFile("/movies", netdiskport.DirEntry{FsID: "1", Name: "a.mkv", RelPath: "a.mkv", Size: 100})
	fake.AddFile("/movies", netdiskport.DirEntry{FsID: "2", Name: "b.mkv", RelPath: "b.mkv", Size: 200})

	admitter := newStubAdmitter()
	bus := eventbus.New(slog.Default(), 16)
	g := New("group-1", "/movies", "/downloads/movies", fake, admitter, bus, slog.Default())

	g.StartScan(context.Background())

	require.Eventually(t, func() bool {
		return g.Snapshot().ScanCompleted
	}, 2*time.Second, 10*time.Millisecond)

	snap := g.Snapshot()
	assert.EqualValues(t, 2, snap.TotalFiles)
	assert.EqualValues(t, 300, snap.TotalSize)
}

func TestCompletedCountNeverDoubleCountsEvictedChildren(t *testing.T) {
	fake := netdiskport.NewFake()
	fake.AddFile("/movies", netdiskport.DirEntry{FsID: "1", Name: "a.mkv", RelPath: "a.mkv", Size: 100})

	admitter := newStubAdmitter()
	bus := eventbus.New(slog.Default(), 16)
	g := New("group-2", "/movies", "/downloads/movies", fake, admitter, bus, slog.Default())
	g.StartScan(context.Background())

	require.Eventually(t, func() bool { return g.Snapshot().ScanCompleted }, 2*time.Second, 10*time.Millisecond)

	admitter.completeChild("a.mkv")
	g.NotifyChildTerminal("a.mkv", "completed", 100, 100)
	// A second, late notification for the same (now evicted) child must
	// not double the completed count.
	g.NotifyChildTerminal("a.mkv", "completed", 100, 100)

	snap := g.Snapshot()
	assert.EqualValues(t, 1, snap.CompletedCount)
	assert.Equal(t, Completed, snap.Status)
}

func TestGroupFailsWhenAnyChildFails(t *testing.T) {
	fake := netdiskport.NewFake()
	fake.AddFile("/movies", netdiskport.DirEntry{FsID: "1", Name: "a.mkv", RelPath: "a.mkv", Size: 100})
	fake.AddFile("/movies", netdiskport.DirEntry{FsID: "2", Name: "b.mkv", RelPath: "b.mkv", Size: 100})

	admitter := newStubAdmitter()
	bus := eventbus.New(slog.Default(), 16)
	g := New("group-3", "/movies", "/downloads/movies", fake, admitter, bus, slog.Default())
	g.StartScan(context.Background())

	require.Eventually(t, func() bool { return g.Snapshot().ScanCompleted }, 2*time.Second, 10*time.Millisecond)

	admitter.completeChild("a.mkv")
	g.NotifyChildTerminal("a.mkv", "completed", 100, 100)
	admitter.failChild("b.mkv")
	g.NotifyChildTerminal("b.mkv", "failed", 100, 0)

	snap := g.Snapshot()
	assert.Equal(t, Failed, snap.Status)
	assert.NotEmpty(t, g.FailureSummary())
}

func TestPauseResumeCancelFanOutToLiveChildren(t *testing.T) {
	fake := netdiskport.NewFake()
	fake.AddFile("/movies", netdiskport.DirEntry{FsID: "1", Name: "a.mkv", RelPath: "a.mkv", Size: 100})

	admitter := newStubAdmitter()
	bus := eventbus.New(slog.Default(), 16)
	g := New("group-4", "/movies", "/downloads/movies", fake, admitter, bus, slog.Default())
	g.StartScan(context.Background())
	require.Eventually(t, func() bool { return g.Snapshot().ScanCompleted }, 2*time.Second, 10*time.Millisecond)

	g.Pause()
	assert.Contains(t, admitter.paused, "a.mkv")

	g.Resume()
	assert.Contains(t, admitter.resumed, "a.mkv")

	g.Cancel(false)
	assert.Contains(t, admitter.cancelled, "a.mkv")
}

// Package foldergroup implements the Folder Group (C7): an incremental
// remote-tree scan that streams newly discovered files into the Download
// Manager as FileTasks, and the eviction-safe progress roll-up described
// in spec §4.7.
//
// The counted-child-id bookkeeping generalizes the teacher's
// activeDownloads sync.Map in core/engine.go: instead of one process-wide
// map of in-flight file tasks, each Group keeps its own set of child task
// ids it has already folded into completed_count, so a child evicted from
// memory after completion is never double-counted and never silently
// dropped from the group's totals.
package foldergroup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tachyon/internal/eventbus"
	"tachyon/internal/netdiskport"
)

// Status is one node of the FolderGroup lifecycle (spec §3).
type Status string

const (
	Scanning    Status = "scanning"
	Downloading Status = "downloading"
	Paused      Status = "paused"
	Completed   Status = "completed"
	Failed      Status = "failed"
	Cancelled   Status = "cancelled"
)

// ChildDescriptor is one file discovered during a scan, not yet admitted.
type ChildDescriptor struct {
	RelativePath string
	Handle       netdiskport.FileHandle
}

// Admitter is the capability a Group needs from the Download Manager: it
// can turn a discovered child into a running FileTask and propagate
// commands to one by id. Defined here (not imported from manager) so C7
// depends on a narrow interface instead of all of C8.
type Admitter interface {
	AdmitChild(groupID string, child ChildDescriptor) (taskID string, err error)
	ChildProgress(taskID string) (totalSize, downloadedSize int64, terminal bool, status string, ok bool)
	PauseChild(taskID string) error
	ResumeChild(taskID string) error
	CancelChild(taskID string, deleteFile bool) error
}

// Group owns one FolderGroup end to end.
type Group struct {
	id         string
	remoteRoot string
	localRoot  string
	port       netdiskport.Port
	admitter   Admitter
	bus        *eventbus.Bus
	logger     *slog.Logger

	mu              sync.Mutex
	status          Status
	totalFiles      int64
	scanCompleted   bool
	liveChildren    map[string]struct{}
	countedChildIDs map[string]struct{}
	completedCount  int64
	failedChildren  map[string]string
	// totalSize/downloadedSize accumulate the final size of children once
	// they are counted (and thus may be evicted from liveChildren), so the
	// roll-up never loses a completed-but-forgotten child's contribution.
	totalSize      int64
	downloadedSize int64

	cancel context.CancelFunc
}

// New constructs a Group, not yet scanning.
func New(id, remoteRoot, localRoot string, port netdiskport.Port, admitter Admitter, bus *eventbus.Bus, logger *slog.Logger) *Group {
	return &Group{
		id:              id,
		remoteRoot:      remoteRoot,
		localRoot:       localRoot,
		port:            port,
		admitter:        admitter,
		bus:             bus,
		logger:          logger,
		status:          Scanning,
		liveChildren:    make(map[string]struct{}),
		countedChildIDs: make(map[string]struct{}),
		failedChildren:  make(map[string]string),
	}
}

func (g *Group) ID() string { return g.id }

// RestoreParams carries a folder group's persisted state for
// reconstruction on startup, bypassing New's fresh-scan defaults.
type RestoreParams struct {
	ID             string
	RemoteRoot     string
	LocalRoot      string
	Status         Status
	TotalFiles     int64
	CompletedCount int64
	TotalSize      int64
	DownloadedSize int64
	ScanCompleted  bool
	CountedChildIDs []string
}

// Restore reconstructs a Group from persisted state without re-scanning;
// the Download Manager calls this during crash recovery instead of New.
func Restore(p RestoreParams, port netdiskport.Port, admitter Admitter, bus *eventbus.Bus, logger *slog.Logger) *Group {
	g := New(p.ID, p.RemoteRoot, p.LocalRoot, port, admitter, bus, logger)
	g.status = p.Status
	g.totalFiles = p.TotalFiles
	g.completedCount = p.CompletedCount
	g.totalSize = p.TotalSize
	g.downloadedSize = p.DownloadedSize
	g.scanCompleted = p.ScanCompleted
	for _, id := range p.CountedChildIDs {
		g.countedChildIDs[id] = struct{}{}
	}
	return g
}

// AdoptLiveChild registers a child task discovered during a previous
// process lifetime as still live, so Pause/Resume/Cancel fan-out and the
// progress roll-up account for it after a restart.
func (g *Group) AdoptLiveChild(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, counted := g.countedChildIDs[taskID]; !counted {
		g.liveChildren[taskID] = struct{}{}
	}
}

// CountedChildIDs returns a snapshot of child ids already folded into
// CompletedCount, for persisting alongside the group's row.
func (g *Group) CountedChildIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.countedChildIDs))
	for id := range g.countedChildIDs {
		out = append(out, id)
	}
	return out
}

// Snapshot is a point-in-time read of the group's aggregate state.
type Snapshot struct {
	ID             string
	Status         Status
	TotalFiles     int64
	CompletedCount int64
	TotalSize      int64
	DownloadedSize int64
	ScanCompleted  bool
}

func (g *Group) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rollupLocked()
}

// rollupLocked sums live children's current progress on top of the
// counters already folded in from evicted children. Caller holds g.mu.
func (g *Group) rollupLocked() Snapshot {
	totalSize := g.totalSize
	downloaded := g.downloadedSize
	for taskID := range g.liveChildren {
		ts, ds, _, _, ok := g.admitter.ChildProgress(taskID)
		if !ok {
			continue
		}
		totalSize += ts
		downloaded += ds
	}
	return Snapshot{
		ID:             g.id,
		Status:         g.status,
		TotalFiles:     g.totalFiles,
		CompletedCount: g.completedCount,
		TotalSize:      totalSize,
		DownloadedSize: downloaded,
		ScanCompleted:  g.scanCompleted,
	}
}

// StartScan walks the remote tree page by page, admitting each discovered
// file as a FileTask as soon as it is found; admission is streamed and
// does not wait for the scan to finish.
func (g *Group) StartScan(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	go g.scanLoop(ctx)
}

func (g *Group) scanLoop(ctx context.Context) {
	cursor := ""
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		page, err := g.port.ListDir(ctx, g.remoteRoot, cursor)
		if err != nil {
			g.logger.Warn("foldergroup: scan page failed", "group", g.id, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, entry := range page.Entries {
			if entry.IsDir {
				continue
			}
			child := ChildDescriptor{
				RelativePath: entry.RelPath,
				Handle:       netdiskport.FileHandle{FsID: entry.FsID, RemotePath: g.remoteRoot + "/" + entry.RelPath, Size: entry.Size, MD5: entry.MD5},
			}
			taskID, err := g.admitter.AdmitChild(g.id, child)
			if err != nil {
				g.logger.Warn("foldergroup: admit child failed", "group", g.id, "path", child.RelativePath, "error", err)
				continue
			}
			g.mu.Lock()
			g.liveChildren[taskID] = struct{}{}
			g.totalFiles++
			g.mu.Unlock()
			g.publish(eventbus.KindCreated, map[string]any{"task_id": taskID, "relative_path": child.RelativePath})
		}

		if !page.HasMore {
			g.mu.Lock()
			g.scanCompleted = true
			if g.status == Scanning {
				g.status = Downloading
			}
			g.mu.Unlock()
			g.publish(eventbus.KindScanCompleted, nil)
			return
		}
		cursor = page.Cursor
	}
}

// NotifyChildTerminal is called by the Download Manager whenever one of
// this group's children reaches a terminal FileTask status. It counts the
// child exactly once even if it is later evicted from the manager's live
// registry.
func (g *Group) NotifyChildTerminal(taskID string, status string, totalSize, downloadedSize int64) {
	g.mu.Lock()
	if _, already := g.countedChildIDs[taskID]; already {
		g.mu.Unlock()
		return
	}
	g.countedChildIDs[taskID] = struct{}{}
	g.completedCount++
	g.totalSize += totalSize
	g.downloadedSize += downloadedSize
	delete(g.liveChildren, taskID)
	if status != "completed" {
		g.failedChildren[taskID] = status
	}

	allCounted := g.scanCompleted && int64(len(g.countedChildIDs)) >= g.totalFiles
	var finalize bool
	var finalStatus Status
	if allCounted && g.status != Completed && g.status != Failed && g.status != Cancelled {
		finalize = true
		if len(g.failedChildren) == 0 {
			finalStatus = Completed
		} else {
			finalStatus = Failed
		}
		g.status = finalStatus
	}
	g.mu.Unlock()

	if finalize {
		if finalStatus == Completed {
			g.publish(eventbus.KindCompleted, nil)
		} else {
			g.publish(eventbus.KindFailed, map[string]any{"failed_children": len(g.failedChildren)})
		}
	}
}

// Pause fans out to every live child; a single child that refuses to
// pause does not block the rest.
func (g *Group) Pause() {
	g.mu.Lock()
	children := make([]string, 0, len(g.liveChildren))
	for id := range g.liveChildren {
		children = append(children, id)
	}
	g.status = Paused
	g.mu.Unlock()

	for _, id := range children {
		if err := g.admitter.PauseChild(id); err != nil {
			g.logger.Warn("foldergroup: pause child failed", "group", g.id, "task", id, "error", err)
		}
	}
	g.publish(eventbus.KindPaused, nil)
}

// Resume fans out resume to every live child.
func (g *Group) Resume() {
	g.mu.Lock()
	children := make([]string, 0, len(g.liveChildren))
	for id := range g.liveChildren {
		children = append(children, id)
	}
	g.status = Downloading
	g.mu.Unlock()

	for _, id := range children {
		if err := g.admitter.ResumeChild(id); err != nil {
			g.logger.Warn("foldergroup: resume child failed", "group", g.id, "task", id, "error", err)
		}
	}
	g.publish(eventbus.KindResumed, nil)
}

// Cancel stops the scan (if still running) and fans out cancellation to
// every live child.
func (g *Group) Cancel(deleteFiles bool) {
	g.mu.Lock()
	if g.cancel != nil {
		g.cancel()
	}
	children := make([]string, 0, len(g.liveChildren))
	for id := range g.liveChildren {
		children = append(children, id)
	}
	g.status = Cancelled
	g.mu.Unlock()

	for _, id := range children {
		if err := g.admitter.CancelChild(id, deleteFiles); err != nil {
			g.logger.Warn("foldergroup: cancel child failed", "group", g.id, "task", id, "error", err)
		}
	}
	g.publish(eventbus.KindDeleted, nil)
}

func (g *Group) publish(kind eventbus.Kind, payload map[string]any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.TopicFolder, eventbus.CategoryFolder, kind, "", g.id, payload)
	g.bus.Publish(eventbus.GroupTopic(g.id), eventbus.CategoryFolder, kind, "", g.id, payload)
}

// FailureSummary returns a short human-readable description of why the
// group ended in Failed, for surfacing in list_all_mixed.
func (g *Group) FailureSummary() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.failedChildren) == 0 {
		return ""
	}
	return fmt.Sprintf("%d of %d files failed", len(g.failedChildren), g.totalFiles)
}

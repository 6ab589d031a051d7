// Package filetask implements the File Task Engine (C6): owns the
// execution of exactly one FileTask from admission through a terminal
// state, driving a swarm of Chunk Workers against the ranges produced by
// chunkplan and the active URL maintained by linkhealth.
//
// The dispatch loop is grounded on the teacher's core/engine.go:executeTask
// (ticker-driven progress, a channel for part completion, a channel for
// worker errors, congestion-driven scaling), generalized from one fixed
// 1 MiB chunk size and a single global worker-concurrency knob into the
// spec's VIP-tiered chunk plan and two-class slot leases. Resume relies on
// the WAL-replayed done set applied through chunkplan.ApplyDone; no
// ETag/Last-Modified comparison is made before trusting it.
package filetask

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"tachyon/internal/chunkplan"
	"tachyon/internal/chunkworker"
	"tachyon/internal/eventbus"
	"tachyon/internal/filesystem"
	"tachyon/internal/integrity"
	"tachyon/internal/linkhealth"
	"tachyon/internal/netdiskport"
	"tachyon/internal/network"
	"tachyon/internal/slotpool"
	"tachyon/internal/wal"
)

// Status is one node of the FileTask DAG (spec §4.6).
type Status string

const (
	Pending     Status = "pending"
	Downloading Status = "downloading"
	Paused      Status = "paused"
	Completed   Status = "completed"
	Failed      Status = "failed"
	Cancelled   Status = "cancelled"
)

const (
	progressTick  = 200 * time.Millisecond
	freshnessTick = 2 * time.Second
	borrowRetry   = 250 * time.Millisecond
)

// Spec is the immutable description of the task an Engine executes.
type Spec struct {
	ID           string
	Handle       netdiskport.FileHandle
	LocalPath    string
	GroupID      string
	RelativePath string
	Tier         chunkplan.VIPTier
	MaxRetries   int
	KTask        int // fixed-slot reservation budget for this task
	UserAgent    string
}

// Deps bundles the process-wide collaborators an Engine needs; all are
// singletons owned by the Download Manager (C8).
type Deps struct {
	Registry   *linkhealth.Registry
	Pool       *slotpool.Pool
	WAL        *wal.WAL
	Bus        *eventbus.Bus
	Bandwidth  *network.BandwidthManager
	Allocator  *filesystem.Allocator
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Snapshot is a point-in-time read of an Engine's externally visible state.
type Snapshot struct {
	ID             string
	Status         Status
	TotalSize      int64
	DownloadedSize int64
	Speed          float64
	LastError      string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Engine owns one FileTask end to end. Zero value is not usable; use New.
type Engine struct {
	spec Spec
	deps Deps

	mu             sync.Mutex
	status         Status
	totalSize      int64
	downloadedSize int64 // atomic
	speed          float64
	lastError      string
	startedAt      time.Time
	completedAt    time.Time

	ranges   []chunkplan.ChunkRange
	attempts map[int]int

	file   *os.File
	cancel context.CancelFunc
	loopWG sync.WaitGroup

	activeWorkers atomic.Int32
}

// New constructs an Engine for spec, not yet admitted.
func New(spec Spec, deps Deps) *Engine {
	if spec.MaxRetries <= 0 {
		spec.MaxRetries = 5
	}
	if spec.KTask <= 0 {
		spec.KTask = 4
	}
	return &Engine{
		spec:     spec,
		deps:     deps,
		status:   Pending,
		attempts: make(map[int]int),
	}
}

func (e *Engine) ID() string { return e.spec.ID }

// Snapshot returns a consistent read of the engine's current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		ID:             e.spec.ID,
		Status:         e.status,
		TotalSize:      e.totalSize,
		DownloadedSize: atomic.LoadInt64(&e.downloadedSize),
		Speed:          e.speed,
		LastError:      e.lastError,
		StartedAt:      e.startedAt,
		CompletedAt:    e.completedAt,
	}
}

// Admit prepares local disk state: creates the destination directory,
// opens (creating if absent) the destination file, pre-allocates its
// sparse length, and plans chunk ranges against totalSize. doneRanges is
// the WAL-replayed completed set (may be nil for a fresh task); ranges
// already marked done are skipped on first dispatch.
func (e *Engine) Admit(totalSize int64, doneRanges map[int]bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(e.spec.LocalPath), 0755); err != nil {
		return fmt.Errorf("filetask: mkdir: %w", err)
	}

	if totalSize > 0 {
		if err := e.deps.Allocator.AllocateFile(e.spec.LocalPath, totalSize); err != nil {
			return fmt.Errorf("filetask: allocate: %w", err)
		}
	}

	file, err := os.OpenFile(e.spec.LocalPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return fmt.Errorf("filetask: open: %w", err)
	}
	e.file = file
	e.totalSize = totalSize

	planned := chunkplan.Plan(totalSize, e.spec.Tier)
	e.ranges = chunkplan.ApplyDone(planned, doneRanges)

	for _, r := range e.ranges {
		if r.State == chunkplan.StateDone {
			atomic.AddInt64(&e.downloadedSize, r.Length)
		}
	}
	return nil
}

// RestoreStatus forces status/lastError directly, bypassing the normal
// transition rules. Used only by the Download Manager to reconstruct a
// task's last-known state from the metadata store and WAL replay on
// startup, before any call to Start.
func (e *Engine) RestoreStatus(status Status, lastError string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
	e.lastError = lastError
}

// Start transitions pending to downloading and launches the dispatch loop
// in the background; it returns once the loop has been launched, not once
// the task finishes.
func (e *Engine) Start(parent context.Context) error {
	e.mu.Lock()
	if e.status != Pending && e.status != Paused {
		status := e.status
		e.mu.Unlock()
		return fmt.Errorf("filetask: cannot start task in status %s", status)
	}
	if e.status == Pending {
		e.startedAt = time.Now()
	}
	e.status = Downloading
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	e.mu.Unlock()

	e.publish(eventbus.KindStatusChanged, nil)

	e.loopWG.Add(1)
	go func() {
		defer e.loopWG.Done()
		e.dispatchLoop(ctx)
	}()
	return nil
}

// Pause signals cancellation to every in-flight worker and blocks until the
// last one has exited, per spec §4.6 ("transition to paused only after the
// last worker exits").
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.status != Downloading {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.loopWG.Wait()

	e.mu.Lock()
	if e.status == Downloading {
		e.status = Paused
	}
	e.mu.Unlock()
	e.publish(eventbus.KindPaused, nil)
}

// Resume re-enters the dispatch loop from Paused.
func (e *Engine) Resume(parent context.Context) error {
	if err := e.Start(parent); err != nil {
		return err
	}
	e.publish(eventbus.KindResumed, nil)
	return nil
}

// Cancel stops the task permanently; if deleteFile is set, the destination
// file is unlinked once every worker has exited.
func (e *Engine) Cancel(deleteFile bool) {
	e.mu.Lock()
	cancel := e.cancel
	running := e.status == Downloading
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if running {
		e.loopWG.Wait()
	}

	e.mu.Lock()
	e.status = Cancelled
	path := e.spec.LocalPath
	if e.file != nil {
		e.file.Close()
		e.file = nil
	}
	e.mu.Unlock()

	e.deps.Registry.Forget(e.spec.ID)
	if deleteFile {
		os.Remove(path)
	}
	e.publish(eventbus.KindDeleted, nil)
}

func (e *Engine) pendingRanges() []chunkplan.ChunkRange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return chunkplan.Pending(e.ranges)
}

// dispatchLoop is the core orchestration select loop (spec §4.6), grounded
// on the teacher's executeTask.
func (e *Engine) dispatchLoop(ctx context.Context) {
	pending := e.pendingRanges()
	if len(pending) == 0 {
		e.finish(ctx, nil)
		return
	}

	rangesCh := make(chan chunkplan.ChunkRange, len(pending))
	for _, r := range pending {
		rangesCh <- r
	}
	resultCh := make(chan chunkworker.Result, len(pending)*2)

	var fixedWG sync.WaitGroup
	for i := 0; i < e.spec.KTask; i++ {
		fixedWG.Add(1)
		go e.fixedWorker(ctx, rangesCh, resultCh, &fixedWG)
	}

	var borrowWG sync.WaitGroup
	borrowWG.Add(1)
	go e.borrowWorker(ctx, rangesCh, resultCh, &borrowWG)

	allDone := make(chan struct{})
	go func() {
		fixedWG.Wait()
		borrowWG.Wait()
		close(allDone)
	}()

	progress := time.NewTicker(progressTick)
	freshness := time.NewTicker(freshnessTick)
	defer progress.Stop()
	defer freshness.Stop()

	remaining := len(pending)
	lastBytes := atomic.LoadInt64(&e.downloadedSize)
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			close(rangesCh)
			<-allDone
			// Fold in results the workers delivered after cancellation so
			// downloadedSize only counts acked ranges.
			for drained := false; !drained; {
				select {
				case res := <-resultCh:
					if res.Outcome == chunkworker.OK {
						e.markDone(res.Range)
					} else {
						e.rollbackProgress(res.BytesWritten)
					}
				default:
					drained = true
				}
			}
			return

		case res := <-resultCh:
			remaining = e.handleResult(ctx, res, remaining, rangesCh)
			if remaining <= 0 {
				close(rangesCh)
				<-allDone
				e.finish(ctx, nil)
				return
			}
			if e.statusIs(Failed) {
				close(rangesCh)
				<-allDone
				return
			}

		case <-freshness.C:
			current := atomic.LoadInt64(&e.downloadedSize)
			elapsed := time.Since(lastTick).Seconds()
			throughput := 0.0
			if elapsed > 0 {
				throughput = float64(current-lastBytes) / elapsed
			}
			slotsFull := int(e.activeWorkers.Load()) >= e.spec.KTask
			if e.deps.Registry.EvaluateFreshness(e.spec.ID, throughput, slotsFull) {
				e.deps.Logger.Info("filetask: freshness detector tripped", "id", e.spec.ID)
			}

		case <-progress.C:
			current := atomic.LoadInt64(&e.downloadedSize)
			now := time.Now()
			elapsed := now.Sub(lastTick).Seconds()
			if elapsed > 0 {
				speed := float64(current-lastBytes) / elapsed
				e.mu.Lock()
				e.speed = speed
				e.mu.Unlock()
				lastBytes = current
				lastTick = now
			}
			e.publish(eventbus.KindProgress, map[string]any{
				"downloaded_size": current,
				"total_size":      e.totalSize,
				"speed":           e.speed,
			})
		}
	}
}

func (e *Engine) statusIs(s Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == s
}

// handleResult folds one completed chunk attempt into task state and
// returns the updated count of ranges still not done.
func (e *Engine) handleResult(ctx context.Context, res chunkworker.Result, remaining int, rangesCh chan<- chunkplan.ChunkRange) int {
	switch res.Outcome {
	case chunkworker.OK:
		e.markDone(res.Range)
		return remaining - 1

	case chunkworker.Cancelled:
		// Legitimate pause/cancel; no penalty, no retry scheduling, the
		// range stays pending for the next dispatch. The bytes this attempt
		// already streamed into downloadedSize via OnProgress never reached
		// a done range, so they must come back out or a resume double-counts.
		e.rollbackProgress(res.BytesWritten)
		return remaining

	case chunkworker.LocalIOErr:
		e.rollbackProgress(res.BytesWritten)
		e.failTask(fmt.Sprintf("local I/O error: %v", res.Err))
		return remaining

	default:
		e.rollbackProgress(res.BytesWritten)
		e.reportFailure(res)
		attempts := e.bumpAttempts(res.Range.Index)
		if attempts >= e.spec.MaxRetries {
			e.failTask(fmt.Sprintf("range %d exhausted %d retries: %v", res.Range.Index, attempts, res.Err))
			return remaining
		}
		e.scheduleRetry(ctx, res.Range, attempts, rangesCh)
		return remaining
	}
}

// rollbackProgress undoes the provisional OnProgress additions of a chunk
// attempt that did not finish with a done range, so downloaded_size always
// reflects only acked (done) bytes plus in-flight attempts still running.
func (e *Engine) rollbackProgress(bytesWritten int64) {
	if bytesWritten == 0 {
		return
	}
	atomic.AddInt64(&e.downloadedSize, -bytesWritten)
}

func (e *Engine) markDone(rng chunkplan.ChunkRange) {
	e.mu.Lock()
	for i := range e.ranges {
		if e.ranges[i].Index == rng.Index {
			e.ranges[i].State = chunkplan.StateDone
			break
		}
	}
	e.mu.Unlock()
}

func (e *Engine) bumpAttempts(index int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts[index]++
	return e.attempts[index]
}

func (e *Engine) reportFailure(res chunkworker.Result) {
	var kind linkhealth.FailureKind
	switch res.Outcome {
	case chunkworker.LinkPoisoned, chunkworker.AuthErr:
		kind = linkhealth.FailureExpired
	default:
		kind = linkhealth.FailureTransient
	}
	e.deps.Registry.ReportFailure(e.spec.ID, res.URL, kind)
}

// scheduleRetry re-enqueues rng after an exponential backoff with jitter,
// capped so a single slow range can't stall task completion indefinitely.
func (e *Engine) scheduleRetry(ctx context.Context, rng chunkplan.ChunkRange, attempts int, rangesCh chan<- chunkplan.ChunkRange) {
	backoff := time.Duration(1<<uint(attempts)) * 200 * time.Millisecond
	if backoff > 10*time.Second {
		backoff = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	delay := backoff + jitter

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case rangesCh <- rng:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) failTask(reason string) {
	e.mu.Lock()
	if e.status == Failed || e.status == Cancelled {
		e.mu.Unlock()
		return
	}
	e.status = Failed
	e.lastError = reason
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.deps.Logger.Warn("filetask: task failed", "id", e.spec.ID, "reason", reason)
	e.publish(eventbus.KindFailed, map[string]any{"error": reason})
}

// finish is called once every range is done; it flushes the file, records
// the terminal state to the WAL, and emits the completion event.
func (e *Engine) finish(ctx context.Context, _ error) {
	e.mu.Lock()
	if e.status != Downloading {
		e.mu.Unlock()
		return
	}
	file := e.file
	totalSize := e.totalSize
	e.mu.Unlock()

	if file != nil {
		file.Sync()
	}

	// Integrity error kind (spec §7): a completed task whose on-disk size
	// doesn't match the size the Netdisk reported cannot be salvaged by
	// retrying a range, since every planned range already reported done.
	if err := integrity.VerifySize(e.spec.LocalPath, totalSize); err != nil {
		e.failTask("size mismatch")
		return
	}

	e.mu.Lock()
	if e.status != Downloading {
		e.mu.Unlock()
		return
	}
	e.status = Completed
	e.completedAt = time.Now()
	atomic.StoreInt64(&e.downloadedSize, totalSize)
	e.mu.Unlock()

	if e.deps.WAL != nil {
		e.deps.WAL.Append(ctx, wal.Record{
			Type:     wal.StateChanged,
			TaskID:   e.spec.ID,
			NewState: string(Completed),
		})
	}
	e.deps.Registry.Forget(e.spec.ID)
	e.publish(eventbus.KindCompleted, nil)
}

func (e *Engine) publish(kind eventbus.Kind, payload map[string]any) {
	if e.deps.Bus == nil {
		return
	}
	topic := eventbus.TopicFile
	if e.spec.GroupID != "" {
		topic = eventbus.GroupTopic(e.spec.GroupID)
	}
	e.deps.Bus.Publish(topic, eventbus.CategoryFile, kind, e.spec.ID, e.spec.GroupID, payload)
}

// fixedWorker pulls ranges from rangesCh for as long as it's open, always
// acquiring a fixed slot lease before issuing network I/O.
func (e *Engine) fixedWorker(ctx context.Context, rangesCh <-chan chunkplan.ChunkRange, resultCh chan<- chunkworker.Result, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		rng, ok := <-rangesCh
		if !ok {
			return
		}
		lease, err := e.deps.Pool.AcquireFixed(ctx)
		if err != nil {
			resultCh <- chunkworker.Result{Range: rng, Outcome: chunkworker.Cancelled}
			continue
		}
		e.runChunk(ctx, lease, rng, resultCh)
	}
}

// borrowWorker opportunistically grabs spare global capacity, yielding to
// fixed-slot waiters automatically via TryAcquireBorrow's own gating.
func (e *Engine) borrowWorker(ctx context.Context, rangesCh <-chan chunkplan.ChunkRange, resultCh chan<- chunkworker.Result, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lease, ok := e.deps.Pool.TryAcquireBorrow()
		if !ok {
			select {
			case <-time.After(borrowRetry):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case rng, open := <-rangesCh:
			if !open {
				lease.Release()
				return
			}
			e.runChunk(ctx, lease, rng, resultCh)
		default:
			lease.Release()
			select {
			case <-time.After(borrowRetry):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) runChunk(ctx context.Context, lease *slotpool.Lease, rng chunkplan.ChunkRange, resultCh chan<- chunkworker.Result) {
	e.activeWorkers.Add(1)
	defer e.activeWorkers.Add(-1)

	activeURL, err := e.deps.Registry.GetActive(ctx, e.spec.ID, e.spec.Handle)
	if err != nil {
		lease.Release()
		resultCh <- chunkworker.Result{Range: rng, Outcome: chunkworker.TransportErr, Err: err}
		return
	}

	host := ""
	if u, err := url.Parse(activeURL); err == nil {
		host = u.Host
	}

	res := chunkworker.Run(ctx, lease, chunkworker.Request{
		TaskID:     e.spec.ID,
		URL:        activeURL,
		Host:       host,
		File:       e.file,
		Range:      rng,
		UserAgent:  e.spec.UserAgent,
		HTTPClient: e.deps.HTTPClient,
		Bandwidth:  e.deps.Bandwidth,
		OnProgress: func(delta int64) { atomic.AddInt64(&e.downloadedSize, delta) },
		OnSample: func(bytes int64, elapsed time.Duration) {
			e.deps.Registry.RecordSample(e.spec.ID, activeURL, bytes, elapsed)
		},
	})
	res.URL = activeURL

	if res.Outcome == chunkworker.OK {
		if err := e.deps.WAL.Append(ctx, wal.Record{
			Type:   wal.ChunkCompleted,
			TaskID: e.spec.ID,
			Offset: rng.Offset,
			Length: rng.Length,
		}); err != nil {
			res.Outcome = chunkworker.LocalIOErr
			res.Err = err
		}
	}
	resultCh <- res
}

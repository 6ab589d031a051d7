// Package chunkworker implements the Chunk Worker (C4): pulls one
// ChunkRange, issues a ranged HTTP GET against the file's active URL, and
// streams the response into the destination file at the correct absolute
// offset.
//
// Grounded directly on the teacher's core/engine.go:downloadPart/
// downloadWorker (buffered-pool reads, os.File.WriteAt positioned writes,
// bandwidth-gated reads), adapted to take an already-acquired SlotLease,
// classify every outcome into the tagged-result taxonomy of spec §7/§9
// instead of returning raw errors, and report outcomes to the link-health
// registry instead of a per-host congestion controller.
package chunkworker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"tachyon/internal/chunkplan"
	"tachyon/internal/network"
	"tachyon/internal/slotpool"
)

// readBlockSize bounds how much of the response body is read per Read
// call, so cancellation is observed within O(single block) as spec §5
// requires (≤ 64 KiB or ≤ 1s, whichever first).
const readBlockSize = 64 * 1024

// Outcome is the tagged result of one chunk attempt (spec §9): no
// exceptions bubble across the chunk boundary, callers switch on this.
type Outcome int

const (
	OK Outcome = iota
	TransportErr
	AuthErr
	LinkPoisoned
	RangeRejected
	Cancelled
	LocalIOErr
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case TransportErr:
		return "transport_error"
	case AuthErr:
		return "auth_error"
	case LinkPoisoned:
		return "link_poisoned"
	case RangeRejected:
		return "range_rejected"
	case Cancelled:
		return "cancelled"
	case LocalIOErr:
		return "local_io_error"
	default:
		return "unknown"
	}
}

// Result is returned by Run; Range.State is NOT mutated by this package,
// callers decide the next state transition from Outcome.
type Result struct {
	Range        chunkplan.ChunkRange
	Outcome      Outcome
	BytesWritten int64
	Err          error
	// URL is not set by Run itself; callers that need to correlate a
	// result back to the candidate URL that produced it (for link-health
	// reporting) stamp it in after Run returns.
	URL string
}

// bufferPool keeps read-block allocations off the GC's back, mirroring the
// teacher's bufferPool on TachyonEngine.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, readBlockSize)
		return &b
	},
}

// Request bundles everything one chunk attempt needs.
type Request struct {
	TaskID    string
	URL       string
	Host      string
	File      *os.File
	Range     chunkplan.ChunkRange
	UserAgent string

	HTTPClient *http.Client
	Bandwidth  *network.BandwidthManager // nil disables shaping

	// OnSample reports bytesWritten/elapsed for the just-completed read
	// burst, feeding the link-health registry's rolling statistics.
	OnSample func(bytesWritten int64, elapsed time.Duration)
	// OnProgress is called with each incremental byte count as it is
	// written, for the task's atomic downloaded_size accumulator.
	OnProgress func(delta int64)
}

// Run executes one chunk attempt. lease is released exactly once before
// Run returns, regardless of outcome, per the SlotLease contract in spec §3.
func Run(ctx context.Context, lease *slotpool.Lease, req Request) Result {
	defer lease.Release()

	res := Result{Range: req.Range}

	if req.Range.Length == 0 {
		res.Outcome = OK
		return res
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		res.Outcome = TransportErr
		res.Err = err
		return res
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}
	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.Range.Offset, req.Range.End()-1))

	resp, err := req.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			res.Outcome = Cancelled
			return res
		}
		res.Outcome = TransportErr
		res.Err = err
		return res
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// expected path
	case http.StatusForbidden:
		res.Outcome = LinkPoisoned
		res.Err = fmt.Errorf("chunkworker: 403 on %s", req.Host)
		return res
	case http.StatusUnauthorized:
		res.Outcome = AuthErr
		res.Err = fmt.Errorf("chunkworker: 401 on %s", req.Host)
		return res
	case http.StatusRequestedRangeNotSatisfiable, http.StatusOK:
		res.Outcome = RangeRejected
		res.Err = fmt.Errorf("chunkworker: server returned %d instead of 206", resp.StatusCode)
		return res
	default:
		res.Outcome = TransportErr
		res.Err = fmt.Errorf("chunkworker: unexpected status %d", resp.StatusCode)
		return res
	}

	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	buf := *bufPtr

	var written int64
	offset := req.Range.Offset
	windowStart := time.Now()
	var windowBytes int64

	for written < req.Range.Length {
		select {
		case <-ctx.Done():
			res.Outcome = Cancelled
			res.BytesWritten = written
			return res
		default:
		}

		toRead := int64(len(buf))
		if remaining := req.Range.Length - written; remaining < toRead {
			toRead = remaining
		}

		if req.Bandwidth != nil {
			if err := req.Bandwidth.Wait(ctx, req.TaskID, int(toRead)); err != nil {
				res.Outcome = Cancelled
				res.BytesWritten = written
				return res
			}
		}

		n, readErr := io.ReadFull(resp.Body, buf[:toRead])
		if n > 0 {
			if _, werr := req.File.WriteAt(buf[:n], offset); werr != nil {
				res.Outcome = LocalIOErr
				res.Err = werr
				res.BytesWritten = written
				return res
			}
			offset += int64(n)
			written += int64(n)
			windowBytes += int64(n)
			if req.OnProgress != nil {
				req.OnProgress(int64(n))
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				if written >= req.Range.Length {
					break
				}
				res.Outcome = TransportErr
				res.Err = fmt.Errorf("chunkworker: short read, got %d of %d: %w", written, req.Range.Length, readErr)
				res.BytesWritten = written
				reportSample(req, windowBytes, windowStart)
				return res
			}
			if ctx.Err() != nil {
				res.Outcome = Cancelled
			} else {
				res.Outcome = TransportErr
				res.Err = readErr
			}
			res.BytesWritten = written
			reportSample(req, windowBytes, windowStart)
			return res
		}

		if time.Since(windowStart) >= time.Second {
			reportSample(req, windowBytes, windowStart)
			windowBytes = 0
			windowStart = time.Now()
		}
	}

	reportSample(req, windowBytes, windowStart)
	res.Outcome = OK
	res.BytesWritten = written
	return res
}

func reportSample(req Request, bytes int64, windowStart time.Time) {
	if req.OnSample == nil || bytes == 0 {
		return
	}
	req.OnSample(bytes, time.Since(windowStart))
}

// TotalBytesWritten is a small helper for tests that need an atomic
// accumulator wired to OnProgress.
func TotalBytesWritten(counter *int64) func(int64) {
	return func(delta int64) {
		atomic.AddInt64(counter, delta)
	}
}

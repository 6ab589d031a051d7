// Package linkhealth implements the CDN-link health layer (C1 URL Provider
// + C2 Link Health Registry): resolving and rotating signed URLs per file,
// scoring candidates, electing the active one, and tripping a refresh via
// three independent detectors.
//
// The EWMA/host-stats bookkeeping is grounded on the teacher's
// internal/network.CongestionController/HostStats (exponential smoothing of
// observed throughput, multiplicative penalty on failure), repurposed here
// from "ideal worker concurrency per host" to "health score per candidate
// URL". The 403-triggers-refresh behavior mirrors the teacher's
// ErrLinkExpired sentinel in engine/worker.go.
package linkhealth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tachyon/internal/netdiskport"
)

// FailureKind classifies why a chunk request against a candidate URL failed,
// driving the kind-specific score penalty.
type FailureKind int

const (
	FailureTransient FailureKind = iota // 5xx, reset, generic transport blip
	FailureTimeout
	FailureExpired // 403 on a URL that previously worked
)

const (
	penaltyTransient = 8.0
	penaltyTimeout   = 20.0
	penaltyExpired   = 40.0

	// FMax is the default consecutive-failure threshold past which a
	// candidate URL is evicted outright.
	FMax = 3

	initialScore = 100.0
	shortWindowK = 8
	ewmaAlpha    = 0.25

	// Freshness-detector defaults (spec §4.2); all are policy-tunable.
	defaultSpeedWindow    = 10 * time.Second
	defaultSpeedFloorFrac = 0.25 // alpha: floor as a fraction of recent peak
	defaultStallTimeout   = 15 * time.Second
	defaultMaxLinkAge     = 45 * time.Minute
)

// Candidate is one resolved URL and its rolling health statistics.
type Candidate struct {
	URL                 string
	Host                string
	Score               float64
	ShortWindow         []float64 // last K instantaneous speed samples (bytes/sec)
	EWMASpeed           float64
	LastFailure         time.Time
	ConsecutiveFailures int
	IssuedAt            time.Time
}

func (c *Candidate) recordSample(speed float64) {
	c.ShortWindow = append(c.ShortWindow, speed)
	if len(c.ShortWindow) > shortWindowK {
		c.ShortWindow = c.ShortWindow[len(c.ShortWindow)-shortWindowK:]
	}
	c.EWMASpeed = (1-ewmaAlpha)*c.EWMASpeed + ewmaAlpha*speed

	// Score recovers slowly (additive) on sustained good samples, but
	// never above 100; asymmetric with the steep failure penalty below.
	if c.Score < initialScore {
		c.Score += 1.0
		if c.Score > initialScore {
			c.Score = initialScore
		}
	}
	c.ConsecutiveFailures = 0
}

func (c *Candidate) shortWindowMedian() float64 {
	if len(c.ShortWindow) == 0 {
		return 0
	}
	sorted := append([]float64(nil), c.ShortWindow...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

// State is the per-file LinkState (spec §3): the set of candidate URLs plus
// the bookkeeping needed by the three freshness detectors.
type State struct {
	Candidates    []*Candidate
	NeedsRefresh  bool
	LastRefreshAt time.Time
	RecentPeak    float64   // highest aggregate throughput observed recently
	LastByteAt    time.Time // for the worker-stall detector
}

func (s *State) active() *Candidate {
	if len(s.Candidates) == 0 {
		return nil
	}
	best := s.Candidates[0]
	for _, c := range s.Candidates[1:] {
		if c.Score > best.Score || (c.Score == best.Score && c.IssuedAt.After(best.IssuedAt)) {
			best = c
		}
	}
	return best
}

func (s *State) find(url string) *Candidate {
	for _, c := range s.Candidates {
		if c.URL == url {
			return c
		}
	}
	return nil
}

func (s *State) evict(url string) {
	out := s.Candidates[:0]
	for _, c := range s.Candidates {
		if c.URL != url {
			out = append(out, c)
		}
	}
	s.Candidates = out
}

// Registry owns one State per file task and resolves/refreshes via the
// Netdisk port.
type Registry struct {
	mu     sync.Mutex
	port   netdiskport.Port
	states map[string]*State

	FMax          int
	SpeedWindow   time.Duration
	SpeedFloor    float64
	StallTimeout  time.Duration
	MaxLinkAge    time.Duration

	// hostLimits is an advisory per-CDN-host concurrency ceiling, surfaced
	// through the Download Manager's host-limit and host-load methods. It
	// generalizes the teacher's SmartScheduler.hostLimits
	// (queue/scheduler.go): that controller gated which queued task got to
	// start next; here, by the time a host is known (after Resolve), the
	// task is already running, so the limit is advisory load information
	// rather than a blocking gate.
	hostLimits map[string]int
}

func NewRegistry(port netdiskport.Port) *Registry {
	return &Registry{
		port:         port,
		states:       make(map[string]*State),
		FMax:         FMax,
		SpeedWindow:  defaultSpeedWindow,
		SpeedFloor:   defaultSpeedFloorFrac,
		StallTimeout: defaultStallTimeout,
		MaxLinkAge:   defaultMaxLinkAge,
		hostLimits:   make(map[string]int),
	}
}

// SetHostLimit records the configured concurrency ceiling for host. A
// limit of 0 means unlimited.
func (r *Registry) SetHostLimit(host string, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hostLimits[host] = limit
}

// GetHostLimit returns the configured ceiling for host, or 0 if none is
// set (unlimited).
func (r *Registry) GetHostLimit(host string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostLimits[host]
}

// HostLoad counts tasks whose current active candidate resolves to host.
func (r *Registry) HostLoad(host string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if c := st.active(); c != nil && c.Host == host {
			n++
		}
	}
	return n
}

func (r *Registry) stateFor(taskID string) *State {
	st, ok := r.states[taskID]
	if !ok {
		st = &State{}
		r.states[taskID] = st
	}
	return st
}

// GetActive returns the current active URL for handle, resolving from the
// port (and registering a fresh full-score candidate) if none exists yet,
// or if a refresh has been flagged.
func (r *Registry) GetActive(ctx context.Context, taskID string, handle netdiskport.FileHandle) (string, error) {
	r.mu.Lock()
	st := r.stateFor(taskID)
	needsResolve := st.NeedsRefresh || len(st.Candidates) == 0
	forceRefresh := st.NeedsRefresh
	r.mu.Unlock()

	if !needsResolve {
		r.mu.Lock()
		defer r.mu.Unlock()
		active := st.active()
		if active == nil {
			return "", fmt.Errorf("linkhealth: no active candidate for %s", taskID)
		}
		return active.URL, nil
	}

	var resolved netdiskport.ResolvedURL
	var err error
	if forceRefresh {
		resolved, err = r.port.ForceRefresh(ctx, handle)
	} else {
		resolved, err = r.port.Resolve(ctx, handle)
	}
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st = r.stateFor(taskID)
	if forceRefresh {
		st.Candidates = nil
		st.NeedsRefresh = false
		st.LastRefreshAt = time.Now()
	}
	st.Candidates = append(st.Candidates, &Candidate{
		URL:      resolved.URL,
		Host:     resolved.Host,
		Score:    initialScore,
		IssuedAt: time.Now(),
	})
	if st.LastRefreshAt.IsZero() {
		st.LastRefreshAt = time.Now()
	}
	return resolved.URL, nil
}

// RecordSample updates a candidate's rolling speed statistics from a chunk
// worker's byte-written observation.
func (r *Registry) RecordSample(taskID, url string, bytesInWindow int64, elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	speed := float64(bytesInWindow) / elapsed.Seconds()

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateFor(taskID)
	st.LastByteAt = time.Now()
	if speed > st.RecentPeak {
		st.RecentPeak = speed
	}
	if c := st.find(url); c != nil {
		c.recordSample(speed)
	}
}

// ReportFailure applies a kind-specific penalty and evicts the candidate if
// its consecutive-failure count crosses FMax.
func (r *Registry) ReportFailure(taskID, url string, kind FailureKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateFor(taskID)
	c := st.find(url)
	if c == nil {
		return
	}

	penalty := penaltyTransient
	switch kind {
	case FailureExpired:
		penalty = penaltyExpired
	case FailureTimeout:
		penalty = penaltyTimeout
	}
	c.Score -= penalty
	c.LastFailure = time.Now()
	c.ConsecutiveFailures++

	if c.ConsecutiveFailures >= r.FMax {
		st.evict(url)
		st.NeedsRefresh = true
	}
}

// MarkNeedsRefresh flags the file for a full rotation on the next
// GetActive call, discarding all current candidates.
func (r *Registry) MarkNeedsRefresh(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateFor(taskID).NeedsRefresh = true
}

// EvaluateFreshness runs the three-layer detector (spec §4.2) and flags a
// refresh if any trips. aggregateThroughput and slotsFull are supplied by
// the File Task Engine, which is the only component with visibility into
// whether the task's slots are actually saturated.
func (r *Registry) EvaluateFreshness(taskID string, aggregateThroughput float64, slotsFull bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateFor(taskID)

	// 1. Speed anomaly: aggregate throughput has fallen below a fraction
	// of the recent peak while slots are saturated.
	if slotsFull && st.RecentPeak > 0 && aggregateThroughput < st.RecentPeak*r.SpeedFloor {
		st.NeedsRefresh = true
	}

	// 2. Worker stall: no bytes observed for StallTimeout while the task
	// has at least one candidate (i.e. the connection is supposedly alive).
	if !st.LastByteAt.IsZero() && len(st.Candidates) > 0 && time.Since(st.LastByteAt) > r.StallTimeout {
		st.NeedsRefresh = true
	}

	// 3. Periodic ceiling: forced rotation regardless of observed health.
	if !st.LastRefreshAt.IsZero() && time.Since(st.LastRefreshAt) > r.MaxLinkAge {
		st.NeedsRefresh = true
	}

	return st.NeedsRefresh
}

// Forget drops all bookkeeping for a task, called when the task reaches a
// terminal state.
func (r *Registry) Forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, taskID)
}

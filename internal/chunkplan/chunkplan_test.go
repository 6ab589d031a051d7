package chunkplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanCoversWholeFileNoGapNoOverlap(t *testing.T) {
	totalSize := int64(12 * 1024 * 1024)
	ranges := Plan(totalSize, TierNone)

	require.NotEmpty(t, ranges)
	var covered int64
	for i, r := range ranges {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, covered, r.Offset, "range %d must start where previous ended", i)
		covered += r.Length
	}
	assert.Equal(t, totalSize, covered)
}

func TestPlanIsDeterministic(t *testing.T) {
	a := Plan(12582912, TierSVIP)
	b := Plan(12582912, TierSVIP)
	assert.Equal(t, a, b)
}

func Test12MiBFileYields12OneMiBRanges(t *testing.T) {
	ranges := Plan(12582912, TierNone)
	require.Len(t, ranges, 12)
	for _, r := range ranges {
		assert.Equal(t, int64(1024*1024), r.Length)
	}
}

func TestChunkSizeRespectsNonSVIPCap(t *testing.T) {
	size := ChunkSize(600*1024*1024, TierNone)
	assert.Equal(t, NonSVIPMaxChunkSize, size)
}

func TestChunkSizeRespectsAbsoluteCap(t *testing.T) {
	size := ChunkSize(600*1024*1024, TierSVIP)
	assert.Equal(t, AbsoluteMaxChunkSize, size)
}

func TestApplyDoneMarksOnlyGivenIndices(t *testing.T) {
	ranges := Plan(3*1024*1024, TierNone)
	done := map[int]bool{0: true, 2: true}
	out := ApplyDone(ranges, done)

	for _, r := range out {
		if done[r.Index] {
			assert.Equal(t, StateDone, r.State)
		} else {
			assert.Equal(t, StatePending, r.State)
		}
	}
	// Plan's own output must remain untouched.
	for _, r := range ranges {
		assert.Equal(t, StatePending, r.State)
	}
}

func TestPendingFiltersDoneRanges(t *testing.T) {
	ranges := Plan(3*1024*1024, TierNone)
	ranges = ApplyDone(ranges, map[int]bool{1: true})
	pending := Pending(ranges)
	for _, r := range pending {
		assert.NotEqual(t, 1, r.Index)
	}
}

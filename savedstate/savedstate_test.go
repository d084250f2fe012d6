package savedstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallstop/fortress-rollback/frame"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	r := NewRing(8)

	r.Save(frame.Frame(3), 1, 2, "state-3")

	got, err := r.Load(frame.Frame(3))
	require.NoError(t, err)
	assert.Equal(t, "state-3", got.Data)
	assert.Equal(t, uint64(1), got.ChecksumHi)
}

func TestLoadMissReturnsNotFound(t *testing.T) {
	r := NewRing(8)
	_, err := r.Load(frame.Frame(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

// Property 5: frames present in the ring are always distinct.
func TestUniquenessAfterWraparound(t *testing.T) {
	r := NewRing(4) // capacity 6

	for f := 0; f < 20; f++ {
		r.Save(frame.Frame(f), uint64(f), 0, f)

		frames := r.Frames()
		seen := make(map[frame.Frame]bool)

		for _, fr := range frames {
			require.False(t, seen[fr], "duplicate frame %d in ring", fr)
			seen[fr] = true
		}
	}
}

func TestOldEntryEvictedAfterCapacityFramesElapse(t *testing.T) {
	r := NewRing(4) // capacity 6

	r.Save(frame.Frame(0), 0, 0, "gen0")

	for f := 1; f <= 6; f++ {
		r.Save(frame.Frame(f), uint64(f), 0, f)
	}

	_, err := r.Load(frame.Frame(0))
	assert.ErrorIs(t, err, ErrNotFound, "frame 0 should have been evicted by frame 6 (cap=6)")
}

func TestResetClearsAllEntries(t *testing.T) {
	r := NewRing(4)
	r.Save(frame.Frame(1), 0, 0, "x")
	r.Reset()

	_, err := r.Load(frame.Frame(1))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, r.Frames())
}

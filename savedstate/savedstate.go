// Package savedstate implements the bounded ring of per-frame game-state
// snapshots (§3 SavedStates, §4.F) the sync layer rolls back against.
package savedstate

import (
	"errors"

	"github.com/wallstop/fortress-rollback/frame"
)

// ErrNotFound is returned by Load when no entry in the ring currently holds
// the requested frame.
var ErrNotFound = errors.New("savedstate: no snapshot for frame")

// Handle is an opaque, host-owned reference to the serialized game state.
// The core never inspects it; it only carries it between Save and Load.
type Handle any

// State is one ring entry: the frame it was captured at, the host's
// checksum of its content (a 128-bit value, stored as two halves since Go
// has no native uint128), and the opaque handle to the bytes themselves.
type State struct {
	Frame        frame.Frame
	ChecksumHi   uint64
	ChecksumLo   uint64
	Data         Handle
}

// Ring is the fixed-capacity, circularly-indexed store of State entries.
// Capacity is MaxPredictionFrames+2 per §3, large enough that a rollback to
// the oldest frame still in flight never finds its slot overwritten.
type Ring struct {
	entries  []State
	occupied []bool
	head     int
}

// NewRing allocates a ring sized for maxPredictionFrames of rollback depth.
func NewRing(maxPredictionFrames int) *Ring {
	capacity := maxPredictionFrames + 2
	if capacity < 1 {
		capacity = 1
	}

	return &Ring{
		entries:  make([]State, capacity),
		occupied: make([]bool, capacity),
	}
}

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int { return len(r.entries) }

func (r *Ring) index(f frame.Frame) int {
	return int(int32(f)) % len(r.entries)
}

// Save writes a snapshot for frame f, evicting whatever entry previously
// lived at f's slot (necessarily a frame at least Cap() frames older, if
// the sync layer is calling Save once per advancing frame as specified).
func (r *Ring) Save(f frame.Frame, checksumHi, checksumLo uint64, data Handle) {
	idx := r.index(f)

	r.entries[idx] = State{Frame: f, ChecksumHi: checksumHi, ChecksumLo: checksumLo, Data: data}
	r.occupied[idx] = true
	r.head = idx
}

// Load returns the snapshot for frame f, or ErrNotFound if the slot either
// was never written or now holds a different frame (evicted).
func (r *Ring) Load(f frame.Frame) (State, error) {
	idx := r.index(f)

	if !r.occupied[idx] || r.entries[idx].Frame != f {
		return State{}, ErrNotFound
	}

	return r.entries[idx], nil
}

// Reset marks every entry free.
func (r *Ring) Reset() {
	for i := range r.occupied {
		r.occupied[i] = false
	}

	r.head = 0
}

// Frames returns the set of frames currently retained, for diagnostics and
// tests verifying the ring's uniqueness invariant.
func (r *Ring) Frames() []frame.Frame {
	out := make([]frame.Frame, 0, len(r.entries))

	for i, occ := range r.occupied {
		if occ {
			out = append(out, r.entries[i].Frame)
		}
	}

	return out
}

// Package frame defines the simulation tick counter and player handle types
// shared by every other package in the engine.
package frame

import "math"

// Frame is a discrete simulation tick. Null is a distinguished sentinel used
// throughout the engine to mean "no frame" (an empty queue, an unset
// prediction, an unanswered request).
type Frame int32

const (
	// Null marks the absence of a frame.
	Null Frame = math.MinInt32

	// Max is the largest frame number the engine will ever produce via
	// arithmetic. It leaves enough headroom below math.MaxInt32 that
	// current_frame + max_prediction_frames (bounded by MaxPredictionFrames)
	// can never wrap into Null.
	Max Frame = math.MaxInt32 - maxHeadroom
)

// maxHeadroom must exceed any legal max_prediction_frames value plus the
// largest input-history multiplier a session can configure.
const maxHeadroom = 1 << 16

// Valid reports whether f is a non-negative, in-range frame number.
func (f Frame) Valid() bool {
	return f != Null && f >= 0 && f <= Max
}

// IsNull reports whether f is the null sentinel.
func (f Frame) IsNull() bool {
	return f == Null
}

// CheckedAdd returns f+delta, or (0, false) if the result would leave the
// valid [0, Max] range (ignoring Null operands, which always fail).
func (f Frame) CheckedAdd(delta int32) (Frame, bool) {
	if f == Null {
		return 0, false
	}

	sum := int64(f) + int64(delta)
	if sum < 0 || sum > int64(Max) {
		return 0, false
	}

	return Frame(sum), true
}

// CheckedSub returns f-delta, or (0, false) on underflow/overflow.
func (f Frame) CheckedSub(delta int32) (Frame, bool) {
	return f.CheckedAdd(-delta)
}

// SaturatingAdd returns f+delta, clamped to Null on underflow and to Max on
// overflow. It never panics and is the arithmetic the sync layer uses in its
// hot path, where a saturated result is a signal, not a bug.
func (f Frame) SaturatingAdd(delta int32) Frame {
	if f == Null {
		return Null
	}

	sum := int64(f) + int64(delta)
	switch {
	case sum < 0:
		return Null
	case sum > int64(Max):
		return Max
	default:
		return Frame(sum)
	}
}

// SaturatingSub returns f-delta, saturating per SaturatingAdd.
func (f Frame) SaturatingSub(delta int32) Frame {
	return f.SaturatingAdd(-delta)
}

// AbsDiff returns the absolute difference between f and g. Both must be
// valid frames; AbsDiff of a Null operand returns Max as a sentinel "as far
// apart as possible" rather than panicking.
func (f Frame) AbsDiff(g Frame) int32 {
	if f == Null || g == Null {
		return int32(Max)
	}

	d := int64(f) - int64(g)
	if d < 0 {
		d = -d
	}

	return int32(d)
}

// Before reports whether f is a valid frame strictly earlier than g.
func (f Frame) Before(g Frame) bool {
	if f == Null || g == Null {
		return false
	}

	return f < g
}

// PlayerHandle is a dense, 0-based index into the session's player list,
// covering both real players and spectators. It is immutable once a session
// allocates it.
type PlayerHandle int

// Valid reports whether h addresses one of the first total players/spectators.
func (h PlayerHandle) Valid(total int) bool {
	return h >= 0 && int(h) < total
}

// Package inputqueue implements the per-player ring buffer of predicted and
// confirmed inputs described in §3/§4.E: frame-delay shifting, rolling
// prediction, and "first incorrect frame" bookkeeping for the rollback
// kernel in package synclayer.
package inputqueue

import (
	"errors"
	"fmt"

	"github.com/wallstop/fortress-rollback/bitinput"
	"github.com/wallstop/fortress-rollback/frame"
)

// DefaultSize is the default ring length (a power of two, per spec, so the
// modulo index can stay a cheap mask if a caller wants to specialize it).
const DefaultSize = 128

// ErrQueueFull is returned by AddInput/AddRemoteInput when the ring is
// already holding Size unconsumed entries.
var ErrQueueFull = errors.New("inputqueue: full")

// ErrFrameOutOfOrder is returned by AddRemoteInput when the supplied frame
// is not strictly greater than the last frame stored.
var ErrFrameOutOfOrder = errors.New("inputqueue: frame out of order")

// ErrInvalidFrameDelay is returned by SetFrameDelay when delay is negative,
// exceeds MaxFrameDelay, or would open a gap against already-stored input.
var ErrInvalidFrameDelay = errors.New("inputqueue: invalid frame delay")

// MaxFrameDelay returns the largest frame_delay a queue of the given size
// may be configured with.
func MaxFrameDelay(size int) int32 {
	return int32(size/2 - 2)
}

// Queue is one player's ring of inputs.
type Queue struct {
	ring []bitinput.Input
	size int
	bits int

	head   int
	length int

	frameDelay int32

	rawNextUserFrame   int32 // local call counter, ignoring frame_delay
	lastUserAddedFrame frame.Frame

	firstFrame         frame.Frame
	lastAddedFrame     frame.Frame
	lastFrameRequested frame.Frame

	prediction          *bitinput.Input
	firstIncorrectFrame frame.Frame
}

// New allocates a queue with room for size inputs of numBits bits each.
func New(size, numBits int) *Queue {
	if size <= 0 {
		size = DefaultSize
	}

	q := &Queue{
		ring: make([]bitinput.Input, size),
		size: size,
		bits: numBits,
	}

	q.reset()

	return q
}

func (q *Queue) reset() {
	q.head = 0
	q.length = 0
	q.rawNextUserFrame = 0
	q.lastUserAddedFrame = frame.Null
	q.firstFrame = frame.Null
	q.lastAddedFrame = frame.Null
	q.lastFrameRequested = frame.Null
	q.prediction = nil
	q.firstIncorrectFrame = frame.Null
}

func (q *Queue) index(f frame.Frame) int {
	return int(int32(f)) % q.size
}

// Len returns the number of confirmed entries currently retained.
func (q *Queue) Len() int { return q.length }

// FirstIncorrectFrame returns the earliest confirmed frame known to differ
// from a previously returned prediction, or frame.Null if none.
func (q *Queue) FirstIncorrectFrame() frame.Frame { return q.firstIncorrectFrame }

// LastAddedFrame returns the most recent frame written to the ring.
func (q *Queue) LastAddedFrame() frame.Frame { return q.lastAddedFrame }

// FrameDelay returns the currently configured input delay.
func (q *Queue) FrameDelay() int32 { return q.frameDelay }

// SetFrameDelay changes the input delay applied by AddInput. Rejected if
// the queue already holds input and the new delay would not seamlessly
// continue from the last stored frame.
func (q *Queue) SetFrameDelay(delay int32) error {
	if delay < 0 || delay > MaxFrameDelay(q.size) {
		return fmt.Errorf("%w: %d", ErrInvalidFrameDelay, delay)
	}

	if q.length > 0 {
		nextEffective := frame.Frame(q.rawNextUserFrame + delay)
		if want, _ := q.lastAddedFrame.CheckedAdd(1); nextEffective != want {
			return fmt.Errorf("%w: would open a gap at frame %d", ErrInvalidFrameDelay, nextEffective)
		}
	}

	q.frameDelay = delay

	return nil
}

// AddInput records a locally produced input, applying the configured frame
// delay, and returns the effective frame it was stored at.
func (q *Queue) AddInput(bits bitinput.Bits) (frame.Frame, error) {
	effective := frame.Frame(q.rawNextUserFrame + q.frameDelay)

	if err := q.insert(effective, bits); err != nil {
		return frame.Null, err
	}

	q.rawNextUserFrame++
	q.lastUserAddedFrame = effective

	return effective, nil
}

// AddRemoteInput records an input received from the network, at its
// explicit frame, with no delay shift and no local bookkeeping.
func (q *Queue) AddRemoteInput(in bitinput.Input) error {
	if q.length > 0 && !q.lastAddedFrame.Before(in.Frame) {
		return fmt.Errorf("%w: got %d, last added %d", ErrFrameOutOfOrder, in.Frame, q.lastAddedFrame)
	}

	return q.insert(in.Frame, in.Bits)
}

func (q *Queue) insert(effective frame.Frame, bits bitinput.Bits) error {
	if q.length >= q.size {
		return ErrQueueFull
	}

	q.ring[q.index(effective)] = bitinput.Input{Frame: effective, Bits: bits}

	if q.firstFrame == frame.Null {
		q.firstFrame = effective
	}

	q.lastAddedFrame = effective
	q.length++

	// q.prediction.Frame is the latest frame a prediction was returned for,
	// so a confirmed frame at or before it was served the predicted bits.
	if q.prediction != nil {
		if !q.prediction.Frame.Before(effective) && !bits.Equal(q.prediction.Bits) && q.firstIncorrectFrame == frame.Null {
			q.firstIncorrectFrame = effective
		}

		if !effective.Before(q.prediction.Frame) {
			q.prediction = nil
		}
	}

	return nil
}

// GetInput returns the input stored for f if confirmed, or a rolling
// prediction (with usedPrediction=true) derived from the most recent
// confirmed input otherwise.
func (q *Queue) GetInput(f frame.Frame) (bitinput.Input, bool) {
	q.lastFrameRequested = f

	if q.length > 0 && !f.Before(q.firstFrame) && !q.lastAddedFrame.Before(f) {
		return q.ring[q.index(f)], false
	}

	if q.prediction == nil {
		base := bitinput.New(q.bits)
		if q.length > 0 {
			base = q.ring[q.index(q.lastAddedFrame)].Bits.Clone()
		}

		q.prediction = &bitinput.Input{Frame: f, Bits: base}
	} else {
		q.prediction.Frame = f
	}

	return *q.prediction, true
}

// GetConfirmedInput returns the stored input for f and true iff f has a
// confirmed (non-predicted) entry.
func (q *Queue) GetConfirmedInput(f frame.Frame) (bitinput.Input, bool) {
	if q.length == 0 || f.Before(q.firstFrame) || q.lastAddedFrame.Before(f) {
		return bitinput.Input{}, false
	}

	return q.ring[q.index(f)], true
}

// DiscardConfirmedFrames advances the retained window's start up to f,
// refusing to discard any frame still needed by the most recent GetInput
// call (frames < last_frame_requested are the only ones eligible).
func (q *Queue) DiscardConfirmedFrames(f frame.Frame) {
	if q.length == 0 {
		return
	}

	limit := f
	if q.lastFrameRequested != frame.Null {
		if bound := q.lastFrameRequested.SaturatingSub(1); bound.Before(limit) {
			limit = bound
		}
	}

	for q.length > 0 && !limit.Before(q.firstFrame) {
		q.firstFrame = q.firstFrame.SaturatingAdd(1)
		q.length--
	}

	if q.length == 0 {
		q.firstFrame = frame.Null
	}
}

// ResetPrediction clears the rolling prediction and first-incorrect-frame
// marker and rewinds last_frame_requested, without touching any confirmed
// input. Called by the sync layer at the start of a rollback.
func (q *Queue) ResetPrediction(f frame.Frame) {
	q.prediction = nil
	q.firstIncorrectFrame = frame.Null
	q.lastFrameRequested = f.SaturatingSub(1)
}

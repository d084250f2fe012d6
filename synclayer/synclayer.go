// Package synclayer implements the local save/predict/rollback state
// machine (§3 SyncLayer, §4.G): it aggregates one savedstate.Ring with one
// inputqueue.Queue per player and runs the rollback kernel each tick.
package synclayer

import (
	"errors"
	"fmt"

	"github.com/wallstop/fortress-rollback/bitinput"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/internal/telemetry"
	"github.com/wallstop/fortress-rollback/inputqueue"
	"github.com/wallstop/fortress-rollback/savedstate"
)

// SaveMode selects how aggressively the sync layer snapshots game state.
type SaveMode int

const (
	// Dense saves every frame (the safe default).
	Dense SaveMode = iota
	// Sparse saves every sparseInterval frames when not replaying a
	// rollback, trading memory/host-call overhead for a bounded-depth
	// backward search (and forward replay) on a rollback that targets an
	// unsaved frame.
	Sparse
)

// sparseInterval bounds how many frames apart two guaranteed saves can be
// under Sparse mode; it must not exceed a ring's capacity.
const sparseInterval = 4

var (
	// ErrInvalidRequest covers a bad player handle or a frame number outside
	// any operation's valid domain.
	ErrInvalidRequest = errors.New("synclayer: invalid request")
	// ErrPredictionThreshold is returned by AddLocalInput when the session
	// has run too far ahead of the last confirmed frame.
	ErrPredictionThreshold = errors.New("synclayer: prediction threshold exceeded")
	// ErrRollbackFailed is returned when no saved state (and, in Sparse
	// mode, no nearby saved state) exists for a frame the kernel must load.
	ErrRollbackFailed = errors.New("synclayer: rollback failed, no saved state")
	// ErrStateSaveNotResponded is returned when the host's SaveGameState
	// callback itself reports failure, leaving no snapshot for the frame.
	ErrStateSaveNotResponded = errors.New("synclayer: host did not save game state")
)

// Host is the game's callback surface (§6): the sync layer calls it
// synchronously to save, load, and advance the host simulation by exactly
// one tick. In the engine's single-threaded cooperative model (§5) a
// deferred request queue and this direct-call interface are equivalent —
// every request is serviced before the call that produced it returns — so
// this interface collapses the three request types into three methods
// instead of a manually drained queue.
type Host interface {
	// SaveGameState snapshots the host's live state for frame f and
	// returns a checksum plus an opaque handle the sync layer will later
	// hand back to LoadGameState.
	SaveGameState(f frame.Frame) (checksumHi, checksumLo uint64, handle savedstate.Handle, err error)
	// LoadGameState overwrites the host's live state from handle.
	LoadGameState(handle savedstate.Handle) error
	// AdvanceFrame steps the host simulation by exactly one tick using
	// inputs (indexed by PlayerHandle) and disconnectFlags (bit i set
	// means player i is currently disconnected).
	AdvanceFrame(inputs []bitinput.Input, disconnectFlags uint32) error
}

// SyncLayer is the per-session rollback engine.
type SyncLayer struct {
	host    Host
	queues  []*inputqueue.Queue
	states  *savedstate.Ring
	metrics *telemetry.Metrics

	currentFrame        frame.Frame
	lastConfirmedFrame  frame.Frame
	maxPredictionFrames int
	saveMode            SaveMode
	rollingBack         bool
	lastSavedFrame      frame.Frame
}

// Config bundles the construction parameters a session needs to build a
// SyncLayer.
type Config struct {
	NumPlayers          int
	QueueSize           int
	InputBits           int
	MaxPredictionFrames int
	SaveMode            SaveMode
	// Metrics is optional; a nil value gets a discarded registry so
	// constructing a SyncLayer never requires a caller to own a registerer.
	Metrics *telemetry.Metrics
}

// New builds a SyncLayer with one InputQueue per player and a SavedStates
// ring sized for cfg.MaxPredictionFrames.
func New(host Host, cfg Config) *SyncLayer {
	queues := make([]*inputqueue.Queue, cfg.NumPlayers)
	for i := range queues {
		queues[i] = inputqueue.New(cfg.QueueSize, cfg.InputBits)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.Noop()
	}

	return &SyncLayer{
		host:                host,
		queues:              queues,
		states:              savedstate.NewRing(cfg.MaxPredictionFrames),
		metrics:             metrics,
		currentFrame:        0,
		lastConfirmedFrame:  frame.Null,
		maxPredictionFrames: cfg.MaxPredictionFrames,
		saveMode:            cfg.SaveMode,
		lastSavedFrame:      frame.Null,
	}
}

// CurrentFrame returns the frame the sync layer is about to simulate next.
func (s *SyncLayer) CurrentFrame() frame.Frame { return s.currentFrame }

// LastConfirmedFrame returns the global confirmed watermark.
func (s *SyncLayer) LastConfirmedFrame() frame.Frame { return s.lastConfirmedFrame }

// RollingBack reports whether the kernel is currently replaying a rollback.
func (s *SyncLayer) RollingBack() bool { return s.rollingBack }

// QueueLen reports how many confirmed entries player h's input queue is
// currently retaining, for telemetry (§4.K InputQueueDepth).
func (s *SyncLayer) QueueLen(h frame.PlayerHandle) (int, error) {
	q, err := s.queue(h)
	if err != nil {
		return 0, err
	}

	return q.Len(), nil
}

// ChecksumAt returns the checksum recorded for a confirmed frame's saved
// state, if one is still retained in the ring. Used by session-level desync
// detection (§4.J), which only ever checks confirmed frames.
func (s *SyncLayer) ChecksumAt(f frame.Frame) (hi, lo uint64, ok bool) {
	st, err := s.states.Load(f)
	if err != nil {
		return 0, 0, false
	}

	return st.ChecksumHi, st.ChecksumLo, true
}

func (s *SyncLayer) queue(h frame.PlayerHandle) (*inputqueue.Queue, error) {
	if !h.Valid(len(s.queues)) {
		return nil, fmt.Errorf("%w: bad player handle %d", ErrInvalidRequest, h)
	}

	return s.queues[h], nil
}

// SetFrameDelay forwards to the named player's queue.
func (s *SyncLayer) SetFrameDelay(h frame.PlayerHandle, delay int32) error {
	q, err := s.queue(h)
	if err != nil {
		return err
	}

	return q.SetFrameDelay(delay)
}

// AddLocalInput records a locally produced input for h, refusing to do so
// if the session has already run more than max_prediction_frames ahead of
// the last confirmed frame (the caller must call AdvanceFrame first).
func (s *SyncLayer) AddLocalInput(h frame.PlayerHandle, bits bitinput.Bits) (frame.Frame, error) {
	if !s.lastConfirmedFrame.IsNull() {
		ahead := int32(s.currentFrame) - int32(s.lastConfirmedFrame)
		if ahead > int32(s.maxPredictionFrames) {
			return frame.Null, fmt.Errorf("%w: %d frames ahead of confirmed", ErrPredictionThreshold, ahead)
		}
	}

	q, err := s.queue(h)
	if err != nil {
		return frame.Null, err
	}

	return q.AddInput(bits)
}

// AddRemoteInput records a network-delivered input for h. Unbounded: the
// network, not local prediction depth, governs how far ahead it can be.
func (s *SyncLayer) AddRemoteInput(h frame.PlayerHandle, in bitinput.Input) error {
	q, err := s.queue(h)
	if err != nil {
		return err
	}

	return q.AddRemoteInput(in)
}

// InputsForFrame concatenates every player's input (confirmed or predicted)
// for frame f, along with a disconnect bitmask and whether any prediction
// was used.
func (s *SyncLayer) InputsForFrame(f frame.Frame, disconnected []bool) (inputs []bitinput.Input, disconnectFlags uint32, usedPrediction bool) {
	inputs = make([]bitinput.Input, len(s.queues))

	for i, q := range s.queues {
		in, used := q.GetInput(f)
		inputs[i] = in

		if used {
			usedPrediction = true
		}

		if i < len(disconnected) && disconnected[i] {
			disconnectFlags |= 1 << uint(i)
		}
	}

	return inputs, disconnectFlags, usedPrediction
}

// SetLastConfirmedFrame advances the global confirmed watermark and
// discards now-unneeded history from every queue.
func (s *SyncLayer) SetLastConfirmedFrame(f frame.Frame) {
	if !s.lastConfirmedFrame.IsNull() && f.Before(s.lastConfirmedFrame) {
		return
	}

	s.lastConfirmedFrame = f

	for _, q := range s.queues {
		q.DiscardConfirmedFrames(f)
	}
}

// saveCurrentFrame snapshots the host's state for s.currentFrame, honoring
// save_mode, and records the result in the SavedStates ring.
func (s *SyncLayer) saveCurrentFrame() error {
	if s.saveMode == Sparse && !s.rollingBack && !s.lastSavedFrame.IsNull() {
		if s.currentFrame.AbsDiff(s.lastSavedFrame) < sparseInterval {
			return nil
		}
	}

	checksumHi, checksumLo, handle, err := s.host.SaveGameState(s.currentFrame)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateSaveNotResponded, err)
	}

	s.states.Save(s.currentFrame, checksumHi, checksumLo, handle)
	s.lastSavedFrame = s.currentFrame

	return nil
}

// loadFrame restores the host to the state it was in just before frame
// target was simulated (snapshot[target] is always a pre-frame snapshot,
// per step's save-before-advance ordering), either directly (an exact
// snapshot exists) or, under Sparse mode, by loading the nearest earlier
// snapshot and replaying forward without re-saving intermediate frames.
func (s *SyncLayer) loadFrame(target frame.Frame, disconnected []bool) error {
	if cell, err := s.states.Load(target); err == nil {
		return s.host.LoadGameState(cell.Data)
	}

	if s.saveMode != Sparse {
		return fmt.Errorf("%w: frame %d", ErrRollbackFailed, target)
	}

	for back := int32(1); back <= int32(s.maxPredictionFrames); back++ {
		probe := target.SaturatingSub(back)
		if probe.IsNull() {
			break
		}

		cell, err := s.states.Load(probe)
		if err != nil {
			continue
		}

		if err := s.host.LoadGameState(cell.Data); err != nil {
			return err
		}

		for cur := probe; cur.Before(target); cur = cur.SaturatingAdd(1) {
			inputs, disconnectFlags, _ := s.InputsForFrame(cur, disconnected)
			if err := s.host.AdvanceFrame(inputs, disconnectFlags); err != nil {
				return err
			}
		}

		return nil
	}

	return fmt.Errorf("%w: frame %d", ErrRollbackFailed, target)
}

// step runs exactly one simulation tick at s.currentFrame: snapshot the
// host's state as of arriving at s.currentFrame (the pre-frame state,
// GGPO/GGRS convention — see loadFrame), then advance the host and
// increment current_frame. Used both by the rollback replay loop and by
// the normal per-tick advance. Saving before advancing is what lets
// loadFrame(target) followed by resimulating target reproduce the
// original run instead of double-applying it.
func (s *SyncLayer) step(disconnected []bool) error {
	if err := s.saveCurrentFrame(); err != nil {
		return err
	}

	inputs, disconnectFlags, _ := s.InputsForFrame(s.currentFrame, disconnected)

	if err := s.host.AdvanceFrame(inputs, disconnectFlags); err != nil {
		return err
	}

	s.currentFrame = s.currentFrame.SaturatingAdd(1)

	return nil
}

// CheckSimulation runs the §4.G rollback kernel: find the earliest frame
// any queue reports mispredicted, load the state just before it, reset
// every queue's prediction, and replay forward to the frame we were at
// before rolling back. If no queue reports a misprediction, it is a no-op.
func (s *SyncLayer) CheckSimulation(disconnected []bool) error {
	first := frame.Null

	for _, q := range s.queues {
		if f := q.FirstIncorrectFrame(); !f.IsNull() {
			if first.IsNull() || f.Before(first) {
				first = f
			}
		}
	}

	if first.IsNull() {
		return nil
	}

	s.metrics.PredictionMissesTotal.Inc()

	for _, q := range s.queues {
		q.ResetPrediction(first)
	}

	return s.rollbackAndReplay(first, disconnected)
}

// rollbackAndReplay loads the state at from, then replays forward one step
// at a time up to (not including) the frame current_frame held on entry,
// leaving current_frame restored to that same value. CheckSimulation and
// ForceRollback both reduce to this.
func (s *SyncLayer) rollbackAndReplay(from frame.Frame, disconnected []bool) error {
	target := s.currentFrame

	if err := s.loadFrame(from, disconnected); err != nil {
		return err
	}

	s.metrics.RollbacksTotal.Inc()
	s.rollingBack = true
	s.currentFrame = from

	for s.currentFrame.Before(target) {
		if err := s.step(disconnected); err != nil {
			s.rollingBack = false
			return err
		}
	}

	s.rollingBack = false

	return nil
}

// ForceRollback replays the simulation from an already-saved frame up to
// the current frame without requiring a queue misprediction to trigger it.
// Used by the SyncTest session (§4.J) to validate determinism: it forces a
// rollback on a schedule and compares each replayed frame's checksum
// against the one recorded the first time that frame was simulated.
func (s *SyncLayer) ForceRollback(from frame.Frame, disconnected []bool) error {
	return s.rollbackAndReplay(from, disconnected)
}

// AdvanceFrame runs one full tick: check_simulation (rolling back and
// replaying if necessary) followed by a normal advance of the new current
// frame. If it returns an error, current_frame is left unchanged from
// before the call (property 8).
func (s *SyncLayer) AdvanceFrame(disconnected []bool) error {
	before := s.currentFrame

	if err := s.CheckSimulation(disconnected); err != nil {
		s.currentFrame = before
		return err
	}

	if err := s.step(disconnected); err != nil {
		s.currentFrame = before
		return err
	}

	return nil
}

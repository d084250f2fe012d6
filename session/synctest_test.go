package session

import (
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallstop/fortress-rollback/bitinput"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/savedstate"
)

func drainSyncTestEvents(s *SyncTestSession) []Event {
	var out []Event

	for {
		select {
		case e := <-s.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSyncTestSessionNoDesyncOnDeterministicHost(t *testing.T) {
	host := newFakeHost(2)
	cfg := NewConfig(2).WithMaxPredictionFrames(8)

	sess, err := NewSyncTestSession(cfg, 4, host)
	require.NoError(t, err)

	for i := 0; i < 32; i++ {
		bits := bitinput.New(cfg.inputBits)
		bits.Set(i%8, true)

		for h := frame.PlayerHandle(0); int(h) < 2; h++ {
			_, err := sess.AddLocalInput(h, bits)
			require.NoError(t, err)
		}

		require.NoError(t, sess.AdvanceFrame(nil))
	}

	assert.Empty(t, drainSyncTestEvents(sess))
}

// flakyHost folds an ever-incrementing call counter into its checksum, so
// replaying the same frames during a forced rollback produces a different
// checksum than the first pass did — the nondeterminism SyncTest exists to
// catch.
type flakyHost struct {
	acc   []uint32
	calls uint32
}

func newFlakyHost(numPlayers int) *flakyHost {
	return &flakyHost{acc: make([]uint32, numPlayers)}
}

func (h *flakyHost) SaveGameState(f frame.Frame) (hi, lo uint64, handle savedstate.Handle, err error) {
	snap := make([]uint32, len(h.acc))
	copy(snap, h.acc)

	sum := fnv.New64a()
	for _, v := range h.acc {
		sum.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
	}

	return 0, sum.Sum64(), snap, nil
}

func (h *flakyHost) LoadGameState(handle savedstate.Handle) error {
	snap := handle.([]uint32)
	copy(h.acc, snap)

	return nil
}

func (h *flakyHost) AdvanceFrame(inputs []bitinput.Input, disconnectFlags uint32) error {
	h.calls++

	for i, in := range inputs {
		h.acc[i] += h.calls

		for _, b := range in.Bits.Bytes() {
			h.acc[i] += uint32(b)
		}
	}

	return nil
}

func TestSyncTestSessionDetectsNondeterminism(t *testing.T) {
	host := newFlakyHost(1)
	cfg := NewConfig(1).WithMaxPredictionFrames(8)

	sess, err := NewSyncTestSession(cfg, 4, host)
	require.NoError(t, err)

	var sawDesync bool

	for i := 0; i < 16 && !sawDesync; i++ {
		bits := bitinput.New(cfg.inputBits)
		bits.Set(i%8, true)

		_, err := sess.AddLocalInput(0, bits)
		require.NoError(t, err)

		require.NoError(t, sess.AdvanceFrame(nil))

		for _, e := range drainSyncTestEvents(sess) {
			if e.Kind == EventDesyncDetected {
				sawDesync = true
			}
		}
	}

	assert.True(t, sawDesync, "expected the flaky host's nondeterminism to surface as a desync event")
}

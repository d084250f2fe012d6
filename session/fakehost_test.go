package session

import (
	"hash/fnv"

	"github.com/wallstop/fortress-rollback/bitinput"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/savedstate"
)

// fakeHost is a minimal deterministic synclayer.Host: its "game state" is
// just an accumulator per player, updated by summing each frame's input
// bytes into a running hash. Saving clones the accumulator slice; loading
// overwrites it. Good enough to exercise rollback/replay determinism
// without a real game.
type fakeHost struct {
	acc []uint32
}

func newFakeHost(numPlayers int) *fakeHost {
	return &fakeHost{acc: make([]uint32, numPlayers)}
}

func (h *fakeHost) SaveGameState(f frame.Frame) (hi, lo uint64, handle savedstate.Handle, err error) {
	snap := make([]uint32, len(h.acc))
	copy(snap, h.acc)

	sum := fnv.New64a()
	for _, v := range h.acc {
		sum.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
	}

	return 0, sum.Sum64(), snap, nil
}

func (h *fakeHost) LoadGameState(handle savedstate.Handle) error {
	snap := handle.([]uint32)
	copy(h.acc, snap)

	return nil
}

func (h *fakeHost) AdvanceFrame(inputs []bitinput.Input, disconnectFlags uint32) error {
	for i, in := range inputs {
		for _, b := range in.Bits.Bytes() {
			h.acc[i] += uint32(b) + 1
		}
	}

	return nil
}

package inputqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallstop/fortress-rollback/bitinput"
	"github.com/wallstop/fortress-rollback/frame"
)

func bits(n int, set ...int) bitinput.Bits {
	b := bitinput.New(n)
	for _, i := range set {
		b.Set(i, true)
	}

	return b
}

// Property 1: queried frames are strictly increasing by 1 starting at frame_delay.
func TestQueueMonotonicity(t *testing.T) {
	q := New(32, 8)
	require.NoError(t, q.SetFrameDelay(2))

	for i := 0; i < 10; i++ {
		f, err := q.AddInput(bits(8))
		require.NoError(t, err)
		assert.Equal(t, frame.Frame(i+2), f)
	}
}

// Property 2: once a confirmed input is observed, it never changes.
func TestConfirmedImmutability(t *testing.T) {
	q := New(32, 8)

	in := bitinput.Input{Frame: 0, Bits: bits(8, 1)}
	require.NoError(t, q.AddRemoteInput(in))

	got1, ok := q.GetConfirmedInput(0)
	require.True(t, ok)

	got2, ok := q.GetConfirmedInput(0)
	require.True(t, ok)

	assert.True(t, got1.Bits.Equal(got2.Bits))
	assert.True(t, got1.Bits.Equal(in.Bits))
}

// Property 3: a mismatched confirmation sets first_incorrect_frame <= f.
func TestPredictionRollbackSoundness(t *testing.T) {
	q := New(32, 8)

	predicted, used := q.GetInput(5)
	require.True(t, used)
	assert.True(t, predicted.Bits.IsZero())

	actual := bitinput.Input{Frame: 5, Bits: bits(8, 3)}
	require.NoError(t, q.AddRemoteInput(actual))

	assert.False(t, q.FirstIncorrectFrame().IsNull())
	assert.True(t, frame.Frame(5).AbsDiff(q.FirstIncorrectFrame()) >= 0)
	assert.LessOrEqual(t, int32(q.FirstIncorrectFrame()), int32(5))
}

func TestGetInputReturnsConfirmedWithinWindow(t *testing.T) {
	q := New(32, 8)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.AddRemoteInput(bitinput.Input{Frame: frame.Frame(i), Bits: bits(8, i%8)}))
	}

	got, used := q.GetInput(2)
	assert.False(t, used)
	assert.True(t, got.Bits.Get(2))
}

func TestGetInputPredictsPastLastAdded(t *testing.T) {
	q := New(32, 8)
	require.NoError(t, q.AddRemoteInput(bitinput.Input{Frame: 0, Bits: bits(8, 4)}))

	p1, used := q.GetInput(1)
	require.True(t, used)
	assert.True(t, p1.Bits.Get(4))

	p2, used := q.GetInput(2)
	require.True(t, used)
	assert.True(t, p2.Bits.Get(4))
	assert.Equal(t, frame.Frame(2), p2.Frame)
}

func TestDiscardConfirmedFramesRespectsLastRequested(t *testing.T) {
	q := New(32, 8)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.AddRemoteInput(bitinput.Input{Frame: frame.Frame(i), Bits: bits(8)}))
	}

	_, _ = q.GetInput(3) // last_frame_requested = 3

	q.DiscardConfirmedFrames(9)

	// Must not discard frame 3 (== last_frame_requested), it's still needed.
	_, ok := q.GetConfirmedInput(3)
	assert.True(t, ok)
}

func TestQueueFullRejected(t *testing.T) {
	q := New(4, 8)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.AddRemoteInput(bitinput.Input{Frame: frame.Frame(i), Bits: bits(8)}))
	}

	err := q.AddRemoteInput(bitinput.Input{Frame: 4, Bits: bits(8)})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestAddRemoteInputOutOfOrderRejected(t *testing.T) {
	q := New(32, 8)
	require.NoError(t, q.AddRemoteInput(bitinput.Input{Frame: 5, Bits: bits(8)}))

	err := q.AddRemoteInput(bitinput.Input{Frame: 3, Bits: bits(8)})
	assert.ErrorIs(t, err, ErrFrameOutOfOrder)

	err = q.AddRemoteInput(bitinput.Input{Frame: 5, Bits: bits(8)})
	assert.ErrorIs(t, err, ErrFrameOutOfOrder)
}

func TestSetFrameDelayRejectsGapAfterInput(t *testing.T) {
	q := New(32, 8)
	_, err := q.AddInput(bits(8))
	require.NoError(t, err)

	err = q.SetFrameDelay(5)
	assert.ErrorIs(t, err, ErrInvalidFrameDelay)
}

func TestSetFrameDelayRejectsOutOfRange(t *testing.T) {
	q := New(32, 8)
	assert.ErrorIs(t, q.SetFrameDelay(-1), ErrInvalidFrameDelay)
	assert.ErrorIs(t, q.SetFrameDelay(MaxFrameDelay(32)+1), ErrInvalidFrameDelay)
}

func TestResetPredictionClearsWithoutTouchingConfirmed(t *testing.T) {
	q := New(32, 8)
	require.NoError(t, q.AddRemoteInput(bitinput.Input{Frame: 0, Bits: bits(8, 1)}))

	_, _ = q.GetInput(1)
	actual := bitinput.Input{Frame: 1, Bits: bits(8, 2)}
	require.NoError(t, q.AddRemoteInput(actual))
	require.False(t, q.FirstIncorrectFrame().IsNull())

	q.ResetPrediction(1)
	assert.True(t, q.FirstIncorrectFrame().IsNull())

	got, ok := q.GetConfirmedInput(0)
	require.True(t, ok)
	assert.True(t, got.Bits.Get(1))
}

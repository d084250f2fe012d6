package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallstop/fortress-rollback/bitinput"
	"github.com/wallstop/fortress-rollback/frame"
)

func mkInput(f int, bits ...int) bitinput.Input {
	b := bitinput.New(16)
	for _, i := range bits {
		b.Set(i, true)
	}

	return bitinput.Input{Frame: frame.Frame(f), Bits: b}
}

func TestRoundTripMatchesScenarioS3(t *testing.T) {
	xs := []bitinput.Input{
		mkInput(0),
		mkInput(1, 7),
		mkInput(2, 7),
		mkInput(3),
	}

	ref := bitinput.New(16)

	buf := EncodeInputs(nil, xs, ref)
	decoded, consumed, err := DecodeInputs(buf, ref, 16)
	require.NoError(t, err)
	assert.Equal(t, len(buf), consumed, "decode must consume exactly what encode wrote")
	require.Len(t, decoded.Bits, len(xs))

	for i, x := range xs {
		assert.Truef(t, x.Bits.Equal(decoded.Bits[i]), "frame %d mismatch", i)
	}

	assert.True(t, decoded.Last.Equal(xs[len(xs)-1].Bits))
}

func TestRoundTripAllHeldSteady(t *testing.T) {
	ref := bitinput.New(8)
	ref.Set(3, true)

	xs := make([]bitinput.Input, 10)
	for i := range xs {
		b := bitinput.New(8)
		b.Set(3, true)
		xs[i] = bitinput.Input{Frame: frame.Frame(i), Bits: b}
	}

	buf := EncodeInputs(nil, xs, ref)
	decoded, _, err := DecodeInputs(buf, ref, 8)
	require.NoError(t, err)

	for i, x := range xs {
		assert.True(t, x.Bits.Equal(decoded.Bits[i]))
	}

	// A held-steady run must compress to a handful of bytes regardless of length.
	assert.Less(t, len(buf), 10)
}

func TestRoundTripEmptyBatch(t *testing.T) {
	ref := bitinput.New(8)
	buf := EncodeInputs(nil, nil, ref)
	decoded, consumed, err := DecodeInputs(buf, ref, 8)
	require.NoError(t, err)
	assert.Empty(t, decoded.Bits)
	assert.Equal(t, len(buf), consumed)
}

func TestDecodeTruncatedStream(t *testing.T) {
	xs := []bitinput.Input{mkInput(0, 1, 2, 3)}
	ref := bitinput.New(16)
	buf := EncodeInputs(nil, xs, ref)

	for cut := 1; cut < len(buf); cut++ {
		_, _, err := DecodeInputs(buf[:cut], ref, 16)
		assert.ErrorIs(t, err, ErrTruncated, "truncating to %d bytes must fail", cut)
	}
}

func TestDecodeRejectsOutOfRangeBitPosition(t *testing.T) {
	ref := bitinput.New(8)

	var buf []byte
	buf = AppendVarint(buf, 1) // one frame
	buf = AppendVarint(buf, 2) // marker: 1 position follows
	buf = AppendVarint(buf, 200)

	_, _, err := DecodeInputs(buf, ref, 8)
	assert.ErrorIs(t, err, ErrOverlong)
}

func TestEncodeIsPureFunctionOfInputs(t *testing.T) {
	xs := []bitinput.Input{mkInput(0, 2), mkInput(1, 2, 4)}
	ref := bitinput.New(16)

	a := EncodeInputs(nil, xs, ref)
	b := EncodeInputs(nil, xs, ref)
	assert.Equal(t, a, b)
}

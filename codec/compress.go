package codec

import (
	"github.com/wallstop/fortress-rollback/bitinput"
)

// Compression encodes a batch of per-frame inputs (all sharing one bit
// length) as: delta-XOR against a rolling reference (the previous input in
// the stream, seeded by the caller's ref for the first frame), run-length
// collapsing of the common "nothing changed" case, noncontiguous-bit
// position lists for the frames where something did change, and LEB128
// varints throughout.
//
// Wire shape (no frame-length prefix beyond the leading count — num_bits is
// carried by the enclosing wire message, see codec/wire.go):
//
//	varint(frameCount)
//	repeat until frameCount frames have been produced:
//	  varint(marker)
//	  marker == 0:  varint(runLength); runLength frames equal to the
//	                current reference follow with no further bytes.
//	  marker  > 0:  marker-1 set-bit positions follow as ascending gaps
//	                (gap = position - previousPosition - 1); the decoded
//	                frame is reference XOR those bits, and becomes the new
//	                reference for the next frame.

// EncodeInputs appends the compressed encoding of xs (using ref as the
// reference for the first frame) to buf and returns the extended slice.
func EncodeInputs(buf []byte, xs []bitinput.Input, ref bitinput.Bits) []byte {
	buf = AppendVarint(buf, uint64(len(xs)))

	prev := ref
	i := 0

	for i < len(xs) {
		diff := xs[i].Bits.Xor(prev)

		if diff.IsZero() {
			run := 1
			for i+run < len(xs) && xs[i+run].Bits.Xor(prev).IsZero() {
				run++
			}

			buf = AppendVarint(buf, 0)
			buf = AppendVarint(buf, uint64(run))
			i += run

			continue
		}

		positions := setBitPositions(diff)
		buf = AppendVarint(buf, uint64(len(positions)+1))

		prevPos := -1
		for _, pos := range positions {
			buf = AppendVarint(buf, uint64(pos-prevPos-1))
			prevPos = pos
		}

		prev = xs[i].Bits
		i++
	}

	return buf
}

// DecodedInputs holds the result of DecodeInputs: the reconstructed
// per-frame bit buffers (no frame numbers are carried — the caller assigns
// them from the enclosing message's start_frame) and the reference the stream
// ended on, suitable as next message's starting ref for continuity checks.
type DecodedInputs struct {
	Bits []bitinput.Bits
	Last bitinput.Bits
}

// DecodeInputs reverses EncodeInputs. numBits must match the bit length
// used to encode (carried out-of-band by the wire message header).
func DecodeInputs(buf []byte, ref bitinput.Bits, numBits int) (DecodedInputs, int, error) {
	frameCount, n, err := ReadVarint(buf)
	if err != nil {
		return DecodedInputs{}, n, ErrTruncated
	}

	off := n
	out := make([]bitinput.Bits, 0, frameCount)
	prev := ref

	for uint64(len(out)) < frameCount {
		if off >= len(buf) {
			return DecodedInputs{}, off, ErrTruncated
		}

		marker, mn, err := ReadVarint(buf[off:])
		if err != nil {
			return DecodedInputs{}, off + mn, ErrTruncated
		}
		off += mn

		if marker == 0 {
			run, rn, err := ReadVarint(buf[off:])
			if err != nil {
				return DecodedInputs{}, off + rn, ErrTruncated
			}
			off += rn

			if uint64(len(out))+run > frameCount {
				return DecodedInputs{}, off, ErrOverlong
			}

			for k := uint64(0); k < run; k++ {
				out = append(out, prev.Clone())
			}

			continue
		}

		numPositions := int(marker - 1)
		diff := bitinput.New(numBits)
		prevPos := -1

		for p := 0; p < numPositions; p++ {
			if off >= len(buf) {
				return DecodedInputs{}, off, ErrTruncated
			}

			gap, gn, err := ReadVarint(buf[off:])
			if err != nil {
				return DecodedInputs{}, off + gn, ErrTruncated
			}
			off += gn

			pos := prevPos + 1 + int(gap)
			if pos >= numBits {
				return DecodedInputs{}, off, ErrOverlong
			}

			diff.Set(pos, true)
			prevPos = pos
		}

		actual := prev.Xor(diff)
		out = append(out, actual)
		prev = actual
	}

	return DecodedInputs{Bits: out, Last: prev}, off, nil
}

// setBitPositions returns the ascending indices of set bits in b.
func setBitPositions(b bitinput.Bits) []int {
	positions := make([]int, 0, b.Len()/8+1)

	for i := 0; i < b.Len(); i++ {
		if b.Get(i) {
			positions = append(positions, i)
		}
	}

	return positions
}

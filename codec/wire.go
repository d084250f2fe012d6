package codec

import (
	"encoding/binary"

	"github.com/wallstop/fortress-rollback/frame"
)

// MsgType identifies the payload carried after the fixed header.
type MsgType uint8

const (
	MsgSyncRequest MsgType = iota
	MsgSyncReply
	MsgInput
	MsgInputAck
	MsgQualityReport
	MsgQualityReply
	MsgKeepAlive
)

// Version is written into every header's reserved version byte. It exists
// so two engine builds can eventually negotiate a breaking wire change;
// today only 0 is understood.
const Version = 0

// DefaultMTU is the default ceiling on an encoded message's total size, in
// bytes, matching the conservative "fits in one unfragmented UDP datagram"
// budget the spec calls out.
const DefaultMTU = 1200

// headerSize is magic(2) + seq(2) + type(1) + version(1).
const headerSize = 6

// Header is the fixed-size prefix common to every message.
type Header struct {
	Magic   uint16
	Seq     uint16
	Type    MsgType
	Version uint8
}

// PeerConnectStatus reports, from the sender's point of view, whether a
// given player/spectator slot is known to be disconnected and the last
// frame it was heard from.
type PeerConnectStatus struct {
	Disconnected bool
	LastFrame    frame.Frame
}

// InputPayload is the §4.D Input message body. Bits is the codec-compressed
// stream produced by EncodeInputs; NumBits is the per-frame bit length
// needed to decode it. HasChecksum/ChecksumFrame/Checksum piggyback the
// desync-detection checksum (§4.J) for one confirmed frame per message;
// Checksum carries only the low 64 bits of a saved frame's 128-bit
// checksum, which is ample collision resistance for a heuristic
// cross-check and keeps the hot-path Input message from growing a second
// 64-bit field for marginal benefit.
type InputPayload struct {
	PeerConnectStatus   []PeerConnectStatus
	StartFrame          frame.Frame
	DisconnectRequested bool
	AckFrame            frame.Frame
	NumBits             uint16
	Bits                []byte
	HasChecksum         bool
	ChecksumFrame       frame.Frame
	Checksum            uint64
}

// InputAckPayload is the §4.D InputAck message body.
type InputAckPayload struct {
	AckFrame frame.Frame
}

// SyncRequestPayload is the §4.D SyncReq message body.
type SyncRequestPayload struct {
	RandomRequest uint32
}

// SyncReplyPayload is the §4.D SyncRep message body.
type SyncReplyPayload struct {
	RandomReply uint32
}

// QualityReportPayload is the §4.D QualityReport message body.
type QualityReportPayload struct {
	FrameAdvantage int8
	Ping           uint32
}

// QualityReplyPayload is the §4.D QualityReply message body.
type QualityReplyPayload struct {
	Pong uint32
}

// Message is a decoded datagram: the header plus exactly one populated
// payload field (KeepAlive carries none).
type Message struct {
	Header        Header
	SyncRequest   *SyncRequestPayload
	SyncReply     *SyncReplyPayload
	Input         *InputPayload
	InputAck      *InputAckPayload
	QualityReport *QualityReportPayload
	QualityReply  *QualityReplyPayload
}

func putFrame(buf []byte, f frame.Frame) []byte {
	return AppendVarintSigned(buf, int64(f))
}

func getFrame(buf []byte) (frame.Frame, int, error) {
	v, n, err := ReadVarintSigned(buf)
	if err != nil {
		return 0, n, err
	}

	return frame.Frame(v), n, nil
}

// Encode serializes m, refusing to produce a datagram larger than mtu
// bytes (0 means DefaultMTU).
func Encode(m Message, mtu int) ([]byte, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	buf := make([]byte, headerSize, 64)
	binary.LittleEndian.PutUint16(buf[0:2], m.Header.Magic)
	binary.LittleEndian.PutUint16(buf[2:4], m.Header.Seq)
	buf[4] = byte(m.Header.Type)
	buf[5] = Version

	var err error

	switch m.Header.Type {
	case MsgSyncRequest:
		buf = AppendVarint(buf, uint64(m.SyncRequest.RandomRequest))
	case MsgSyncReply:
		buf = AppendVarint(buf, uint64(m.SyncReply.RandomReply))
	case MsgInput:
		buf, err = encodeInput(buf, m.Input)
	case MsgInputAck:
		buf = putFrame(buf, m.InputAck.AckFrame)
	case MsgQualityReport:
		buf = append(buf, byte(m.QualityReport.FrameAdvantage))
		buf = AppendVarint(buf, uint64(m.QualityReport.Ping))
	case MsgQualityReply:
		buf = AppendVarint(buf, uint64(m.QualityReply.Pong))
	case MsgKeepAlive:
		// no payload
	}

	if err != nil {
		return nil, err
	}

	if len(buf) > mtu {
		return nil, ErrMessageTooLarge
	}

	return buf, nil
}

func encodeInput(buf []byte, p *InputPayload) ([]byte, error) {
	buf = AppendVarint(buf, uint64(len(p.PeerConnectStatus)))

	for _, s := range p.PeerConnectStatus {
		var b byte
		if s.Disconnected {
			b = 1
		}

		buf = append(buf, b)
		buf = putFrame(buf, s.LastFrame)
	}

	buf = putFrame(buf, p.StartFrame)

	var disc byte
	if p.DisconnectRequested {
		disc = 1
	}

	buf = append(buf, disc)
	buf = putFrame(buf, p.AckFrame)

	var numBits [2]byte
	binary.LittleEndian.PutUint16(numBits[:], p.NumBits)
	buf = append(buf, numBits[:]...)

	buf = AppendVarint(buf, uint64(len(p.Bits)))
	buf = append(buf, p.Bits...)

	var hasChecksum byte
	if p.HasChecksum {
		hasChecksum = 1
	}

	buf = append(buf, hasChecksum)

	if p.HasChecksum {
		buf = putFrame(buf, p.ChecksumFrame)
		buf = AppendVarint(buf, p.Checksum)
	}

	return buf, nil
}

// Decode parses a single datagram. The datagram must be exactly one
// message; trailing bytes left over after the payload is fully parsed are
// reported as ErrOverlong.
func Decode(buf []byte) (Message, error) {
	if len(buf) < headerSize {
		return Message{}, ErrTruncated
	}

	m := Message{Header: Header{
		Magic:   binary.LittleEndian.Uint16(buf[0:2]),
		Seq:     binary.LittleEndian.Uint16(buf[2:4]),
		Type:    MsgType(buf[4]),
		Version: buf[5],
	}}

	if m.Header.Version != Version {
		return Message{}, ErrBadVersion
	}

	rest := buf[headerSize:]
	var (
		consumed int
		err      error
	)

	switch m.Header.Type {
	case MsgSyncRequest:
		var v uint64
		v, consumed, err = ReadVarint(rest)
		m.SyncRequest = &SyncRequestPayload{RandomRequest: uint32(v)}
	case MsgSyncReply:
		var v uint64
		v, consumed, err = ReadVarint(rest)
		m.SyncReply = &SyncReplyPayload{RandomReply: uint32(v)}
	case MsgInput:
		m.Input, consumed, err = decodeInput(rest)
	case MsgInputAck:
		var f frame.Frame
		f, consumed, err = getFrame(rest)
		m.InputAck = &InputAckPayload{AckFrame: f}
	case MsgQualityReport:
		if len(rest) < 1 {
			return Message{}, ErrTruncated
		}

		adv := int8(rest[0])

		var ping uint64
		var n int
		ping, n, err = ReadVarint(rest[1:])
		consumed = 1 + n
		m.QualityReport = &QualityReportPayload{FrameAdvantage: adv, Ping: uint32(ping)}
	case MsgQualityReply:
		var v uint64
		v, consumed, err = ReadVarint(rest)
		m.QualityReply = &QualityReplyPayload{Pong: uint32(v)}
	case MsgKeepAlive:
		consumed = 0
	default:
		return Message{}, ErrBadVersion
	}

	if err != nil {
		return Message{}, err
	}

	if consumed != len(rest) {
		return Message{}, ErrOverlong
	}

	return m, nil
}

func decodeInput(buf []byte) (*InputPayload, int, error) {
	off := 0

	count, n, err := ReadVarint(buf[off:])
	if err != nil {
		return nil, off, ErrTruncated
	}
	off += n

	statuses := make([]PeerConnectStatus, 0, count)

	for i := uint64(0); i < count; i++ {
		if off >= len(buf) {
			return nil, off, ErrTruncated
		}

		disc := buf[off] != 0
		off++

		f, fn, err := getFrame(buf[off:])
		if err != nil {
			return nil, off, ErrTruncated
		}
		off += fn

		statuses = append(statuses, PeerConnectStatus{Disconnected: disc, LastFrame: f})
	}

	startFrame, n, err := getFrame(buf[off:])
	if err != nil {
		return nil, off, ErrTruncated
	}
	off += n

	if off >= len(buf) {
		return nil, off, ErrTruncated
	}

	discRequested := buf[off] != 0
	off++

	ackFrame, n, err := getFrame(buf[off:])
	if err != nil {
		return nil, off, ErrTruncated
	}
	off += n

	if off+2 > len(buf) {
		return nil, off, ErrTruncated
	}

	numBits := binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2

	bitsLen, n, err := ReadVarint(buf[off:])
	if err != nil {
		return nil, off, ErrTruncated
	}
	off += n

	if off+int(bitsLen) > len(buf) {
		return nil, off, ErrTruncated
	}

	bits := make([]byte, bitsLen)
	copy(bits, buf[off:off+int(bitsLen)])
	off += int(bitsLen)

	if off >= len(buf) {
		return nil, off, ErrTruncated
	}

	hasChecksum := buf[off] != 0
	off++

	var (
		checksumFrame frame.Frame
		checksum      uint64
	)

	if hasChecksum {
		checksumFrame, n, err = getFrame(buf[off:])
		if err != nil {
			return nil, off, ErrTruncated
		}
		off += n

		checksum, n, err = ReadVarint(buf[off:])
		if err != nil {
			return nil, off, ErrTruncated
		}
		off += n
	}

	return &InputPayload{
		PeerConnectStatus:   statuses,
		StartFrame:          startFrame,
		DisconnectRequested: discRequested,
		AckFrame:            ackFrame,
		NumBits:             numBits,
		Bits:                bits,
		HasChecksum:         hasChecksum,
		ChecksumFrame:       checksumFrame,
		Checksum:            checksum,
	}, off, nil
}

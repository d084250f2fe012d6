// Package protocol implements the per-remote-peer UDP state machine (§3
// UdpProtocol, §4.I): handshake, paced input send/ack, keep-alives, quality
// reporting, and disconnect detection. One Peer wraps exactly one remote
// address; a session owns one Peer per remote player.
package protocol

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"net"
	"time"

	"github.com/wallstop/fortress-rollback/bitinput"
	"github.com/wallstop/fortress-rollback/codec"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/internal/protocolutil"
	"github.com/wallstop/fortress-rollback/internal/telemetry"
)

// State is the peer protocol's connection state (§4.I state machine).
type State int

const (
	StateSyncing State = iota
	StateRunning
	StateDisconnected
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateRunning:
		return "running"
	case StateDisconnected:
		return "disconnected"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Protocol-level constants. The spec names these (NUM_SYNC_PACKETS,
// SYNC_RETRY_INTERVAL, MAX_SEQ_DISTANCE, QUALITY_REPORT_INTERVAL) without
// pinning values; these follow GGPO's long-established defaults, which the
// scenarios in §8 (S4's "NUM_SYNC_PACKETS * SYNC_RETRY_INTERVAL + slack")
// are sized against.
const (
	NumSyncPackets               = 5
	SyncRetryInterval            = 200 * time.Millisecond
	MaxSeqDistance               = 1 << 15
	QualityReportInterval        = 1 * time.Second
	SendInterval                 = 16 * time.Millisecond
	DefaultDisconnectNotifyStart = 750 * time.Millisecond
	DefaultDisconnectTimeout     = 5000 * time.Millisecond
)

// ErrShutdown is returned by operations attempted after Shutdown.
var ErrShutdown = errors.New("protocol: peer is shut down")

// EventKind enumerates the peer-level events forwarded to the session's
// event queue (§3 Event Queue; WaitRecommendation and DesyncDetected are
// session-level and are not emitted here).
type EventKind int

const (
	EventSynchronizing EventKind = iota
	EventSynchronized
	EventRunning
	EventNetworkInterrupted
	EventNetworkResumed
	EventDisconnected
)

// Event is one state-machine notification.
type Event struct {
	Kind  EventKind
	Count int // Synchronizing: replies received so far
	Total int // Synchronizing: NumSyncPackets
}

// Endpoint is the datagram transport a Peer sends/receives through (§6
// Socket endpoint interface). transport.UDP and transport/chaos.Endpoint
// both satisfy it.
type Endpoint interface {
	SendTo(addr net.Addr, b []byte) error
	RecvFrom(buf []byte) (n int, addr net.Addr, err error)
	LocalAddr() net.Addr
	Close() error
}

// Sink receives decoded remote inputs, piggybacked desync checksums, and
// state-machine events. A session implements Sink and routes OnInput into
// its SyncLayer (§9 "protocol emits decoded inputs into a sink" rather than
// holding a back-reference).
type Sink interface {
	OnInput(peer int, ins []bitinput.Input)
	OnChecksum(peer int, f frame.Frame, checksum uint64)
	OnQualityReport(peer int, remoteFrameAdvantage int32)
	OnEvent(peer int, e Event)
}

// Config bundles the construction parameters for one Peer.
type Config struct {
	PeerIndex             int // this peer's slot, passed back to Sink verbatim
	NumBits               int // bit width of one frame's local input
	MTU                   int
	DisconnectNotifyStart time.Duration
	DisconnectTimeout     time.Duration
	RNGSeed               uint64 // 0 means derive deterministically
}

func (c Config) withDefaults() Config {
	if c.MTU <= 0 {
		c.MTU = codec.DefaultMTU
	}

	if c.DisconnectNotifyStart <= 0 {
		c.DisconnectNotifyStart = DefaultDisconnectNotifyStart
	}

	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}

	return c
}

// Peer is the state machine for one remote address.
type Peer struct {
	endpoint Endpoint
	addr     net.Addr
	sink     Sink
	cfg      Config

	state State
	rng   *rand.Rand
	magic uint16

	sendSeq    uint16
	lastRecvSeq uint16
	haveRecvSeq bool

	syncRemaining  int
	lastSyncReqAt  time.Time

	pendingOutputs   []bitinput.Input
	lastAckedFrame   frame.Frame
	pendingChecksum  *pendingChecksum

	lastReceivedInputFrame  frame.Frame
	lastInputPacketRecvTime time.Time

	lastSendTime          time.Time
	lastQualityReportTime time.Time

	rtt             *protocolutil.RTTTracker
	roundTripTime   time.Duration
	peerInterrupted bool

	localFrameAdvantage int8
	disconnectRequested bool
}

// New constructs a Peer addressed at addr, communicating over endpoint.
// now is the construction time, used to seed the deterministic magic/RNG
// when cfg.RNGSeed is zero.
func New(endpoint Endpoint, addr net.Addr, cfg Config, sink Sink, now time.Time) *Peer {
	cfg = cfg.withDefaults()

	seed := cfg.RNGSeed
	if seed == 0 {
		seed = deriveSeed(addr, now)
	}

	p := &Peer{
		endpoint:                endpoint,
		addr:                    addr,
		sink:                    sink,
		cfg:                     cfg,
		state:                   StateSyncing,
		rng:                     rand.New(rand.NewSource(int64(seed))),
		lastAckedFrame:          frame.Null,
		lastReceivedInputFrame:  frame.Null,
		lastInputPacketRecvTime: now,
		rtt:                     protocolutil.NewRTTTracker(),
	}

	p.magic = uint16(p.rng.Uint32())
	if p.magic == 0 {
		p.magic = 1
	}

	return p
}

// deriveSeed hashes the peer address and a coarse time bucket so two
// processes that agree on both reach the same magic/RNG stream without a
// shared explicit seed, per §4.I "Determinism of protocol-internal
// randomness".
func deriveSeed(addr net.Addr, now time.Time) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(addr.String()))

	bucket := now.Unix() / 60
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(bucket >> (8 * i))
	}
	_, _ = h.Write(buf[:])

	return h.Sum64()
}

// State returns the current connection state.
func (p *Peer) State() State { return p.state }

// RoundTripTime returns the most recently measured RTT.
func (p *Peer) RoundTripTime() time.Duration { return p.roundTripTime }

// LastReceivedInputFrame returns the last frame number decoded from an
// Input message, or frame.Null if none yet.
func (p *Peer) LastReceivedInputFrame() frame.Frame { return p.lastReceivedInputFrame }

// BeginSync sends the first SyncReq and enters StateSyncing.
func (p *Peer) BeginSync(now time.Time) error {
	if p.state == StateShutdown {
		return ErrShutdown
	}

	p.state = StateSyncing
	p.syncRemaining = NumSyncPackets
	p.lastInputPacketRecvTime = now

	return p.sendSyncReq(now)
}

func (p *Peer) sendSyncReq(now time.Time) error {
	msg := codec.Message{
		Header:      codec.Header{Magic: p.magic, Seq: p.nextSeq(), Type: codec.MsgSyncRequest},
		SyncRequest: &codec.SyncRequestPayload{RandomRequest: p.rng.Uint32()},
	}

	p.lastSyncReqAt = now

	return p.send(msg)
}

func (p *Peer) nextSeq() uint16 {
	seq := p.sendSeq
	p.sendSeq++

	return seq
}

func (p *Peer) send(msg codec.Message) error {
	buf, err := codec.Encode(msg, p.cfg.MTU)
	if err != nil {
		return fmt.Errorf("protocol: encode: %w", err)
	}

	if err := p.endpoint.SendTo(p.addr, buf); err != nil {
		return fmt.Errorf("protocol: send to %s: %w", p.addr, err)
	}

	return nil
}

// EnqueueLocalInput appends a locally-produced input to the outbound queue,
// to be flushed on the next SendPendingOutput.
func (p *Peer) EnqueueLocalInput(in bitinput.Input) {
	p.pendingOutputs = append(p.pendingOutputs, in)
}

// pendingChecksum is a confirmed-frame checksum waiting to be piggybacked
// onto the next outbound Input message (§4.J desync detection).
type pendingChecksum struct {
	frame    frame.Frame
	checksum uint64
}

// AttachChecksum arranges for the next Input message this peer sends to
// carry (f, checksum) for the remote side's desync comparison. A session
// calls this at its configured desync_detection interval.
func (p *Peer) AttachChecksum(f frame.Frame, checksum uint64) {
	p.pendingChecksum = &pendingChecksum{frame: f, checksum: checksum}
}

// RequestDisconnect marks every subsequent outbound Input as carrying
// disconnect_requested, per §4.D.
func (p *Peer) RequestDisconnect() { p.disconnectRequested = true }

// SetFrameAdvantage records this machine's currently observed frame
// advantage against this peer, reported in the next QualityReport (§4.H
// TimeSync feeds off both sides' self-reported advantage).
func (p *Peer) SetFrameAdvantage(adv int32) {
	switch {
	case adv > 127:
		adv = 127
	case adv < -128:
		adv = -128
	}

	p.localFrameAdvantage = int8(adv)
}

// SendPendingOutput builds and sends whatever message is due: an Input
// batch if local input is queued, a QualityReport on its own interval, or a
// KeepAlive otherwise, paced at SendInterval by the caller.
func (p *Peer) SendPendingOutput(now time.Time) error {
	if p.state == StateShutdown {
		return ErrShutdown
	}

	if len(p.pendingOutputs) > 0 {
		if err := p.sendInput(now); err != nil {
			return err
		}
	} else {
		if err := p.sendKeepAlive(); err != nil {
			return err
		}
	}

	if now.Sub(p.lastQualityReportTime) >= QualityReportInterval {
		if err := p.sendQualityReport(now); err != nil {
			return err
		}

		p.lastQualityReportTime = now
	}

	p.lastSendTime = now

	return nil
}

func (p *Peer) sendInput(now time.Time) error {
	ref := bitinput.New(p.cfg.NumBits)
	payloadBits := codec.EncodeInputs(nil, p.pendingOutputs, ref)

	disc := codec.PeerConnectStatus{Disconnected: false, LastFrame: p.lastReceivedInputFrame}

	payload := &codec.InputPayload{
		PeerConnectStatus:   []codec.PeerConnectStatus{disc},
		StartFrame:          p.pendingOutputs[0].Frame,
		DisconnectRequested: p.disconnectRequested,
		AckFrame:            p.lastReceivedInputFrame,
		NumBits:             uint16(p.cfg.NumBits),
		Bits:                payloadBits,
	}

	if p.pendingChecksum != nil {
		payload.HasChecksum = true
		payload.ChecksumFrame = p.pendingChecksum.frame
		payload.Checksum = p.pendingChecksum.checksum
		p.pendingChecksum = nil
	}

	msg := codec.Message{
		Header: codec.Header{Magic: p.magic, Seq: p.nextSeq(), Type: codec.MsgInput},
		Input:  payload,
	}

	return p.send(msg)
}

func (p *Peer) sendKeepAlive() error {
	return p.send(codec.Message{Header: codec.Header{Magic: p.magic, Seq: p.nextSeq(), Type: codec.MsgKeepAlive}})
}

func (p *Peer) sendQualityReport(now time.Time) error {
	ping := p.rng.Uint32()
	p.rtt.Sent(ping, now)

	msg := codec.Message{
		Header:        codec.Header{Magic: p.magic, Seq: p.nextSeq(), Type: codec.MsgQualityReport},
		QualityReport: &codec.QualityReportPayload{FrameAdvantage: p.localFrameAdvantage, Ping: ping},
	}

	return p.send(msg)
}

// dropReason names why HandleDatagram silently discarded a datagram, used
// only for the telemetry.metrics counter label.
type dropReason string

const (
	dropBadMagic  dropReason = "bad_magic"
	dropOldSeq    dropReason = "old_seq"
	dropDecodeErr dropReason = "decode_error"
)

// HandleDatagram processes one inbound datagram addressed to this peer.
// Malformed or stale datagrams are dropped silently per §7 ("recoverable
// protocol errors... dropped after incrementing a diagnostic counter").
func (p *Peer) HandleDatagram(buf []byte, now time.Time, metrics *telemetry.Metrics) error {
	if p.state == StateShutdown {
		return ErrShutdown
	}

	msg, err := codec.Decode(buf)
	if err != nil {
		bumpDrop(metrics, dropDecodeErr)
		return nil
	}

	if msg.Header.Magic != p.magic {
		bumpDrop(metrics, dropBadMagic)
		return nil
	}

	if p.haveRecvSeq && seqDistance(p.lastRecvSeq, msg.Header.Seq) > MaxSeqDistance {
		bumpDrop(metrics, dropOldSeq)
		return nil
	}

	p.lastRecvSeq = msg.Header.Seq
	p.haveRecvSeq = true

	switch msg.Header.Type {
	case codec.MsgSyncRequest:
		return p.handleSyncRequest(msg.SyncRequest, now)
	case codec.MsgSyncReply:
		return p.handleSyncReply(now)
	case codec.MsgInput:
		return p.handleInput(msg.Input, now)
	case codec.MsgInputAck:
		p.applyAck(msg.InputAck.AckFrame)
		p.lastInputPacketRecvTime = now
		return nil
	case codec.MsgQualityReport:
		return p.handleQualityReport(msg.QualityReport, now)
	case codec.MsgQualityReply:
		return p.handleQualityReply(msg.QualityReply, now, metrics)
	case codec.MsgKeepAlive:
		p.lastInputPacketRecvTime = now
		return nil
	default:
		return nil
	}
}

func bumpDrop(metrics *telemetry.Metrics, reason dropReason) {
	if metrics == nil {
		return
	}

	metrics.DatagramsDroppedTotal.WithLabelValues(string(reason)).Inc()
}

// seqDistance returns the forward circular distance from a to b.
func seqDistance(a, b uint16) int {
	return int(uint16(b - a))
}

func (p *Peer) handleSyncRequest(req *codec.SyncRequestPayload, now time.Time) error {
	reply := codec.Message{
		Header:    codec.Header{Magic: p.magic, Seq: p.nextSeq(), Type: codec.MsgSyncReply},
		SyncReply: &codec.SyncReplyPayload{RandomReply: req.RandomRequest},
	}

	p.lastInputPacketRecvTime = now

	return p.send(reply)
}

func (p *Peer) handleSyncReply(now time.Time) error {
	if p.state != StateSyncing {
		return nil
	}

	p.lastInputPacketRecvTime = now

	if p.syncRemaining > 0 {
		p.syncRemaining--
	}

	if p.syncRemaining > 0 {
		p.sink.OnEvent(p.cfg.PeerIndex, Event{Kind: EventSynchronizing, Count: NumSyncPackets - p.syncRemaining, Total: NumSyncPackets})
		return p.sendSyncReq(now)
	}

	p.state = StateRunning
	telemetry.L().Info("peer synchronized", "peer", p.cfg.PeerIndex, "addr", p.addr.String())
	p.sink.OnEvent(p.cfg.PeerIndex, Event{Kind: EventSynchronized})
	p.sink.OnEvent(p.cfg.PeerIndex, Event{Kind: EventRunning})

	return nil
}

func (p *Peer) handleInput(in *codec.InputPayload, now time.Time) error {
	ref := bitinput.New(p.cfg.NumBits)

	decoded, _, err := codec.DecodeInputs(in.Bits, ref, p.cfg.NumBits)
	if err != nil {
		telemetry.L().Debug("dropping malformed input payload", "peer", p.cfg.PeerIndex)
		return nil
	}

	ins := make([]bitinput.Input, len(decoded.Bits))
	f := in.StartFrame

	for i, bits := range decoded.Bits {
		ins[i] = bitinput.Input{Frame: f, Bits: bits}
		f = f.SaturatingAdd(1)
	}

	if len(ins) > 0 {
		p.lastReceivedInputFrame = ins[len(ins)-1].Frame
		p.sink.OnInput(p.cfg.PeerIndex, ins)
	}

	if in.HasChecksum {
		p.sink.OnChecksum(p.cfg.PeerIndex, in.ChecksumFrame, in.Checksum)
	}

	p.applyAck(in.AckFrame)
	p.lastInputPacketRecvTime = now
	p.resumeIfInterrupted()

	return nil
}

func (p *Peer) applyAck(ackFrame frame.Frame) {
	if ackFrame.IsNull() {
		return
	}

	p.lastAckedFrame = ackFrame

	kept := p.pendingOutputs[:0]
	for _, in := range p.pendingOutputs {
		if ackFrame.Before(in.Frame) {
			kept = append(kept, in)
		}
	}

	p.pendingOutputs = kept
}

func (p *Peer) handleQualityReport(rep *codec.QualityReportPayload, now time.Time) error {
	p.lastInputPacketRecvTime = now
	p.sink.OnQualityReport(p.cfg.PeerIndex, int32(rep.FrameAdvantage))

	reply := codec.Message{
		Header:       codec.Header{Magic: p.magic, Seq: p.nextSeq(), Type: codec.MsgQualityReply},
		QualityReply: &codec.QualityReplyPayload{Pong: rep.Ping},
	}

	return p.send(reply)
}

func (p *Peer) handleQualityReply(rep *codec.QualityReplyPayload, now time.Time, metrics *telemetry.Metrics) error {
	p.lastInputPacketRecvTime = now

	if rtt, ok := p.rtt.Resolve(rep.Pong, now); ok {
		p.roundTripTime = rtt

		if metrics != nil {
			metrics.RoundTripSeconds.Observe(rtt.Seconds())
		}
	}

	return nil
}

func (p *Peer) resumeIfInterrupted() {
	if p.peerInterrupted {
		p.peerInterrupted = false
		p.sink.OnEvent(p.cfg.PeerIndex, Event{Kind: EventNetworkResumed})
	}
}

// CheckDisconnect evaluates the disconnect-detection thresholds (§4.I) and
// emits NetworkInterrupted/Disconnected events as needed. Call once per
// poll alongside HandleDatagram.
func (p *Peer) CheckDisconnect(now time.Time) {
	if p.state != StateRunning {
		return
	}

	elapsed := now.Sub(p.lastInputPacketRecvTime)

	if elapsed > p.cfg.DisconnectTimeout {
		p.state = StateDisconnected
		telemetry.L().Warn("peer disconnected", "peer", p.cfg.PeerIndex)
		p.sink.OnEvent(p.cfg.PeerIndex, Event{Kind: EventDisconnected})
		return
	}

	if elapsed > p.cfg.DisconnectNotifyStart && !p.peerInterrupted {
		p.peerInterrupted = true
		telemetry.L().Warn("peer network interrupted", "peer", p.cfg.PeerIndex)
		p.sink.OnEvent(p.cfg.PeerIndex, Event{Kind: EventNetworkInterrupted})
	}
}

// Tick drives every time-paced behavior this peer owns: SyncReq retries
// while syncing, and the disconnect check plus SendInterval-paced output
// flush while running. A session calls Tick once per poll for every peer.
func (p *Peer) Tick(now time.Time) error {
	switch p.state {
	case StateSyncing:
		if now.Sub(p.lastSyncReqAt) >= SyncRetryInterval {
			return p.sendSyncReq(now)
		}
	case StateRunning:
		p.CheckDisconnect(now)

		if p.state == StateRunning && now.Sub(p.lastSendTime) >= SendInterval {
			return p.SendPendingOutput(now)
		}
	}

	return nil
}

// Shutdown transitions to StateShutdown; subsequent sends/receives fail.
func (p *Peer) Shutdown() error {
	p.state = StateShutdown
	return nil
}

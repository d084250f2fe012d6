// Package session implements the two orchestrators described in §4.J:
// P2PSession drives a live multi-machine game over the network; SyncTest
// drives a single-machine dual-simulation harness used to validate
// determinism without a network at all.
package session

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"

	"github.com/wallstop/fortress-rollback/bitinput"
	"github.com/wallstop/fortress-rollback/codec"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/internal/protocolutil"
	"github.com/wallstop/fortress-rollback/internal/telemetry"
	"github.com/wallstop/fortress-rollback/protocol"
	"github.com/wallstop/fortress-rollback/synclayer"
	"github.com/wallstop/fortress-rollback/timesync"
)

// ErrNotSynchronized is returned by AddLocalInput before every peer has
// reached the Running state.
var ErrNotSynchronized = errors.New("session: not all peers are synchronized")

// PlayerType distinguishes a locally-driven player slot from one owned by a
// remote machine.
type PlayerType int

const (
	PlayerLocal PlayerType = iota
	PlayerRemote
)

// PlayerSpec describes one player slot at session construction time.
type PlayerSpec struct {
	Type PlayerType
	// Addr is required for PlayerRemote, ignored for PlayerLocal.
	Addr net.Addr
	// FrameDelay overrides Config's default input delay for this player;
	// zero means "use the config default".
	FrameDelay int32
}

// P2PSession owns one SyncLayer, one protocol.Peer per remote player, and
// the shared socket endpoint they all send/receive through.
type P2PSession struct {
	cfg      *Config
	sync     *synclayer.SyncLayer
	endpoint protocol.Endpoint
	metrics  *telemetry.Metrics
	events   *eventQueue

	peers       []*protocol.Peer
	peerPlayer  []frame.PlayerHandle
	peerByAddr  map[string]*protocol.Peer
	timesyncs   []*timeSyncSample
	desyncDedup *protocolutil.DesyncDedup

	disconnected []bool
}

// timeSyncSample pairs a peer's TimeSync tracker with the most recently
// computed local frame advantage, cached between PollRemoteClients (which
// computes it) and OnQualityReport (which samples it against the value the
// remote side just reported).
type timeSyncSample struct {
	tracker        *timesync.TimeSync
	localAdvantage int32
}

// NewP2PSession validates cfg, builds a SyncLayer backed by host, and
// starts the sync handshake (§4.I) on every remote player's Peer.
func NewP2PSession(cfg *Config, endpoint protocol.Endpoint, host synclayer.Host, players []PlayerSpec, metrics *telemetry.Metrics, now time.Time) (*P2PSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if len(players) != cfg.numPlayers {
		return nil, fmt.Errorf("session: got %d player specs, config declares num_players=%d", len(players), cfg.numPlayers)
	}

	if metrics == nil {
		metrics = telemetry.Noop()
	}

	s := &P2PSession{
		cfg:          cfg,
		endpoint:     endpoint,
		metrics:      metrics,
		events:       newEventQueue(cfg.eventQueueSize),
		peerByAddr:   make(map[string]*protocol.Peer),
		desyncDedup:  protocolutil.NewDesyncDedup(),
		disconnected: make([]bool, cfg.numPlayers),
	}

	s.sync = synclayer.New(host, synclayer.Config{
		NumPlayers:          cfg.numPlayers,
		QueueSize:           cfg.queueSize(),
		InputBits:           cfg.inputBits,
		MaxPredictionFrames: cfg.maxPredictionFrames,
		SaveMode:            cfg.saveMode,
		Metrics:             metrics,
	})

	for i, spec := range players {
		h := frame.PlayerHandle(i)

		switch spec.Type {
		case PlayerLocal:
			delay := spec.FrameDelay
			if delay == 0 {
				delay = cfg.frameDelay
			}

			if err := s.sync.SetFrameDelay(h, delay); err != nil {
				return nil, err
			}
		case PlayerRemote:
			if spec.Addr == nil {
				return nil, fmt.Errorf("session: player %d is remote but has no address", i)
			}

			peerIdx := len(s.peers)
			peerCfg := protocol.Config{
				PeerIndex:             peerIdx,
				NumBits:               cfg.inputBits,
				DisconnectNotifyStart: cfg.disconnectNotifyStart,
				DisconnectTimeout:     cfg.disconnectTimeout,
				RNGSeed:               cfg.protocolRNGSeed,
			}

			peer := protocol.New(endpoint, spec.Addr, peerCfg, s, now)

			s.peers = append(s.peers, peer)
			s.peerPlayer = append(s.peerPlayer, h)
			s.peerByAddr[spec.Addr.String()] = peer
			s.timesyncs = append(s.timesyncs, &timeSyncSample{tracker: timesync.New()})
		}
	}

	for _, peer := range s.peers {
		if err := peer.BeginSync(now); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Events returns the session's event queue (§3), which a host should drain
// every tick.
func (s *P2PSession) Events() <-chan Event { return s.events.Events() }

func (s *P2PSession) isRunning() bool {
	for _, p := range s.peers {
		if p.State() != protocol.StateRunning {
			return false
		}
	}

	return true
}

// AddLocalInput records input for a locally-driven player and enqueues it
// for delivery to every connected remote peer. Rejected unless every peer
// has reached Running (§4.J).
func (s *P2PSession) AddLocalInput(h frame.PlayerHandle, bits bitinput.Bits) (frame.Frame, error) {
	if !s.isRunning() {
		return frame.Null, ErrNotSynchronized
	}

	f, err := s.sync.AddLocalInput(h, bits)
	if err != nil {
		return frame.Null, err
	}

	in := bitinput.Input{Frame: f, Bits: bits}
	for _, peer := range s.peers {
		peer.EnqueueLocalInput(in)
	}

	if n, err := s.sync.QueueLen(h); err == nil {
		s.metrics.InputQueueDepth.WithLabelValues(fmt.Sprint(int(h))).Set(float64(n))
	}

	return f, nil
}

// PollRemoteClients drains every available datagram on the shared
// endpoint, ticks every peer's time-paced behaviors, and recomputes the
// session's confirmed-frame watermark (§4.J poll_remote_clients).
func (s *P2PSession) PollRemoteClients(now time.Time) error {
	buf := make([]byte, codec.DefaultMTU)

	for {
		n, addr, err := s.endpoint.RecvFrom(buf)
		if err != nil {
			return fmt.Errorf("session: recv: %w", err)
		}

		if n == 0 {
			break
		}

		if addr == nil {
			continue
		}

		peer, ok := s.peerByAddr[addr.String()]
		if !ok {
			continue
		}

		if err := peer.HandleDatagram(buf[:n], now, s.metrics); err != nil {
			telemetry.L().Debug("peer failed to handle datagram", "error", err)
		}
	}

	s.updateFrameAdvantage()

	for i, peer := range s.peers {
		if err := peer.Tick(now); err != nil {
			telemetry.L().Debug("peer tick failed", "peer", i, "error", err)
		}
	}

	s.recomputeLastConfirmed()
	s.attachPendingChecksums()

	return nil
}

func (s *P2PSession) recomputeLastConfirmed() {
	if len(s.peers) == 0 {
		return
	}

	min := frame.Null

	for i, peer := range s.peers {
		if s.disconnected[s.peerPlayer[i]] {
			continue
		}

		lr := peer.LastReceivedInputFrame()
		if lr.IsNull() {
			return
		}

		if min.IsNull() || lr.Before(min) {
			min = lr
		}
	}

	if !min.IsNull() {
		s.sync.SetLastConfirmedFrame(min)
	}
}

func (s *P2PSession) updateFrameAdvantage() {
	for i, peer := range s.peers {
		lr := peer.LastReceivedInputFrame()
		if lr.IsNull() {
			continue
		}

		adv := int32(s.sync.CurrentFrame()) - int32(lr)
		s.timesyncs[i].localAdvantage = adv
		peer.SetFrameAdvantage(adv)
	}
}

func (s *P2PSession) attachPendingChecksums() {
	if !s.cfg.desyncDetection.On {
		return
	}

	lc := s.sync.LastConfirmedFrame()
	if lc.IsNull() || int32(lc)%int32(s.cfg.desyncDetection.Interval) != 0 {
		return
	}

	_, lo, ok := s.sync.ChecksumAt(lc)
	if !ok {
		return
	}

	for _, peer := range s.peers {
		peer.AttachChecksum(lc, lo)
	}
}

// AdvanceFrame runs the rollback kernel for the current tick (§4.G via
// synclayer.SyncLayer.AdvanceFrame).
func (s *P2PSession) AdvanceFrame() error {
	return s.sync.AdvanceFrame(s.disconnected)
}

// RequestDisconnect asks every peer to notify its remote side that this
// machine is leaving.
func (s *P2PSession) RequestDisconnect() {
	for _, peer := range s.peers {
		peer.RequestDisconnect()
	}
}

// Shutdown tears down every peer and the shared endpoint, aggregating any
// independent failures with multierr rather than stopping at the first one
// (§4.K error handling).
func (s *P2PSession) Shutdown() error {
	var err error

	for _, peer := range s.peers {
		if shutErr := peer.Shutdown(); shutErr != nil {
			err = multierr.Append(err, shutErr)
		}
	}

	if closeErr := s.endpoint.Close(); closeErr != nil {
		err = multierr.Append(err, closeErr)
	}

	return err
}

// --- protocol.Sink ---

// OnInput implements protocol.Sink.
func (s *P2PSession) OnInput(peerIdx int, ins []bitinput.Input) {
	h := s.peerPlayer[peerIdx]

	for _, in := range ins {
		if err := s.sync.AddRemoteInput(h, in); err != nil {
			telemetry.L().Debug("dropping remote input", "player", h, "frame", in.Frame, "error", err)
		}
	}
}

// OnChecksum implements protocol.Sink, comparing a piggybacked remote
// checksum against the locally saved state for the same confirmed frame
// (§4.J desync detection).
func (s *P2PSession) OnChecksum(peerIdx int, f frame.Frame, checksum uint64) {
	if !s.cfg.desyncDetection.On {
		return
	}

	_, localLo, ok := s.sync.ChecksumAt(f)
	if !ok {
		return
	}

	if localLo == checksum {
		return
	}

	if !s.desyncDedup.ShouldReport(peerIdx, int32(f)) {
		return
	}

	s.metrics.DesyncsTotal.Inc()
	s.events.push(Event{Kind: EventDesyncDetected, Peer: peerIdx, Frame: f, Local: localLo, Remote: checksum})
}

// OnQualityReport implements protocol.Sink, feeding both sides' observed
// frame advantage into this peer's TimeSync tracker and surfacing a
// WaitRecommendation when it suggests slowing down.
func (s *P2PSession) OnQualityReport(peerIdx int, remoteFrameAdvantage int32) {
	ts := s.timesyncs[peerIdx]
	ts.tracker.AddSample(ts.localAdvantage, remoteFrameAdvantage)

	if rec := ts.tracker.Recommendation(); rec > 0 {
		s.events.push(Event{Kind: EventWaitRecommendation, Peer: peerIdx, Frames: rec})
	}
}

// OnEvent implements protocol.Sink, relaying peer-protocol events into the
// session's own event queue and tracking disconnect state.
func (s *P2PSession) OnEvent(peerIdx int, e protocol.Event) {
	var kind EventKind

	switch e.Kind {
	case protocol.EventSynchronizing:
		kind = EventSynchronizing
	case protocol.EventSynchronized:
		kind = EventSynchronized
	case protocol.EventRunning:
		kind = EventRunning
	case protocol.EventNetworkInterrupted:
		kind = EventNetworkInterrupted
	case protocol.EventNetworkResumed:
		kind = EventNetworkResumed
	case protocol.EventDisconnected:
		kind = EventDisconnected
		s.disconnected[s.peerPlayer[peerIdx]] = true
	default:
		return
	}

	s.events.push(Event{Kind: kind, Peer: peerIdx, Count: e.Count, Total: e.Total})
}

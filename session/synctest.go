package session

import (
	"fmt"

	"github.com/wallstop/fortress-rollback/bitinput"
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/internal/protocolutil"
	"github.com/wallstop/fortress-rollback/synclayer"
)

// SyncTestSession drives a single SyncLayer with every player local and
// every input confirmed the instant it arrives, then periodically forces a
// rollback-and-replay of its own recent history (§4.J SyncTest Session).
// Because the replay starts from a saved snapshot and re-runs the exact
// same confirmed inputs, a deterministic host must reproduce the same
// checksum the first pass recorded; a mismatch means the host's
// SaveGameState/LoadGameState/AdvanceFrame triad is not actually
// deterministic, which is the one bug class this harness exists to catch.
type SyncTestSession struct {
	cfg           *Config
	checkDistance int
	sync          *synclayer.SyncLayer
	events        *eventQueue
	desyncDedup   *protocolutil.DesyncDedup

	checksums map[frame.Frame]uint64
}

// NewSyncTestSession builds a SyncTestSession for numPlayers, all local,
// backed by host. checkDistance is how many frames elapse between forced
// rollbacks; it must not exceed cfg's max_prediction_frames so the target
// frame is still held in the saved-state ring.
func NewSyncTestSession(cfg *Config, checkDistance int, host synclayer.Host) (*SyncTestSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if checkDistance <= 0 {
		return nil, fmt.Errorf("session: synctest check_distance must be > 0 (got %d)", checkDistance)
	}

	if checkDistance > cfg.maxPredictionFrames {
		return nil, fmt.Errorf("session: synctest check_distance (%d) must not exceed max_prediction_frames (%d)", checkDistance, cfg.maxPredictionFrames)
	}

	sync := synclayer.New(host, synclayer.Config{
		NumPlayers:          cfg.numPlayers,
		QueueSize:           cfg.queueSize(),
		InputBits:           cfg.inputBits,
		MaxPredictionFrames: cfg.maxPredictionFrames,
		SaveMode:            cfg.saveMode,
	})

	for h := 0; h < cfg.numPlayers; h++ {
		if err := sync.SetFrameDelay(frame.PlayerHandle(h), 0); err != nil {
			return nil, err
		}
	}

	return &SyncTestSession{
		cfg:           cfg,
		checkDistance: checkDistance,
		sync:          sync,
		events:        newEventQueue(cfg.eventQueueSize),
		desyncDedup:   protocolutil.NewDesyncDedup(),
		checksums:     make(map[frame.Frame]uint64),
	}, nil
}

// Events returns the session's event queue.
func (s *SyncTestSession) Events() <-chan Event { return s.events.Events() }

// AddLocalInput records bits for player h on the current frame and marks it
// confirmed immediately: a SyncTest run has no remote uncertainty, so there
// is nothing to predict and nothing to wait on.
func (s *SyncTestSession) AddLocalInput(h frame.PlayerHandle, bits bitinput.Bits) (frame.Frame, error) {
	f, err := s.sync.AddLocalInput(h, bits)
	if err != nil {
		return frame.Null, err
	}

	s.sync.SetLastConfirmedFrame(f)

	return f, nil
}

// AdvanceFrame runs one normal tick, records the checksum it produced, and
// — once check_distance frames have accumulated — forces a rollback to
// current_frame - check_distance and replays forward, comparing every
// replayed frame's checksum against what was recorded the first time.
func (s *SyncTestSession) AdvanceFrame(disconnected []bool) error {
	if err := s.sync.AdvanceFrame(disconnected); err != nil {
		return err
	}

	produced := s.sync.CurrentFrame().SaturatingSub(1)
	if _, lo, ok := s.sync.ChecksumAt(produced); ok {
		s.checksums[produced] = lo
	}

	current := s.sync.CurrentFrame()
	if int32(current) < int32(s.checkDistance) || int32(current)%int32(s.checkDistance) != 0 {
		return nil
	}

	target := current.SaturatingSub(int32(s.checkDistance))

	if err := s.sync.ForceRollback(target, disconnected); err != nil {
		return err
	}

	for f := target; f.Before(current); f = f.SaturatingAdd(1) {
		_, lo, ok := s.sync.ChecksumAt(f)
		if !ok {
			continue
		}

		want, recorded := s.checksums[f]
		if !recorded {
			s.checksums[f] = lo
			continue
		}

		if want != lo && s.desyncDedup.ShouldReport(-1, int32(f)) {
			s.events.push(Event{Kind: EventDesyncDetected, Frame: f, Local: want, Remote: lo})
		}
	}

	return nil
}

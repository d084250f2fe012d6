package session

import (
	"fmt"
	"time"

	"github.com/wallstop/fortress-rollback/bitinput"
	"github.com/wallstop/fortress-rollback/inputqueue"
	"github.com/wallstop/fortress-rollback/protocol"
	"github.com/wallstop/fortress-rollback/synclayer"
)

// MaxPlayers bounds num_players (§6 "1..=MAX_PLAYERS (≥8 recommended)").
const MaxPlayers = 8

// DesyncDetection controls whether and how often confirmed-frame checksums
// are cross-checked against peers (§4.J).
type DesyncDetection struct {
	On        bool
	Interval  int
	Tolerance uint64
}

// Config is a validated, builder-populated session configuration (§4.K),
// consumed by NewP2PSession / NewSyncTestSession.
type Config struct {
	numPlayers             int
	inputBits              int
	frameDelay             int32
	maxPredictionFrames    int
	saveMode               synclayer.SaveMode
	desyncDetection        DesyncDetection
	disconnectTimeout      time.Duration
	disconnectNotifyStart  time.Duration
	fps                    int
	protocolRNGSeed        uint64
	eventQueueSize         int
	inputHistoryMultiplier int
}

// NewConfig returns a Config for numPlayers with the engine's defaults,
// ready for chained With* overrides.
func NewConfig(numPlayers int) *Config {
	return &Config{
		numPlayers:             numPlayers,
		inputBits:              8,
		maxPredictionFrames:    8,
		saveMode:               synclayer.Dense,
		disconnectTimeout:      protocol.DefaultDisconnectTimeout,
		disconnectNotifyStart:  protocol.DefaultDisconnectNotifyStart,
		fps:                    60,
		eventQueueSize:         64,
		inputHistoryMultiplier: 4,
	}
}

// WithInputBits sets the per-player input bit width.
func (c *Config) WithInputBits(n int) *Config { c.inputBits = n; return c }

// WithFrameDelay sets the default local input delay, in frames.
func (c *Config) WithFrameDelay(frames int32) *Config { c.frameDelay = frames; return c }

// WithMaxPredictionFrames caps how far add_local_input may run ahead of the
// last confirmed frame before failing.
func (c *Config) WithMaxPredictionFrames(n int) *Config { c.maxPredictionFrames = n; return c }

// WithSaveMode selects Dense or Sparse state snapshotting.
func (c *Config) WithSaveMode(m synclayer.SaveMode) *Config { c.saveMode = m; return c }

// WithDesyncDetection enables periodic checksum cross-checking.
func (c *Config) WithDesyncDetection(d DesyncDetection) *Config { c.desyncDetection = d; return c }

// WithDisconnectThresholds overrides the peer liveness timers.
func (c *Config) WithDisconnectThresholds(notifyStart, timeout time.Duration) *Config {
	c.disconnectNotifyStart = notifyStart
	c.disconnectTimeout = timeout

	return c
}

// WithFPS sets the tick-rate hint used by TimeSync pacing.
func (c *Config) WithFPS(fps int) *Config { c.fps = fps; return c }

// WithProtocolRNGSeed pins the protocol-internal RNG seed (magic, SyncReq
// random_request) instead of deriving it from peer address and time.
func (c *Config) WithProtocolRNGSeed(seed uint64) *Config { c.protocolRNGSeed = seed; return c }

// WithEventQueueSize overrides the session's event queue capacity.
func (c *Config) WithEventQueueSize(n int) *Config { c.eventQueueSize = n; return c }

// WithInputHistoryMultiplier scales each player's InputQueue length beyond
// max_prediction_frames.
func (c *Config) WithInputHistoryMultiplier(n int) *Config { c.inputHistoryMultiplier = n; return c }

// Validate checks every field against its documented bounds, returning the
// first violation found.
func (c *Config) Validate() error {
	if c.numPlayers < 1 || c.numPlayers > MaxPlayers {
		return fmt.Errorf("session: num_players must be 1..=%d (got %d)", MaxPlayers, c.numPlayers)
	}

	maxBits := bitinput.MaxBytes * 8
	if c.inputBits <= 0 || c.inputBits > maxBits {
		return fmt.Errorf("session: input_bits must be 1..=%d (got %d)", maxBits, c.inputBits)
	}

	queueSize := c.queueSize()
	if c.frameDelay < 0 || c.frameDelay > inputqueue.MaxFrameDelay(queueSize) {
		return fmt.Errorf("session: frame_delay must be 0..=%d (got %d)", inputqueue.MaxFrameDelay(queueSize), c.frameDelay)
	}

	if c.maxPredictionFrames <= 0 {
		return fmt.Errorf("session: max_prediction_frames must be > 0 (got %d)", c.maxPredictionFrames)
	}

	if c.desyncDetection.On && c.desyncDetection.Interval <= 0 {
		return fmt.Errorf("session: desync_detection interval must be > 0 when enabled (got %d)", c.desyncDetection.Interval)
	}

	if c.fps <= 0 {
		return fmt.Errorf("session: fps must be > 0 (got %d)", c.fps)
	}

	if c.eventQueueSize < 10 {
		return fmt.Errorf("session: event_queue_size must be >= 10 (got %d)", c.eventQueueSize)
	}

	if c.inputHistoryMultiplier <= 0 {
		return fmt.Errorf("session: input_history_multiplier must be > 0 (got %d)", c.inputHistoryMultiplier)
	}

	return nil
}

func (c *Config) queueSize() int {
	size := (c.maxPredictionFrames + 2) * c.inputHistoryMultiplier
	if size < inputqueue.DefaultSize {
		size = inputqueue.DefaultSize
	}

	return size
}

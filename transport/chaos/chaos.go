// Package chaos implements a protocol.Endpoint wrapper that injects loss,
// delay, duplication, and reordering for deterministic tests (§6 "the test
// endpoint adds loss/delay/reorder knobs", scenario S6).
package chaos

import (
	"math/rand"
	"net"
)

// Underlying is the real endpoint chaos wraps.
type Underlying interface {
	SendTo(addr net.Addr, b []byte) error
	RecvFrom(buf []byte) (n int, addr net.Addr, err error)
	LocalAddr() net.Addr
	Close() error
}

// Config tunes the chaos knobs. Zero value is a perfect, lossless pipe.
type Config struct {
	// LossPercent drops an outbound datagram with this probability, 0-100.
	LossPercent int
	// DuplicatePercent re-sends an outbound datagram a second time with
	// this probability, 0-100.
	DuplicatePercent int
	// ReorderThreshold is how many packets the reorder buffer will hold
	// before releasing a randomly chosen held packet, even without an empty
	// receive batch.
	ReorderThreshold int
	// Seed makes loss/duplication/reorder decisions reproducible; 0 seeds
	// from a fixed constant rather than wall-clock time so tests stay
	// deterministic by default.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.Seed == 0 {
		c.Seed = 1
	}

	return c
}

type inbound struct {
	data []byte
	addr net.Addr
}

// Endpoint wraps an Underlying transport and reorders/drops/duplicates
// datagrams passing through it according to Config.
type Endpoint struct {
	under Underlying
	cfg   Config
	rng   *rand.Rand

	held []inbound
}

// New wraps under with the given chaos configuration.
func New(under Underlying, cfg Config) *Endpoint {
	cfg = cfg.withDefaults()

	return &Endpoint{
		under: under,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// SendTo may drop or duplicate b before handing it to the underlying
// endpoint; it never delays sends, only receives (delaying a send and
// delaying its eventual receipt are observably identical to a peer).
func (e *Endpoint) SendTo(addr net.Addr, b []byte) error {
	if e.cfg.LossPercent > 0 && e.rng.Intn(100) < e.cfg.LossPercent {
		return nil
	}

	if err := e.under.SendTo(addr, b); err != nil {
		return err
	}

	if e.cfg.DuplicatePercent > 0 && e.rng.Intn(100) < e.cfg.DuplicatePercent {
		return e.under.SendTo(addr, b)
	}

	return nil
}

// RecvFrom reads one datagram from the underlying endpoint into a holding
// buffer, possibly releasing an unrelated held datagram instead (reordering
// the two). If the underlying read comes back empty and packets are held,
// the oldest held packet is released immediately: per §6, the reorder
// buffer must never hold packets indefinitely just because new traffic has
// stopped arriving.
func (e *Endpoint) RecvFrom(buf []byte) (int, net.Addr, error) {
	scratch := make([]byte, len(buf))

	n, addr, err := e.under.RecvFrom(scratch)
	if err != nil {
		return 0, nil, err
	}

	if n == 0 {
		if len(e.held) > 0 {
			return e.releaseOldest(buf)
		}

		return 0, nil, nil
	}

	cp := make([]byte, n)
	copy(cp, scratch[:n])
	e.held = append(e.held, inbound{data: cp, addr: addr})

	if e.cfg.ReorderThreshold > 0 && len(e.held) > e.cfg.ReorderThreshold {
		return e.releaseRandom(buf)
	}

	if e.cfg.ReorderThreshold <= 0 {
		return e.releaseOldest(buf)
	}

	// Below threshold: hold this packet and report no data yet, so the
	// caller's next poll may surface a reordered packet instead.
	return 0, nil, nil
}

func (e *Endpoint) releaseOldest(buf []byte) (int, net.Addr, error) {
	next := e.held[0]
	e.held = e.held[1:]
	n := copy(buf, next.data)

	return n, next.addr, nil
}

func (e *Endpoint) releaseRandom(buf []byte) (int, net.Addr, error) {
	idx := e.rng.Intn(len(e.held))
	next := e.held[idx]
	e.held = append(e.held[:idx], e.held[idx+1:]...)
	n := copy(buf, next.data)

	return n, next.addr, nil
}

// LocalAddr delegates to the underlying endpoint.
func (e *Endpoint) LocalAddr() net.Addr { return e.under.LocalAddr() }

// Close delegates to the underlying endpoint. Any still-held datagrams are
// discarded.
func (e *Endpoint) Close() error {
	e.held = nil
	return e.under.Close()
}

// Held reports how many datagrams are currently buffered in the reorder
// window, for tests asserting the buffer drains completely (S6).
func (e *Endpoint) Held() int { return len(e.held) }

package session

import (
	"github.com/wallstop/fortress-rollback/frame"
	"github.com/wallstop/fortress-rollback/internal/telemetry"
)

// EventKind enumerates every notification a session can surface (§3 Event
// Queue): the peer-protocol events it relays plus the two session-level
// events (WaitRecommendation, DesyncDetected) no single peer owns.
type EventKind int

const (
	EventSynchronizing EventKind = iota
	EventSynchronized
	EventRunning
	EventNetworkInterrupted
	EventNetworkResumed
	EventDisconnected
	EventWaitRecommendation
	EventDesyncDetected
)

// Event is one entry in the session's event queue.
type Event struct {
	Kind EventKind

	// Peer is the index of the remote peer (in the order remote players
	// were given to NewP2PSession) the event refers to. SyncTestSession
	// events leave it zero.
	Peer int

	// Count/Total describe Synchronizing progress.
	Count int
	Total int

	// Frames is the WaitRecommendation payload.
	Frames int32

	// Frame/Local/Remote describe a DesyncDetected mismatch.
	Frame  frame.Frame
	Local  uint64
	Remote uint64
}

// eventQueue is a bounded, non-blocking FIFO: a slow or absent host
// draining events must never stall the engine, so a full queue drops the
// event and logs instead of blocking the tick loop.
type eventQueue struct {
	ch chan Event
}

func newEventQueue(size int) *eventQueue {
	return &eventQueue{ch: make(chan Event, size)}
}

func (q *eventQueue) push(e Event) {
	select {
	case q.ch <- e:
	default:
		telemetry.L().Warn("session event queue full, dropping event", "kind", e.Kind)
	}
}

// Events returns the channel of event Events draw from. A host should drain
// it every tick, e.g. with a non-blocking `select { case e := <-Events(): ... default: }`.
func (q *eventQueue) Events() <-chan Event { return q.ch }

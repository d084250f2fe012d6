// Package protocolutil holds small helpers shared by the UDP peer protocol
// and session orchestrators that don't deserve a package of their own.
package protocolutil

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// pingTTL bounds how long an outstanding QualityReport ping waits for its
// QualityReply before the correlation entry is swept; a reply arriving after
// this is indistinguishable from a stale/duplicate datagram and is dropped.
const pingTTL = 10 * time.Second

// sweepInterval governs how often go-cache scans for expired entries.
const sweepInterval = 30 * time.Second

// RTTTracker correlates an outbound QualityReport's ping value with the
// time it was sent, so the matching QualityReply can compute a round trip
// without the protocol hand-rolling its own expiring map.
type RTTTracker struct {
	pending *cache.Cache
}

// NewRTTTracker returns an empty tracker.
func NewRTTTracker() *RTTTracker {
	return &RTTTracker{pending: cache.New(pingTTL, sweepInterval)}
}

// Sent records that a ping value was sent at t.
func (r *RTTTracker) Sent(ping uint32, t time.Time) {
	r.pending.Set(pingKey(ping), t, cache.DefaultExpiration)
}

// Resolve looks up and clears the send time for pong, returning the
// measured round trip and true if the ping was still outstanding.
func (r *RTTTracker) Resolve(pong uint32, now time.Time) (time.Duration, bool) {
	key := pingKey(pong)

	v, ok := r.pending.Get(key)
	if !ok {
		return 0, false
	}

	r.pending.Delete(key)

	sentAt, ok := v.(time.Time)
	if !ok {
		return 0, false
	}

	return now.Sub(sentAt), true
}

func pingKey(ping uint32) string {
	return fmt.Sprintf("ping:%d", ping)
}

// DesyncDedup suppresses repeated DesyncDetected emissions for a frame
// that's already been reported, per §4.J ("at most once per offending
// frame"). TTL-expiring rather than unbounded so a long session doesn't
// accumulate one entry per ever-reported frame forever.
type DesyncDedup struct {
	reported *cache.Cache
}

// dedupTTL is generous relative to any plausible desync_detection interval,
// so a frame can't be re-reported once its entry has merely aged out.
const dedupTTL = 10 * time.Minute

// NewDesyncDedup returns an empty dedup set.
func NewDesyncDedup() *DesyncDedup {
	return &DesyncDedup{reported: cache.New(dedupTTL, sweepInterval)}
}

// ShouldReport returns true the first time it's called for (peer, frame)
// and false on every subsequent call, until the entry expires.
func (d *DesyncDedup) ShouldReport(peer int, f int32) bool {
	key := fmt.Sprintf("%d:%d", peer, f)

	if _, ok := d.reported.Get(key); ok {
		return false
	}

	d.reported.Set(key, struct{}{}, cache.DefaultExpiration)

	return true
}

// Package timesync implements the sliding-window frame-advantage tracker
// (§3 TimeSync, §4.H) that recommends how many frames a peer should sleep
// to keep both sides of a session paced together.
package timesync

// WindowSize is the length of each sample ring.
const WindowSize = 40

// MinUniqueFrames is the minimum number of samples the windows must have
// accumulated before a recommendation is trusted (a sample count, not a
// count of distinct values).
const MinUniqueFrames = 10

// MinFrameAdvantage is the smallest local-minus-remote advantage, in
// frames, worth recommending a sleep for.
const MinFrameAdvantage = 3

// MaxFrameAdvantage caps the recommended sleep, in frames, regardless of
// how far ahead local appears to be.
const MaxFrameAdvantage = 9

// TimeSync tracks two fixed-length rings of frame-advantage samples.
type TimeSync struct {
	local  []int32
	remote []int32
	count  int
	next   int
}

// New returns a TimeSync with empty sample windows.
func New() *TimeSync {
	return &TimeSync{
		local:  make([]int32, WindowSize),
		remote: make([]int32, WindowSize),
	}
}

// AddSample records one (local, remote) frame-advantage pair, typically
// taken from a received QualityReport and the local session's own
// current-frame-minus-peer-confirmed-frame measurement.
func (t *TimeSync) AddSample(localAdvantage, remoteAdvantage int32) {
	t.local[t.next] = localAdvantage
	t.remote[t.next] = remoteAdvantage
	t.next = (t.next + 1) % WindowSize

	if t.count < WindowSize {
		t.count++
	}
}

// Recommendation returns the number of frames the local side should sleep
// to give the remote side a chance to catch up. All arithmetic is integer;
// no floating point ever enters the result path, so the recommendation is
// bit-for-bit reproducible across platforms.
func (t *TimeSync) Recommendation() int32 {
	if t.count < MinUniqueFrames {
		return 0
	}

	var localSum, remoteSum int64

	for i := 0; i < t.count; i++ {
		localSum += int64(t.local[i])
		remoteSum += int64(t.remote[i])
	}

	localAvg := localSum / int64(t.count)
	remoteAvg := remoteSum / int64(t.count)

	diff := localAvg - remoteAvg
	if diff < MinFrameAdvantage {
		return 0
	}

	// Integer division rounds toward zero; halve the advantage and clamp.
	rec := diff / 2
	if rec > MaxFrameAdvantage {
		rec = MaxFrameAdvantage
	}

	return int32(rec)
}

// Reset clears all accumulated samples.
func (t *TimeSync) Reset() {
	t.count = 0
	t.next = 0
}

// Package jitter implements a per-SSRC jitter buffer with packet-loss
// concealment hand-off.
//
// It reorders out-of-order packets using sequence numbers, hands out the
// next in-order frame on each Pull as soon as that frame has arrived, and
// signals a miss on underrun so the caller can invoke Opus PLC. One Buffer tracks
// exactly one remote media source (SSRC); callers key a map of these by
// SSRC (see media.RemoteAudioState).
package jitter

const (
	ringSize = 64 // must be power of 2; bounds how far ahead inserts can land
	ringMask = ringSize - 1

	// DefaultTargetDepth is the initial target playout depth reported by
	// Depth: 3 frames = 60ms at the 20ms cadence. Pull does not hold frames
	// back to reach it.
	DefaultTargetDepth = 3

	// DefaultMaxDepth is the buffered-frame count at which the oldest
	// outstanding frame is dropped to make room for a new insert.
	DefaultMaxDepth = 12

	// DefaultReorderWindow is how many sequence positions behind the
	// highest sequence seen a late frame may still land before being
	// discarded outright.
	DefaultReorderWindow = 8
)

// entry holds one accepted payload in the ring buffer.
type entry struct {
	payload   []byte
	sequence  uint16
	timestamp uint32
	arrivalMs int64
	set       bool
}

// Buffer is a jitter buffer for a single SSRC. Not safe for concurrent use;
// callers serialize access externally (media.RemoteAudioTable uses one
// mutex for all SSRCs).
type Buffer struct {
	ring [ringSize]entry

	targetDepth   int
	maxDepth      int
	reorderWindow int

	highestSeen  uint16
	haveHighest  bool
	expectedSeq  uint16
	haveExpected bool
	started      bool // set by the first Pull; freezes the playout start
	depth        int  // frames currently buffered, not yet pulled
}

// New creates a jitter buffer with the given target depth (in 20ms frames).
func New(targetDepth int) *Buffer {
	if targetDepth < 1 {
		targetDepth = 1
	}
	if targetDepth > DefaultMaxDepth {
		targetDepth = DefaultMaxDepth
	}
	return &Buffer{
		targetDepth:   targetDepth,
		maxDepth:      DefaultMaxDepth,
		reorderWindow: DefaultReorderWindow,
	}
}

// SetDepth updates the target playout depth reported by Depth. Pull does
// not consult it; already-inserted frames are neither flushed nor re-buffered.
func (b *Buffer) SetDepth(targetDepth int) {
	if targetDepth < 1 {
		targetDepth = 1
	}
	if targetDepth > b.maxDepth {
		targetDepth = b.maxDepth
	}
	b.targetDepth = targetDepth
}

// Depth reports the current target playout depth.
func (b *Buffer) Depth() int { return b.targetDepth }

// BufferedCount reports how many frames are currently held.
func (b *Buffer) BufferedCount() int { return b.depth }

// Insert accepts a frame into the buffer:
//   - sequence older than (highest_seen - reorder_window) -> drop silently
//   - buffer already holds >= max_depth frames -> drop oldest
//   - otherwise insert in sequence order; a duplicate sequence replaces
//     the existing entry idempotently
//   - before the first Pull, a sequence earlier than the current playout
//     start moves the start back to it
func (b *Buffer) Insert(sequence uint16, timestamp uint32, payload []byte, arrivalMs int64) {
	if !b.haveHighest {
		b.highestSeen = sequence
		b.haveHighest = true
	} else if int16(sequence-b.highestSeen) > 0 {
		b.highestSeen = sequence
	}
	if !b.haveExpected {
		b.expectedSeq = sequence
		b.haveExpected = true
	}

	if int16(b.highestSeen-sequence) > int16(b.reorderWindow) {
		return
	}
	if !b.started && int16(sequence-b.expectedSeq) < 0 {
		b.expectedSeq = sequence
	}

	idx := int(sequence) & ringMask
	replacing := b.ring[idx].set && b.ring[idx].sequence == sequence
	if !replacing {
		if b.depth >= b.maxDepth {
			b.dropOldest()
		}
		b.depth++
	}
	b.ring[idx] = entry{payload: payload, sequence: sequence, timestamp: timestamp, arrivalMs: arrivalMs, set: true}
}

// dropOldest evicts whichever buffered frame would be played out soonest,
// starting the scan at expectedSeq, to make room once max_depth is hit.
func (b *Buffer) dropOldest() {
	seq := b.expectedSeq
	for i := 0; i < ringSize; i++ {
		idx := int(seq) & ringMask
		if b.ring[idx].set {
			b.ring[idx] = entry{}
			b.depth--
			return
		}
		seq++
	}
}

// Pull is invoked exactly once per
// 20ms tick. Returns (payload, true) for the next in-order frame, or
// (nil, false) on underrun — the caller must then run PLC. expectedSeq
// always advances by one regardless of outcome, so repeated underruns
// still converge toward the sender's actual sequence.
func (b *Buffer) Pull() ([]byte, bool) {
	if !b.haveExpected {
		return nil, false
	}
	b.started = true
	idx := int(b.expectedSeq) & ringMask
	e := b.ring[idx]
	b.expectedSeq++

	if e.set {
		b.ring[idx] = entry{}
		b.depth--
		return e.payload, true
	}
	return nil, false
}

// Reset clears all buffered state (e.g. on SSRC retirement).
func (b *Buffer) Reset() {
	b.ring = [ringSize]entry{}
	b.haveHighest = false
	b.haveExpected = false
	b.started = false
	b.depth = 0
}

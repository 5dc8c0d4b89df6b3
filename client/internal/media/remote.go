package media

import (
	"sync"

	"github.com/Scoduglas1999/Paracord/client/internal/jitter"
)

// OpusDecoder abstracts Opus decoding, including packet-loss concealment
// (Decode(nil, pcm) synthesizes a concealment frame from decoder state).
type OpusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodeFEC(data []byte, pcm []int16) error
}

// RemoteAudioState bundles the per-SSRC state the Receive and Playout
// tasks operate on: the jitter buffer, the stateful Opus decoder, and the
// last observed audio level. One instance is created on the first frame
// received from an SSRC and destroyed when the SSRC is retired.
type RemoteAudioState struct {
	SSRC       uint32
	Jitter     *jitter.Buffer
	Decoder    OpusDecoder
	AudioLevel uint8
}

// RemoteAudioTable is the mutex-guarded SSRC -> RemoteAudioState map
// shared by the Receive and Playout tasks. The lock is held only for the
// duration of a single insert or pull, never across decode or mix work.
type RemoteAudioTable struct {
	mu      sync.Mutex
	states  map[uint32]*RemoteAudioState
	newDecoder func() (OpusDecoder, error)
}

// NewRemoteAudioTable creates an empty table. newDecoder constructs a
// fresh stateful Opus decoder for a newly observed SSRC.
func NewRemoteAudioTable(newDecoder func() (OpusDecoder, error)) *RemoteAudioTable {
	return &RemoteAudioTable{
		states:     make(map[uint32]*RemoteAudioState),
		newDecoder: newDecoder,
	}
}

// GetOrCreate returns the RemoteAudioState for ssrc, creating it (with a
// fresh jitter buffer and decoder) on first access.
func (t *RemoteAudioTable) GetOrCreate(ssrc uint32) (*RemoteAudioState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.states[ssrc]; ok {
		return s, nil
	}
	dec, err := t.newDecoder()
	if err != nil {
		return nil, err
	}
	s := &RemoteAudioState{
		SSRC:    ssrc,
		Jitter:  jitter.New(jitter.DefaultTargetDepth),
		Decoder: dec,
	}
	t.states[ssrc] = s
	return s, nil
}

// Retire removes ssrc's state entirely (e.g. when the source leaves the call).
func (t *RemoteAudioTable) Retire(ssrc uint32) {
	t.mu.Lock()
	delete(t.states, ssrc)
	t.mu.Unlock()
}

// Snapshot returns the current set of tracked SSRCs, for the playout tick
// to iterate without holding the lock across decode/mix work.
func (t *RemoteAudioTable) Snapshot() []*RemoteAudioState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*RemoteAudioState, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, s)
	}
	return out
}

// With runs fn with the lock held, for callers that need an insert/pull
// critical section scoped to exactly one SSRC's state.
func (t *RemoteAudioTable) With(ssrc uint32, fn func(*RemoteAudioState)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[ssrc]
	if !ok {
		dec, err := t.newDecoder()
		if err != nil {
			return err
		}
		s = &RemoteAudioState{SSRC: ssrc, Jitter: jitter.New(jitter.DefaultTargetDepth), Decoder: dec}
		t.states[ssrc] = s
	}
	fn(s)
	return nil
}

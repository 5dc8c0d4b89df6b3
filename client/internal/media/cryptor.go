package media

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Error kinds returned by FrameCryptor.
var (
	ErrKeyMissing    = errors.New("media: key epoch not installed")
	ErrAuthFailed    = errors.New("media: AEAD authentication failed")
	ErrReplayRejected = errors.New("media: sequence already seen or outside replay window")
)

// replayWindowSize is the number of most-recent accepted sequence numbers
// tracked per (ssrc, epoch).
const replayWindowSize = 1024

// replayState tracks the sliding accept-window for one (ssrc, epoch) pair.
type replayState struct {
	highWater uint16
	have      bool
	seen      [replayWindowSize / 64]uint64 // bitset, indexed by sequence % replayWindowSize
}

// accept reports whether sequence is new (not yet seen, and within the
// window of the high-water mark), marking it seen as a side effect.
func (r *replayState) accept(sequence uint16) bool {
	if !r.have {
		r.have = true
		r.highWater = sequence
		r.mark(sequence)
		return true
	}

	diff := int16(sequence - r.highWater)
	if diff > 0 {
		// Newer than anything seen: slide the window forward, clearing
		// slots for sequence numbers that just fell out of range.
		gap := int(diff)
		if gap > replayWindowSize {
			gap = replayWindowSize
		}
		for i := 1; i <= gap; i++ {
			r.clear(r.highWater + uint16(i))
		}
		r.highWater = sequence
		r.mark(sequence)
		return true
	}

	// diff <= 0: at or behind the high-water mark.
	if -int(diff) >= replayWindowSize {
		return false // outside the window entirely
	}
	if r.isSet(sequence) {
		return false // already seen
	}
	r.mark(sequence)
	return true
}

func (r *replayState) bitIndex(sequence uint16) (word, bit uint16) {
	idx := sequence % replayWindowSize
	return idx / 64, idx % 64
}

func (r *replayState) mark(sequence uint16) {
	w, b := r.bitIndex(sequence)
	r.seen[w] |= 1 << b
}

func (r *replayState) clear(sequence uint16) {
	w, b := r.bitIndex(sequence)
	r.seen[w] &^= 1 << b
}

func (r *replayState) isSet(sequence uint16) bool {
	w, b := r.bitIndex(sequence)
	return r.seen[w]&(1<<b) != 0
}

type replayKey struct {
	ssrc  uint32
	epoch uint8
}

// FrameCryptor turns a header + plaintext payload into an authenticated
// ciphertext and back, enforcing replay protection per (ssrc, epoch).
// Safe for concurrent use.
type FrameCryptor struct {
	mu      sync.Mutex
	aeads   map[uint8]cipher.AEAD
	epochs  []uint8 // insertion order, oldest first; len <= 2
	replays map[replayKey]*replayState
}

// NewFrameCryptor returns an empty cryptor with no installed keys.
func NewFrameCryptor() *FrameCryptor {
	return &FrameCryptor{
		aeads:   make(map[uint8]cipher.AEAD),
		replays: make(map[replayKey]*replayState),
	}
}

// SetKey installs a new epoch's key. At most two epochs are kept live; once
// a third is installed, the oldest is evicted (its in-flight frames can no
// longer be decrypted; epochs are kept only long enough to
// decrypt in-flight frames from the prior epoch").
func (c *FrameCryptor) SetKey(epoch uint8, key []byte) error {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.aeads[epoch]; !exists {
		c.epochs = append(c.epochs, epoch)
	}
	c.aeads[epoch] = aead

	for len(c.epochs) > 2 {
		evict := c.epochs[0]
		c.epochs = c.epochs[1:]
		delete(c.aeads, evict)
		for k := range c.replays {
			if k.epoch == evict {
				delete(c.replays, k)
			}
		}
	}
	return nil
}

// deriveNonce builds the 96-bit AEAD nonce from (ssrc, epoch, sequence) per
// ssrc(32 BE) || epoch(8) || zero_pad(8) || sequence(16 BE) || zero_pad(32).
func deriveNonce(ssrc uint32, epoch uint8, sequence uint16) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize) // 12 bytes
	binary.BigEndian.PutUint32(nonce[0:4], ssrc)
	nonce[4] = epoch
	nonce[5] = 0
	binary.BigEndian.PutUint16(nonce[6:8], sequence)
	// nonce[8:12] left zero
	return nonce
}

// Encrypt AEAD-encrypts plaintext, using headerBytes as associated data.
// Returns ErrKeyMissing if epoch has no installed key.
func (c *FrameCryptor) Encrypt(headerBytes []byte, ssrc uint32, epoch uint8, sequence uint16, plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	aead, ok := c.aeads[epoch]
	c.mu.Unlock()
	if !ok {
		return nil, ErrKeyMissing
	}

	nonce := deriveNonce(ssrc, epoch, sequence)
	return aead.Seal(nil, nonce, plaintext, headerBytes), nil
}

// Decrypt AEAD-decrypts ciphertext, verifying headerBytes as associated
// data and enforcing the replay window. Returns ErrKeyMissing if epoch is
// unknown, ErrReplayRejected if (ssrc, epoch, sequence) was already
// accepted, or ErrAuthFailed on tag mismatch.
func (c *FrameCryptor) Decrypt(headerBytes []byte, ssrc uint32, epoch uint8, sequence uint16, ciphertext []byte) ([]byte, error) {
	c.mu.Lock()
	aead, ok := c.aeads[epoch]
	if !ok {
		c.mu.Unlock()
		return nil, ErrKeyMissing
	}

	key := replayKey{ssrc: ssrc, epoch: epoch}
	rs, ok := c.replays[key]
	if !ok {
		rs = &replayState{}
		c.replays[key] = rs
	}
	// Check-and-reserve under the same lock: a concurrent decrypt of the
	// same (ssrc,epoch,sequence) must not both pass the replay check before
	// either marks it seen.
	accepted := rs.accept(sequence)
	c.mu.Unlock()

	if !accepted {
		return nil, ErrReplayRejected
	}

	nonce := deriveNonce(ssrc, epoch, sequence)
	plaintext, err := aead.Open(nil, nonce, ciphertext, headerBytes)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

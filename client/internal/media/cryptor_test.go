package media

import (
	"bytes"
	"errors"
	"testing"
)

func testKey(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender := NewFrameCryptor()
	receiver := NewFrameCryptor()
	key := testKey(0x42)
	if err := sender.SetKey(1, key); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := receiver.SetKey(1, key); err != nil {
		t.Fatalf("SetKey: %v", err)
	}

	header := MediaHeader{Track: TrackAudio, SSRC: 7, Sequence: 0, Timestamp: 0, AudioLevel: 127, KeyEpoch: 1}
	hb := header.Marshal()
	plaintext := []byte("opus-payload")

	ct, err := sender.Encrypt(hb, header.SSRC, header.KeyEpoch, header.Sequence, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	pt, err := receiver.Decrypt(hb, header.SSRC, header.KeyEpoch, header.Sequence, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestDecryptFailsOnHeaderTamper(t *testing.T) {
	c := NewFrameCryptor()
	key := testKey(1)
	c.SetKey(1, key)

	header := MediaHeader{Track: TrackAudio, SSRC: 5, Sequence: 10, KeyEpoch: 1}
	hb := header.Marshal()
	ct, err := c.Encrypt(hb, 5, 1, 10, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := make([]byte, len(hb))
	copy(tampered, hb)
	tampered[0] ^= 0x01

	if _, err := c.Decrypt(tampered, 5, 1, 11, ct); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed on header tamper, got %v", err)
	}
}

func TestDecryptFailsOnCiphertextTamper(t *testing.T) {
	c := NewFrameCryptor()
	key := testKey(2)
	c.SetKey(1, key)

	header := MediaHeader{Track: TrackAudio, SSRC: 5, Sequence: 20, KeyEpoch: 1}
	hb := header.Marshal()
	ct, err := c.Encrypt(hb, 5, 1, 20, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct[0] ^= 0x01

	if _, err := c.Decrypt(hb, 5, 1, 21, ct); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed on ciphertext tamper, got %v", err)
	}
}

func TestDecryptRejectsUnknownEpoch(t *testing.T) {
	c := NewFrameCryptor()
	if _, err := c.Decrypt(make([]byte, HeaderSize), 1, 9, 0, []byte("x")); !errors.Is(err, ErrKeyMissing) {
		t.Fatalf("expected ErrKeyMissing, got %v", err)
	}
}

// TestReplayProtectionRejectsDuplicate verifies that each
// (ssrc, epoch, sequence) is accepted exactly once.
func TestReplayProtectionRejectsDuplicate(t *testing.T) {
	sender := NewFrameCryptor()
	receiver := NewFrameCryptor()
	key := testKey(3)
	sender.SetKey(1, key)
	receiver.SetKey(1, key)

	header := MediaHeader{Track: TrackAudio, SSRC: 1, Sequence: 42, KeyEpoch: 1}
	hb := header.Marshal()
	ct, _ := sender.Encrypt(hb, 1, 1, 42, []byte("frame"))

	if _, err := receiver.Decrypt(hb, 1, 1, 42, ct); err != nil {
		t.Fatalf("first decrypt: unexpected error %v", err)
	}
	if _, err := receiver.Decrypt(hb, 1, 1, 42, ct); !errors.Is(err, ErrReplayRejected) {
		t.Fatalf("expected ErrReplayRejected on duplicate, got %v", err)
	}
}

func TestReplayWindowAcceptsReorderedFramesWithinWindow(t *testing.T) {
	sender := NewFrameCryptor()
	receiver := NewFrameCryptor()
	key := testKey(4)
	sender.SetKey(1, key)
	receiver.SetKey(1, key)

	encryptAt := func(seq uint16) (MediaHeader, []byte, []byte) {
		h := MediaHeader{Track: TrackAudio, SSRC: 2, Sequence: seq, KeyEpoch: 1}
		hb := h.Marshal()
		ct, _ := sender.Encrypt(hb, 2, 1, seq, []byte("x"))
		return h, hb, ct
	}

	_, hb10, ct10 := encryptAt(10)
	_, hb9, ct9 := encryptAt(9)

	// Receive 10 first (advances high-water), then the reordered 9 — both
	// should be accepted since 9 is within the 1024-wide window.
	if _, err := receiver.Decrypt(hb10, 2, 1, 10, ct10); err != nil {
		t.Fatalf("decrypt seq 10: %v", err)
	}
	if _, err := receiver.Decrypt(hb9, 2, 1, 9, ct9); err != nil {
		t.Fatalf("decrypt reordered seq 9: %v", err)
	}
	// Replaying 9 again must now be rejected.
	if _, err := receiver.Decrypt(hb9, 2, 1, 9, ct9); !errors.Is(err, ErrReplayRejected) {
		t.Fatalf("expected ErrReplayRejected replaying seq 9, got %v", err)
	}
}

// TestKeyEpochTransitionEvictsOldEpoch verifies that the receiver
// keeps two epochs live; installing a third evicts the oldest.
func TestKeyEpochTransitionEvictsOldEpoch(t *testing.T) {
	c := NewFrameCryptor()
	c.SetKey(1, testKey(1))
	c.SetKey(2, testKey(2))
	c.SetKey(3, testKey(3))

	if _, ok := c.aeads[1]; ok {
		t.Fatalf("expected epoch 1 to have been evicted once three epochs installed")
	}
	if _, ok := c.aeads[2]; !ok {
		t.Fatalf("expected epoch 2 to remain live")
	}
	if _, ok := c.aeads[3]; !ok {
		t.Fatalf("expected epoch 3 to remain live")
	}
}

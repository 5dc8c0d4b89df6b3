// Package media implements the realtime media core: frame encryption with
// replay protection, per-SSRC jitter buffering, and the three cooperative
// send/receive/playout tasks that move audio between the capture device
// and the network.
package media

import (
	"encoding/binary"
	"errors"
)

// TrackType identifies the kind of media carried by a frame.
type TrackType uint8

const (
	TrackAudio TrackType = 0
	TrackVideo TrackType = 1
)

// HeaderSize is the fixed on-wire header length in bytes.
const HeaderSize = 16

const headerVersion = 1

// ErrShortHeader is returned when a datagram is too small to contain a header.
var ErrShortHeader = errors.New("media: datagram shorter than header")

// ErrBadVersion is returned when a header's version field doesn't match
// what this implementation understands.
var ErrBadVersion = errors.New("media: unsupported header version")

// MediaHeader is the fixed-width record prefixed to every media datagram.
// It doubles as the AEAD associated data (AAD) for the frame cryptor.
type MediaHeader struct {
	Track         TrackType
	SSRC          uint32
	Sequence      uint16
	Timestamp     uint32
	AudioLevel    uint8 // 0=loudest .. 127=silence (RMS-to-dBov)
	KeyEpoch      uint8
	PayloadLength uint16
}

// Marshal serializes h into a HeaderSize-byte slice.
//
// Layout (concrete implementation choice, bit-exact between sender and
// receiver):
//
//	byte 0:    version<<4 | track_type
//	byte 1:    key_epoch
//	bytes 2-5: SSRC (u32 BE)
//	bytes 6-7: sequence (u16 BE)
//	bytes 8-11: timestamp (u32 BE)
//	byte 12:   audio_level
//	bytes 13-14: payload_length (u16 BE)
//	byte 15:   reserved, always 0
func (h MediaHeader) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = headerVersion<<4 | byte(h.Track)&0x0F
	buf[1] = h.KeyEpoch
	binary.BigEndian.PutUint32(buf[2:6], h.SSRC)
	binary.BigEndian.PutUint16(buf[6:8], h.Sequence)
	binary.BigEndian.PutUint32(buf[8:12], h.Timestamp)
	buf[12] = h.AudioLevel
	binary.BigEndian.PutUint16(buf[13:15], h.PayloadLength)
	buf[15] = 0
	return buf
}

// ParseHeader parses the first HeaderSize bytes of data into a MediaHeader.
func ParseHeader(data []byte) (MediaHeader, error) {
	if len(data) < HeaderSize {
		return MediaHeader{}, ErrShortHeader
	}
	if data[0]>>4 != headerVersion {
		return MediaHeader{}, ErrBadVersion
	}
	return MediaHeader{
		Track:         TrackType(data[0] & 0x0F),
		KeyEpoch:      data[1],
		SSRC:          binary.BigEndian.Uint32(data[2:6]),
		Sequence:      binary.BigEndian.Uint16(data[6:8]),
		Timestamp:     binary.BigEndian.Uint32(data[8:12]),
		AudioLevel:    data[12],
		PayloadLength: binary.BigEndian.Uint16(data[13:15]),
	}, nil
}

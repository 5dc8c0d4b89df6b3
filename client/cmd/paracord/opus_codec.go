package main

import (
	"github.com/Scoduglas1999/Paracord/client/internal/media"
	"gopkg.in/hraban/opus.v2"
)

// newOpusEncoder builds a *opus.Encoder tuned for voice, pre-configured with
// the teacher's defaults (DTX, in-band FEC, an initial loss estimate). It
// satisfies media.OpusEncoder structurally.
func newOpusEncoder() (media.OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	enc.SetBitrate(opusBitrate)
	enc.SetDTX(true)
	enc.SetInBandFEC(true)
	enc.SetPacketLossPerc(5)
	return enc, nil
}

// newOpusDecoder builds a fresh stateful *opus.Decoder. Satisfies
// media.OpusDecoder structurally; used as RemoteAudioTable's per-SSRC
// decoder factory.
func newOpusDecoder() (media.OpusDecoder, error) {
	return opus.NewDecoder(sampleRate, channels)
}

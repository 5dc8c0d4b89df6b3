package main

import (
	"github.com/Scoduglas1999/Paracord/client/internal/aec"
	"github.com/Scoduglas1999/Paracord/client/internal/agc"
	"github.com/Scoduglas1999/Paracord/client/internal/noisegate"
)

// SuppressorChain composes the acoustic echo canceller, noise gate, and
// automatic gain control into a single in-place frame processor, satisfying
// media.NoiseSuppressor. Stages run in the order that feeds each the
// cleanest signal: echo cancellation first, then the gate zeroes anything
// still below the noise floor, then AGC normalizes loudness last.
type SuppressorChain struct {
	AEC  *aec.AEC
	Gate *noisegate.Gate
	AGC  *agc.AGC
}

// NewSuppressorChain builds a chain over frames of frameSize samples.
func NewSuppressorChain(frameSize int) *SuppressorChain {
	return &SuppressorChain{
		AEC:  aec.New(frameSize),
		Gate: noisegate.New(),
		AGC:  agc.New(),
	}
}

// FeedFarEnd supplies the signal the AEC should treat as acoustic
// echo-reference, i.e. whatever is about to be played out of the speakers.
func (s *SuppressorChain) FeedFarEnd(frame []float32) {
	s.AEC.FeedFarEnd(frame)
}

// Process runs the full suppression chain on buf in place.
func (s *SuppressorChain) Process(buf []float32) {
	s.AEC.Process(buf)
	s.Gate.Process(buf)
	s.AGC.Process(buf)
}

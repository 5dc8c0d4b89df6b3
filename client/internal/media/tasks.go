package media

import (
	"context"
	"log"
	"math"
	"time"
)

// FrameSize is the Opus-native 20ms block at 48kHz mono: 960 samples.
const FrameSize = 960

// Bitrate presets in kbps, exposed as configuration options.
const (
	BitrateLow    = 64
	BitrateMedium = 96
	BitrateHigh   = 128

	// micBitrateKbps / screenShareBitrateKbps are the two targets the Send
	// task switches between.
	micBitrateKbps         = 96
	screenShareBitrateKbps = 192
)

// OpusEncoder abstracts Opus encoding for testing.
type OpusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
}

// NoiseSuppressor abstracts in-place noise suppression on a PCM frame.
type NoiseSuppressor interface {
	Process(buf []float32)
}

// DatagramSender abstracts sending one unreliable datagram.
type DatagramSender interface {
	SendDatagram([]byte) error
}

// DatagramReceiver abstracts receiving one unreliable datagram, blocking
// until one arrives or ctx is canceled.
type DatagramReceiver interface {
	ReceiveDatagram(ctx context.Context) ([]byte, error)
}

// PlaybackSink receives decoded (or PLC-concealed) PCM for a given SSRC.
// Non-blocking: implementations must drop on a full sink.
type PlaybackSink interface {
	PushPCM(ssrc uint32, pcm []int16) (accepted bool)
}

// VideoSink receives raw decrypted video payloads. Opaque to this core
// forwarded to the video pipeline collaborator, not decoded here.
type VideoSink interface {
	PushVideo(ssrc uint32, header MediaHeader, payload []byte)
}

// ScreenAudioFrame is an optional second PCM source mixed into outgoing
// audio (e.g. shared system/screen audio).
type ScreenAudioFrame struct {
	Samples []float32
	Stereo  bool // if true, Samples is interleaved L,R and must be downmixed
}

func clamp01(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// downmixToMono converts interleaved stereo samples to mono via 0.5L+0.5R.
func downmixToMono(stereo []float32) []float32 {
	mono := make([]float32, len(stereo)/2)
	for i := range mono {
		mono[i] = 0.5*stereo[2*i] + 0.5*stereo[2*i+1]
	}
	return mono
}

// sizeMatch trims or zero-pads src to exactly n samples.
func sizeMatch(src []float32, n int) []float32 {
	out := make([]float32, n)
	copy(out, src)
	return out
}

// mixFrames downmixes and size-matches the screen
// frame, then mix mic and screen at 0.75 gain each, clamped to [-1, 1].
func mixFrames(mic []float32, screen *ScreenAudioFrame) []float32 {
	out := make([]float32, len(mic))
	copy(out, mic)
	if screen == nil {
		return out
	}
	samples := screen.Samples
	if screen.Stereo {
		samples = downmixToMono(samples)
	}
	samples = sizeMatch(samples, len(mic))
	for i := range out {
		out[i] = clamp01(0.75*mic[i] + 0.75*samples[i])
	}
	return out
}

// computeBitrateKbps picks the encoder target for the current mix.
func computeBitrateKbps(screenAudioActive bool) int {
	if screenAudioActive {
		return screenShareBitrateKbps
	}
	return micBitrateKbps
}

// computeAudioLevel maps RMS to a dBov-like scale in
// into [0, 127] where 0 is loudest and 127 is silence.
func computeAudioLevel(frame []float32) uint8 {
	rms := rms(frame)
	if rms < 1e-10 {
		return 127
	}
	level := -20 * math.Log10(float64(rms))
	if level < 0 {
		level = 0
	}
	if level > 127 {
		level = 127
	}
	return uint8(level)
}

func rms(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}

func floatToPCM16(frame []float32) []int16 {
	pcm := make([]int16, len(frame))
	for i, s := range frame {
		pcm[i] = int16(clamp01(s) * 32767)
	}
	return pcm
}

// SendTask owns the capture->encode->encrypt->datagram path for one SSRC.
// One SendTask per session; concurrent send tasks for the same SSRC are
// disallowed by construction.
type SendTask struct {
	SSRC    uint32
	Epoch   uint8
	Cryptor *FrameCryptor
	Encoder OpusEncoder
	Noise   NoiseSuppressor // optional; nil means bypass
	Sender  DatagramSender

	sequence       uint16
	timestamp      uint32
	currentBitrate int
	opusBuf        [1275]byte // RFC 6716 max Opus packet size
}

// Muted reports whether the microphone is currently muted for the frame
// being processed; ScreenAudio, if non-nil, is mixed in per step 4.
type SendInput struct {
	Mic        []float32
	Muted      bool
	ScreenAudio *ScreenAudioFrame
}

// processFrame runs the mute/mix/encode/encrypt pipeline for one input,
// returning the datagram to send, or (nil, false) if the frame should be
// dropped (muted-and-silent, or encode failure).
func (t *SendTask) processFrame(in SendInput) ([]byte, bool) {
	screenActive := in.ScreenAudio != nil
	if in.Muted && !screenActive {
		return nil, false
	}

	target := computeBitrateKbps(screenActive)
	if target != t.currentBitrate {
		if err := t.Encoder.SetBitrate(target * 1000); err != nil {
			log.Printf("[media] send: set bitrate %d kbps: %v", target, err)
		}
		t.currentBitrate = target
	}

	frame := make([]float32, len(in.Mic))
	if in.Muted {
		// Zero the mic contribution entirely; screen audio (if any) still ships.
	} else {
		copy(frame, in.Mic)
		if t.Noise != nil {
			t.Noise.Process(frame)
		}
	}

	mixed := mixFrames(frame, in.ScreenAudio)
	level := computeAudioLevel(mixed)
	pcm := floatToPCM16(mixed)

	n, err := t.Encoder.Encode(pcm, t.opusBuf[:])
	if err != nil {
		log.Printf("[media] send: opus encode: %v", err)
		return nil, false
	}
	opusPayload := t.opusBuf[:n]

	header := MediaHeader{
		Track:      TrackAudio,
		SSRC:       t.SSRC,
		Sequence:   t.sequence,
		Timestamp:  t.timestamp,
		AudioLevel: level,
		KeyEpoch:   t.Epoch,
	}
	t.sequence++
	t.timestamp += FrameSize

	aad := header.Marshal()
	ciphertext, err := t.Cryptor.Encrypt(aad, header.SSRC, header.KeyEpoch, header.Sequence, opusPayload)
	if err != nil {
		log.Printf("[media] send: encrypt: %v", err)
		return nil, false
	}
	header.PayloadLength = uint16(len(ciphertext))
	datagram := append(header.Marshal(), ciphertext...)
	return datagram, true
}

// Run consumes frames from pcmIn until it errors, the sender errors, or
// shutdown fires. Step 10: a datagram send error terminates the task.
func (t *SendTask) Run(ctx context.Context, pcmIn <-chan SendInput, shutdown <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-shutdown:
			return nil
		case in, ok := <-pcmIn:
			if !ok {
				return nil
			}
			dgram, send := t.processFrame(in)
			if !send {
				continue
			}
			if err := t.Sender.SendDatagram(dgram); err != nil {
				return err
			}
		}
	}
}

// ReceiveTask owns the datagram->authenticate->dispatch path.
type ReceiveTask struct {
	Receiver   DatagramReceiver
	Cryptor    *FrameCryptor
	Audio      *RemoteAudioTable
	Video      VideoSink
	Deafened   func() bool // nil means never deafened
	sessionStart time.Time
}

// NewReceiveTask returns a ReceiveTask with its arrival-time clock started now.
func NewReceiveTask(receiver DatagramReceiver, cryptor *FrameCryptor, audio *RemoteAudioTable, video VideoSink, deafened func() bool) *ReceiveTask {
	return &ReceiveTask{Receiver: receiver, Cryptor: cryptor, Audio: audio, Video: video, Deafened: deafened, sessionStart: time.Now()}
}

// handleDatagram authenticates and dispatches one inbound datagram.
func (t *ReceiveTask) handleDatagram(data []byte) {
	if len(data) < HeaderSize {
		return
	}
	header, err := ParseHeader(data)
	if err != nil {
		return
	}
	ciphertext := data[HeaderSize:]
	payload, err := t.Cryptor.Decrypt(data[:HeaderSize], header.SSRC, header.KeyEpoch, header.Sequence, ciphertext)
	if err != nil {
		return // AuthFailed / ReplayRejected / KeyMissing: skip, do not break
	}

	switch header.Track {
	case TrackAudio:
		if t.Deafened != nil && t.Deafened() {
			return
		}
		arrivalMs := time.Since(t.sessionStart).Milliseconds()
		_ = t.Audio.With(header.SSRC, func(s *RemoteAudioState) {
			s.Jitter.Insert(header.Sequence, header.Timestamp, payload, arrivalMs)
			s.AudioLevel = header.AudioLevel
		})
	case TrackVideo:
		if t.Video != nil {
			t.Video.PushVideo(header.SSRC, header, payload)
		}
	}
}

// Run reads datagrams in a loop until the receiver errors or ctx is canceled.
func (t *ReceiveTask) Run(ctx context.Context) error {
	for {
		data, err := t.Receiver.ReceiveDatagram(ctx)
		if err != nil {
			return err
		}
		t.handleDatagram(data)
	}
}

// PlayoutTick is the tick cadence for the playout task: a fixed 20ms block.
const PlayoutTick = 20 * time.Millisecond

// PlayoutTask pulls one frame per active SSRC every 20ms, decoding or
// concealing losses via PLC, and pushes PCM into the mixer sink.
type PlayoutTask struct {
	Audio    *RemoteAudioTable
	Sink     PlaybackSink
	Deafened func() bool
}

// tick runs one 20ms playout step across all tracked SSRCs.
func (t *PlayoutTask) tick() {
	if t.Deafened != nil && t.Deafened() {
		return
	}
	for _, s := range t.Audio.Snapshot() {
		pcm := make([]int16, FrameSize)
		t.Audio.mu.Lock()
		opus, ok := s.Jitter.Pull()
		t.Audio.mu.Unlock()
		var n int
		var err error
		if ok {
			n, err = s.Decoder.Decode(opus, pcm)
		} else {
			n, err = s.Decoder.Decode(nil, pcm) // PLC
		}
		if err != nil {
			n, err = s.Decoder.Decode(nil, pcm) // decode error: fall back to PLC
			if err != nil {
				n = 0 // PLC failure: push an empty frame rather than stalling playout
			}
		}
		t.Sink.PushPCM(s.SSRC, pcm[:n])
	}
}

// Run ticks every PlayoutTick until ctx is canceled.
func (t *PlayoutTask) Run(ctx context.Context) error {
	ticker := time.NewTicker(PlayoutTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.tick()
		}
	}
}

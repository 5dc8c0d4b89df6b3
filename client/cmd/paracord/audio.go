package main

import (
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scoduglas1999/Paracord/client/internal/vad"

	"github.com/gordonklaus/portaudio"
)

const (
	sampleRate  = 48000
	channels    = 1
	FrameSize   = 960  // 20ms @ 48kHz
	opusBitrate = 32000
	opusMaxPacketBytes = 1275 // RFC 6716 max Opus packet size

	micFramesBuf = 30 // ~600ms @ 50 fps — low latency; drops if consumer falls behind
)

// AudioDevice describes an available audio device.
type AudioDevice struct {
	ID   int
	Name string
}

// paStream abstracts a PortAudio stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// AudioEngine owns device capture/playback and the local noise-suppression
// chain. It hands processed mic frames to a media.SendTask via MicFrames and
// implements media.PlaybackSink so a media.PlayoutTask can push decoded
// remote audio straight to the speakers.
type AudioEngine struct {
	mu sync.Mutex

	inputDeviceID  int
	outputDeviceID int
	volume         float64
	nc             *NoiseCanceller // optional alternate suppressor (RNNoise)
	suppressor     *SuppressorChain

	captureStream  paStream
	playbackStream paStream

	// MicFrames carries post-suppression raw PCM float32 frames ready for
	// the send task to encode, encrypt, and ship.
	MicFrames chan []float32

	// UserVolumeFunc, if set, returns the per-SSRC volume multiplier (0.0-2.0).
	// Default (nil) means 1.0 for all.
	UserVolumeFunc func(ssrc uint32) float64
	// MutedFunc, if set, reports whether ssrc's audio should be dropped at
	// the final mix stage (client-side local mute, no server involvement).
	MutedFunc func(ssrc uint32) bool

	aecEnabled atomic.Bool
	agcEnabled atomic.Bool
	vadProc    *vad.VAD

	running   atomic.Bool
	testMode  atomic.Bool
	muted     atomic.Bool
	deafened  atomic.Bool
	pttMode   atomic.Bool // true = push-to-talk controls transmit
	pttActive atomic.Bool // true = PTT key is held, mic is hot

	// mixBuf accumulates decoded remote PCM between playback device writes.
	// PushPCM adds into it; playbackLoop drains and zeroes it every write.
	mixMu  sync.Mutex
	mixBuf []float32

	captureDropped atomic.Uint64

	// inputLevel stores the most recent pre-gate RMS level (float32 bits)
	// for the input level meter. Updated every captureLoop iteration.
	inputLevel atomic.Uint32

	stopCh     chan struct{}
	wg         sync.WaitGroup // tracks captureLoop + playbackLoop goroutines
	OnSpeaking func()         // called (throttled) when mic audio exceeds speaking threshold
}

// NewAudioEngine returns an AudioEngine with default settings.
func NewAudioEngine() *AudioEngine {
	return &AudioEngine{
		inputDeviceID:  -1,
		outputDeviceID: -1,
		volume:         1.0,
		suppressor:     NewSuppressorChain(FrameSize),
		vadProc:        vad.New(),
		MicFrames:      make(chan []float32, micFramesBuf),
		mixBuf:         make([]float32, FrameSize),
		stopCh:         make(chan struct{}),
	}
}

// SetNoiseCanceller attaches (or detaches when nc is nil) an RNNoise-based
// NoiseCanceller as an alternate/additional suppression stage.
func (ae *AudioEngine) SetNoiseCanceller(nc *NoiseCanceller) {
	ae.mu.Lock()
	ae.nc = nc
	ae.mu.Unlock()
}

// Done returns a channel that is closed when the audio engine stops.
func (ae *AudioEngine) Done() <-chan struct{} {
	return ae.stopCh
}

// ListInputDevices returns available audio input devices.
func (ae *AudioEngine) ListInputDevices() []AudioDevice {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// ListOutputDevices returns available audio output devices.
func (ae *AudioEngine) ListOutputDevices() []AudioDevice {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

// listDevices returns devices matching the given predicate.
func listDevices(match func(*portaudio.DeviceInfo) bool) []AudioDevice {
	devices, err := portaudio.Devices()
	if err != nil {
		log.Printf("[audio] list devices: %v", err)
		return nil
	}
	var out []AudioDevice
	for i, d := range devices {
		if match(d) {
			out = append(out, AudioDevice{ID: i, Name: d.Name})
		}
	}
	return out
}

// SetInputDevice sets the input device by index.
func (ae *AudioEngine) SetInputDevice(id int) {
	ae.mu.Lock()
	ae.inputDeviceID = id
	ae.mu.Unlock()
}

// SetOutputDevice sets the output device by index.
func (ae *AudioEngine) SetOutputDevice(id int) {
	ae.mu.Lock()
	ae.outputDeviceID = id
	ae.mu.Unlock()
}

// SetVolume sets the playback volume in [0.0, 1.0].
func (ae *AudioEngine) SetVolume(vol float64) {
	if vol < 0 {
		vol = 0
	}
	if vol > 1 {
		vol = 1
	}
	ae.mu.Lock()
	ae.volume = vol
	ae.mu.Unlock()
}

// SetAEC enables or disables acoustic echo cancellation on the capture path.
// Enabling resets the adaptive filter weights for a clean start.
func (ae *AudioEngine) SetAEC(enabled bool) {
	ae.suppressor.AEC.SetEnabled(enabled)
	ae.aecEnabled.Store(enabled)
}

// SetAGC enables or disables automatic gain control on the capture path.
func (ae *AudioEngine) SetAGC(enabled bool) {
	if enabled {
		ae.suppressor.AGC.Reset()
	}
	ae.agcEnabled.Store(enabled)
}

// SetAGCLevel sets the AGC target loudness. level is in [0, 100] and maps to
// an RMS target of [0.01, 0.50] (see agc.SetTarget).
func (ae *AudioEngine) SetAGCLevel(level int) {
	ae.suppressor.AGC.SetTarget(level)
}

// SetVAD enables or disables voice activity detection on the capture path.
// When enabled, silent frames are not handed to the send task.
func (ae *AudioEngine) SetVAD(enabled bool) {
	ae.vadProc.SetEnabled(enabled)
}

// SetVADThreshold sets the sensitivity of the VAD. level is in [0, 100] where
// higher values suppress more (require louder speech to be considered active).
func (ae *AudioEngine) SetVADThreshold(level int) {
	ae.vadProc.SetThreshold(level)
}

// SetNoiseGate enables or disables the hard noise gate on the capture path.
func (ae *AudioEngine) SetNoiseGate(enabled bool) {
	ae.suppressor.Gate.SetEnabled(enabled)
}

// SetNoiseGateThreshold sets the noise gate threshold (0-100).
func (ae *AudioEngine) SetNoiseGateThreshold(level int) {
	ae.suppressor.Gate.SetThreshold(level)
}

// InputLevel returns the most recent pre-gate RMS mic input level (0.0-1.0).
// Suitable for driving a real-time level meter at ~15 fps.
func (ae *AudioEngine) InputLevel() float32 {
	return math.Float32frombits(ae.inputLevel.Load())
}

// IsMuted reports whether the microphone is currently muted.
func (ae *AudioEngine) IsMuted() bool { return ae.muted.Load() }

// IsDeafened reports whether playback is currently disabled.
func (ae *AudioEngine) IsDeafened() bool { return ae.deafened.Load() }

// Start opens capture/playback streams and launches the capture and
// playback goroutines.
func (ae *AudioEngine) Start() error {
	ae.mu.Lock()
	defer ae.mu.Unlock()

	if ae.running.Load() {
		return nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}

	inputDev, err := resolveDevice(devices, ae.inputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return err
	}

	outputDev, err := resolveDevice(devices, ae.outputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return err
	}

	captureBuf := make([]float32, FrameSize)
	captureParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: FrameSize,
	}
	captureStream, err := portaudio.OpenStream(captureParams, captureBuf)
	if err != nil {
		return err
	}

	playbackBuf := make([]float32, FrameSize)
	playbackParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: FrameSize,
	}
	playbackStream, err := portaudio.OpenStream(playbackParams, playbackBuf)
	if err != nil {
		captureStream.Close()
		return err
	}

	if err := captureStream.Start(); err != nil {
		captureStream.Close()
		playbackStream.Close()
		return err
	}
	if err := playbackStream.Start(); err != nil {
		captureStream.Stop()
		captureStream.Close()
		playbackStream.Close()
		return err
	}

	ae.captureStream = captureStream
	ae.playbackStream = playbackStream
	ae.stopCh = make(chan struct{})
	ae.running.Store(true)

	ae.wg.Add(2)
	go func() { defer ae.wg.Done(); ae.captureLoop(captureBuf) }()
	go func() { defer ae.wg.Done(); ae.playbackLoop(playbackBuf) }()

	log.Printf("[audio] started capture=%s playback=%s", inputDev.Name, outputDev.Name)
	return nil
}

// resolveDevice returns the device at idx if valid, otherwise calls fallback.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Stop halts audio capture and playback.
//
// Sequence matters here: Pa_StopStream is thread-safe and causes any blocking
// Pa_ReadStream/Pa_WriteStream calls to return, which lets the goroutines exit.
// We must wait for them via wg before calling Pa_CloseStream, otherwise we free
// the native stream object while a goroutine may still be touching it (SIGSEGV).
func (ae *AudioEngine) Stop() {
	if !ae.running.CompareAndSwap(true, false) {
		return
	}
	close(ae.stopCh)

	// Stop streams first — this unblocks any Read/Write calls in the goroutines.
	ae.mu.Lock()
	if ae.captureStream != nil {
		ae.captureStream.Stop()
	}
	if ae.playbackStream != nil {
		ae.playbackStream.Stop()
	}
	ae.mu.Unlock()

	// Wait for goroutines to fully exit before freeing stream objects.
	ae.wg.Wait()

	ae.mu.Lock()
	if ae.captureStream != nil {
		ae.captureStream.Close()
		ae.captureStream = nil
	}
	if ae.playbackStream != nil {
		ae.playbackStream.Close()
		ae.playbackStream = nil
	}
	ae.mu.Unlock()

	log.Println("[audio] stopped")
}

// zeroFloat32 zeroes all elements of buf.
func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// clampFloat32 clamps v to [-1.0, 1.0].
func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

func (ae *AudioEngine) captureLoop(buf []float32) {
	var lastSpeakEmit time.Time

	for ae.running.Load() {
		if err := ae.captureStream.Read(); err != nil {
			if ae.running.Load() {
				log.Printf("[audio] capture read: %v", err)
			}
			return
		}

		// Run the AEC/gate/AGC chain. AEC and the gate check their own enabled
		// flags; AGC runs only while enabled via SetAGC. The level meter reads
		// the pre-gate RMS that the gate reports.
		ae.suppressor.AEC.Process(buf)
		ae.inputLevel.Store(math.Float32bits(ae.suppressor.Gate.Process(buf)))
		if ae.agcEnabled.Load() {
			ae.suppressor.AGC.Process(buf)
		}

		rms := vad.RMS(buf)
		if ae.OnSpeaking != nil && !ae.muted.Load() && rms > 0.01 && time.Since(lastSpeakEmit) > 80*time.Millisecond {
			lastSpeakEmit = time.Now()
			ae.OnSpeaking()
		}

		// Apply RNNoise if attached.
		ae.mu.Lock()
		nc := ae.nc
		ae.mu.Unlock()
		if nc != nil {
			nc.Process(buf)
		}

		// Push-to-talk gate: when PTT mode is enabled, only hand frames to
		// the send task while the PTT key is held. This check runs after AEC
		// and speaking detection so those subsystems stay primed.
		if ae.pttMode.Load() && !ae.pttActive.Load() {
			continue
		}

		// Voice activity detection: skip silent frames entirely to save
		// CPU and bandwidth. Bypassed in PTT mode since the user explicitly
		// controls transmission.
		//
		// When RNNoise noise cancellation is active, use its ML-based voice
		// probability instead of energy-threshold VAD — it is far better at
		// rejecting non-speech noise (keyboard clicks, fans, HVAC) that
		// happens to have similar energy levels to speech.
		if !ae.pttMode.Load() {
			if nc != nil {
				if !ae.vadProc.ShouldSendProb(nc.VADProbability()) {
					continue
				}
			} else if !ae.vadProc.ShouldSend(vad.RMS(buf)) {
				continue
			}
		}

		frame := make([]float32, len(buf))
		copy(frame, buf)
		select {
		case ae.MicFrames <- frame:
		default:
			ae.captureDropped.Add(1)
		}
	}
}

func (ae *AudioEngine) playbackLoop(buf []float32) {
	for {
		select {
		case <-ae.stopCh:
			return
		default:
		}

		zeroFloat32(buf)

		if !ae.deafened.Load() {
			ae.mu.Lock()
			vol := float32(ae.volume)
			ae.mu.Unlock()

			ae.mixMu.Lock()
			copy(buf, ae.mixBuf)
			zeroFloat32(ae.mixBuf)
			ae.mixMu.Unlock()

			for i := range buf {
				buf[i] = clampFloat32(buf[i] * vol)
			}
		}

		// Feed the final output buffer to the AEC as the far-end reference.
		// Done after all mixing so the reference matches exactly what the
		// speakers will emit.
		ae.suppressor.FeedFarEnd(buf)

		if err := ae.playbackStream.Write(); err != nil {
			if ae.running.Load() {
				log.Printf("[audio] playback write: %v", err)
			}
			return
		}
	}
}

// PushPCM additively mixes decoded remote PCM into the pending playback
// buffer. Satisfies media.PlaybackSink. Non-blocking: frames for a muted
// sender are dropped, everything else is accepted (the mix buffer has no
// queue to overflow — it is drained every device write).
func (ae *AudioEngine) PushPCM(ssrc uint32, pcm []int16) bool {
	if ae.MutedFunc != nil && ae.MutedFunc(ssrc) {
		return true
	}

	userScale := float32(1.0)
	if ae.UserVolumeFunc != nil {
		userScale = float32(ae.UserVolumeFunc(ssrc))
	}

	ae.mixMu.Lock()
	defer ae.mixMu.Unlock()
	n := len(pcm)
	if n > len(ae.mixBuf) {
		n = len(ae.mixBuf)
	}
	for i := 0; i < n; i++ {
		ae.mixBuf[i] += float32(pcm[i]) / 32768.0 * userScale
	}
	return true
}

// StartTest enables loopback test mode (capture goes directly to playback
// by looping MicFrames straight into PushPCM, bypassing the network).
func (ae *AudioEngine) StartTest() error {
	ae.testMode.Store(true)
	if err := ae.Start(); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ae.stopCh:
				return
			case frame, ok := <-ae.MicFrames:
				if !ok {
					return
				}
				pcm := make([]int16, len(frame))
				for i, s := range frame {
					pcm[i] = int16(clampFloat32(s) * 32767)
				}
				ae.PushPCM(0, pcm)
			}
		}
	}()
	return nil
}

// StopTest disables test mode and stops audio.
func (ae *AudioEngine) StopTest() {
	ae.testMode.Store(false)
	ae.Stop()
}

// SetMuted mutes or unmutes the microphone (stops sending audio).
func (ae *AudioEngine) SetMuted(muted bool) {
	ae.muted.Store(muted)
}

// SetDeafened enables or disables audio playback.
func (ae *AudioEngine) SetDeafened(deafened bool) {
	ae.deafened.Store(deafened)
}

// SetPTTMode enables or disables push-to-talk mode. When enabled, the
// microphone only transmits while the PTT key is held (pttActive=true).
// PTT mode is an alternative to VAD — both can be configured, but PTT
// takes precedence when enabled.
func (ae *AudioEngine) SetPTTMode(enabled bool) {
	ae.pttMode.Store(enabled)
	if !enabled {
		ae.pttActive.Store(false)
	}
}

// SetPTTActive sets whether the push-to-talk key is currently held.
// Only meaningful when PTT mode is enabled.
func (ae *AudioEngine) SetPTTActive(active bool) {
	ae.pttActive.Store(active)
}

// IsPTTMode reports whether push-to-talk mode is enabled.
func (ae *AudioEngine) IsPTTMode() bool {
	return ae.pttMode.Load()
}

// IsPTTActive reports whether the PTT key is currently held.
func (ae *AudioEngine) IsPTTActive() bool {
	return ae.pttActive.Load()
}

// DroppedFrames returns and resets the capture drop counter.
func (ae *AudioEngine) DroppedFrames() uint64 {
	return ae.captureDropped.Swap(0)
}

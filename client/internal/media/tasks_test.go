package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeEncoder struct {
	bitrate int
	setErr  error
	out     []byte
	encErr  error
}

func (f *fakeEncoder) Encode(pcm []int16, data []byte) (int, error) {
	if f.encErr != nil {
		return 0, f.encErr
	}
	if f.out == nil {
		f.out = []byte{0xAA, 0xBB}
	}
	n := copy(data, f.out)
	return n, nil
}

func (f *fakeEncoder) SetBitrate(bitrate int) error {
	f.bitrate = bitrate
	return f.setErr
}

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (f *fakeSender) SendDatagram(b []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, cp)
	return nil
}

func silentFrame(n int) []float32 { return make([]float32, n) }

func loudFrame(n int) []float32 {
	f := make([]float32, n)
	for i := range f {
		if i%2 == 0 {
			f[i] = 0.5
		} else {
			f[i] = -0.5
		}
	}
	return f
}

func newTestSendTask(sender *fakeSender, enc *fakeEncoder) *SendTask {
	c := NewFrameCryptor()
	c.SetKey(1, testKey(0x10))
	return &SendTask{SSRC: 99, Epoch: 1, Cryptor: c, Encoder: enc, Sender: sender}
}

func TestSendTaskDropsMutedSilentFrame(t *testing.T) {
	task := newTestSendTask(&fakeSender{}, &fakeEncoder{})
	_, send := task.processFrame(SendInput{Mic: silentFrame(FrameSize), Muted: true})
	if send {
		t.Fatalf("expected muted-and-no-screen-audio frame to be dropped")
	}
}

func TestSendTaskSendsMutedFrameWithScreenAudio(t *testing.T) {
	task := newTestSendTask(&fakeSender{}, &fakeEncoder{})
	_, send := task.processFrame(SendInput{
		Mic:         silentFrame(FrameSize),
		Muted:       true,
		ScreenAudio: &ScreenAudioFrame{Samples: loudFrame(FrameSize)},
	})
	if !send {
		t.Fatalf("expected muted-but-screen-audio-active frame to still be sent")
	}
}

func TestSendTaskBitrateSwitchesOnScreenAudio(t *testing.T) {
	enc := &fakeEncoder{}
	task := newTestSendTask(&fakeSender{}, enc)

	task.processFrame(SendInput{Mic: loudFrame(FrameSize)})
	if enc.bitrate != micBitrateKbps*1000 {
		t.Fatalf("expected mic-only bitrate %d, got %d", micBitrateKbps*1000, enc.bitrate)
	}

	task.processFrame(SendInput{Mic: loudFrame(FrameSize), ScreenAudio: &ScreenAudioFrame{Samples: loudFrame(FrameSize)}})
	if enc.bitrate != screenShareBitrateKbps*1000 {
		t.Fatalf("expected screen-share bitrate %d, got %d", screenShareBitrateKbps*1000, enc.bitrate)
	}
}

// TestSendTaskSequenceMonotonicity verifies that
// sequence numbers increase by exactly one per sent frame.
func TestSendTaskSequenceMonotonicity(t *testing.T) {
	sender := &fakeSender{}
	task := newTestSendTask(sender, &fakeEncoder{})

	for i := 0; i < 5; i++ {
		_, send := task.processFrame(SendInput{Mic: loudFrame(FrameSize)})
		if !send {
			t.Fatalf("frame %d: expected send", i)
		}
	}

	for i, dgram := range sender.sent {
		h, err := ParseHeader(dgram)
		if err != nil {
			t.Fatalf("frame %d: parse header: %v", i, err)
		}
		if int(h.Sequence) != i {
			t.Fatalf("frame %d: expected sequence %d, got %d", i, i, h.Sequence)
		}
		if int(h.Timestamp) != i*FrameSize {
			t.Fatalf("frame %d: expected timestamp %d, got %d", i, i*FrameSize, h.Timestamp)
		}
	}
}

func TestSendTaskAudioLevelSilenceIsMax(t *testing.T) {
	task := newTestSendTask(&fakeSender{}, &fakeEncoder{})
	// Not muted but silent input: level should saturate at 127.
	dgram, send := task.processFrame(SendInput{Mic: silentFrame(FrameSize)})
	if !send {
		t.Fatalf("expected send")
	}
	h, err := ParseHeader(dgram)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if h.AudioLevel != 127 {
		t.Fatalf("expected audio level 127 for silence, got %d", h.AudioLevel)
	}
}

func TestSendTaskExitsOnSendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("datagram write failed")}
	task := newTestSendTask(sender, &fakeEncoder{})

	in := make(chan SendInput, 1)
	in <- SendInput{Mic: loudFrame(FrameSize)}
	close(in)

	err := task.Run(context.Background(), in, nil)
	if err == nil {
		t.Fatalf("expected Run to return the sender's error")
	}
}

func TestMixFramesGainAndClamp(t *testing.T) {
	mic := make([]float32, 4)
	for i := range mic {
		mic[i] = 1.0
	}
	screen := &ScreenAudioFrame{Samples: []float32{1, 1, 1, 1}}
	out := mixFrames(mic, screen)
	for i, v := range out {
		if v != 1.0 {
			t.Fatalf("sample %d: expected clamp to 1.0, got %v", i, v)
		}
	}
}

func TestMixFramesDownmixesStereoScreenAudio(t *testing.T) {
	mic := make([]float32, 2)
	// Stereo screen audio: L=1,R=-1 -> downmix to 0.
	screen := &ScreenAudioFrame{Samples: []float32{1, -1, 1, -1}, Stereo: true}
	out := mixFrames(mic, screen)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("sample %d: expected 0 after L/R cancellation, got %v", i, v)
		}
	}
}

type fakeDecoder struct {
	mu        sync.Mutex
	decodes   int
	plcCalls  int
	decodeErr error
}

func (d *fakeDecoder) Decode(data []byte, pcm []int16) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if data == nil {
		d.plcCalls++
	} else {
		d.decodes++
	}
	if d.decodeErr != nil {
		return 0, d.decodeErr
	}
	return len(pcm), nil
}

func (d *fakeDecoder) DecodeFEC(data []byte, pcm []int16) error { return nil }

type fakeSink struct {
	mu     sync.Mutex
	pushed int
}

func (s *fakeSink) PushPCM(ssrc uint32, pcm []int16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed++
	return true
}

func TestPlayoutTaskPullsOrConceals(t *testing.T) {
	dec := &fakeDecoder{}
	table := NewRemoteAudioTable(func() (OpusDecoder, error) { return dec, nil })
	table.GetOrCreate(1)

	sink := &fakeSink{}
	task := &PlayoutTask{Audio: table, Sink: sink}

	// Underrun: no frames inserted, every tick should trigger PLC.
	task.tick()
	task.tick()

	if dec.plcCalls != 2 {
		t.Fatalf("expected 2 PLC calls on underrun, got %d", dec.plcCalls)
	}
	if sink.pushed != 2 {
		t.Fatalf("expected 2 pushes to sink, got %d", sink.pushed)
	}
}

func TestPlayoutTaskSkipsWhenDeafened(t *testing.T) {
	dec := &fakeDecoder{}
	table := NewRemoteAudioTable(func() (OpusDecoder, error) { return dec, nil })
	table.GetOrCreate(1)

	sink := &fakeSink{}
	deafened := true
	task := &PlayoutTask{Audio: table, Sink: sink, Deafened: func() bool { return deafened }}

	task.tick()
	if sink.pushed != 0 {
		t.Fatalf("expected no pushes while deafened, got %d", sink.pushed)
	}
}

// TestPlayoutTaskCadence verifies that the playout
// task runs at a fixed 20ms cadence.
func TestPlayoutTaskCadence(t *testing.T) {
	if PlayoutTick != 20*time.Millisecond {
		t.Fatalf("expected 20ms playout tick, got %v", PlayoutTick)
	}
}

type fakeReceiver struct {
	frames [][]byte
	idx    int
}

func (r *fakeReceiver) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	if r.idx >= len(r.frames) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f := r.frames[r.idx]
	r.idx++
	return f, nil
}

// TestReceiveTaskDispatchesAudioIntoJitterBuffer covers the full receive
// path: encrypted datagram in, decrypted payload lands in the right SSRC's
// jitter buffer.
func TestReceiveTaskDispatchesAudioIntoJitterBuffer(t *testing.T) {
	cryptor := NewFrameCryptor()
	cryptor.SetKey(1, testKey(0x77))

	header := MediaHeader{Track: TrackAudio, SSRC: 55, Sequence: 3, Timestamp: 3 * FrameSize, KeyEpoch: 1}
	hb := header.Marshal()
	ct, err := cryptor.Encrypt(hb, header.SSRC, header.KeyEpoch, header.Sequence, []byte("frame-payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	header.PayloadLength = uint16(len(ct))
	dgram := append(header.Marshal(), ct...)

	dec := &fakeDecoder{}
	table := NewRemoteAudioTable(func() (OpusDecoder, error) { return dec, nil })

	task := NewReceiveTask(&fakeReceiver{frames: [][]byte{dgram}}, cryptor, table, nil, nil)
	task.handleDatagram(dgram)

	s, err := table.GetOrCreate(55)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	payload, ok := s.Jitter.Pull()
	if !ok {
		t.Fatalf("expected a buffered frame after dispatch")
	}
	if string(payload) != "frame-payload" {
		t.Fatalf("unexpected payload: %q", payload)
	}
}

func TestReceiveTaskSkipsShortDatagram(t *testing.T) {
	table := NewRemoteAudioTable(func() (OpusDecoder, error) { return &fakeDecoder{}, nil })
	task := NewReceiveTask(&fakeReceiver{}, NewFrameCryptor(), table, nil, nil)
	task.handleDatagram([]byte{1, 2, 3}) // shorter than HeaderSize; must not panic
}

func TestReceiveTaskSkipsDecryptFailureWithoutBreaking(t *testing.T) {
	cryptor := NewFrameCryptor()
	cryptor.SetKey(1, testKey(0x88))
	table := NewRemoteAudioTable(func() (OpusDecoder, error) { return &fakeDecoder{}, nil })
	task := NewReceiveTask(&fakeReceiver{}, cryptor, table, nil, nil)

	header := MediaHeader{Track: TrackAudio, SSRC: 1, Sequence: 1, KeyEpoch: 9} // unknown epoch
	dgram := append(header.Marshal(), []byte("x")...)
	task.handleDatagram(dgram) // should return cleanly, not panic
}

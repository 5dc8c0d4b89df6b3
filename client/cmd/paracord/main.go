// Command paracord is the Paracord voice client: it captures and plays back
// audio, encrypts and frames it for the gateway's unreliable datagram
// transport, and adapts jitter buffering to observed network conditions. Chat, channels, and moderation stay server-side; this binary
// is media core only.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/Scoduglas1999/Paracord/client/internal/adapt"
	"github.com/Scoduglas1999/Paracord/client/internal/media"
)

const adaptInterval = 2 * time.Second

func main() {
	saved := LoadConfig()

	addr := flag.String("server", "", "server address (host, host:port, or paracord:// URL)")
	username := flag.String("username", saved.Username, "display name to join as")
	inputDevice := flag.Int("input-device", saved.InputDeviceID, "input device index (-1 = system default)")
	outputDevice := flag.Int("output-device", saved.OutputDeviceID, "output device index (-1 = system default)")
	volume := flag.Float64("volume", saved.Volume, "playback volume (0.0-1.0)")
	pttMode := flag.Bool("ptt", false, "require push-to-talk instead of voice activity detection")
	useRNNoise := flag.Bool("rnnoise", saved.NoiseEnabled, "enable RNNoise ML noise suppression after the AEC/gate chain; its speech probability replaces the energy-based VAD")
	testBot := flag.Bool("test-bot", false, "join as a synthetic audio bot instead of opening real audio devices (see PARACORD_TEST_AUDIO)")
	flag.Parse()

	if *addr == "" && len(saved.Servers) > 0 {
		*addr = saved.Servers[0].Addr
	}
	if *addr == "" {
		log.Fatal("[paracord] -server is required")
	}
	if *username == "" {
		log.Fatal("[paracord] -username is required")
	}

	normAddr, err := normalizeServerAddr(*addr)
	if err != nil {
		log.Fatalf("[paracord] invalid -server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *testBot {
		tu := newTestUser()
		if err := tu.start(normAddr, *username); err != nil {
			log.Fatalf("[paracord] test bot connect: %v", err)
		}
		defer tu.stop()
		log.Printf("[paracord] test bot %q connected to %s", *username, normAddr)
		<-ctx.Done()
		log.Println("[paracord] test bot shutting down")
		return
	}

	transport := NewTransport()
	if err := transport.Connect(ctx, normAddr, *username); err != nil {
		log.Fatalf("[paracord] connect: %v", err)
	}
	defer transport.Disconnect()

	ae := NewAudioEngine()
	ae.SetInputDevice(*inputDevice)
	ae.SetOutputDevice(*outputDevice)
	ae.SetVolume(*volume)
	ae.SetPTTMode(*pttMode)
	if *useRNNoise {
		nc := NewNoiseCanceller()
		nc.SetEnabled(true)
		ae.SetNoiseCanceller(nc)
		defer nc.Destroy()
	}

	ssrc := uint32(0) // replaced with our real ID once the server assigns one
	transport.SetOnUserJoined(func(id uint16, name string) {
		log.Printf("[paracord] %s joined (id=%d)", name, id)
	})
	transport.SetOnUserLeft(func(id uint16) {
		log.Printf("[paracord] user %d left", id)
	})
	transport.SetOnDisconnected(func(reason string) {
		log.Printf("[paracord] disconnected: %s", reason)
		stop()
	})
	transport.SetOnServerInfo(func(name string) {
		log.Printf("[paracord] connected to %q", name)
	})
	transport.SetOnKicked(func() {
		log.Printf("[paracord] kicked from server")
		stop()
	})

	// Wait for the server to assign our ID before building the send task;
	// MyID() is 0 until the join handshake completes.
	for i := 0; i < 50 && transport.MyID() == 0; i++ {
		time.Sleep(20 * time.Millisecond)
	}
	ssrc = uint32(transport.MyID())

	cryptor := media.NewFrameCryptor()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatalf("[paracord] generate session key: %v", err)
	}
	if err := cryptor.SetKey(0, key); err != nil {
		log.Fatalf("[paracord] install session key: %v", err)
	}

	encoder, err := newOpusEncoder()
	if err != nil {
		log.Fatalf("[paracord] opus encoder: %v", err)
	}

	remoteAudio := media.NewRemoteAudioTable(newOpusDecoder)
	ae.MutedFunc = func(ssrc uint32) bool { return transport.IsUserMuted(uint16(ssrc)) }

	sendTask := &media.SendTask{
		SSRC:    ssrc,
		Epoch:   0,
		Cryptor: cryptor,
		Encoder: encoder,
		Sender:  transport,
	}

	recvTask := media.NewReceiveTask(transport, cryptor, remoteAudio, nil, ae.IsDeafened)
	playoutTask := &media.PlayoutTask{Audio: remoteAudio, Sink: ae, Deafened: ae.IsDeafened}

	if err := ae.Start(); err != nil {
		log.Fatalf("[paracord] start audio: %v", err)
	}
	defer ae.Stop()

	pcmIn := make(chan media.SendInput, micFramesBuf)
	go func() {
		for frame := range ae.MicFrames {
			select {
			case pcmIn <- media.SendInput{Mic: frame, Muted: ae.IsMuted()}:
			case <-ctx.Done():
				return
			}
		}
	}()

	shutdown := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(shutdown)
	}()

	go func() {
		if err := sendTask.Run(ctx, pcmIn, shutdown); err != nil && ctx.Err() == nil {
			log.Printf("[paracord] send task: %v", err)
		}
	}()
	go func() {
		if err := recvTask.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[paracord] receive task: %v", err)
		}
	}()
	go func() {
		if err := playoutTask.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[paracord] playout task: %v", err)
		}
	}()

	go adaptLoop(ctx, transport, remoteAudio)

	log.Printf("[paracord] connected as %s (id=%d) to %s", *username, ssrc, normAddr)
	<-ctx.Done()
	log.Println("[paracord] shutting down")

	saved.Username = *username
	saved.InputDeviceID = *inputDevice
	saved.OutputDeviceID = *outputDevice
	saved.Volume = *volume
	saved.NoiseEnabled = *useRNNoise
	if len(saved.Servers) == 0 || saved.Servers[0].Addr != normAddr {
		saved.Servers = append([]ServerEntry{{Name: normAddr, Addr: normAddr}}, saved.Servers...)
	}
	if err := SaveConfig(saved); err != nil {
		log.Printf("[paracord] save config: %v", err)
	}
}

// adaptLoop periodically retargets each remote's jitter buffer depth from
// the connection's observed quality. There is no per-remote loss/jitter
// measurement exposed yet, so quality_level stands in as a coarse proxy:
// "poor" implies meaningful loss and jitter, "good" implies very little.
func adaptLoop(ctx context.Context, transport *Transport, table *media.RemoteAudioTable) {
	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := transport.GetMetrics()
			lossRate, jitterMs := qualityToLossJitter(m.QualityLevel)
			depth := adapt.TargetJitterDepth(jitterMs, lossRate)
			for _, s := range table.Snapshot() {
				s.Jitter.SetDepth(depth)
			}
		}
	}
}

// qualityToLossJitter maps the transport's coarse quality bucket to the
// loss-rate/jitter-ms inputs adapt.TargetJitterDepth expects.
func qualityToLossJitter(quality string) (lossRate, jitterMs float64) {
	switch quality {
	case "poor":
		return 0.06, 120
	case "moderate":
		return 0.02, 40
	default:
		return 0, 0
	}
}

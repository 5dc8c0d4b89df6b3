package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// mutedSet is a concurrent set of uint16 user IDs.
type mutedSet struct{ m sync.Map }

func (ms *mutedSet) Add(id uint16)    { ms.m.Store(id, struct{}{}) }
func (ms *mutedSet) Remove(id uint16) { ms.m.Delete(id) }
func (ms *mutedSet) Has(id uint16) bool {
	_, ok := ms.m.Load(id)
	return ok
}
func (ms *mutedSet) Clear() {
	ms.m.Range(func(k, _ any) bool { ms.m.Delete(k); return true })
}
func (ms *mutedSet) Slice() []uint16 {
	var out []uint16
	ms.m.Range(func(k, _ any) bool { out = append(out, k.(uint16)); return true })
	return out
}

// ControlMsg mirrors the gateway's session-lifecycle control message format.
// Chat, channels, and moderation are handled server-side over the gateway's
// event bus, not this datagram-voice control stream.
type ControlMsg struct {
	Type       string     `json:"type"`
	Username   string     `json:"username,omitempty"`
	ID         uint16     `json:"id,omitempty"`
	Users      []UserInfo `json:"users,omitempty"`
	Ts         int64      `json:"ts,omitempty"`          // ping/pong timestamp (Unix ms)
	ServerName string     `json:"server_name,omitempty"` // user_list: human-readable server name
	OwnerID    uint16     `json:"owner_id,omitempty"`    // user_list/owner_changed: current room owner
}

// UserInfo describes a connected peer.
type UserInfo struct {
	ID       uint16 `json:"id"`
	Username string `json:"username"`
}

// Metrics holds connection quality metrics.
type Metrics struct {
	RTTMs        float64 `json:"rtt_ms"`
	BitrateKbps  float64 `json:"bitrate_kbps"` // measured outgoing audio
	QualityLevel string  `json:"quality_level"`
}

// qualityLevel classifies connection quality from RTT.
func qualityLevel(rttMs float64) string {
	if rttMs >= 300 {
		return "poor"
	}
	if rttMs >= 100 {
		return "moderate"
	}
	return "good"
}

// Transport manages the WebTransport session to the gateway and the
// unreliable datagram path used for encrypted media frames. It implements
// the Transporter interface.
type Transport struct {
	mu      sync.Mutex
	session *webtransport.Session
	cancel  context.CancelFunc

	// myID is the server-assigned ID for this client.
	// Written once in readControl; protected by mu.
	myID uint16

	// Control stream write serialisation.
	ctrlMu sync.Mutex
	ctrl   *webtransport.Stream

	// RTT: smoothed via EWMA (RFC 6298), stored as float64 bits for atomic access.
	smoothedRTT atomic.Uint64
	lastPingTs  atomic.Int64 // Unix ms of the last ping sent

	// lastPongTime records when the most recent pong was received (Unix nanoseconds).
	// Initialised to the connection start time; 0 means never received.
	lastPongTime atomic.Int64

	// Bytes sent since the last GetMetrics call (for bitrate calculation).
	bytesSent atomic.Uint64

	// muted holds the set of remote user IDs whose audio is suppressed locally.
	muted mutedSet

	// disconnectReason is set before Disconnect is called to communicate the
	// cause to the onDisconnected callback. Protected by mu.
	disconnectReason string

	// lastMetricsTime is the timestamp of the previous GetMetrics call.
	metricsMu       sync.Mutex
	lastMetricsTime time.Time

	// Callbacks — set via setters before calling Connect.
	cbMu           sync.RWMutex
	onUserList     func([]UserInfo)
	onUserJoined   func(uint16, string)
	onUserLeft     func(uint16)
	onDisconnected func(reason string)
	onServerInfo   func(name string)
	onKicked       func()
	onOwnerChanged func(ownerID uint16)
}

// Verify Transport satisfies the Transporter interface at compile time.
var _ Transporter = (*Transport)(nil)

// NewTransport creates a ready-to-use Transport.
func NewTransport() *Transport {
	return &Transport{lastMetricsTime: time.Now()}
}

// --- Callback setters (satisfy Transporter interface) ---

func (t *Transport) SetOnUserList(fn func([]UserInfo)) {
	t.cbMu.Lock()
	t.onUserList = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnUserJoined(fn func(uint16, string)) {
	t.cbMu.Lock()
	t.onUserJoined = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnUserLeft(fn func(uint16)) {
	t.cbMu.Lock()
	t.onUserLeft = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnDisconnected(fn func(reason string)) {
	t.cbMu.Lock()
	t.onDisconnected = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnServerInfo(fn func(name string)) {
	t.cbMu.Lock()
	t.onServerInfo = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnKicked(fn func()) {
	t.cbMu.Lock()
	t.onKicked = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnOwnerChanged(fn func(ownerID uint16)) {
	t.cbMu.Lock()
	t.onOwnerChanged = fn
	t.cbMu.Unlock()
}

// --- Per-user local muting ---

// MuteUser suppresses incoming audio from the given remote user ID.
func (t *Transport) MuteUser(id uint16) { t.muted.Add(id) }

// UnmuteUser re-enables incoming audio from the given remote user ID.
func (t *Transport) UnmuteUser(id uint16) { t.muted.Remove(id) }

// IsUserMuted reports whether audio from id is currently suppressed.
func (t *Transport) IsUserMuted(id uint16) bool { return t.muted.Has(id) }

// MutedUsers returns the IDs of all currently muted remote users.
func (t *Transport) MutedUsers() []uint16 { return t.muted.Slice() }

// writeCtrl serialises a control message write; safe for concurrent callers.
func (t *Transport) writeCtrl(msg ControlMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')
	t.ctrlMu.Lock()
	defer t.ctrlMu.Unlock()
	if t.ctrl == nil {
		return fmt.Errorf("control stream not connected")
	}
	_, err = t.ctrl.Write(data)
	return err
}

// writeCtrlBestEffort sends a control message without returning errors.
// Used for non-critical messages (pings) where failure is handled elsewhere.
func (t *Transport) writeCtrlBestEffort(msg ControlMsg) {
	if err := t.writeCtrl(msg); err != nil {
		log.Printf("[transport] best-effort write (%s): %v", msg.Type, err)
	}
}

// connectTimeout is the maximum time allowed for the initial WebTransport
// dial + control stream open + join handshake.
const connectTimeout = 10 * time.Second

// Connect establishes a WebTransport session and sends the join message.
// Callbacks must be registered via Set* methods before calling Connect.
func (t *Transport) Connect(ctx context.Context, addr, username string) error {
	// Reset per-session state.
	t.muted.Clear()
	t.mu.Lock()
	t.disconnectReason = ""
	t.mu.Unlock()

	// Apply a dial timeout so the caller isn't blocked indefinitely when the
	// server is unreachable. The timeout only covers the handshake; once
	// connected the session-scoped context takes over.
	dialCtx, dialCancel := context.WithTimeout(ctx, connectTimeout)
	defer dialCancel()

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec — self-signed server cert
		QUICConfig: &quic.Config{
			EnableDatagrams:                  true,
			EnableStreamResetPartialDelivery: true,
		},
	}

	_, sess, err := d.Dial(dialCtx, "https://"+addr, http.Header{})
	if err != nil {
		cancel()
		return err
	}

	t.mu.Lock()
	t.session = sess
	t.mu.Unlock()

	stream, err := sess.OpenStream()
	if err != nil {
		cancel()
		sess.CloseWithError(0, "failed to open control stream")
		return err
	}
	t.ctrlMu.Lock()
	t.ctrl = stream
	t.ctrlMu.Unlock()

	// Reset per-session metrics.
	t.smoothedRTT.Store(0)
	t.bytesSent.Store(0)
	t.lastPongTime.Store(time.Now().UnixNano()) // baseline: treat connection start as a pong
	t.metricsMu.Lock()
	t.lastMetricsTime = time.Now()
	t.metricsMu.Unlock()

	if err := t.writeCtrl(ControlMsg{Type: "join", Username: username}); err != nil {
		cancel()
		sess.CloseWithError(0, "failed to send join")
		return fmt.Errorf("send join: %w", err)
	}

	go t.readControl(ctx, stream)
	go t.pingLoop(ctx)

	return nil
}

// Disconnect closes the WebTransport session.
func (t *Transport) Disconnect() {
	t.ctrlMu.Lock()
	if t.ctrl != nil {
		t.ctrl.Close() //nolint:errcheck // best-effort close for fast server-side teardown
		t.ctrl = nil
	}
	t.ctrlMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.session != nil {
		t.session.CloseWithError(0, "disconnect")
		t.session = nil
	}
	t.myID = 0
}

// SendDatagram sends one already-encrypted media datagram unreliably.
// Satisfies media.DatagramSender.
func (t *Transport) SendDatagram(data []byte) error {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()

	if sess == nil {
		return nil
	}
	t.bytesSent.Add(uint64(len(data)))
	return sess.SendDatagram(data)
}

// ReceiveDatagram blocks until one media datagram arrives or ctx is
// canceled. Satisfies media.DatagramReceiver.
func (t *Transport) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()
	if sess == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return sess.ReceiveDatagram(ctx)
}

// MyID returns the local client's server-assigned user ID (0 before join ack).
func (t *Transport) MyID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.myID
}

// GetMetrics returns current connection quality metrics and resets interval counters.
func (t *Transport) GetMetrics() Metrics {
	now := time.Now()

	t.metricsMu.Lock()
	elapsed := now.Sub(t.lastMetricsTime).Seconds()
	if elapsed <= 0 {
		elapsed = 2
	}
	t.lastMetricsTime = now
	t.metricsMu.Unlock()

	bytes := t.bytesSent.Swap(0)
	bitrate := float64(bytes*8) / elapsed / 1000 // kbps

	rtt := math.Float64frombits(t.smoothedRTT.Load())

	return Metrics{
		RTTMs:        rtt,
		BitrateKbps:  bitrate,
		QualityLevel: qualityLevel(rtt),
	}
}

// pongTimeout is the maximum time allowed between pongs before the connection
// is considered dead and the client disconnects. 3 missed pings at 2 s each.
const pongTimeout = 6 * time.Second

// pingLoop sends a ping every 2 s for RTT measurement and enforces a pong
// deadline. If no pong arrives within pongTimeout, the session is closed.
func (t *Transport) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts := time.Now().UnixMilli()
			t.lastPingTs.Store(ts)
			t.writeCtrlBestEffort(ControlMsg{Type: "ping", Ts: ts})

			// Check pong deadline. lastPongTime is set to connection-start in
			// Connect(), so this is only a timeout if the server stops responding.
			lastPong := t.lastPongTime.Load()
			if lastPong > 0 && time.Since(time.Unix(0, lastPong)) > pongTimeout {
				log.Printf("[transport] pong timeout — server unreachable, disconnecting")
				t.mu.Lock()
				t.disconnectReason = "Server unreachable (ping timeout)"
				t.mu.Unlock()
				t.Disconnect()
				return
			}
		}
	}
}

// readControl reads newline-delimited JSON control messages from the server.
// It fires the registered callbacks and updates metrics. When the stream
// closes (server disconnect), it calls onDisconnected.
func (t *Transport) readControl(ctx context.Context, stream *webtransport.Stream) {
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		var msg ControlMsg
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Printf("[transport] invalid control msg: %v", err)
			continue
		}

		t.cbMu.RLock()
		onUserList := t.onUserList
		onUserJoined := t.onUserJoined
		onUserLeft := t.onUserLeft
		onServerInfo := t.onServerInfo
		onKicked := t.onKicked
		onOwnerChanged := t.onOwnerChanged
		t.cbMu.RUnlock()

		switch msg.Type {
		case "user_list":
			// The server appends the joining user last in the list; that entry
			// carries our assigned ID.
			if len(msg.Users) > 0 {
				t.mu.Lock()
				t.myID = msg.Users[len(msg.Users)-1].ID
				t.mu.Unlock()
			}
			if onUserList != nil {
				onUserList(msg.Users)
			}
			if msg.ServerName != "" && onServerInfo != nil {
				onServerInfo(msg.ServerName)
			}
			if onOwnerChanged != nil {
				onOwnerChanged(msg.OwnerID)
			}
		case "user_joined":
			if onUserJoined != nil {
				onUserJoined(msg.ID, msg.Username)
			}
		case "user_left":
			if onUserLeft != nil {
				onUserLeft(msg.ID)
			}
		case "pong":
			t.lastPongTime.Store(time.Now().UnixNano())
			sent := t.lastPingTs.Load()
			if sent != 0 {
				sample := float64(time.Now().UnixMilli() - sent)
				old := math.Float64frombits(t.smoothedRTT.Load())
				var next float64
				if old == 0 {
					next = sample
				} else {
					next = 0.125*sample + 0.875*old // EWMA α=0.125 (RFC 6298)
				}
				t.smoothedRTT.Store(math.Float64bits(next))
			}
		case "server_info":
			if msg.ServerName != "" && onServerInfo != nil {
				onServerInfo(msg.ServerName)
			}
		case "owner_changed":
			if onOwnerChanged != nil {
				onOwnerChanged(msg.OwnerID)
			}
		case "kicked":
			if onKicked != nil {
				onKicked()
			}
		}
	}

	// Determine disconnect reason: if one was set (e.g. by pingLoop), use it;
	// otherwise default to a generic message.
	t.mu.Lock()
	reason := t.disconnectReason
	t.disconnectReason = ""
	t.mu.Unlock()
	if reason == "" {
		reason = "Connection closed by server"
	}

	t.cbMu.RLock()
	onDisconnected := t.onDisconnected
	t.cbMu.RUnlock()
	if onDisconnected != nil {
		onDisconnected(reason)
	}
}

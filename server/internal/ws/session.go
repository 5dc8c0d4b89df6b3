package ws

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Scoduglas1999/Paracord/server/internal/gateway"
	"github.com/Scoduglas1999/Paracord/server/internal/observability"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// Intent bits for gateway event filtering. Privileged intents must be explicitly
// requested by the client at handshake time.
const (
	IntentGuildMessages          uint64 = 1 << 0
	IntentGuildMessageReactions  uint64 = 1 << 1
	IntentGuildPresences         uint64 = 1 << 2 // privileged
	IntentGuildMembers           uint64 = 1 << 3 // privileged
	IntentMessageContent         uint64 = 1 << 4 // privileged
)

// PrivilegedIntents is the set of bits a client must explicitly opt into.
const PrivilegedIntents = IntentGuildPresences | IntentGuildMembers | IntentMessageContent

// requiredIntent maps an event_type to the single intent bit gating its
// delivery. Event types absent from this map are always delivered.
var requiredIntent = map[string]uint64{
	"MESSAGE_CREATE":          IntentGuildMessages,
	"MESSAGE_UPDATE":          IntentGuildMessages,
	"MESSAGE_DELETE":          IntentGuildMessages,
	"MESSAGE_REACTION_ADD":    IntentGuildMessageReactions,
	"MESSAGE_REACTION_REMOVE": IntentGuildMessageReactions,
	"PRESENCE_UPDATE":         IntentGuildPresences,
	"GUILD_MEMBER_ADD":        IntentGuildMembers,
	"GUILD_MEMBER_REMOVE":     IntentGuildMembers,
	"GUILD_MEMBER_UPDATE":     IntentGuildMembers,
}

// zlibSyncFlush is the 4-byte suffix appended after each deflate-compressed
// frame so the peer's inflater can flush it without waiting for more input.
var zlibSyncFlush = []byte{0x00, 0x00, 0xff, 0xff}

// maxFrameSize caps the handshake and inbound client message size.
const maxFrameSize = 32 * 1024

// GatewayFrame is the wire envelope for one bus event delivered to a client.
type GatewayFrame struct {
	Type    string `json:"t"`
	Payload any    `json:"d,omitempty"`
}

// SessionConfig configures one WS session's policy.
type SessionConfig struct {
	SessionID      string
	UserID         int64
	Intents        uint64
	GuildIDs       []int64
	QueueCapacity  int
	Compress       bool
	AllowedOrigins []string // empty means same-origin only
	Counters       *observability.Counters // optional; nil disables per-event counting
}

// Session owns one upgraded WebSocket connection: it registers with the
// gateway bus, applies the intent filter to every event it receives, and
// writes framed (optionally deflate-compressed) JSON to the client.
type Session struct {
	cfg   SessionConfig
	conn  *websocket.Conn
	bus   *gateway.Bus
	recv  <-chan gateway.Event
}

// CheckOrigin applies the session's origin policy: an explicit
// allow-list match, or same-origin (Origin host equals the request Host)
// when no allow-list is configured or none of its entries match.
func CheckOrigin(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients don't send Origin
	}
	for _, a := range allowed {
		if a == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// NewSession upgrades an HTTP request to a WebSocket and registers the
// resulting session with bus. Call Serve to run its lifecycle.
func NewSession(c echo.Context, bus *gateway.Bus, cfg SessionConfig) (*Session, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  maxFrameSize,
		WriteBufferSize: maxFrameSize,
		CheckOrigin: func(r *http.Request) bool {
			return CheckOrigin(r, cfg.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)

	recv := bus.RegisterSession(cfg.SessionID, cfg.UserID, cfg.GuildIDs, cfg.QueueCapacity)
	return &Session{cfg: cfg, conn: conn, bus: bus, recv: recv}, nil
}

// Serve drains the bus queue and writes frames until the connection closes,
// the bus queue is closed (session revoked), or ctx is canceled.
func (s *Session) Serve(ctx context.Context) {
	defer func() {
		s.bus.UnregisterSession(s.cfg.SessionID)
		s.conn.Close()
	}()

	go s.readLoop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.recv:
			if !ok {
				slog.Debug("ws session queue closed", "session_id", s.cfg.SessionID)
				return
			}
			if !s.intentAllows(ev.Type) {
				continue
			}
			if err := s.writeEvent(ev); err != nil {
				slog.Debug("ws session write failed", "session_id", s.cfg.SessionID, "err", err)
				return
			}
		}
	}
}

// readLoop discards/ignores inbound client frames after handshake; inbound
// command handling for this gateway belongs to a higher-level dispatcher
// that's out of scope for session transport itself. It exists so the
// connection's close/ping frames are still processed by gorilla/websocket.
func (s *Session) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// intentAllows applies the session's intent filter.
func (s *Session) intentAllows(eventType string) bool {
	required, ok := requiredIntent[eventType]
	if !ok {
		return true
	}
	return s.cfg.Intents&required != 0
}

// writeEvent serializes ev to JSON and writes it as a text frame, or as a
// deflate-compressed (Z_SYNC_FLUSH-terminated) binary frame when
// compression is enabled.
func (s *Session) writeEvent(ev gateway.Event) error {
	frame := GatewayFrame{Type: ev.Type, Payload: ev.Payload}
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if s.cfg.Counters != nil {
		s.cfg.Counters.EventDispatched(ev.Type)
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	if !s.cfg.Compress {
		return s.conn.WriteMessage(websocket.TextMessage, body)
	}

	compressed, err := deflateSyncFlush(body)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, compressed)
}

// deflateSyncFlush compresses data with raw deflate and appends the
// 4-byte sync-flush suffix clients expect to see at the end of every frame.
func deflateSyncFlush(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	// flate.Writer.Flush already emits a sync-flush block; strip any
	// trailing copy of the marker before appending our own so the wire
	// format is exactly one canonical suffix.
	out = bytes.TrimSuffix(out, zlibSyncFlush)
	out = append(out, zlibSyncFlush...)
	return out, nil
}

// ParseCompressQuery reports whether the request asked for
// ?compress=zlib-stream.
func ParseCompressQuery(r *http.Request) bool {
	return strings.EqualFold(r.URL.Query().Get("compress"), "zlib-stream")
}

package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Scoduglas1999/Paracord/server/internal/auth"
	"github.com/Scoduglas1999/Paracord/server/internal/gateway"
	"github.com/Scoduglas1999/Paracord/server/internal/observability"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// MembershipSource resolves the guilds a user belongs to at connect time,
// so the session's bus subscription starts pre-populated.
type MembershipSource interface {
	UserGuildIDs(ctx context.Context, userID int64) ([]int64, error)
}

// GatewayHandler upgrades authenticated requests into gateway sessions:
// it validates the bearer token, loads guild membership, parses the
// requested intents and compression mode, and hands the connection to a
// Session for its lifecycle.
type GatewayHandler struct {
	bus            *gateway.Bus
	tokens         *auth.TokenIssuer
	sessions       *auth.Store
	membership     MembershipSource
	counters       *observability.Counters
	allowedOrigins []string
}

// NewGatewayHandler wires a GatewayHandler against the bus, the auth
// session store, and a membership source.
func NewGatewayHandler(bus *gateway.Bus, tokens *auth.TokenIssuer, sessions *auth.Store, membership MembershipSource, counters *observability.Counters, allowedOrigins []string) *GatewayHandler {
	return &GatewayHandler{
		bus:            bus,
		tokens:         tokens,
		sessions:       sessions,
		membership:     membership,
		counters:       counters,
		allowedOrigins: allowedOrigins,
	}
}

// Register binds the gateway route on an Echo router.
func (h *GatewayHandler) Register(e *echo.Echo) {
	e.GET("/gateway", h.HandleConnect)
}

// HandleConnect validates the bearer token, checks the pinned session jti
// is still active, then upgrades the connection and serves it until the
// client disconnects or the request context is canceled.
func (h *GatewayHandler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()

	scheme, token := auth.ParseAuthorizationHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if scheme != auth.SchemeBearer {
		return echo.NewHTTPError(http.StatusUnauthorized, "bearer token required")
	}

	claims, err := h.tokens.Validate(token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	active, err := h.sessions.IsAccessTokenActive(ctx, claims.UserID, claims.SessionID, claims.JTI)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "session lookup failed")
	}
	if !active {
		return echo.NewHTTPError(http.StatusUnauthorized, "session is not active")
	}

	guildIDs, err := h.membership.UserGuildIDs(ctx, claims.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "membership lookup failed")
	}

	intents := parseIntents(c.Request().URL.Query().Get("intents"))

	sess, err := NewSession(c, h.bus, SessionConfig{
		SessionID:      uuid.NewString(),
		UserID:         claims.UserID,
		Intents:        intents,
		GuildIDs:       guildIDs,
		Compress:       ParseCompressQuery(c.Request()),
		AllowedOrigins: h.allowedOrigins,
		Counters:       h.counters,
	})
	if err != nil {
		return err
	}

	if h.counters != nil {
		h.counters.ConnectionOpened()
		defer h.counters.ConnectionClosed()
	}
	slog.Info("gateway session connected", "user_id", claims.UserID, "intents", intents)
	sess.Serve(ctx)
	return nil
}

// parseIntents accepts a decimal intent bitmask; an empty or malformed
// value yields zero intents (non-privileged, always-delivered events only).
func parseIntents(raw string) uint64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

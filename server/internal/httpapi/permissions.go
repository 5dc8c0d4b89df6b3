package httpapi

import (
	"net/http"
	"strconv"

	"github.com/Scoduglas1999/Paracord/server/internal/auth"

	"github.com/labstack/echo/v4"
)

type channelPermissionsResponse struct {
	ChannelID   int64  `json:"channel_id"`
	GuildID     int64  `json:"guild_id"`
	Permissions uint64 `json:"permissions"`
}

// handleChannelPermissions resolves the caller's effective permission bits
// in one channel. Requires a bearer access token whose session is still
// active (not just a structurally valid JWT).
func (s *Server) handleChannelPermissions(c echo.Context) error {
	scheme, token := auth.ParseAuthorizationHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if scheme != auth.SchemeBearer {
		return echo.NewHTTPError(http.StatusUnauthorized, "bearer token required")
	}

	ctx := c.Request().Context()
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	active, err := s.sessions.IsAccessTokenActive(ctx, claims.UserID, claims.SessionID, claims.JTI)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "session lookup failed")
	}
	if !active {
		return echo.NewHTTPError(http.StatusUnauthorized, "session is not active")
	}

	channelID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channel id")
	}

	channel, err := s.store.Channel(ctx, channelID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "channel not found")
	}
	ownerID, err := s.store.GuildOwner(ctx, channel.GuildID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "guild lookup failed")
	}

	perms, err := s.perms.ComputeCached(ctx, channel.GuildID, channelID, ownerID, claims.UserID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "permission resolution failed")
	}

	return c.JSON(http.StatusOK, channelPermissionsResponse{
		ChannelID:   channelID,
		GuildID:     channel.GuildID,
		Permissions: uint64(perms),
	})
}

// Command paracordd is the Paracord gateway/REST server: it serves the
// authenticated WebSocket gateway, the blob/channel REST API, and the
// permission-resolution endpoint over one Echo instance.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/Scoduglas1999/Paracord/server/internal/auth"
	"github.com/Scoduglas1999/Paracord/server/internal/blob"
	"github.com/Scoduglas1999/Paracord/server/internal/core"
	"github.com/Scoduglas1999/Paracord/server/internal/gateway"
	"github.com/Scoduglas1999/Paracord/server/internal/httpapi"
	"github.com/Scoduglas1999/Paracord/server/internal/observability"
	"github.com/Scoduglas1999/Paracord/server/internal/permissions"
	"github.com/Scoduglas1999/Paracord/server/internal/store"
	"github.com/Scoduglas1999/Paracord/server/internal/ws"
)

func main() {
	addr := flag.String("addr", ":8443", "HTTP/WebSocket listen address")
	dbPath := flag.String("db", "paracordd.db", "SQLite database path for channel/blob/guild state")
	authDBPath := flag.String("auth-db", "", "SQLite database path for sessions and the auth guard (defaults to -db with an -auth suffix)")
	uploadsDir := flag.String("uploads-dir", "uploads", "directory name for uploaded blobs (relative to -db directory)")
	serverName := flag.String("server-name", "Paracord", "default display name seeded on first run")
	jwtSecret := flag.String("jwt-secret", "", "HMAC secret for access-token JWTs (required; also read from PARACORD_JWT_SECRET)")
	accessTokenTTL := flag.Duration("access-token-ttl", 15*time.Minute, "access token lifetime")
	maxSessionsPerUser := flag.Int64("max-sessions-per-user", auth.DefaultMaxSessionsPerUser, "active session cap per user")
	allowedOrigins := flag.String("allowed-origins", "", "comma-separated gateway allow-list (empty means same-origin only)")
	flag.Parse()

	if *jwtSecret == "" {
		*jwtSecret = os.Getenv("PARACORD_JWT_SECRET")
	}
	if *jwtSecret == "" {
		log.Fatal("[paracordd] -jwt-secret or PARACORD_JWT_SECRET is required")
	}

	if *authDBPath == "" {
		*authDBPath = strings.TrimSuffix(*dbPath, filepath.Ext(*dbPath)) + "-auth" + filepath.Ext(*dbPath)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	blobsDir := filepath.Join(filepath.Dir(*dbPath), *uploadsDir)
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		log.Fatalf("[blob] create uploads dir: %v", err)
	}
	blobStore, err := blob.NewStore(blobsDir, st)
	if err != nil {
		log.Fatalf("[blob] %v", err)
	}

	sessions, err := auth.Open(*authDBPath, *maxSessionsPerUser)
	if err != nil {
		log.Fatalf("[auth] %v", err)
	}
	defer sessions.Close()

	tokens := auth.NewTokenIssuer([]byte(*jwtSecret), *accessTokenTTL)

	engine := permissions.NewEngine(st, st)
	permCache := permissions.NewCache(engine)

	counters := observability.New()
	wireTrace := observability.LoadWireTraceConfig()
	if wireTrace.Enabled {
		slog.Info("wire trace enabled", "payloads", wireTrace.PayloadsEnabled, "payload_max_bytes", wireTrace.PayloadMaxBytes)
	}

	bus := gateway.New()
	channelState := core.NewChannelState(*serverName)

	var origins []string
	if *allowedOrigins != "" {
		for _, o := range strings.Split(*allowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	api := httpapi.New(channelState, st, &httpapi.AuthDeps{
		Tokens:   tokens,
		Sessions: sessions,
		Perms:    permCache,
	}, blobStore)

	gatewayHandler := ws.NewGatewayHandler(bus, tokens, sessions, st, counters, origins)
	gatewayHandler.Register(api.Echo())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("paracordd: shutting down")
		cancel()
	}()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := counters.Snapshot()
				slog.Info("gateway stats", "active_connections", snap.ActiveConnections, "total_events", snap.TotalEvents)
				if _, err := sessions.PurgeExpiredSessions(ctx, 1000); err != nil {
					slog.Error("purge expired sessions", "err", err)
				}
			}
		}
	}()

	slog.Info("paracordd listening", "addr", *addr)
	if err := api.Run(ctx, *addr); err != nil {
		log.Fatalf("[paracordd] %v", err)
	}
}

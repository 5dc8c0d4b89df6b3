package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Scoduglas1999/Paracord/server/internal/auth"
	"github.com/Scoduglas1999/Paracord/server/internal/core"
	"github.com/Scoduglas1999/Paracord/server/internal/permissions"
	"github.com/Scoduglas1999/Paracord/server/internal/store"
)

func TestChannelPermissionsRequiresActiveSession(t *testing.T) {
	t.Parallel()

	temp := t.TempDir()
	st, err := store.Open(filepath.Join(temp, "perm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if err := st.CreateGuild(ctx, 1, 99, "g"); err != nil {
		t.Fatalf("create guild: %v", err)
	}
	if err := st.CreateGuildChannel(ctx, 5, 1, "general", nil); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	sessions, err := auth.Open(filepath.Join(temp, "auth.db"), auth.DefaultMaxSessionsPerUser)
	if err != nil {
		t.Fatalf("open auth store: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	tokens := auth.NewTokenIssuer([]byte("test-secret"), time.Hour)
	engine := permissions.NewEngine(st, st)
	cache := permissions.NewCache(engine)

	api := New(core.NewChannelState(""), st, &AuthDeps{Tokens: tokens, Sessions: sessions, Perms: cache})
	ts := httptest.NewServer(api.Echo())
	t.Cleanup(ts.Close)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/channels/5/permissions", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET without auth: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no Authorization header, got %d", resp.StatusCode)
	}

	sess, err := sessions.CreateSession(ctx, "sess-1", 99, "refresh-hash", "jti-1", "pub", "device", "ua", "127.0.0.1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	token, err := tokens.Issue(99, sess.ID, sess.CurrentJTI)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/channels/5/permissions", nil)
	req2.Header.Set("Authorization", "Bearer "+token)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("GET with auth: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a valid bearer token, got %d", resp2.StatusCode)
	}

	var got channelPermissionsResponse
	if err := json.NewDecoder(resp2.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ChannelID != 5 || got.GuildID != 1 {
		t.Fatalf("unexpected response: %+v", got)
	}
	// The requester owns the guild, so the owner bypass grants every bit.
	if got.Permissions != uint64(permissions.All()) {
		t.Fatalf("expected owner to hold all permissions, got %d", got.Permissions)
	}
}

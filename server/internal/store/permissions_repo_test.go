package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestPermissionsStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "perm.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMemberRolesAndChannelOverwritesRoundTrip(t *testing.T) {
	st := newTestPermissionsStore(t)
	ctx := context.Background()

	if _, err := st.db.ExecContext(ctx, `INSERT INTO guilds (id, owner_id, name) VALUES (1, 42, 'Test Guild')`); err != nil {
		t.Fatalf("insert guild: %v", err)
	}
	if _, err := st.db.ExecContext(ctx, `INSERT INTO roles (id, guild_id, name, permissions, position) VALUES (7, 1, 'Mod', 3, 1)`); err != nil {
		t.Fatalf("insert role: %v", err)
	}
	if _, err := st.db.ExecContext(ctx, `INSERT INTO member_roles (guild_id, user_id, role_id) VALUES (1, 10, 7)`); err != nil {
		t.Fatalf("insert member role: %v", err)
	}
	if _, err := st.db.ExecContext(ctx, `INSERT INTO guild_channels (id, guild_id, name, required_role_ids) VALUES (5, 1, 'general', '7,9')`); err != nil {
		t.Fatalf("insert channel: %v", err)
	}
	if _, err := st.db.ExecContext(ctx, `INSERT INTO channel_overwrites (channel_id, target_type, target_id, allow, deny) VALUES (5, 1, 10, 4, 0)`); err != nil {
		t.Fatalf("insert overwrite: %v", err)
	}
	if _, err := st.db.ExecContext(ctx, `INSERT INTO guild_members (guild_id, user_id) VALUES (1, 10)`); err != nil {
		t.Fatalf("insert guild member: %v", err)
	}

	roles, err := st.MemberRoles(ctx, 1, 10)
	if err != nil {
		t.Fatalf("MemberRoles: %v", err)
	}
	if len(roles) != 1 || roles[0].ID != 7 || roles[0].Permissions != 3 {
		t.Fatalf("unexpected roles: %+v", roles)
	}

	ch, err := st.Channel(ctx, 5)
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if len(ch.RequiredRoles) != 2 || ch.RequiredRoles[0] != 7 || ch.RequiredRoles[1] != 9 {
		t.Fatalf("unexpected required roles: %+v", ch.RequiredRoles)
	}

	overwrites, err := st.ChannelOverwrites(ctx, 5)
	if err != nil {
		t.Fatalf("ChannelOverwrites: %v", err)
	}
	if len(overwrites) != 1 || overwrites[0].TargetID != 10 || overwrites[0].Allow != 4 {
		t.Fatalf("unexpected overwrites: %+v", overwrites)
	}

	guildIDs, err := st.UserGuildIDs(ctx, 10)
	if err != nil {
		t.Fatalf("UserGuildIDs: %v", err)
	}
	if len(guildIDs) != 1 || guildIDs[0] != 1 {
		t.Fatalf("unexpected guild ids: %+v", guildIDs)
	}

	owner, err := st.GuildOwner(ctx, 1)
	if err != nil {
		t.Fatalf("GuildOwner: %v", err)
	}
	if owner != 42 {
		t.Fatalf("expected owner 42, got %d", owner)
	}
}

package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Scoduglas1999/Paracord/server/internal/permissions"
)

// MemberRoles implements permissions.RoleSource by loading the roles a
// user currently holds in guildID: the roles assigned in member_roles plus,
// for a guild member, the everyone role (ID equal to guildID) if it exists.
func (s *Store) MemberRoles(ctx context.Context, guildID, userID int64) ([]permissions.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.guild_id, r.name, r.permissions, r.position, r.hoist, r.managed, r.mentionable
FROM roles r
WHERE r.guild_id = ? AND (
  r.id IN (SELECT mr.role_id FROM member_roles mr WHERE mr.guild_id = r.guild_id AND mr.user_id = ?)
  OR (r.id = r.guild_id AND EXISTS (SELECT 1 FROM guild_members gm WHERE gm.guild_id = r.guild_id AND gm.user_id = ?))
)
ORDER BY r.position
`, guildID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query member roles: %w", err)
	}
	defer rows.Close()

	var roles []permissions.Role
	for rows.Next() {
		var (
			r                             permissions.Role
			hoist, managed, mentionable   int
		)
		if err := rows.Scan(&r.ID, &r.GuildID, &r.Name, &r.Permissions, &r.Position, &hoist, &managed, &mentionable); err != nil {
			return nil, fmt.Errorf("scan member role: %w", err)
		}
		r.Hoist = hoist != 0
		r.Managed = managed != 0
		r.Mentionable = mentionable != 0
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// Channel implements permissions.ChannelSource.
func (s *Store) Channel(ctx context.Context, channelID int64) (permissions.Channel, error) {
	var (
		ch           permissions.Channel
		requiredRaw  string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, guild_id, required_role_ids FROM guild_channels WHERE id = ?`, channelID).
		Scan(&ch.ID, &ch.GuildID, &requiredRaw)
	if err != nil {
		return permissions.Channel{}, fmt.Errorf("query channel: %w", err)
	}
	ch.RequiredRoles = parseRoleIDList(requiredRaw)
	return ch, nil
}

// ChannelOverwrites implements permissions.ChannelSource.
func (s *Store) ChannelOverwrites(ctx context.Context, channelID int64) ([]permissions.ChannelOverwrite, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT target_type, target_id, allow, deny FROM channel_overwrites WHERE channel_id = ?
`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query channel overwrites: %w", err)
	}
	defer rows.Close()

	var out []permissions.ChannelOverwrite
	for rows.Next() {
		ow := permissions.ChannelOverwrite{ChannelID: channelID}
		var targetType int
		if err := rows.Scan(&targetType, &ow.TargetID, &ow.Allow, &ow.Deny); err != nil {
			return nil, fmt.Errorf("scan channel overwrite: %w", err)
		}
		ow.TargetType = permissions.OverwriteTargetType(targetType)
		out = append(out, ow)
	}
	return out, rows.Err()
}

// UserGuildIDs implements ws.MembershipSource: the guilds a user belongs
// to, used to pre-populate a new gateway session's subscription set.
func (s *Store) UserGuildIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id FROM guild_members WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user guild ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan guild id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GuildOwner returns a guild's owner_id, used by permission resolution's
// owner-bypass check.
func (s *Store) GuildOwner(ctx context.Context, guildID int64) (int64, error) {
	var ownerID int64
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM guilds WHERE id = ?`, guildID).Scan(&ownerID)
	if err != nil {
		return 0, fmt.Errorf("query guild owner: %w", err)
	}
	return ownerID, nil
}

// CreateGuild inserts a new guild owned by ownerID.
func (s *Store) CreateGuild(ctx context.Context, id, ownerID int64, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO guilds (id, owner_id, name) VALUES (?, ?, ?)`, id, ownerID, name)
	if err != nil {
		return fmt.Errorf("insert guild: %w", err)
	}
	return nil
}

// AddGuildMember records userID as a member of guildID.
func (s *Store) AddGuildMember(ctx context.Context, guildID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO guild_members (guild_id, user_id) VALUES (?, ?)`, guildID, userID)
	if err != nil {
		return fmt.Errorf("insert guild member: %w", err)
	}
	return nil
}

// CreateRole inserts a role within guildID and returns nothing beyond error;
// callers choose the ID so it can be referenced immediately by AssignMemberRole.
func (s *Store) CreateRole(ctx context.Context, id, guildID int64, name string, perms permissions.Set, position int32, hoist, managed, mentionable bool) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO roles (id, guild_id, name, permissions, position, hoist, managed, mentionable)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, id, guildID, name, int64(perms), position, boolToInt(hoist), boolToInt(managed), boolToInt(mentionable))
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

// AssignMemberRole grants userID the given role within guildID.
func (s *Store) AssignMemberRole(ctx context.Context, guildID, userID, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO member_roles (guild_id, user_id, role_id) VALUES (?, ?, ?)
`, guildID, userID, roleID)
	if err != nil {
		return fmt.Errorf("insert member role: %w", err)
	}
	return nil
}

// CreateGuildChannel inserts a channel within guildID, optionally gated
// behind requiredRoleIDs (empty means no gating beyond overwrites).
func (s *Store) CreateGuildChannel(ctx context.Context, id, guildID int64, name string, requiredRoleIDs []int64) error {
	raw := make([]string, 0, len(requiredRoleIDs))
	for _, id := range requiredRoleIDs {
		raw = append(raw, strconv.FormatInt(id, 10))
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO guild_channels (id, guild_id, name, required_role_ids) VALUES (?, ?, ?, ?)
`, id, guildID, name, strings.Join(raw, ","))
	if err != nil {
		return fmt.Errorf("insert guild channel: %w", err)
	}
	return nil
}

// SetChannelOverwrite upserts one role- or member-targeted permission
// overwrite on a channel.
func (s *Store) SetChannelOverwrite(ctx context.Context, channelID int64, targetType permissions.OverwriteTargetType, targetID int64, allow, deny permissions.Set) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO channel_overwrites (channel_id, target_type, target_id, allow, deny)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(channel_id, target_type, target_id) DO UPDATE SET allow = excluded.allow, deny = excluded.deny
`, channelID, int(targetType), targetID, int64(allow), int64(deny))
	if err != nil {
		return fmt.Errorf("upsert channel overwrite: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseRoleIDList(raw string) []int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

package permissions

import "context"

// RoleSource loads the roles a member currently holds in a guild.
type RoleSource interface {
	MemberRoles(ctx context.Context, guildID, userID int64) ([]Role, error)
}

// ChannelSource loads channel metadata and its overwrites.
type ChannelSource interface {
	Channel(ctx context.Context, channelID int64) (Channel, error)
	ChannelOverwrites(ctx context.Context, channelID int64) ([]ChannelOverwrite, error)
}

// Engine resolves effective channel permissions for a (user, channel) pair.
type Engine struct {
	roles    RoleSource
	channels ChannelSource
}

// NewEngine wires an Engine against its role and channel data sources.
func NewEngine(roles RoleSource, channels ChannelSource) *Engine {
	return &Engine{roles: roles, channels: channels}
}

// Compute resolves a user's effective permission set in channelID, which
// belongs to guildID owned by guildOwnerID. Uncached; callers that resolve
// permissions on a hot path should go through Cache.ComputeCached instead.
func (e *Engine) Compute(ctx context.Context, guildID, channelID, guildOwnerID, userID int64) (Set, error) {
	roles, err := e.roles.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}
	base := computeBase(roles, guildOwnerID, userID)
	if base.Contains(Administrator) {
		return All(), nil
	}

	channel, err := e.channels.Channel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	overwrites, err := e.channels.ChannelOverwrites(ctx, channelID)
	if err != nil {
		return 0, err
	}

	return computeChannel(base, roles, guildID, channel, overwrites, userID), nil
}

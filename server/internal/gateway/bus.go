// Package gateway is the in-process publish/subscribe fanout that delivers
// typed server events to WebSocket sessions, filtered by guild membership
// or explicit user targeting, with bounded per-session queues so one slow
// session can never block a publish.
package gateway

import (
	"log/slog"
	"sync"
)

// DefaultQueueCapacity is the bounded outbound queue size per session when
// the caller does not request a different capacity.
const DefaultQueueCapacity = 4096

// minQueueCapacity is the floor register_session enforces regardless of
// what a caller asks for.
const minQueueCapacity = 64

// Event is the typed payload producers publish. Immutable after construction.
type Event struct {
	Type          string
	Payload       any
	GuildID       *int64
	TargetUserIDs []int64
}

// subscription is the bus's view of one live session.
type subscription struct {
	sessionID string
	userID    int64
	guildIDs  map[int64]struct{}
	send      chan Event
}

// Bus is the shared session-subscription table. Safe for concurrent use;
// publish only takes the read lock, since subscribe/unsubscribe is rare
// relative to event volume.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

// New returns an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscription)}
}

// RegisterSession allocates a bounded queue for sessionID and returns the
// consumer end. capacity is clamped to at least minQueueCapacity; zero or
// negative falls back to DefaultQueueCapacity.
func (b *Bus) RegisterSession(sessionID string, userID int64, guildIDs []int64, capacity int) <-chan Event {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if capacity < minQueueCapacity {
		capacity = minQueueCapacity
	}

	gset := make(map[int64]struct{}, len(guildIDs))
	for _, g := range guildIDs {
		gset[g] = struct{}{}
	}

	sub := &subscription{
		sessionID: sessionID,
		userID:    userID,
		guildIDs:  gset,
		send:      make(chan Event, capacity),
	}

	b.mu.Lock()
	b.subs[sessionID] = sub
	count := len(b.subs)
	b.mu.Unlock()

	slog.Debug("gateway: session registered", "session_id", sessionID, "user_id", userID, "guilds", len(gset), "total_sessions", count)
	return sub.send
}

// UnregisterSession removes sessionID's subscription and closes its queue,
// so the session task sees a closed-channel signal on its next receive.
func (b *Bus) UnregisterSession(sessionID string) {
	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	if ok {
		delete(b.subs, sessionID)
	}
	remaining := len(b.subs)
	b.mu.Unlock()

	if !ok {
		return
	}
	close(sub.send)
	slog.Debug("gateway: session unregistered", "session_id", sessionID, "remaining_sessions", remaining)
}

// AddSessionGuild adds guildID to sessionID's guild set.
func (b *Bus) AddSessionGuild(sessionID string, guildID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[sessionID]; ok {
		sub.guildIDs[guildID] = struct{}{}
	}
}

// RemoveSessionGuild removes guildID from sessionID's guild set.
func (b *Bus) RemoveSessionGuild(sessionID string, guildID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[sessionID]; ok {
		delete(sub.guildIDs, guildID)
	}
}

// subscriptionMatches applies the bus's matching rule: target_user_ids,
// when set, takes priority over guild membership entirely.
func subscriptionMatches(sub *subscription, event Event) bool {
	if len(event.TargetUserIDs) > 0 {
		for _, uid := range event.TargetUserIDs {
			if uid == sub.userID {
				return true
			}
		}
		return false
	}
	if event.GuildID == nil {
		return true
	}
	_, ok := sub.guildIDs[*event.GuildID]
	return ok
}

// Publish snapshots matching senders under the read lock, releases it, then
// enqueues non-blockingly into each. A full queue drops the event for that
// session only; it does not block or affect other recipients.
func (b *Bus) Publish(event Event) (delivered, dropped int) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if subscriptionMatches(sub, event) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if trySend(sub.send, event) {
			delivered++
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("gateway: publish dropped events", "type", event.Type, "delivered", delivered, "dropped", dropped)
	}
	return delivered, dropped
}

// Dispatch is a convenience constructor around Publish for guild-scoped events.
func (b *Bus) Dispatch(eventType string, payload any, guildID *int64) (delivered, dropped int) {
	return b.Publish(Event{Type: eventType, Payload: payload, GuildID: guildID})
}

// DispatchToUsers is a convenience constructor around Publish for
// user-targeted events, bypassing guild membership entirely.
func (b *Bus) DispatchToUsers(eventType string, payload any, userIDs []int64) (delivered, dropped int) {
	return b.Publish(Event{Type: eventType, Payload: payload, TargetUserIDs: userIDs})
}

// SessionCount reports the number of currently registered sessions.
func (b *Bus) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// trySend enqueues non-blockingly: a full channel drops the event rather
// than stalling the publisher. recover guards against sending on a channel
// concurrently closed by UnregisterSession.
func trySend(ch chan Event, event Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- event:
		return true
	default:
		return false
	}
}

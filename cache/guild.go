package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BENDERFACToRY/gatekeeper/discord"
)

// GuildTTL is how long guild metadata stays cached.
const GuildTTL = 24 * time.Hour

// GuildCache stores discord.Guild values keyed by guild id.
type GuildCache struct {
	store Store
	ttl   time.Duration
}

// GuildCacheOption configures a GuildCache.
type GuildCacheOption func(*GuildCache)

// WithGuildTTL overrides GuildTTL.
func WithGuildTTL(ttl time.Duration) GuildCacheOption {
	return func(g *GuildCache) {
		g.ttl = ttl
	}
}

// NewGuildCache wraps store.
func NewGuildCache(store Store, opts ...GuildCacheOption) *GuildCache {
	g := &GuildCache{store: store, ttl: GuildTTL}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Get returns a freshly decoded copy of the cached guild, or ErrMiss.
func (g *GuildCache) Get(ctx context.Context, guildID string) (*discord.Guild, error) {
	data, err := g.store.Get(ctx, guildKey(guildID))
	if err != nil {
		return nil, err
	}

	var guild discord.Guild
	if err := json.Unmarshal(data, &guild); err != nil {
		// An undecodable entry is as good as absent; drop it so the next fill replaces it.
		_ = g.store.Delete(ctx, guildKey(guildID))
		return nil, ErrMiss
	}
	return &guild, nil
}

// Put caches guild under guildID for the configured TTL.
func (g *GuildCache) Put(ctx context.Context, guildID string, guild *discord.Guild) error {
	if guild == nil {
		return fmt.Errorf("caching guild %s: nil guild", guildID)
	}

	data, err := json.Marshal(guild)
	if err != nil {
		return fmt.Errorf("encoding guild %s: %w", guildID, err)
	}
	if err := g.store.Put(ctx, guildKey(guildID), data, g.ttl); err != nil {
		return fmt.Errorf("caching guild %s: %w", guildID, err)
	}
	return nil
}

func guildKey(guildID string) string {
	return "guild:" + guildID
}

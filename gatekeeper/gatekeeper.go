// Package gatekeeper synchronizes a Discord member's roles into the Hasura
// authorization store.
//
// Check resolves the member's role ids to names using cached guild metadata,
// mints a credential scoped to the gatekeeper identity and overwrites the
// member's stored roles with it. A role set is only returned once the write
// has been acknowledged.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/BENDERFACToRY/gatekeeper/cache"
	"github.com/BENDERFACToRY/gatekeeper/discord"
	"github.com/BENDERFACToRY/gatekeeper/download"
	"github.com/BENDERFACToRY/gatekeeper/hasura"
	"github.com/BENDERFACToRY/gatekeeper/roles"
	"github.com/BENDERFACToRY/gatekeeper/telemetry"
	"github.com/BENDERFACToRY/gatekeeper/token"
)

var (
	// ErrMissingUserID is returned when no user id was supplied.
	ErrMissingUserID = errors.New("missing userId")

	// ErrInvalidUserID is returned when the user id is not a decimal snowflake.
	ErrInvalidUserID = errors.New("invalid userId")

	// ErrUpstream wraps failures talking to Discord or the role store.
	ErrUpstream = errors.New("upstream request failed")

	// ErrCredential wraps failures minting the write credential.
	ErrCredential = errors.New("credential unavailable")
)

var userIDPattern = regexp.MustCompile(`^\d+$`)

// Platform fetches guild metadata and members.
type Platform interface {
	FetchGuild(ctx context.Context, guildID string) (*discord.Guild, error)
	FetchMember(ctx context.Context, guildID, userID string) (*discord.Member, error)
}

// MetadataCache holds guild metadata between requests. Get returns
// cache.ErrMiss when nothing usable is cached.
type MetadataCache interface {
	Get(ctx context.Context, guildID string) (*discord.Guild, error)
	Put(ctx context.Context, guildID string, guild *discord.Guild) error
}

// CredentialMinter issues the credential used for the role write.
type CredentialMinter interface {
	Mint(subject string) (*token.Credential, error)
}

// RoleWriter persists a subject's role set.
type RoleWriter interface {
	UpsertRoles(ctx context.Context, subject string, roles []string, cred *token.Credential) (*hasura.Record, error)
}

// Config holds the collaborators of a Service.
type Config struct {
	// GuildID is the single guild whose roles are synchronized.
	GuildID string

	Platform Platform
	Cache    MetadataCache
	Minter   CredentialMinter
	Writer   RoleWriter

	// Logger for the service
	Logger *slog.Logger
}

// Service runs the role synchronization pipeline.
type Service struct {
	guildID  string
	platform Platform
	cache    MetadataCache
	minter   CredentialMinter
	writer   RoleWriter
	logger   *slog.Logger

	// guildFetches collapses concurrent cache misses into one upstream fetch.
	guildFetches *download.Downloader[*discord.Guild]
}

// New creates a Service from cfg.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.GuildID == "":
		return nil, errors.New("gatekeeper: guild id is required")
	case cfg.Platform == nil:
		return nil, errors.New("gatekeeper: platform is required")
	case cfg.Cache == nil:
		return nil, errors.New("gatekeeper: cache is required")
	case cfg.Minter == nil:
		return nil, errors.New("gatekeeper: minter is required")
	case cfg.Writer == nil:
		return nil, errors.New("gatekeeper: writer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		guildID:      cfg.GuildID,
		platform:     cfg.Platform,
		cache:        cfg.Cache,
		minter:       cfg.Minter,
		writer:       cfg.Writer,
		logger:       cfg.Logger,
		guildFetches: download.New[*discord.Guild](cfg.Logger),
	}, nil
}

// ValidateUserID checks userID without performing any I/O.
func ValidateUserID(userID string) error {
	if userID == "" {
		return ErrMissingUserID
	}
	if !userIDPattern.MatchString(userID) {
		return ErrInvalidUserID
	}
	return nil
}

// Check synchronizes the roles of userID and returns the role names written.
//
// A *discord.APIError from the member lookup is returned as is so callers can
// surface the platform's message. Other failures wrap ErrUpstream or
// ErrCredential.
func (s *Service) Check(ctx context.Context, userID string) ([]string, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	logger := s.logger.With("user_id", userID)

	guild, err := s.guild(ctx)
	if err != nil {
		logger.Error("failed to load guild", "guild_id", s.guildID, "error", err)
		return nil, err
	}

	member, err := s.platform.FetchMember(ctx, s.guildID, userID)
	if err != nil {
		var apiErr *discord.APIError
		if errors.As(err, &apiErr) {
			logger.Info("member lookup rejected", "code", apiErr.Code, "message", apiErr.Message)
			return nil, err
		}
		logger.Error("failed to fetch member", "error", err)
		return nil, fmt.Errorf("%w: fetching member %s: %w", ErrUpstream, userID, err)
	}
	if member == nil || member.User.ID == "" {
		return nil, fmt.Errorf("%w: member %s has no user id", ErrUpstream, userID)
	}
	logger.Debug("fetched member", "roles", member.Roles)

	res := roles.ResolveDetailed(guild, member)
	if res.Partial() {
		logger.Warn("partial role resolution", "unmapped", res.Unmapped, "resolved", len(res.Names))
	}

	subject := member.User.ID
	cred, err := s.minter.Mint(subject)
	if err != nil {
		telemetry.RecordCredentialMint(ctx, "error")
		logger.Error("failed to mint credential", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCredential, err)
	}
	telemetry.RecordCredentialMint(ctx, "ok")

	if _, err := s.writer.UpsertRoles(ctx, subject, res.Names, cred); err != nil {
		logger.Error("failed to write roles", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	logger.Info("roles synchronized", "subject", subject, "roles", res.Names)
	return res.Names, nil
}

// guild returns the configured guild's metadata, filling the cache on a miss.
// Failed fetches are never cached.
func (s *Service) guild(ctx context.Context) (*discord.Guild, error) {
	guild, err := s.cache.Get(ctx, s.guildID)
	if err == nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		return guild, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("guild cache read failed, fetching upstream", "guild_id", s.guildID, "error", err)
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)

	guild, _, err = s.guildFetches.Do(ctx, s.guildID, func(ctx context.Context) (*discord.Guild, error) {
		// A flight that finished between our miss and this call has filled the cache.
		if g, err := s.cache.Get(ctx, s.guildID); err == nil {
			return g, nil
		}

		g, err := s.platform.FetchGuild(ctx, s.guildID)
		if err != nil {
			return nil, err
		}

		s.logger.Info("caching guild info", "guild_id", s.guildID, "roles", len(g.Roles))
		if err := s.cache.Put(ctx, s.guildID, g); err != nil {
			s.logger.Warn("failed to cache guild", "guild_id", s.guildID, "error", err)
		}
		return g, nil
	})
	if err != nil {
		s.guildFetches.ForgetOnError(s.guildID, err)
		return nil, fmt.Errorf("%w: fetching guild %s: %w", ErrUpstream, s.guildID, err)
	}
	return guild, nil
}

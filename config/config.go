// Package config defines the gatekeeper's startup configuration.
//
// Values are bound from flags and environment variables by kong, then checked
// once by Validate. A Config is not modified after startup.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"

	"github.com/BENDERFACToRY/gatekeeper/discord"
)

// Config holds all gatekeeper configuration.
type Config struct {
	DiscordBotToken string `name:"discord-bot-token" env:"DISCORD_BOT_TOKEN" help:"Discord bot token used for guild and member lookups." validate:"required"`
	GuildID         string `name:"guild-id" env:"DISCORD_GUILD_ID" help:"ID of the guild whose roles are synchronized." validate:"required,numeric"`
	CacheNamespace  string `name:"cache-namespace" env:"KV_GUILD_CACHE" help:"Cache namespace holding guild metadata." validate:"required"`
	CacheBackend    string `name:"cache-backend" env:"GATEKEEPER_CACHE_BACKEND" default:"bolt" enum:"bolt,memory" help:"Cache backend (${enum}). memory is lost on restart." validate:"omitempty,oneof=bolt memory"`
	CachePath       string `name:"cache-path" env:"GATEKEEPER_CACHE_PATH" default:"gatekeeper.db" help:"Path of the cache database file." validate:"required"`
	JWTKey          string `name:"hasura-jwt-key" env:"HASURA_JWT_KEY" help:"HS256 key used to sign Hasura credentials." validate:"required"`
	GraphQLEndpoint string `name:"graphql-endpoint" env:"GRAPHQL_ENDPOINT" help:"Hasura GraphQL endpoint URL." validate:"required,url"`

	Address       string `name:"address" env:"GATEKEEPER_ADDRESS" default:":8080" help:"Address to listen on." validate:"required"`
	AuthToken     string `name:"auth-token" env:"GATEKEEPER_AUTH_TOKEN" help:"Bearer token required on /check requests (optional)."`
	DiscordAPIURL string `name:"discord-api-url" env:"DISCORD_API_URL" default:"${discord_api_url}" help:"Discord REST API base URL." validate:"required,url"`

	LogLevel  string `name:"log-level" env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level (${enum})."`
	LogFormat string `name:"log-format" env:"LOG_FORMAT" default:"text" enum:"text,json" help:"Log format (${enum})."`

	MetricsPrometheus bool          `name:"metrics-prometheus" env:"METRICS_PROMETHEUS" default:"true" negatable:"" help:"Serve Prometheus metrics on /metrics."`
	OTLPEndpoint      string        `name:"otlp-endpoint" env:"OTLP_ENDPOINT" help:"OTLP gRPC endpoint for metrics export (optional)."`
	CacheReapInterval time.Duration `name:"cache-reap-interval" env:"CACHE_REAP_INTERVAL" default:"5m" help:"How often expired cache entries are removed." validate:"gt=0"`
}

// Vars returns the kong interpolation variables referenced by Config's tags.
func Vars() map[string]string {
	return map[string]string{
		"discord_api_url": discord.DefaultAPIURL,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by the environment variable operators actually set.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if env := f.Tag.Get("env"); env != "" {
			return env
		}
		return f.Name
	})
	return v
}

// Validate checks that every required setting is present and well formed.
// kong calls it after parsing.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "url":
			msgs = append(msgs, fe.Field()+" must be a URL")
		case "numeric":
			msgs = append(msgs, fe.Field()+" must be numeric")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// LogValue implements slog.LogValuer. Secrets are reported only as set or unset.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", c.GuildID),
		slog.String("cache_namespace", c.CacheNamespace),
		slog.String("cache_backend", c.CacheBackend),
		slog.String("cache_path", c.CachePath),
		slog.String("graphql_endpoint", c.GraphQLEndpoint),
		slog.String("discord_api_url", c.DiscordAPIURL),
		slog.String("address", c.Address),
		slog.String("log_level", c.LogLevel),
		slog.String("log_format", c.LogFormat),
		slog.Bool("metrics_prometheus", c.MetricsPrometheus),
		slog.String("otlp_endpoint", c.OTLPEndpoint),
		slog.Duration("cache_reap_interval", c.CacheReapInterval),
		slog.String("discord_bot_token", redact(c.DiscordBotToken)),
		slog.String("hasura_jwt_key", redact(c.JWTKey)),
		slog.String("auth_token", redact(c.AuthToken)),
	)
}

func redact(secret string) string {
	if secret == "" {
		return "unset"
	}
	return "redacted"
}

// Level returns the configured slog level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w: tint for text, slog's
// JSON handler for json.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch c.LogFormat {
	case "text", "":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	return slog.New(handler), nil
}

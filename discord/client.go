package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BENDERFACToRY/gatekeeper/telemetry"
)

const (
	// DefaultAPIURL is the versioned Discord REST API base URL.
	DefaultAPIURL = "https://discord.com/api/v9"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// maxBodySize caps how much of a response body is read.
	maxBodySize = 4 << 20

	userAgent = "DiscordBot (https://github.com/BENDERFACToRY/gatekeeper, 1.0)"
)

// Client fetches guild and member data from the Discord API.
// The credential is fixed for the lifetime of the client.
type Client struct {
	baseURL string
	token   string
	scheme  string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL sets the Discord API base URL.
func WithAPIURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBotToken authenticates as a bot ("Authorization: Bot <token>").
func WithBotToken(token string) Option {
	return func(c *Client) {
		c.token = token
		c.scheme = "Bot"
	}
}

// WithBearerToken authenticates with an OAuth2 access token.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
		c.scheme = "Bearer"
	}
}

// NewClient creates a new Discord API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultAPIURL,
		scheme:  "Bot",
		client:  telemetry.NewHTTPClient("discord", DefaultTimeout, telemetry.WithOperation(Operation)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchGuild fetches guild metadata including its roles.
func (c *Client) FetchGuild(ctx context.Context, guildID string) (*Guild, error) {
	var guild Guild
	if err := c.get(ctx, "/guilds/"+url.PathEscape(guildID), &guild); err != nil {
		return nil, err
	}
	return &guild, nil
}

// FetchMember fetches a user's membership in a guild.
// Platform errors such as "Unknown Member" are returned as *APIError.
func (c *Client) FetchMember(ctx context.Context, guildID, userID string) (*Member, error) {
	path := fmt.Sprintf("/guilds/%s/members/%s", url.PathEscape(guildID), url.PathEscape(userID))

	var member Member
	if err := c.get(ctx, path, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", c.scheme+" "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if apiErr := decodeAPIError(resp.StatusCode, body); apiErr != nil {
		return apiErr
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(body, 256))
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// decodeAPIError returns the platform error carried by body, or nil when the
// body is not in the {code, message} shape.
func decodeAPIError(status int, body []byte) *APIError {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var shape struct {
		Code    *int    `json:"code"`
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(trimmed, &shape); err != nil || shape.Message == nil {
		return nil
	}

	apiErr := &APIError{Status: status, Message: *shape.Message}
	if shape.Code != nil {
		apiErr.Code = *shape.Code
	}
	return apiErr
}

// Operation labels a Discord API request for upstream metrics: "guild" for
// /guilds/{id}, "member" for /guilds/{id}/members/{userId}.
func Operation(r *http.Request) string {
	segs := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, seg := range segs {
		if seg != "guilds" {
			continue
		}
		rest := segs[i+1:]
		switch {
		case len(rest) == 1:
			return "guild"
		case len(rest) == 3 && rest[1] == "members":
			return "member"
		}
	}
	return telemetry.OperationOther
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

package discord

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientFetchGuild(t *testing.T) {
	var gotAuth, gotPath string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"42","name":"bender","roles":[{"id":"1","name":"admin"},{"id":"2","name":"member"}]}`))
	})

	c := NewClient(WithAPIURL(srv.URL+"/"), WithBotToken("bot-secret"))
	guild, err := c.FetchGuild(context.Background(), "42")
	require.NoError(t, err)

	require.Equal(t, "Bot bot-secret", gotAuth)
	require.Equal(t, "/guilds/42", gotPath)
	require.Equal(t, "42", guild.ID)
	require.Equal(t, []Role{{ID: "1", Name: "admin"}, {ID: "2", Name: "member"}}, guild.Roles)
}

func TestClientFetchMember(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/guilds/42/members/100":
			_, _ = w.Write([]byte(`{"roles":["1","3"],"user":{"id":"100","username":"fry","avatar":"abc"}}`))
		case "/guilds/42/members/404":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":10007,"message":"Unknown Member"}`))
		case "/guilds/42/members/401":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":0,"message":"401: Unauthorized"}`))
		case "/guilds/42/members/500":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`<html>bad gateway</html>`))
		case "/guilds/42/members/garbage":
			_, _ = w.Write([]byte(`{"roles":`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	})

	c := NewClient(WithAPIURL(srv.URL), WithBotToken("bot-secret"))
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		m, err := c.FetchMember(ctx, "42", "100")
		require.NoError(t, err)
		require.Equal(t, []string{"1", "3"}, m.Roles)
		require.Equal(t, "100", m.User.ID)
		require.Equal(t, "fry", m.User.Username)
	})

	t.Run("unknown member", func(t *testing.T) {
		_, err := c.FetchMember(ctx, "42", "404")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "Unknown Member", apiErr.Message)
		require.Equal(t, CodeUnknownMember, apiErr.Code)
		require.Equal(t, http.StatusNotFound, apiErr.Status)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("platform error is not not-found", func(t *testing.T) {
		_, err := c.FetchMember(ctx, "42", "401")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, "401: Unauthorized", apiErr.Message)
		require.False(t, errors.Is(err, ErrNotFound))
	})

	t.Run("non json error is structural", func(t *testing.T) {
		_, err := c.FetchMember(ctx, "42", "500")
		require.Error(t, err)
		var apiErr *APIError
		require.False(t, errors.As(err, &apiErr))
		require.Contains(t, err.Error(), "upstream returned 502")
	})

	t.Run("truncated body is structural", func(t *testing.T) {
		_, err := c.FetchMember(ctx, "42", "garbage")
		require.Error(t, err)
		var apiErr *APIError
		require.False(t, errors.As(err, &apiErr))
		require.Contains(t, err.Error(), "decoding response")
	})
}

func TestClientBearerToken(t *testing.T) {
	var gotAuth string
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"id":"1","roles":[]}`))
	})

	c := NewClient(WithAPIURL(srv.URL), WithBearerToken("oauth"))
	_, err := c.FetchGuild(context.Background(), "1")
	require.NoError(t, err)
	require.Equal(t, "Bearer oauth", gotAuth)
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(WithAPIURL(url))
	_, err := c.FetchGuild(context.Background(), "1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "performing request")
}

func TestAPIErrorIs(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want bool
	}{
		{name: "unknown member", err: &APIError{Status: 404, Code: CodeUnknownMember}, want: true},
		{name: "unknown guild", err: &APIError{Status: 400, Code: CodeUnknownGuild}, want: true},
		{name: "plain 404", err: &APIError{Status: 404}, want: true},
		{name: "unauthorized", err: &APIError{Status: 401, Code: 0}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, errors.Is(tt.err, ErrNotFound))
		})
	}
}

func TestOperation(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{url: "https://discord.com/api/v9/guilds/42", want: "guild"},
		{url: "https://discord.com/api/v9/guilds/42/", want: "guild"},
		{url: "https://discord.com/api/v9/guilds/42/members/100", want: "member"},
		{url: "http://127.0.0.1:8080/guilds/42/members/100", want: "member"},
		{url: "https://discord.com/api/v9/guilds/42/roles", want: "other"},
		{url: "https://discord.com/api/v9/users/@me", want: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			require.Equal(t, tt.want, Operation(req))
		})
	}
}

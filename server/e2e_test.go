package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BENDERFACToRY/gatekeeper/cache"
	"github.com/BENDERFACToRY/gatekeeper/discord"
	"github.com/BENDERFACToRY/gatekeeper/gatekeeper"
	"github.com/BENDERFACToRY/gatekeeper/hasura"
	"github.com/BENDERFACToRY/gatekeeper/token"
)

const (
	e2eGuildID = "42"
	e2eBotKey  = "bot-secret"
	e2eJWTKey  = "jwt-secret"
)

// fakeDiscord serves a single guild and a fixed set of members.
type fakeDiscord struct {
	guild   string
	members map[string]string

	guildCalls  atomic.Int32
	memberCalls atomic.Int32
}

func (f *fakeDiscord) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bot "+e2eBotKey {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":0,"message":"401: Unauthorized"}`))
		return
	}

	switch {
	case r.URL.Path == "/guilds/"+e2eGuildID:
		f.guildCalls.Add(1)
		_, _ = w.Write([]byte(f.guild))
	default:
		f.memberCalls.Add(1)
		id := r.PathValue("userId")
		body, ok := f.members[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":10007,"message":"Unknown Member"}`))
			return
		}
		_, _ = w.Write([]byte(body))
	}
}

// fakeHasura records role writes and verifies the bearer credential. Like
// Hasura, update_discord_by_pk returns null for a missing row while an
// insert with on_conflict creates it.
type fakeHasura struct {
	mu     sync.Mutex
	fail   bool
	calls  int
	writes map[string][]string
	subs   []string
}

func (f *fakeHasura) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.fail {
		_, _ = w.Write([]byte(`{"errors":[{"message":"permission denied"}]}`))
		return
	}

	signed := r.Header.Get("Authorization")[len("Bearer "):]
	claims, err := token.Parse(e2eJWTKey, signed)
	if err != nil {
		_, _ = w.Write([]byte(`{"errors":[{"message":"invalid jwt"}]}`))
		return
	}

	var req struct {
		Query     string `json:"query"`
		Variables struct {
			ID    string   `json:"id"`
			Roles []string `json:"roles"`
		} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.subs = append(f.subs, claims.Subject)
	row := map[string]any{"id": req.Variables.ID, "roles": req.Variables.Roles}

	field := "insert_discord_one"
	switch {
	case strings.Contains(req.Query, "insert_discord_one") && strings.Contains(req.Query, "on_conflict"):
		f.writes[req.Variables.ID] = req.Variables.Roles
	case strings.Contains(req.Query, "update_discord_by_pk"):
		field = "update_discord_by_pk"
		if _, ok := f.writes[req.Variables.ID]; ok {
			f.writes[req.Variables.ID] = req.Variables.Roles
		} else {
			row = nil
		}
	default:
		_, _ = w.Write([]byte(`{"errors":[{"message":"unsupported mutation"}]}`))
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{field: row}})
}

type e2eEnv struct {
	handler http.Handler
	discord *fakeDiscord
	hasura  *fakeHasura
}

func newE2EEnv(t *testing.T) *e2eEnv {
	t.Helper()

	fd := &fakeDiscord{
		guild: `{"id":"42","name":"vault","roles":[{"id":"1","name":"admin"}]}`,
		members: map[string]string{
			"100": `{"roles":["1"],"user":{"id":"u1","username":"fry"}}`,
			"200": `{"roles":["1","999"],"user":{"id":"u2","username":"leela"}}`,
		},
	}
	discordMux := http.NewServeMux()
	discordMux.Handle("GET /guilds/{guildId}", fd)
	discordMux.Handle("GET /guilds/{guildId}/members/{userId}", fd)
	discordSrv := httptest.NewServer(discordMux)
	t.Cleanup(discordSrv.Close)

	fh := &fakeHasura{writes: map[string][]string{}}
	hasuraSrv := httptest.NewServer(fh)
	t.Cleanup(hasuraSrv.Close)

	store, err := cache.OpenBolt(filepath.Join(t.TempDir(), "cache.db"), "guilds", cache.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	minter, err := token.NewMinter(e2eJWTKey)
	require.NoError(t, err)

	writer, err := hasura.NewWriter(hasuraSrv.URL)
	require.NoError(t, err)

	svc, err := gatekeeper.New(gatekeeper.Config{
		GuildID:  e2eGuildID,
		Platform: discord.NewClient(discord.WithAPIURL(discordSrv.URL), discord.WithBotToken(e2eBotKey)),
		Cache:    cache.NewGuildCache(store),
		Minter:   minter,
		Writer:   writer,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	srv, err := New(Config{Logger: discardLogger()}, svc)
	require.NoError(t, err)

	return &e2eEnv{handler: srv.Handler(), discord: fd, hasura: fh}
}

func TestE2E_SingleMappedRole(t *testing.T) {
	env := newE2EEnv(t)

	rec := get(t, env.handler, "/check/100")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `["admin"]`, rec.Body.String())

	require.Equal(t, []string{"admin"}, env.hasura.writes["u1"])
	require.Equal(t, []string{"u1"}, env.hasura.subs, "credential subject is the member's user id")
}

func TestE2E_UnknownRoleOmitted(t *testing.T) {
	env := newE2EEnv(t)

	rec := get(t, env.handler, "/check/200")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `["admin"]`, rec.Body.String())
	require.Equal(t, []string{"admin"}, env.hasura.writes["u2"])
}

func TestE2E_UnknownMember(t *testing.T) {
	env := newE2EEnv(t)

	rec := get(t, env.handler, "/check/300")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Error: Unknown Member", rec.Body.String())
	require.Zero(t, env.hasura.calls)
}

func TestE2E_InvalidUserIDMakesNoCalls(t *testing.T) {
	env := newE2EEnv(t)

	rec := get(t, env.handler, "/check/abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Error: Invalid userId", rec.Body.String())

	require.Zero(t, env.discord.guildCalls.Load())
	require.Zero(t, env.discord.memberCalls.Load())
	require.Zero(t, env.hasura.calls)
}

func TestE2E_GuildCachedAcrossRequests(t *testing.T) {
	env := newE2EEnv(t)

	require.Equal(t, http.StatusOK, get(t, env.handler, "/check/100").Code)
	require.Equal(t, http.StatusOK, get(t, env.handler, "/check/200").Code)

	require.Equal(t, int32(1), env.discord.guildCalls.Load())
	require.Equal(t, int32(2), env.discord.memberCalls.Load())
}

func TestE2E_MutationFailureIsBadGateway(t *testing.T) {
	env := newE2EEnv(t)
	env.hasura.fail = true

	rec := get(t, env.handler, "/check/100")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "Error: upstream request failed", rec.Body.String())
	require.NotContains(t, rec.Body.String(), "admin")
}

func TestE2E_MemberWithoutStoredRowIsCreated(t *testing.T) {
	env := newE2EEnv(t)
	require.Empty(t, env.hasura.writes)

	rec := get(t, env.handler, "/check/100")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `["admin"]`, rec.Body.String())
	require.Equal(t, map[string][]string{"u1": {"admin"}}, env.hasura.writes)

	// A second sync overwrites the row created by the first.
	env.discord.members["100"] = `{"roles":[],"user":{"id":"u1"}}`
	rec = get(t, env.handler, "/check/100")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
	require.Equal(t, []string{}, env.hasura.writes["u1"])
}

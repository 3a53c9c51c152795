package hasura

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BENDERFACToRY/gatekeeper/token"
)

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func newTestWriter(t *testing.T, handler http.HandlerFunc) *Writer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	w, err := NewWriter(srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return w
}

func testCredential() *token.Credential {
	return &token.Credential{Token: "signed.jwt.value", Subject: "u1"}
}

func TestUpsertRoles_Success(t *testing.T) {
	var got graphqlRequest
	var auth string

	w := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"data":{"insert_discord_one":{"id":"u1","roles":["admin","member"]}}}`))
	})

	rec, err := w.UpsertRoles(context.Background(), "u1", []string{"admin", "member"}, testCredential())
	require.NoError(t, err)
	require.Equal(t, &Record{ID: "u1", Roles: []string{"admin", "member"}}, rec)

	require.Equal(t, "Bearer signed.jwt.value", auth)
	require.Contains(t, got.Query, "insert_discord_one")
	require.Contains(t, got.Query, "object: { id: $id, roles: $roles }")
	require.Contains(t, got.Query, "on_conflict: { constraint: discord_pkey, update_columns: [roles] }")
	require.Equal(t, "u1", got.Variables["id"])
	require.Equal(t, []any{"admin", "member"}, got.Variables["roles"])
}

func TestUpsertRoles_EmptyRolesSentAsArray(t *testing.T) {
	var got graphqlRequest
	w := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = rw.Write([]byte(`{"data":{"insert_discord_one":{"id":"u1","roles":[]}}}`))
	})

	rec, err := w.UpsertRoles(context.Background(), "u1", nil, testCredential())
	require.NoError(t, err)
	require.Empty(t, rec.Roles)
	require.Equal(t, []any{}, got.Variables["roles"])
}

func TestUpsertRoles_GraphQLErrors(t *testing.T) {
	w := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		_, _ = rw.Write([]byte(`{"errors":[{"message":"field \"insert_discord_one\" not found in type: 'mutation_root'"}]}`))
	})

	rec, err := w.UpsertRoles(context.Background(), "u1", []string{"admin"}, testCredential())
	require.ErrorIs(t, err, ErrMutation)
	require.Contains(t, err.Error(), "insert_discord_one")
	require.Nil(t, rec)
}

func TestUpsertRoles_NullResult(t *testing.T) {
	w := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		_, _ = rw.Write([]byte(`{"data":{"insert_discord_one":null}}`))
	})

	rec, err := w.UpsertRoles(context.Background(), "u404", []string{"admin"}, testCredential())
	require.ErrorIs(t, err, ErrMutation)
	require.Nil(t, rec)
}

func TestUpsertRoles_Non200(t *testing.T) {
	w := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
		_, _ = rw.Write([]byte("<html>bad gateway</html>"))
	})

	_, err := w.UpsertRoles(context.Background(), "u1", []string{"admin"}, testCredential())
	require.ErrorIs(t, err, ErrMutation)
}

func TestUpsertRoles_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	w, err := NewWriter(url)
	require.NoError(t, err)

	_, err = w.UpsertRoles(context.Background(), "u1", []string{"admin"}, testCredential())
	require.ErrorIs(t, err, ErrMutation)
}

func TestUpsertRoles_MissingCredential(t *testing.T) {
	calls := 0
	w := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		calls++
	})

	_, err := w.UpsertRoles(context.Background(), "u1", []string{"admin"}, nil)
	require.ErrorIs(t, err, ErrMutation)
	require.Zero(t, calls)
}

func TestUpsertRoles_Idempotent(t *testing.T) {
	stored := map[string][]any{}
	w := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		id := req.Variables["id"].(string)
		stored[id] = req.Variables["roles"].([]any)
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"data": map[string]any{
				"insert_discord_one": map[string]any{"id": id, "roles": stored[id]},
			},
		})
	})

	ctx := context.Background()
	first, err := w.UpsertRoles(ctx, "u1", []string{"admin"}, testCredential())
	require.NoError(t, err)
	second, err := w.UpsertRoles(ctx, "u1", []string{"admin"}, testCredential())
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, []any{"admin"}, stored["u1"])
}

func TestNewWriter_RequiresEndpoint(t *testing.T) {
	_, err := NewWriter("")
	require.Error(t, err)
}

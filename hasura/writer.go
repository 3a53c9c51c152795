// Package hasura writes resolved role sets to the Hasura-backed authorization
// store over GraphQL.
package hasura

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/machinebox/graphql"

	"github.com/BENDERFACToRY/gatekeeper/telemetry"
	"github.com/BENDERFACToRY/gatekeeper/token"
)

// DefaultTimeout is the HTTP timeout for GraphQL requests.
const DefaultTimeout = 30 * time.Second

// setRolesMutation upserts one discord row by primary key. An existing row
// only has its roles column overwritten.
const setRolesMutation = `mutation setRoles($id: String!, $roles: jsonb!) {
  insert_discord_one(
    object: { id: $id, roles: $roles }
    on_conflict: { constraint: discord_pkey, update_columns: [roles] }
  ) {
    id
    roles
  }
}`

// operation labels the mutation in upstream metrics.
const operation = "set_roles"

// ErrMutation is wrapped by every failure to set a subject's roles.
var ErrMutation = errors.New("hasura: role mutation failed")

// Record is the downstream row holding a subject's roles.
type Record struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

type setRolesResponse struct {
	InsertDiscordOne *Record `json:"insert_discord_one"`
}

// Writer performs the role mutation against a GraphQL endpoint.
type Writer struct {
	endpoint   string
	httpClient *http.Client
	client     *graphql.Client
	logger     *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Writer) {
		w.httpClient = c
	}
}

// WithLogger sets the logger for the writer.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// NewWriter creates a writer for the GraphQL endpoint.
func NewWriter(endpoint string, opts ...Option) (*Writer, error) {
	if endpoint == "" {
		return nil, errors.New("hasura: endpoint is required")
	}

	w := &Writer{
		endpoint: endpoint,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.httpClient == nil {
		w.httpClient = telemetry.NewHTTPClient("hasura", DefaultTimeout,
			telemetry.WithOperation(telemetry.StaticOperation(operation)))
	}

	w.client = graphql.NewClient(endpoint, graphql.WithHTTPClient(w.httpClient))
	w.client.Log = func(s string) {
		w.logger.Debug(s, "endpoint", w.endpoint)
	}
	return w, nil
}

// UpsertRoles overwrites the roles stored for subject, authenticating with cred.
// A missing row is created. It returns the record as reported by the store;
// a null result, which Hasura returns when the row is hidden from the
// credential, is reported as an error.
func (w *Writer) UpsertRoles(ctx context.Context, subject string, roles []string, cred *token.Credential) (*Record, error) {
	if cred == nil || cred.Token == "" {
		telemetry.RecordRoleSync(ctx, "error")
		return nil, fmt.Errorf("%w: missing credential", ErrMutation)
	}
	if roles == nil {
		roles = []string{}
	}

	req := graphql.NewRequest(setRolesMutation)
	req.Var("id", subject)
	req.Var("roles", roles)
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	var resp setRolesResponse
	if err := w.client.Run(ctx, req, &resp); err != nil {
		telemetry.RecordRoleSync(ctx, "error")
		return nil, fmt.Errorf("%w: subject %s: %w", ErrMutation, subject, err)
	}

	if resp.InsertDiscordOne == nil {
		telemetry.RecordRoleSync(ctx, "rejected")
		return nil, fmt.Errorf("%w: subject %s: no record returned", ErrMutation, subject)
	}

	telemetry.RecordRoleSync(ctx, "ok")
	w.logger.Debug("roles updated", "subject", subject, "roles", resp.InsertDiscordOne.Roles)
	return resp.InsertDiscordOne, nil
}

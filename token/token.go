// Package token mints the short-lived credential used to write roles downstream.
//
// The credential always asserts the fixed gatekeeper identity. The only value
// taken from the request is the subject, which names the record being written.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is the iss claim of every minted credential.
	Issuer = "auth"

	// DefaultTTL is how long a minted credential stays valid.
	DefaultTTL = 24 * time.Hour
)

var (
	// ErrMissingKey is returned when no signing key is configured.
	ErrMissingKey = errors.New("token: signing key is not configured")

	// ErrInvalidSubject is returned when the subject is empty.
	ErrInvalidSubject = errors.New("token: subject is required")

	// ErrSigning wraps failures to sign a credential.
	ErrSigning = errors.New("token: signing failed")
)

// Identity is the principal asserted by a credential.
type Identity struct {
	ID          string
	Name        string
	Roles       []string
	DefaultRole string
}

// GatekeeperIdentity is the only identity the minter asserts. The downstream
// store grants this role write access to the id and roles fields only.
var GatekeeperIdentity = Identity{
	ID:          "gatekeeper",
	Name:        "gatekeeper",
	Roles:       []string{"gatekeeper"},
	DefaultRole: "gatekeeper",
}

// Claims is the JWT payload of a credential.
type Claims struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Roles       []string `json:"roles"`
	DefaultRole string   `json:"default_role"`
	jwt.RegisteredClaims
}

// Credential is a signed token together with the values it was minted for.
type Credential struct {
	Token     string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Minter signs gatekeeper credentials with an HS256 key.
type Minter struct {
	key    []byte
	ttl    time.Duration
	method jwt.SigningMethod
	now    func() time.Time
}

// Option configures a Minter.
type Option func(*Minter)

// WithTTL overrides the credential lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Minter) {
		m.ttl = ttl
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(m *Minter) {
		m.now = now
	}
}

// withSigningMethod swaps the signing method, used by tests to force failures.
func withSigningMethod(method jwt.SigningMethod) Option {
	return func(m *Minter) {
		m.method = method
	}
}

// NewMinter creates a minter for the given secret. The key is used byte for
// byte, surrounding whitespace included, and held for the lifetime of the
// minter. A key that is only whitespace is rejected.
func NewMinter(key string, opts ...Option) (*Minter, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrMissingKey
	}

	m := &Minter{
		key:    []byte(key),
		ttl:    DefaultTTL,
		method: jwt.SigningMethodHS256,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ttl <= 0 {
		return nil, errors.New("token: ttl must be greater than zero")
	}
	return m, nil
}

// Mint issues a credential for subject asserting GatekeeperIdentity.
func (m *Minter) Mint(subject string) (*Credential, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrInvalidSubject
	}

	now := m.now().UTC().Truncate(time.Second)
	expires := now.Add(m.ttl)

	claims := Claims{
		ID:          GatekeeperIdentity.ID,
		Name:        GatekeeperIdentity.Name,
		Roles:       append([]string(nil), GatekeeperIdentity.Roles...),
		DefaultRole: GatekeeperIdentity.DefaultRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	return &Credential{
		Token:     signed,
		Subject:   subject,
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}

// Parse verifies a credential minted with key and returns its claims.
func Parse(key, signed string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(signed, &Claims{}, func(t *jwt.Token) (any, error) {
		return []byte(key), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("token: invalid claims")
	}
	return claims, nil
}

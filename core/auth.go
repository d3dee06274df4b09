package core

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Claims is the flat claim set of an authenticated caller. Values are
// strings or []string for claim types that appeared more than once.
type Claims map[string]any

// BuildClaims folds an ordered list of (type, value) pairs into a claim
// set. A claim type seen more than once collapses into a list; a claim
// seen once passes through as-is.
func BuildClaims(pairs [][2]string) Claims {
	c := make(Claims, len(pairs))
	for _, p := range pairs {
		k, v := p[0], p[1]
		switch prev := c[k].(type) {
		case nil:
			c[k] = v
		case string:
			c[k] = []string{prev, v}
		case []string:
			c[k] = append(prev, v)
		}
	}
	return c
}

// Roles returns the values of the role claim as a list.
func (c Claims) Roles(roleClaim string) []string {
	switch v := c[roleClaim].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	}
	return nil
}

// Get returns a claim stringified: lists become PostgreSQL array
// literals so they bind directly as routine parameters.
func (c Claims) Get(name string) (string, bool) {
	switch v := c[name].(type) {
	case string:
		return v, true
	case []string:
		var sb strings.Builder
		sb.WriteByte('{')
		for i, s := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(s))
		}
		sb.WriteByte('}')
		return sb.String(), true
	}
	return "", false
}

// JSON returns the claim set as a JSON object.
func (c Claims) JSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// AuthUser is the authenticated principal attached to a request.
type AuthUser struct {
	Authenticated bool
	Name          string
	Claims        Claims
}

// Roles returns the caller roles under the configured role claim.
func (u *AuthUser) Roles(roleClaim string) []string {
	if u == nil || !u.Authenticated {
		return nil
	}
	return u.Claims.Roles(roleClaim)
}

type userCtxKey struct{}

// WithUser attaches the authenticated principal to the request context.
func WithUser(ctx context.Context, u *AuthUser) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext returns the principal, or nil when unauthenticated.
func UserFromContext(ctx context.Context) *AuthUser {
	u, _ := ctx.Value(userCtxKey{}).(*AuthUser)
	return u
}

// PasswordHasher hashes hash-of parameters and verifies basic-auth
// challenge credentials. The algorithm is pluggable.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(encoded, password string) bool
}

// DefaultHasher is PBKDF2-SHA256 with a random 16 byte salt, encoded as
// iterations$salt$key in base64.
type DefaultHasher struct{}

const (
	hashIterations = 100_000
	hashKeyLen     = 32
)

func (DefaultHasher) Hash(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := pbkdf2.Key([]byte(password), salt, hashIterations, hashKeyLen, sha256.New)
	return fmt.Sprintf("%d$%s$%s",
		hashIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (DefaultHasher) Verify(encoded, password string) bool {
	parts := strings.SplitN(encoded, "$", 3)
	if len(parts) != 3 {
		return false
	}
	iter, err := strconv.Atoi(parts[0])
	if err != nil || iter <= 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iter, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

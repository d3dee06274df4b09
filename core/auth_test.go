package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildClaims(t *testing.T) {
	c := BuildClaims([][2]string{
		{"name", "ada"},
		{"role", "admin"},
		{"role", "dev"},
		{"role", "ops"},
	})
	assert.Equal(t, "ada", c["name"])
	assert.Equal(t, []string{"admin", "dev", "ops"}, c["role"])
}

func TestClaimsGet(t *testing.T) {
	c := Claims{"name": "ada", "role": []string{"admin", "dev"}}

	v, ok := c.Get("name")
	require.True(t, ok)
	assert.Equal(t, "ada", v)

	// lists surface as array literals so they bind as routine parameters
	v, ok = c.Get("role")
	require.True(t, ok)
	assert.Equal(t, `{"admin","dev"}`, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestClaimsRoles(t *testing.T) {
	c := Claims{"role": "admin"}
	assert.Equal(t, []string{"admin"}, c.Roles("role"))

	c["role"] = []string{"admin", "dev"}
	assert.Equal(t, []string{"admin", "dev"}, c.Roles("role"))

	assert.Nil(t, c.Roles("missing"))
}

func TestClaimsJSON(t *testing.T) {
	c := Claims{"name": "ada", "role": []string{"admin"}}
	assert.JSONEq(t, `{"name":"ada","role":["admin"]}`, c.JSON())
}

func TestAuthUserRoles(t *testing.T) {
	var u *AuthUser
	assert.Nil(t, u.Roles("role"))

	u = &AuthUser{Claims: Claims{"role": "admin"}}
	assert.Nil(t, u.Roles("role"), "unauthenticated user has no roles")

	u.Authenticated = true
	assert.Equal(t, []string{"admin"}, u.Roles("role"))
}

func TestUserContextRoundTrip(t *testing.T) {
	assert.Nil(t, UserFromContext(context.Background()))

	u := &AuthUser{Authenticated: true, Name: "ada"}
	ctx := WithUser(context.Background(), u)
	assert.Same(t, u, UserFromContext(ctx))
}

func TestDefaultHasher(t *testing.T) {
	h := DefaultHasher{}

	encoded, err := h.Hash("hunter2")
	require.NoError(t, err)
	assert.True(t, h.Verify(encoded, "hunter2"))
	assert.False(t, h.Verify(encoded, "hunter3"))

	// salted: two hashes of the same password differ
	other, err := h.Hash("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, encoded, other)

	assert.False(t, h.Verify("not-an-encoded-hash", "hunter2"))
	assert.False(t, h.Verify("0$!!$!!", "hunter2"))
}

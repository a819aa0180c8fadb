package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/escrow/internal/auth"
	"github.com/vaultline/escrow/internal/domain"
)

func TestStaticGateResolvesKnownTokens(t *testing.T) {
	t.Parallel()

	gate := auth.NewStaticGate(map[string]auth.Principal{
		"tok-buyer": {Email: "Buyer@Example.com"},
		"tok-admin": {Email: "ops@example.com", Role: auth.RoleAdmin},
	})

	p, err := gate.Resolve("tok-buyer")
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", p.Email, "emails are normalized to lower case")
	assert.Equal(t, auth.RoleUser, p.Role, "missing role defaults to user")
	assert.False(t, p.IsAdmin())

	p, err = gate.Resolve("tok-admin")
	require.NoError(t, err)
	assert.True(t, p.IsAdmin())
}

func TestStaticGateRejectsUnknownOrEmptyTokens(t *testing.T) {
	t.Parallel()

	gate := auth.NewStaticGate(map[string]auth.Principal{
		"tok-buyer": {Email: "buyer@example.com"},
	})

	_, err := gate.Resolve("")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = gate.Resolve("tok-other")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// Same length as a registered token but different bytes.
	_, err = gate.Resolve("tok-buyeR")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

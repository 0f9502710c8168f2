package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inaiurai/escrow/internal/models"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("ADMIN_ADDRESS", "Admin-1")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", c.Port)
	require.Equal(t, int64(250), c.FeeBps)
	require.Equal(t, time.Duration(0), c.DisputeWindow)
	require.Equal(t, 168*time.Hour, c.AutoApprovalDelay)
	require.True(t, c.TimeBasedApproval)
	require.False(t, c.QualityBasedApproval)
	require.Equal(t, 80, c.MinQualityScore)
	require.Equal(t, TokenBackendPostgres, c.TokenBackend)
	require.Equal(t, models.Address("admin-1"), c.AdminAddress)

	s := c.Escrow()
	require.Equal(t, models.VerificationClientOnly, s.Verification.Method)
	require.Equal(t, c.FeeRecipient, s.FeeRecipient)
}

func TestLoadParsesLists(t *testing.T) {
	setRequired(t)
	t.Setenv("RESOLVERS", " Res-A, res-b ,,")
	t.Setenv("ORACLES", "oracle-1")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, []models.Address{"res-a", "res-b"}, c.Resolvers)
	require.Equal(t, []models.Address{"oracle-1"}, c.Oracles)
	require.Empty(t, c.Verifiers)

	roles := c.Roles()
	require.Equal(t, c.AdminAddress, roles.Admin)
	require.Len(t, roles.Resolvers, 2)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"fee above 100%", "PLATFORM_FEE_BPS", "10001"},
		{"fee not a number", "PLATFORM_FEE_BPS", "abc"},
		{"bad duration", "DISPUTE_WINDOW", "soon"},
		{"negative window", "DISPUTE_WINDOW", "-1h"},
		{"score above 100", "MIN_QUALITY_SCORE", "101"},
		{"unknown method", "VERIFICATION_METHOD", "vibes"},
		{"unknown backend", "TOKEN_BACKEND", "sqlite"},
		{"bad bool", "TIME_BASED_APPROVAL", "maybe"},
		{"fee recipient is custody", "FEE_RECIPIENT", "escrow-custody"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestLoadRequiresSecretAndAdmin(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ADMIN_ADDRESS", "")
	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "JWT_SECRET")
	require.Contains(t, err.Error(), "ADMIN_ADDRESS")
}

func TestLoadSeedBalances(t *testing.T) {
	setRequired(t)
	t.Setenv("TOKEN_BACKEND", TokenBackendMemory)
	t.Setenv("SEED_BALANCES", "Alice:1000, bob:250,alice:1")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, map[models.Address]int64{"alice": 1001, "bob": 250}, c.SeedBalances)

	t.Setenv("SEED_BALANCES", "alice:-5")
	_, err = Load()
	require.ErrorContains(t, err, "SEED_BALANCES")

	t.Setenv("SEED_BALANCES", "alice:5")
	t.Setenv("TOKEN_BACKEND", TokenBackendPostgres)
	_, err = Load()
	require.ErrorContains(t, err, "only supported")
}

package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func specs() []Spec {
	return []Spec{
		{Name: "host", Scope: ScopeComponent, Required: true},
		Spec{Name: "port", Scope: ScopeComponent}.WithDefault("5432"),
		{Name: "pass", Scope: ScopeComponent, Secret: true},
		{Name: "client_timeout", Scope: ScopeRuntime},
		{Name: "legacy_flag", Scope: ScopeComponent, Deprecated: true},
	}
}

type fakeSecretStore struct {
	values map[string]string
}

func (s *fakeSecretStore) GetSecret(key string) (Secret, bool) {
	v, ok := s.values[key]
	if !ok {
		return Secret{}, false
	}
	return NewSecret(v), true
}

func TestResolve_StripsComponentPrefix(t *testing.T) {
	// Arrange
	supplied := map[string]Secret{
		"pg_host":        NewSecret("db.internal"),
		"client_timeout": NewSecret("30s"),
	}

	// Act
	resolved, err := Resolve("pg", specs(), supplied, nil, zap.NewNop())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "db.internal", resolved.Get("host").Expose())
	assert.Equal(t, "30s", resolved.Get("client_timeout").Expose())
}

func TestResolve_DropsUnknownParameters(t *testing.T) {
	// Arrange
	supplied := map[string]Secret{
		"pg_host":    NewSecret("db.internal"),
		"pg_unknown": NewSecret("x"),
		"host":       NewSecret("unprefixed-is-wrong"),
	}

	// Act
	resolved, err := Resolve("pg", specs(), supplied, nil, zap.NewNop())

	// Assert
	require.NoError(t, err)
	assert.False(t, resolved.Get("unknown").Present())
	assert.Equal(t, "db.internal", resolved.Get("host").Expose())
}

func TestResolve_InjectsDefaults(t *testing.T) {
	// Arrange
	supplied := map[string]Secret{"pg_host": NewSecret("db")}

	// Act
	resolved, err := Resolve("pg", specs(), supplied, nil, zap.NewNop())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "5432", resolved.Get("port").Expose())
}

func TestResolve_InjectsSecretFromStore(t *testing.T) {
	// Arrange
	store := &fakeSecretStore{values: map[string]string{"pg_pass": "hunter2"}}
	supplied := map[string]Secret{"pg_host": NewSecret("db")}

	// Act
	resolved, err := Resolve("pg", specs(), supplied, store, zap.NewNop())

	// Assert
	require.NoError(t, err)
	secret, ok := resolved.Get("pass").Secret()
	require.True(t, ok)
	assert.Equal(t, "hunter2", secret.ExposeSecret())
}

func TestResolve_MissingRequiredFails(t *testing.T) {
	// Act
	_, err := Resolve("pg", specs(), nil, nil, zap.NewNop())

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pg_host")
	assert.Contains(t, err.Error(), "MISSING_REQUIRED_PARAMETER")
}

func TestValue_AbsentCarriesUserFacingName(t *testing.T) {
	// Arrange
	resolved, err := Resolve("pg", specs(), map[string]Secret{"pg_host": NewSecret("db")}, nil, zap.NewNop())
	require.NoError(t, err)

	// Act
	value := resolved.Get("pass")

	// Assert
	assert.False(t, value.Present())
	assert.Equal(t, "pg_pass", value.UserFacingName())
}

func TestSecret_RedactsInStringContexts(t *testing.T) {
	secret := NewSecret("super-sensitive")
	assert.Equal(t, "******", secret.String())
	assert.Equal(t, "super-sensitive", secret.ExposeSecret())
}

func TestEnvSecretStore_MapsKeys(t *testing.T) {
	// Arrange
	store := NewEnvSecretStore(func(key string) (string, bool) {
		if key == "HELIOS_SECRET_S3_SECRET" {
			return "shh", true
		}
		return "", false
	})

	// Act
	secret, ok := store.GetSecret("s3_secret")

	// Assert
	require.True(t, ok)
	assert.Equal(t, "shh", secret.ExposeSecret())
}

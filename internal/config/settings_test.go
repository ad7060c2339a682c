package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeSettings(t, `
audience = "broker-aud"
policy_path = "/etc/oidc-broker/policy.cedar"

[[providers]]
url = "https://token.actions.githubusercontent.com/.well-known/openid-configuration"

[oxide]
allow_tokens_without_expiry = false
max_duration = 3600

[oxide.silos]
"silo.example" = "/etc/oidc-broker/silo-example.token"

[github]
client_id = "app-123"
private_key_path = "/etc/oidc-broker/github-app.pem"
`)

	settings, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "broker-aud", settings.Audience)
	require.Equal(t, uint16(8080), settings.Port, "default port should apply when unset")
	require.Len(t, settings.Providers, 1)
	require.Equal(t, uint32(3600), settings.Oxide.MaxDuration)
	require.Equal(t, "app-123", settings.GitHub.ClientID)
}

func TestLoad_MissingAudience(t *testing.T) {
	path := writeSettings(t, `
policy_path = "/etc/oidc-broker/policy.cedar"

[[providers]]
url = "https://example.test"
`)

	_, err := Load(path)
	require.ErrorContains(t, err, "audience is required")
}

func TestLoad_NoProviders(t *testing.T) {
	path := writeSettings(t, `
audience = "broker-aud"
policy_path = "/etc/oidc-broker/policy.cedar"
`)

	_, err := Load(path)
	require.ErrorContains(t, err, "provider is required")
}

func TestLoadEnv_Default(t *testing.T) {
	t.Setenv("OIDC_BROKER_LOG_LEVEL", "")
	env, err := LoadEnv()
	require.NoError(t, err)
	require.Equal(t, "info", env.LogLevel)
}

func TestLoadEnv_Override(t *testing.T) {
	t.Setenv("OIDC_BROKER_LOG_LEVEL", "debug")
	env, err := LoadEnv()
	require.NoError(t, err)
	require.Equal(t, "debug", env.LogLevel)
}

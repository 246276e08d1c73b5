package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEntityServiceConfigDefaults(t *testing.T) {
	cfg := LoadEntityServiceConfig("ENTD_TEST_DEFAULTS")
	require.Equal(t, 30*time.Minute, cfg.EntityDefaultTTL)
	require.Equal(t, 24*time.Hour, cfg.PlayerDefaultTTL)
	require.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEntityServiceConfigEnvOverride(t *testing.T) {
	os.Setenv("ENTD_TEST_OVERRIDE_SERVICE_NAME", "svc1")
	os.Setenv("ENTD_TEST_OVERRIDE_ENTITY_DEFAULT_TTL", "1h")
	defer os.Unsetenv("ENTD_TEST_OVERRIDE_SERVICE_NAME")
	defer os.Unsetenv("ENTD_TEST_OVERRIDE_ENTITY_DEFAULT_TTL")

	cfg := LoadEntityServiceConfig("ENTD_TEST_OVERRIDE")
	require.Equal(t, "svc1", cfg.ServiceName)
	require.Equal(t, time.Hour, cfg.EntityDefaultTTL)
}

func TestLoadEntityServiceConfigFileOverlaysEnv(t *testing.T) {
	base := LoadEntityServiceConfig("ENTD_TEST_FILE")
	path := filepath.Join(t.TempDir(), "entityd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serviceName: from-file\nnodeId: node-1\n"), 0o644))

	merged, err := LoadEntityServiceConfigFile(path, base)
	require.NoError(t, err)
	require.Equal(t, "from-file", merged.ServiceName)
	require.Equal(t, "node-1", merged.NodeID)
}

func TestLoadEntityServiceConfigFileMissingIsNotError(t *testing.T) {
	base := LoadEntityServiceConfig("ENTD_TEST_MISSING")
	merged, err := LoadEntityServiceConfigFile(filepath.Join(t.TempDir(), "nope.yaml"), base)
	require.NoError(t, err)
	require.Equal(t, base, merged)
}

func TestEntityServiceConfigValidateRequiresServiceName(t *testing.T) {
	cfg := LoadEntityServiceConfig("ENTD_TEST_VALIDATE")
	err := cfg.Validate()
	require.Error(t, err)

	cfg.ServiceName = "svc1"
	cfg.NodeID = "node-1"
	require.NoError(t, cfg.Validate())
}

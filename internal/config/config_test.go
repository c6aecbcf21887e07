package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "Fluxur", cfg.AppName)
	assert.Equal(t, "8081", cfg.APIServer.Port)
	assert.Equal(t, "stephan_rogovoy", cfg.Identity.DeveloperLogin)
	assert.Equal(t, "redis", cfg.Replica.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Auth.JWTExpiry)
	assert.Equal(t, DefaultSystemPrompt, cfg.Assistant.SystemPrompt)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadConfig_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
REPLICA:
  BACKEND: memory
IDENTITY:
  DEVELOPER_LOGIN: root_dev
`), 0o644))
	t.Setenv("API_SERVER_PORT", "9999")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Replica.Backend)
	assert.Equal(t, "root_dev", cfg.Identity.DeveloperLogin)
	assert.Equal(t, "9999", cfg.APIServer.Port)
}

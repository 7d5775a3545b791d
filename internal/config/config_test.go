package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "meetnotes.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadPartialFileIsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meetnotes.yaml")
	data := []byte("listen: \":9000\"\nlog_level: LOUD\npublish:\n  path: /srv/cal.ics\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "meetnotes.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/srv/cal.ics", cfg.Publish.Path)
	assert.Equal(t, "*/15 * * * *", cfg.Publish.Schedule)
	assert.Equal(t, 365, cfg.Publish.HorizonDays)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meetnotes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEETNOTES_PORT", "7070")
	t.Setenv("MEETNOTES_DB_PATH", "/data/notes.db")
	t.Setenv("MEETNOTES_LOG_LEVEL", "Debug")
	t.Setenv("MEETNOTES_API_TOKEN_HASH", "$2a$10$abc")
	t.Setenv("MEETNOTES_ALLOWED_ORIGINS", "app.example.com, *.example.org ,")
	t.Setenv("MEETNOTES_PUBLISH_HORIZON_DAYS", "30")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "/data/notes.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "$2a$10$abc", cfg.APITokenHash)
	assert.Equal(t, []string{"app.example.com", "*.example.org"}, cfg.AllowedOrigins)
	assert.Equal(t, 30, cfg.Publish.HorizonDays)
}

func TestEnvOverrideBadNumber(t *testing.T) {
	t.Setenv("MEETNOTES_PUBLISH_HORIZON_DAYS", "soon")

	_, err := Load("")
	assert.ErrorContains(t, err, "MEETNOTES_PUBLISH_HORIZON_DAYS")
}

func TestSaveRequiresPath(t *testing.T) {
	assert.Error(t, Save("", DefaultConfig()))
	assert.Error(t, Save(filepath.Join(t.TempDir(), "x.yaml"), nil))
}

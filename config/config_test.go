package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	tmp := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmp))
	t.Cleanup(func() { os.Chdir(prev) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "beacond.db", cfg.Database.Path)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Dispatch.Workers)
	assert.Equal(t, 60, cfg.Scheduler.TickIntervalSeconds)
	assert.Equal(t, "audit-runner", cfg.Runner.Command)
}

func TestLoadFromFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "beacond.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
path = "/var/lib/beacond/audit.db"

[dispatch]
workers = 8

[server]
addr = ":9090"

[server.tokens]
"tok-abc" = ["team_1", "team_2"]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/beacond/audit.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Dispatch.Workers)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"team_1", "team_2"}, cfg.Server.Tokens["tok-abc"])
	// Untouched sections keep their defaults.
	assert.Equal(t, 1, cfg.Dispatch.PollIntervalSeconds)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load("/nonexistent/beacond.toml")
	assert.Error(t, err)
}

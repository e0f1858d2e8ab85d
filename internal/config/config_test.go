package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	// A named config path that does not exist is an error; defaults only
	// apply when no path is given.
	assert.Error(t, err)

	cfg, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "https://api.github.com", cfg.Tracker.BaseURL)
	assert.Equal(t, 3000, cfg.Settings.CheckDelayMS)
	assert.Equal(t, 500, cfg.Settings.MaxMessageLength)
	assert.Equal(t, 50, cfg.Backfill.BatchSize)
	assert.Equal(t, 1000, cfg.Backfill.DelayMS)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "./data/mappings.json", cfg.Mapping.Path)
	assert.True(t, cfg.Monitoring.Enabled)
}

func TestLoadConfig_TOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forumbridge.toml")
	content := `
[server]
port = 9999

[tracker]
enabled = true
token = "t0k"
repository = "owner/repo"

[[monitoring.forums]]
id = "123"
name = "support"
score = 5
tracker_sync = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "t0k", cfg.Tracker.Token)
	require.Len(t, cfg.Monitoring.Forums, 1)
	assert.Equal(t, "123", cfg.Monitoring.Forums[0].ID)
	assert.True(t, cfg.Monitoring.Forums[0].TrackerSync)
	// Defaults still fill the gaps.
	assert.Equal(t, "https://api.github.com", cfg.Tracker.BaseURL)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("FORUMBRIDGE_SERVER_PORT", "7777")
	t.Setenv("FORUMBRIDGE_LOGGING_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Tracker.Enabled = true
		cfg.Tracker.Token = "tok"
		cfg.Tracker.Repository = "owner/repo"
		cfg.Monitoring.Enabled = true
		cfg.Monitoring.Forums = []ForumChannel{{ID: "1", Name: "support"}}
		return cfg
	}

	assert.NoError(t, Validate(valid()))

	cfg := valid()
	cfg.Tracker.Token = ""
	assert.ErrorContains(t, Validate(cfg), "token")

	cfg = valid()
	cfg.Tracker.Repository = "norepo"
	assert.ErrorContains(t, Validate(cfg), "owner/repo")

	cfg = valid()
	cfg.Monitoring.Forums = nil
	assert.ErrorContains(t, Validate(cfg), "forum")

	cfg = valid()
	cfg.Monitoring.Forums = []ForumChannel{{ID: "1"}, {ID: "1"}}
	assert.ErrorContains(t, Validate(cfg), "twice")

	cfg = valid()
	cfg.Tracker.Enabled = false
	cfg.Tracker.Token = ""
	assert.NoError(t, Validate(cfg), "credentials optional when sync disabled")
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forumbridge.toml")
	require.NoError(t, InitConfig(path))

	// Refuses to overwrite.
	assert.Error(t, InitConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "owner/repo", cfg.Tracker.Repository)
}

func TestForumHelpers(t *testing.T) {
	cfg := &Config{}
	cfg.Monitoring.Forums = []ForumChannel{
		{ID: "1", Name: "support"},
		{ID: "2", Name: "bugs"},
	}

	f, ok := cfg.ForumByID("2")
	require.True(t, ok)
	assert.Equal(t, "bugs", f.Name)

	_, ok = cfg.ForumByID("3")
	assert.False(t, ok)

	assert.Equal(t, []string{"1", "2"}, cfg.ForumChannelIDs())
}

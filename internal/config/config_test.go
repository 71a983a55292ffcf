package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "overpos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	m, err := Load("", nil)
	require.NoError(t, err)
	require.Empty(t, m.ConfigFile())

	cfg := m.Config()
	require.Equal(t, "overpos.db", cfg.Store.Path)
	require.Equal(t, 5*time.Minute, cfg.Sync.PeriodicInterval)
	require.Equal(t, time.Second, cfg.Sync.BaseDelay)
	require.Equal(t, 60*time.Second, cfg.Sync.MaxDelay)
	require.Equal(t, 5, cfg.Sync.MaxRetries)
	require.Equal(t, "info", cfg.Log.Level)

	ec := cfg.EngineConfig()
	require.Equal(t, time.Second, ec.ReconnectSettle)
	require.False(t, ec.PullEnabled)
}

func TestFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
store:
  path: /var/lib/overpos/pos.db
remote:
  url: http://pos.local:8080
sync:
  periodic_interval: 30s
  pull_enabled: true
log:
  level: debug
  format: json
`)
	t.Setenv("OVERPOS_REMOTE_URL", "http://backup.local:8080")
	t.Setenv("OVERPOS_SYNC_MAX_RETRIES", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db", "", "")
	require.NoError(t, flags.Parse([]string{"--db", "/tmp/flag.db"}))

	m, err := Load(path, map[string]*pflag.Flag{"store.path": flags.Lookup("db")})
	require.NoError(t, err)
	require.Equal(t, path, m.ConfigFile())

	cfg := m.Config()
	require.Equal(t, "/tmp/flag.db", cfg.Store.Path)
	require.Equal(t, "http://backup.local:8080", cfg.Remote.URL)
	require.Equal(t, 30*time.Second, cfg.Sync.PeriodicInterval)
	require.Equal(t, 7, cfg.Sync.MaxRetries)
	require.True(t, cfg.Sync.PullEnabled)

	opts := cfg.LoggingOptions()
	require.Equal(t, "debug", opts.Level)
	require.Equal(t, "json", opts.Format)
}

func TestUnsetFlagKeepsFileValue(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "store:\n  path: from-file.db\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("db", "", "")
	require.NoError(t, flags.Parse(nil))

	m, err := Load(path, map[string]*pflag.Flag{"store.path": flags.Lookup("db")})
	require.NoError(t, err)
	require.Equal(t, "from-file.db", m.Config().Store.Path)
}

func TestInvalidConfig(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(writeConfig(t, dir, "sync:\n  max_retries: 0\n"), nil)
	require.ErrorContains(t, err, "max_retries")

	_, err = Load(writeConfig(t, dir, "sync:\n  base_delay: 2m\n"), nil)
	require.ErrorContains(t, err, "base_delay")

	_, err = Load(writeConfig(t, dir, "log:\n  level: chatty\n"), nil)
	require.ErrorContains(t, err, "log.level")

	_, err = Load(filepath.Join(dir, "missing.yaml"), nil)
	require.Error(t, err)
}

func TestWatchReloadsLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log:\n  level: info\n")

	m, err := Load(path, nil)
	require.NoError(t, err)

	var level atomic.Value
	m.Watch(slog.Default(), func(cfg *Config) { level.Store(cfg.Log.Level) })

	require.Eventually(t, func() bool {
		// Rewrite until the watcher has picked it up
		_ = os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600)
		v, _ := level.Load().(string)
		return v == "debug"
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, "debug", m.Config().Log.Level)
}

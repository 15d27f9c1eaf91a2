package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghyeongl/surfcheck/harness"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "surfcheck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func runFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.Int("clients", 0, "")
	fs.Int64("seed", 0, "")
	fs.StringSlice("phases", nil, "")
	fs.String("workdir", "", "")
	fs.String("ledger", "", "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, harness.DefaultConfig(), cfg)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
client:
  timeout: 5s
  max_concurrent: 2
run:
  clients: 4
  phases: [baseline, create]
conflict:
  quiet_period: 100ms
`)
	cfg, err := loadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 5*time.Second, cfg.Client.Timeout)
	assert.Equal(t, 2, cfg.Client.MaxConcurrent)
	assert.Equal(t, 4, cfg.Run.Clients)
	assert.Equal(t, []string{"baseline", "create"}, cfg.Run.Phases)
	assert.Equal(t, 100*time.Millisecond, cfg.Conflict.QuietPeriod)
	assert.Equal(t, 5*time.Second, cfg.Conflict.SettleTimeout)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "run:\n  clients: 4\n")
	t.Setenv("SURFCHECK_RUN_CLIENTS", "7")
	t.Setenv("SURFCHECK_CLIENT_BLOCK_SIZE", "1024")

	cfg, err := loadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Run.Clients)
	assert.Equal(t, 1024, cfg.Client.BlockSize)
}

func TestLoadConfig_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("SURFCHECK_RUN_CLIENTS", "7")
	t.Setenv("SURFCHECK_RUN_SEED", "5")

	cfg, err := loadConfig("", runFlags(t, "--clients=3", "--phases=baseline,delete"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Run.Clients)
	assert.Equal(t, []string{"baseline", "delete"}, cfg.Run.Phases)
	// --seed was not given, so the env value stands.
	assert.Equal(t, int64(5), cfg.Run.Seed)
}

func TestLoadConfig_ExpandsHome(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	t.Setenv("SURFCHECK_IGNORE_FILE", "~/.surfcheckignore")

	cfg, err := loadConfig("", runFlags(t, "--ledger=~/surfcheck/ledger.db", "--workdir=~/work"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "surfcheck", "ledger.db"), cfg.Ledger.Path)
	assert.Equal(t, filepath.Join(home, "work"), cfg.Run.Workdir)
	assert.Equal(t, filepath.Join(home, ".surfcheckignore"), cfg.Ignore.File)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)
		assert.ErrorContains(t, err, "stat config")
	})
	t.Run("directory", func(t *testing.T) {
		_, err := loadConfig(t.TempDir(), nil)
		assert.ErrorContains(t, err, "is a directory")
	})
	t.Run("invalid value", func(t *testing.T) {
		_, err := loadConfig(writeConfig(t, "run:\n  clients: 0\n"), nil)
		assert.ErrorContains(t, err, "run.clients")
	})
	t.Run("unknown phase", func(t *testing.T) {
		_, err := loadConfig("", runFlags(t, "--phases=baseline,teleport"))
		assert.ErrorContains(t, err, "teleport")
	})
}

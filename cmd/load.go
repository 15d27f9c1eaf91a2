package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ghyeongl/surfcheck/harness"
)

const envPrefix = "SURFCHECK"

// flagKeys maps command-line flags to the config keys they override.
var flagKeys = map[string]string{
	"clients":   "run.clients",
	"seed":      "run.seed",
	"phases":    "run.phases",
	"workdir":   "run.workdir",
	"log-level": "log.level",
	"log-dir":   "log.dir",
	"ledger":    "ledger.path",
	"artifacts": "artifacts.dir",
}

// loadConfig returns the effective configuration:
// defaults < config file < SURFCHECK_* env < flags that were set.
func loadConfig(path string, flags *pflag.FlagSet) (harness.Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return harness.Config{}, fmt.Errorf("config path: %w", err)
		}
		info, err := os.Stat(expanded)
		if err != nil {
			return harness.Config{}, fmt.Errorf("stat config %s: %w", expanded, err)
		}
		if info.IsDir() {
			return harness.Config{}, fmt.Errorf("config path %s is a directory", expanded)
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return harness.Config{}, fmt.Errorf("read config %s: %w", expanded, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				v.Set(key, sv.GetSlice())
				continue
			}
			v.Set(key, f.Value.String())
		}
	}

	var cfg harness.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return harness.Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := expandPaths(&cfg); err != nil {
		return harness.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return harness.Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := harness.DefaultConfig()

	v.SetDefault("server.command", def.Server.Command)
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.ready_timeout", def.Server.ReadyTimeout)
	v.SetDefault("server.stop_grace", def.Server.StopGrace)

	v.SetDefault("client.command", def.Client.Command)
	v.SetDefault("client.block_size", def.Client.BlockSize)
	v.SetDefault("client.timeout", def.Client.Timeout)
	v.SetDefault("client.detach_args", def.Client.DetachArgs)
	v.SetDefault("client.max_concurrent", def.Client.MaxConcurrent)

	v.SetDefault("run.clients", def.Run.Clients)
	v.SetDefault("run.workdir", def.Run.Workdir)
	v.SetDefault("run.seed", def.Run.Seed)
	v.SetDefault("run.phases", def.Run.Phases)

	v.SetDefault("conflict.settle_timeout", def.Conflict.SettleTimeout)
	v.SetDefault("conflict.quiet_period", def.Conflict.QuietPeriod)

	v.SetDefault("ignore.patterns", def.Ignore.Patterns)
	v.SetDefault("ignore.file", def.Ignore.File)

	v.SetDefault("log.dir", def.Log.Dir)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("ledger.path", def.Ledger.Path)
	v.SetDefault("artifacts.dir", def.Artifacts.Dir)
}

// expandPaths resolves a leading ~ in every path-valued key.
func expandPaths(cfg *harness.Config) error {
	paths := []*string{&cfg.Run.Workdir, &cfg.Ignore.File, &cfg.Log.Dir, &cfg.Ledger.Path, &cfg.Artifacts.Dir}
	var errs []error
	for _, p := range paths {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			errs = append(errs, fmt.Errorf("expand %q: %w", *p, err))
			continue
		}
		*p = expanded
	}
	return errors.Join(errs...)
}

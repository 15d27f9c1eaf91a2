package harness

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/samber/lo"
)

// Config is the complete harness configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Client    ClientConfig    `mapstructure:"client" yaml:"client"`
	Run       RunConfig       `mapstructure:"run" yaml:"run"`
	Conflict  ConflictConfig  `mapstructure:"conflict" yaml:"conflict"`
	Ignore    IgnoreConfig    `mapstructure:"ignore" yaml:"ignore"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Ledger    LedgerConfig    `mapstructure:"ledger" yaml:"ledger"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
}

// ServerConfig describes how to launch the sync server.
type ServerConfig struct {
	Command      string        `mapstructure:"command" yaml:"command"`
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	StopGrace    time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
}

// Addr returns the host:port the clients sync against.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ClientConfig describes how to invoke one client sync.
type ClientConfig struct {
	Command       string        `mapstructure:"command" yaml:"command"`
	BlockSize     int           `mapstructure:"block_size" yaml:"block_size"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DetachArgs    string        `mapstructure:"detach_args" yaml:"detach_args"`
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// RunConfig holds per-run scenario knobs.
type RunConfig struct {
	Clients int      `mapstructure:"clients" yaml:"clients"`
	Workdir string   `mapstructure:"workdir" yaml:"workdir"`
	Seed    int64    `mapstructure:"seed" yaml:"seed"`
	Phases  []string `mapstructure:"phases" yaml:"phases"`
}

// ConflictConfig bounds the conflict phase's settle wait.
type ConflictConfig struct {
	SettleTimeout time.Duration `mapstructure:"settle_timeout" yaml:"settle_timeout"`
	QuietPeriod   time.Duration `mapstructure:"quiet_period" yaml:"quiet_period"`
}

// IgnoreConfig lists names the client keeps in its base directory that are
// not user files (the client's index, hidden files). File, if set, adds the
// patterns of an ignore file, one per line.
type IgnoreConfig struct {
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
	File     string   `mapstructure:"file" yaml:"file,omitempty"`
}

type LogConfig struct {
	Dir   string `mapstructure:"dir" yaml:"dir"`
	Level string `mapstructure:"level" yaml:"level"`
}

type LedgerConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type ArtifactsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// DefaultConfig mirrors the reference harness: ten clients against a
// combined meta/block server on localhost:8081.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Command:      "go run cmd/SurfstoreServerExec/main.go -s both -p {port} -l {addr}",
			Host:         "localhost",
			Port:         8081,
			ReadyTimeout: 10 * time.Second,
			StopGrace:    2 * time.Second,
		},
		Client: ClientConfig{
			Command:   "go run cmd/SurfstoreClientExec/main.go {addr} {dir} {block_size}",
			BlockSize: 4,
			Timeout:   3 * time.Second,
		},
		Run: RunConfig{
			Clients: 10,
			Workdir: ".",
			Phases:  PhaseNames(),
		},
		Conflict: ConflictConfig{
			SettleTimeout: 5 * time.Second,
			QuietPeriod:   300 * time.Millisecond,
		},
		Ignore: IgnoreConfig{
			Patterns: []string{"index.txt", ".*"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate checks the configuration for values the runner cannot work with.
func (c Config) Validate() error {
	if c.Server.Command == "" {
		return fmt.Errorf("server.command is required")
	}
	if c.Client.Command == "" {
		return fmt.Errorf("client.command is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Run.Clients < 1 {
		return fmt.Errorf("run.clients must be at least 1, got %d", c.Run.Clients)
	}
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be positive")
	}
	if c.Server.ReadyTimeout <= 0 {
		return fmt.Errorf("server.ready_timeout must be positive")
	}
	if c.Conflict.SettleTimeout <= 0 {
		return fmt.Errorf("conflict.settle_timeout must be positive")
	}
	if c.Client.MaxConcurrent < 0 {
		return fmt.Errorf("client.max_concurrent must not be negative")
	}
	known := PhaseNames()
	if unknown := lo.Without(c.Run.Phases, known...); len(unknown) > 0 {
		return fmt.Errorf("unknown phases %v (known: %v)", unknown, known)
	}
	if len(c.Run.Phases) > 0 && !lo.Contains(c.Run.Phases, "baseline") {
		return fmt.Errorf("run.phases must include baseline, every other phase builds on it")
	}
	return nil
}

// Package config loads swarm configuration from TOML or YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string ("5s", "250ms") in
// config files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for both decoders.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level swarm configuration.
type Config struct {
	// AgentID identifies this process in the mailbox and on the bus.
	AgentID string `toml:"agent_id" yaml:"agent_id"`

	Board     BoardConfig     `toml:"board" yaml:"board"`
	Mailbox   MailboxConfig   `toml:"mailbox" yaml:"mailbox"`
	Worker    WorkerConfig    `toml:"worker" yaml:"worker"`
	Monitor   MonitorConfig   `toml:"monitor" yaml:"monitor"`
	Consensus ConsensusConfig `toml:"consensus" yaml:"consensus"`
	Bus       BusConfig       `toml:"bus" yaml:"bus"`
	Ledger    LedgerConfig    `toml:"ledger" yaml:"ledger"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// BoardConfig configures the task board store.
type BoardConfig struct {
	Dir         string   `toml:"dir" yaml:"dir"`
	LockTimeout Duration `toml:"lock_timeout" yaml:"lock_timeout"`
	RetryDelay  Duration `toml:"retry_delay" yaml:"retry_delay"`
}

// MailboxConfig configures the mailbox root shared by all agents.
type MailboxConfig struct {
	Root string `toml:"root" yaml:"root"`
}

// WorkerConfig configures the claim loop.
type WorkerConfig struct {
	Concurrency       int      `toml:"concurrency" yaml:"concurrency"`
	PollInterval      Duration `toml:"poll_interval" yaml:"poll_interval"`
	HeartbeatInterval Duration `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// MonitorConfig configures stale-heartbeat detection.
type MonitorConfig struct {
	StaleAfter    Duration `toml:"stale_after" yaml:"stale_after"`
	CheckInterval Duration `toml:"check_interval" yaml:"check_interval"`
}

// ConsensusConfig configures the vote manager.
type ConsensusConfig struct {
	SubjectPrefix  string   `toml:"subject_prefix" yaml:"subject_prefix"`
	DefaultTimeout Duration `toml:"default_timeout" yaml:"default_timeout"`
	// Retention keeps completed sessions queryable this long.
	Retention Duration `toml:"retention" yaml:"retention"`
}

// BusConfig selects and configures the message bus backend.
type BusConfig struct {
	// Backend is "memory", "nats" or "redis".
	Backend  string `toml:"backend" yaml:"backend"`
	URL      string `toml:"url" yaml:"url"`
	Password string `toml:"password" yaml:"password"`
	// Channel prefix for the redis backend.
	Namespace  string `toml:"namespace" yaml:"namespace"`
	BufferSize int    `toml:"buffer_size" yaml:"buffer_size"`
}

// LedgerConfig configures the SQLite audit ledger. Empty path disables it.
type LedgerConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// TelemetryConfig configures OTLP trace export. Empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint" yaml:"endpoint"`
	ServiceName string `toml:"service_name" yaml:"service_name"`
	Insecure    bool   `toml:"insecure" yaml:"insecure"`
	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"`
}

// LogConfig configures console logging.
type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// Default returns configuration with sensible defaults.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "agent"
	}
	return &Config{
		AgentID: host,
		Board: BoardConfig{
			Dir:         "boards",
			LockTimeout: Duration(10 * time.Second),
			RetryDelay:  Duration(50 * time.Millisecond),
		},
		Mailbox: MailboxConfig{Root: "mailbox"},
		Worker: WorkerConfig{
			Concurrency:       1,
			PollInterval:      Duration(2 * time.Second),
			HeartbeatInterval: Duration(10 * time.Second),
		},
		Monitor: MonitorConfig{
			StaleAfter:    Duration(60 * time.Second),
			CheckInterval: Duration(15 * time.Second),
		},
		Consensus: ConsensusConfig{
			SubjectPrefix:  "consensus",
			DefaultTimeout: Duration(30 * time.Second),
			Retention:      Duration(10 * time.Minute),
		},
		Bus: BusConfig{
			Backend:    "memory",
			Namespace:  "swarm",
			BufferSize: 256,
		},
		Telemetry: TelemetryConfig{ServiceName: "swarmkit"},
		Log:       LogConfig{Level: "info"},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"swarm.toml", "swarm.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "swarm", "swarm.toml"),
			filepath.Join(home, ".config", "swarm", "swarm.yaml"),
		)
	}
	return paths
}

// Load reads the config at path, or the first standard location when path
// is empty. Defaults apply to anything the file leaves unset, then SWARM_*
// environment variables override, then the result is validated. Returns the
// path actually read ("" when none was found).
func Load(path string) (*Config, string, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range StandardPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, path, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .toml, .yaml or .yml)", filepath.Ext(path))
	}
	return nil
}

// applyEnv overrides selected fields from SWARM_* variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("SWARM_AGENT_ID"); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv("SWARM_BOARD_DIR"); v != "" {
		c.Board.Dir = v
	}
	if v := os.Getenv("SWARM_MAILBOX_ROOT"); v != "" {
		c.Mailbox.Root = v
	}
	if v := os.Getenv("SWARM_BUS_BACKEND"); v != "" {
		c.Bus.Backend = v
	}
	if v := os.Getenv("SWARM_BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("SWARM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SWARM_WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SWARM_WORKER_CONCURRENCY: %w", err)
		}
		c.Worker.Concurrency = n
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AgentID) == "" {
		return fmt.Errorf("agent_id is required")
	}
	if strings.ContainsAny(c.AgentID, `/\`) || c.AgentID == "shared" || strings.HasPrefix(c.AgentID, ".") {
		return fmt.Errorf("agent_id %q cannot be used as a mailbox directory", c.AgentID)
	}
	if c.Board.Dir == "" {
		return fmt.Errorf("board.dir is required")
	}
	if c.Board.LockTimeout <= 0 {
		return fmt.Errorf("board.lock_timeout must be positive")
	}
	if c.Mailbox.Root == "" {
		return fmt.Errorf("mailbox.root is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Monitor.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("monitor.stale_after must exceed worker.heartbeat_interval")
	}
	if c.Consensus.DefaultTimeout <= 0 {
		return fmt.Errorf("consensus.default_timeout must be positive")
	}
	if c.Consensus.Retention <= 0 {
		return fmt.Errorf("consensus.retention must be positive")
	}
	switch c.Bus.Backend {
	case "memory":
	case "nats", "redis":
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required for the %s backend", c.Bus.Backend)
		}
	default:
		return fmt.Errorf("unknown bus.backend %q", c.Bus.Backend)
	}
	return nil
}

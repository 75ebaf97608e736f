package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the workbench configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Tools     ToolsConfig     `yaml:"tools"`
	Engine    EngineConfig    `yaml:"engine"`
	Fabric    FabricConfig    `yaml:"fabric"`
	Bus       BusConfig       `yaml:"bus"`
	Tickets   TicketConfig    `yaml:"tickets"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	WSPath string `yaml:"ws_path"`
}

// WorkspaceConfig holds the on-disk workspace settings for fragment materialization.
type WorkspaceConfig struct {
	Workdir       string   `yaml:"workdir"`
	FragmentGlobs []string `yaml:"fragment_globs"` // doublestar patterns a fragment path must match
	RepoPath      string   `yaml:"repo_path"`      // optional git checkout used to pin ticket repo SHAs
}

// ToolsConfig points at the external validator and projector binaries.
type ToolsConfig struct {
	ValidatorBinary   string `yaml:"validator_binary"`
	ProjectorBinary   string `yaml:"projector_binary"`
	FormatterBinary   string `yaml:"formatter_binary"`
	ToolTimeoutMs     int    `yaml:"tool_timeout_ms"`
	AnalysisTimeoutMs int    `yaml:"analysis_timeout_ms"`
}

// EngineConfig bounds the spec engine worker pool.
type EngineConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// FabricConfig tunes the duplex fan-out fabric.
type FabricConfig struct {
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	MaxConnections      int `yaml:"max_connections"`
	SendQueueSize       int `yaml:"send_queue_size"`
}

// BusConfig configures the external message bus publisher.
type BusConfig struct {
	URL             string `yaml:"url"`
	Prefix          string `yaml:"prefix"`
	ReconnectBaseMs int    `yaml:"reconnect_base_ms"`
	ReconnectMaxMs  int    `yaml:"reconnect_max_ms"`
	MaxAttempts     int    `yaml:"max_attempts"`
}

// Enabled reports whether a bus endpoint is configured at all.
func (b BusConfig) Enabled() bool { return b.URL != "" }

// TicketConfig configures the mutation ticket authority.
type TicketConfig struct {
	ServerKey  string `yaml:"server_key"` // hex or raw; generated with a warning when empty
	TTLMinutes int    `yaml:"ttl_minutes"`
	Enforce    bool   `yaml:"enforce"`
}

// RateLimitConfig is the per-identity token bucket.
type RateLimitConfig struct {
	Capacity     int `yaml:"capacity"`
	RefillPerSec int `yaml:"refill_per_sec"`
	WindowMs     int `yaml:"window_ms"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig toggles the Prometheus recorder.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Durations derived from the millisecond fields.

func (t ToolsConfig) ToolTimeout() time.Duration     { return time.Duration(t.ToolTimeoutMs) * time.Millisecond }
func (t ToolsConfig) AnalysisTimeout() time.Duration { return time.Duration(t.AnalysisTimeoutMs) * time.Millisecond }
func (f FabricConfig) HeartbeatInterval() time.Duration {
	return time.Duration(f.HeartbeatIntervalMs) * time.Millisecond
}
func (b BusConfig) ReconnectBase() time.Duration { return time.Duration(b.ReconnectBaseMs) * time.Millisecond }
func (b BusConfig) ReconnectMax() time.Duration  { return time.Duration(b.ReconnectMaxMs) * time.Millisecond }
func (t TicketConfig) TTL() time.Duration        { return time.Duration(t.TTLMinutes) * time.Minute }
func (r RateLimitConfig) Window() time.Duration  { return time.Duration(r.WindowMs) * time.Millisecond }

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists; absence is not an error.
	loadEnvFile()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8620"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Workspace.Workdir == "" {
		c.Workspace.Workdir = "./workbench-data/workspaces"
	}
	if len(c.Workspace.FragmentGlobs) == 0 {
		c.Workspace.FragmentGlobs = []string{"**/*.cue"}
	}
	if c.Tools.ValidatorBinary == "" {
		c.Tools.ValidatorBinary = "cue"
	}
	if c.Tools.ProjectorBinary == "" {
		c.Tools.ProjectorBinary = c.Tools.ValidatorBinary
	}
	if c.Tools.FormatterBinary == "" {
		c.Tools.FormatterBinary = c.Tools.ValidatorBinary
	}
	if c.Tools.ToolTimeoutMs <= 0 {
		c.Tools.ToolTimeoutMs = 10_000
	}
	if c.Tools.AnalysisTimeoutMs <= 0 {
		c.Tools.AnalysisTimeoutMs = 750
	}
	if c.Engine.MaxConcurrency <= 0 {
		c.Engine.MaxConcurrency = 4
	}
	if c.Fabric.HeartbeatIntervalMs <= 0 {
		c.Fabric.HeartbeatIntervalMs = 30_000
	}
	if c.Fabric.MaxConnections <= 0 {
		c.Fabric.MaxConnections = 256
	}
	if c.Fabric.SendQueueSize <= 0 {
		c.Fabric.SendQueueSize = 64
	}
	if c.Bus.Prefix == "" {
		c.Bus.Prefix = "specbench"
	}
	if c.Bus.ReconnectBaseMs <= 0 {
		c.Bus.ReconnectBaseMs = 2_000
	}
	if c.Bus.ReconnectMaxMs <= 0 {
		c.Bus.ReconnectMaxMs = 30_000
	}
	if c.Bus.MaxAttempts <= 0 {
		c.Bus.MaxAttempts = 10
	}
	if c.Tickets.TTLMinutes <= 0 {
		c.Tickets.TTLMinutes = 30
	}
	if c.RateLimit.Capacity <= 0 {
		c.RateLimit.Capacity = 10
	}
	if c.RateLimit.RefillPerSec <= 0 {
		c.RateLimit.RefillPerSec = 1
	}
	if c.RateLimit.WindowMs <= 0 {
		c.RateLimit.WindowMs = 10_000
	}
	if c.Database.Path == "" {
		c.Database.Path = "./workbench-data/specbench.db"
	}
}

const maxTicketTTLMinutes = 24 * 60

// Validate checks invariants the defaults cannot repair.
func (c *Config) Validate() error {
	if c.Tickets.TTLMinutes > maxTicketTTLMinutes {
		return fmt.Errorf("tickets.ttl_minutes %d exceeds maximum of %d", c.Tickets.TTLMinutes, maxTicketTTLMinutes)
	}
	if c.Tools.AnalysisTimeoutMs > c.Tools.ToolTimeoutMs {
		return fmt.Errorf("tools.analysis_timeout_ms must not exceed tools.tool_timeout_ms")
	}
	for _, g := range c.Workspace.FragmentGlobs {
		if g == "" {
			return fmt.Errorf("workspace.fragment_globs contains an empty pattern")
		}
	}
	return nil
}

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := `# specbench configuration
server:
  addr: ":8620"
  ws_path: "/ws"

workspace:
  workdir: "./workbench-data/workspaces"
  fragment_globs:
    - "**/*.cue"

tools:
  validator_binary: "cue"
  tool_timeout_ms: 10000
  analysis_timeout_ms: 750

engine:
  max_concurrency: 4

fabric:
  heartbeat_interval_ms: 30000
  max_connections: 256

bus:
  url: "${NATS_URL}"
  prefix: "specbench"

tickets:
  server_key: "${SPECBENCH_SERVER_KEY}"
  ttl_minutes: 30
  enforce: false

rate_limit:
  capacity: 10
  refill_per_sec: 1
  window_ms: 10000

database:
  path: "./workbench-data/specbench.db"

metrics:
  enabled: true
`
	return os.WriteFile(configPath, []byte(example), 0o644)
}

// Package config loads harness configuration from environment variables and
// an optional YAML file using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the HTTP surface (OTLP ingress, status API, streaming).
type ServerConfig struct {
	// BasePort is the first port tried for the listener; the server walks
	// upward until a free port is found.
	BasePort     int           `mapstructure:"base_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the store connection settings.
type DatabaseConfig struct {
	// URL is a postgres connection string. Empty selects the in-memory store.
	URL string `mapstructure:"url"`
}

// AgentConfig describes how agent subprocesses are launched.
type AgentConfig struct {
	// Command is the invocation template. The placeholders {socket} and
	// {otlp} are substituted before the command is split into argv.
	Command string `mapstructure:"command"`
	// SocketPath overrides the per-run IPC rendezvous socket.
	SocketPath string `mapstructure:"socket_path"`
}

// ExercisesConfig locates the read-only exercises tree.
type ExercisesConfig struct {
	Root    string `mapstructure:"root"`
	BaseRef string `mapstructure:"base_ref"`
}

// TelemetryConfig controls span ingestion.
type TelemetryConfig struct {
	// AllowedServers is the MCP server allow-list; spans whose rpc.service is
	// not listed are dropped.
	AllowedServers []string `mapstructure:"allowed_servers"`
	// SpanHistorySize bounds the per-task span ring kept for analytics.
	SpanHistorySize int `mapstructure:"span_history_size"`
	// CreateEmptyBenchmark creates the benchmark row at handshake time even
	// if no spans ever arrive. When false the row is created lazily on the
	// first accepted span.
	CreateEmptyBenchmark bool `mapstructure:"create_empty_benchmark"`
}

// RunConfig holds scheduling and timeout settings.
type RunConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	InterStartDelay  time.Duration `mapstructure:"inter_start_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	TestTimeout      time.Duration `mapstructure:"test_timeout"`
	CancelGrace      time.Duration `mapstructure:"cancel_grace"`
}

// SandboxConfig selects how test commands execute.
type SandboxConfig struct {
	// Mode is "local" (os/exec in the workspace) or "docker" (container with
	// the workspace bind-mounted).
	Mode  string `mapstructure:"mode"`
	Image string `mapstructure:"image"`
	Host  string `mapstructure:"host"`
}

// NATSConfig enables the NATS-backed event bus.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// Config is the root harness configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Exercises ExercisesConfig `mapstructure:"exercises"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Run       RunConfig       `mapstructure:"run"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

// Load reads configuration from MCPBENCH_* environment variables and, when
// MCPBENCH_CONFIG points at a file, from YAML.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MCPBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.base_port", 4318)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.url", "")

	v.SetDefault("agent.command", "")
	v.SetDefault("agent.socket_path", "")

	v.SetDefault("exercises.root", "")
	v.SetDefault("exercises.base_ref", "main")

	v.SetDefault("telemetry.allowed_servers", []string{"context7", "memory"})
	v.SetDefault("telemetry.span_history_size", 50)
	v.SetDefault("telemetry.create_empty_benchmark", true)

	v.SetDefault("run.concurrency", 2)
	v.SetDefault("run.inter_start_delay", 10*time.Second)
	v.SetDefault("run.handshake_timeout", 30*time.Second)
	v.SetDefault("run.task_timeout", 5*time.Minute)
	v.SetDefault("run.test_timeout", 2*time.Minute)
	v.SetDefault("run.cancel_grace", 5*time.Second)

	v.SetDefault("sandbox.mode", "local")
	v.SetDefault("sandbox.image", "")
	v.SetDefault("sandbox.host", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
}

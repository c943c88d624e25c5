package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration.
type Config struct {
	Gateway       GatewayConfig       `yaml:"gateway"`
	Database      DatabaseConfig      `yaml:"database"`
	Node          NodeConfig          `yaml:"node"`
	Worker        WorkerConfig        `yaml:"worker"`
	Function      FunctionConfig      `yaml:"function"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type GatewayConfig struct {
	Port           int `yaml:"port"`
	GRPCPort       int `yaml:"grpc_port"`
	MaxConnections int `yaml:"max_connections"`
}

type DatabaseConfig struct {
	URL           string `yaml:"url"`
	MigrationsDir string `yaml:"migrations_dir"`
	// ReactiveTables get the change-notification trigger installed at
	// startup so live queries over them invalidate.
	ReactiveTables []string `yaml:"reactive_tables"`
}

type NodeConfig struct {
	Roles              []string `yaml:"roles"`
	WorkerCapabilities []string `yaml:"worker_capabilities"`
}

type WorkerConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
	PollIntervalMS    int `yaml:"poll_interval_ms"`
}

type FunctionConfig struct {
	TimeoutSecs int `yaml:"timeout_secs"`
}

type ObservabilityConfig struct {
	Level         string  `yaml:"level"`
	SampleRate    float64 `yaml:"sample_rate"`
	RetentionDays int     `yaml:"retention_days"`
	SentryDSN     string  `yaml:"sentry_dsn"`
}

// Default returns a Config with every effect-bearing knob at its default.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			Port:           8080,
			MaxConnections: 10000,
		},
		Node: NodeConfig{
			Roles: []string{"gateway", "function", "worker", "scheduler"},
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs: 10,
			PollIntervalMS:    500,
		},
		Function: FunctionConfig{
			TimeoutSecs: 30,
		},
		Observability: ObservabilityConfig{
			Level:      "info",
			SampleRate: 1.0,
		},
	}
}

// PollInterval returns the worker poll interval as a duration.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// Timeout returns the function timeout as a duration.
func (f FunctionConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// Load reads a YAML config file, substitutes ${NAME} references from the
// environment, and decodes it over the defaults. A reference to an unset
// variable is an error rather than a silent empty string.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Join(ErrReadFile, err)
	}

	expanded, err := substituteEnv(string(raw))
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, errors.Join(ErrParseFile, err)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func substituteEnv(s string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %v", ErrMissingEnv, missing)
	}
	return out, nil
}

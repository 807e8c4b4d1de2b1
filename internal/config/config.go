package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Engine       EngineConfig       `json:"engine"`
	Resolver     ResolverConfig     `json:"resolver"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Database     DatabaseConfig     `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type EngineConfig struct {
	MaxConcurrency     int      `json:"max_concurrency"`
	DefaultStepTimeout Duration `json:"default_step_timeout"`
}

type ResolverConfig struct {
	MinConfidence   float64  `json:"min_confidence"`
	QualityKeywords []string `json:"quality_keywords,omitempty"`
	VagueKeywords   []string `json:"vague_keywords,omitempty"`
}

type OrchestratorConfig struct {
	// Alternates maps an agent name to the agent that takes over its steps
	// in the alternative-agent fallback.
	Alternates map[string]string `json:"alternates,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	Migrations string `json:"migrations"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// Duration is a time.Duration written as a string ("30s") in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Engine: EngineConfig{
			MaxConcurrency:     10,
			DefaultStepTimeout: Duration(30 * time.Second),
		},
		Resolver: ResolverConfig{MinConfidence: 0.5},
		Database: DatabaseConfig{Postgres: PostgresConfig{Migrations: "migrations"}},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
// Fields the file leaves out keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Engine.MaxConcurrency < 0 {
		return fmt.Errorf("engine.max_concurrency must not be negative")
	}
	if c.Engine.DefaultStepTimeout < 0 {
		return fmt.Errorf("engine.default_step_timeout must not be negative")
	}
	if c.Resolver.MinConfidence < 0 || c.Resolver.MinConfidence > 1 {
		return fmt.Errorf("resolver.min_confidence %.2f not in [0, 1]", c.Resolver.MinConfidence)
	}
	for from, to := range c.Orchestrator.Alternates {
		if from == to {
			return fmt.Errorf("orchestrator.alternates: %s is its own alternate", from)
		}
	}
	return nil
}

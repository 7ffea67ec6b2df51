// Package config loads service configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GraphConfig struct {
	URI          string        `mapstructure:"uri"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	MaxRows      int           `mapstructure:"max_rows"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	MemoryTTL time.Duration `mapstructure:"memory_ttl"`
}

type LLMConfig struct {
	BaseURL      string            `mapstructure:"base_url"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	Temperature  float64           `mapstructure:"temperature"`
	NumCtx       int               `mapstructure:"num_ctx"`
	DefaultModel string            `mapstructure:"default_model"`
	Models       map[string]string `mapstructure:"models"`
}

type PipelineConfig struct {
	MaxQueryRetries      int     `mapstructure:"max_query_retries"`
	MaxSufficiencyRounds int     `mapstructure:"max_sufficiency_rounds"`
	HistoryWindow        int     `mapstructure:"history_window"`
	MemoryThreshold      float64 `mapstructure:"memory_threshold"`
	DecisionThreshold    float64 `mapstructure:"decision_threshold"`
}

type HMDBConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	CatalogPath string        `mapstructure:"catalog_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RatePerSec  float64       `mapstructure:"rate_per_sec"`
	DailyLimit  int           `mapstructure:"daily_limit"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffGrow float64       `mapstructure:"backoff_factor"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Redis    RedisConfig    `mapstructure:"redis"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	HMDB     HMDBConfig     `mapstructure:"hmdb"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":2112")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("graph.uri", "bolt://localhost:7687")
	v.SetDefault("graph.user", "neo4j")
	v.SetDefault("graph.query_timeout", 30*time.Second)
	v.SetDefault("graph.max_rows", 500)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.memory_ttl", 30*24*time.Hour)

	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.temperature", 0.4)
	v.SetDefault("llm.num_ctx", 4096)
	v.SetDefault("llm.default_model", "llama3.1")

	v.SetDefault("pipeline.max_query_retries", 5)
	v.SetDefault("pipeline.max_sufficiency_rounds", 3)
	v.SetDefault("pipeline.history_window", 3)
	v.SetDefault("pipeline.memory_threshold", 0.2)
	v.SetDefault("pipeline.decision_threshold", 0.65)

	v.SetDefault("hmdb.base_url", "https://hmdb.ca/api/v1")
	v.SetDefault("hmdb.catalog_path", "config/endpoints.yaml")
	v.SetDefault("hmdb.timeout", 15*time.Second)
	v.SetDefault("hmdb.rate_per_sec", 2.0)
	v.SetDefault("hmdb.daily_limit", 4000)
	v.SetDefault("hmdb.max_attempts", 3)
	v.SetDefault("hmdb.backoff_base", time.Second)
	v.SetDefault("hmdb.backoff_factor", 2.0)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "bioqa-orchestrator")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads CONFIG_PATH (default config/service.yaml) and applies
// BIOQA_-prefixed environment overrides; a missing file is fine, the
// defaults and environment carry the service.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/service.yaml"
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BIOQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Graph.Password == "" {
		cfg.Graph.Password = os.Getenv("NEO4J_PASSWORD")
	}
	if cfg.HMDB.APIKey == "" {
		cfg.HMDB.APIKey = os.Getenv("HMDB_API_KEY")
	}
	return &cfg, nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

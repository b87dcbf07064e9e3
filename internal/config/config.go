// Package config loads and validates the revgraph configuration file.
package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/allsmog/revgraph/internal/graph"
)

// Config is the root configuration.
type Config struct {
	Neo4j      graph.Config     `mapstructure:"neo4j" yaml:"neo4j" validate:"required"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings" yaml:"embeddings"`
	Analysis   AnalysisConfig   `mapstructure:"analysis" yaml:"analysis"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
}

// EmbeddingsConfig selects the embedding provider and model.
type EmbeddingsConfig struct {
	Provider   string        `mapstructure:"provider" yaml:"provider" validate:"oneof=openai mock"`
	Model      string        `mapstructure:"model" yaml:"model"`
	Dimensions int           `mapstructure:"dimensions" yaml:"dimensions" validate:"min=1,max=8192"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size" validate:"min=1,max=2048"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=1s"`
}

// AnalysisConfig holds analytics defaults.
type AnalysisConfig struct {
	BBR BBRConfig `mapstructure:"bbr" yaml:"bbr"`
}

// BBRConfig holds basic block rank defaults.
type BBRConfig struct {
	Damping       float64 `mapstructure:"damping" yaml:"damping" validate:"gt=0,lt=1"`
	MaxIterations int     `mapstructure:"max_iterations" yaml:"max_iterations" validate:"min=1,max=10000"`
	Tolerance     float64 `mapstructure:"tolerance" yaml:"tolerance" validate:"gt=0"`
}

// TracingConfig controls span export. Disabled by default; when enabled
// with the otlp provider, spans ship over gRPC to Endpoint.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Provider    string  `mapstructure:"provider" yaml:"provider" validate:"oneof=otlp noop"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Neo4j: graph.DefaultConfig(),
		Embeddings: EmbeddingsConfig{
			Provider:   "openai",
			Model:      "text-embedding-3-large",
			Dimensions: 3072,
			APIKey:     "${OPENAI_API_KEY}",
			BatchSize:  64,
			Timeout:    60 * time.Second,
		},
		Analysis: AnalysisConfig{
			BBR: BBRConfig{
				Damping:       0.85,
				MaxIterations: 100,
				Tolerance:     1e-9,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Provider:    "otlp",
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			ServiceName: "revgraph",
		},
	}
}

// DefaultConfigYAML renders the default configuration as a YAML document,
// suitable for writing out as a starter config file. Durations are emitted
// in "30s" form rather than raw nanoseconds.
func DefaultConfigYAML() ([]byte, error) {
	cfg := DefaultConfig()
	doc := map[string]any{
		"neo4j": map[string]any{
			"uri":                        cfg.Neo4j.URI,
			"username":                   cfg.Neo4j.Username,
			"password":                   cfg.Neo4j.Password,
			"database":                   cfg.Neo4j.Database,
			"max_connection_pool_size":   cfg.Neo4j.MaxConnectionPoolSize,
			"connection_timeout":         cfg.Neo4j.ConnectionTimeout.String(),
			"max_transaction_retry_time": cfg.Neo4j.MaxTransactionRetryTime.String(),
		},
		"embeddings": map[string]any{
			"provider":   cfg.Embeddings.Provider,
			"model":      cfg.Embeddings.Model,
			"dimensions": cfg.Embeddings.Dimensions,
			"api_key":    cfg.Embeddings.APIKey,
			"batch_size": cfg.Embeddings.BatchSize,
			"timeout":    cfg.Embeddings.Timeout.String(),
		},
		"analysis": map[string]any{
			"bbr": map[string]any{
				"damping":        cfg.Analysis.BBR.Damping,
				"max_iterations": cfg.Analysis.BBR.MaxIterations,
				"tolerance":      cfg.Analysis.BBR.Tolerance,
			},
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"tracing": map[string]any{
			"enabled":      cfg.Tracing.Enabled,
			"provider":     cfg.Tracing.Provider,
			"endpoint":     cfg.Tracing.Endpoint,
			"sample_rate":  cfg.Tracing.SampleRate,
			"service_name": cfg.Tracing.ServiceName,
		},
	}
	return yaml.Marshal(doc)
}

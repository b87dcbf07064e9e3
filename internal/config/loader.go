package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/allsmog/revgraph/internal/types"
)

// Loader handles loading configuration from files.
type Loader interface {
	Load(path string) (*Config, error)
	LoadWithDefaults(path string) (*Config, error)
}

// viperLoader implements Loader using Viper.
type viperLoader struct {
	validator Validator
}

// NewLoader creates a new Loader instance.
func NewLoader(validator Validator) Loader {
	return &viperLoader{validator: validator}
}

// Load loads configuration from the specified file path. A .env file next
// to the config file, if present, is loaded into the environment first so
// ${VAR} references resolve against it. Returns an error if the config
// file doesn't exist or cannot be parsed.
func (l *viperLoader) Load(path string) (*Config, error) {
	loadDotenv(path)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED, "failed to read config file", err)
	}

	// Interpolate environment variables in the raw settings, then merge
	// back before unmarshalling so every string field is covered.
	interpolated, ok := interpolateEnvVars(v.AllSettings()).(map[string]any)
	if !ok {
		return nil, types.NewError(types.CONFIG_PARSE_FAILED, "config root must be a mapping")
	}
	if err := v.MergeConfigMap(interpolated); err != nil {
		return nil, types.WrapError(types.CONFIG_PARSE_FAILED, "failed to merge interpolated config", err)
	}

	// Unmarshal on top of defaults so omitted sections keep their values.
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, types.WrapError(types.CONFIG_PARSE_FAILED, "failed to unmarshal config", err)
	}

	if err := l.validator.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration with ${VAR}
// placeholders resolved from the environment.
func (l *viperLoader) LoadWithDefaults(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		loadDotenv(path)
		cfg := DefaultConfig()
		cfg.Embeddings.APIKey = interpolateString(cfg.Embeddings.APIKey)
		if err := l.validator.Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return l.Load(path)
}

// loadDotenv loads .env from the config file's directory and from the
// working directory. Missing files are fine; existing environment
// variables are never overridden.
func loadDotenv(configPath string) {
	seen := map[string]bool{}
	for _, dir := range []string{dirOf(configPath), "."} {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		_ = godotenv.Load(dir + string(os.PathSeparator) + ".env")
	}
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, os.PathSeparator)
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// interpolateEnvVars recursively interpolates environment variables in the
// config map. Supports ${VAR_NAME} and ${VAR_NAME:default} syntax.
func interpolateEnvVars(data any) any {
	switch v := data.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			result[key] = interpolateEnvVars(value)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, value := range v {
			result[i] = interpolateEnvVars(value)
		}
		return result
	case string:
		return interpolateString(v)
	default:
		return v
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// interpolateString replaces ${VAR} with the environment variable value.
// ${VAR:default} falls back to the default when VAR is unset or empty;
// plain ${VAR} is left as-is when unresolved.
func interpolateString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if value := os.Getenv(name); value != "" {
			return value
		}
		if strings.Contains(match, ":") {
			return groups[2]
		}
		return match
	})
}

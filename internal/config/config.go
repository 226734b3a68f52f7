package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"openai-emulator/internal/logging"
	"openai-emulator/internal/tokenizer"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EMULATOR_"

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Timing    TimingConfig    `yaml:"timing"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	Logging   LoggingConfig   `yaml:"logging"`
	Models    []ModelConfig   `yaml:"models"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port          int           `yaml:"port" env:"PORT"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	// WriteTimeout caps a whole response. Zero leaves streams unbounded.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	StrictModels bool          `yaml:"strict_models" env:"STRICT_MODELS"`
}

// TimingConfig supplies defaults for absent pacing headers.
type TimingConfig struct {
	FirstTokenMS float64 `yaml:"ttft_ms" env:"TTFT_MS"`
	InterTokenMS float64 `yaml:"itl_ms" env:"ITL_MS"`
	OutputLength int     `yaml:"output_length" env:"OUTPUT_LENGTH"`
}

// TokenizerConfig selects the BPE encoding.
type TokenizerConfig struct {
	Encoding string `yaml:"encoding" env:"TOKENIZER_ENCODING"`
	Disabled bool   `yaml:"disabled" env:"TOKENIZER_DISABLED"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// ModelConfig describes a model exposed by the listing endpoint.
type ModelConfig struct {
	ID      string `yaml:"id"`
	OwnedBy string `yaml:"owned_by"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:          3000,
			MaxBodyBytes:  1 << 20,
			ShutdownGrace: 10 * time.Second,
		},
		Timing: TimingConfig{
			FirstTokenMS: 100,
			InterTokenMS: 50,
			OutputLength: 20,
		},
		Tokenizer: TokenizerConfig{
			Encoding: tokenizer.DefaultEncoding,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// Load reads YAML configuration from disk on top of Default, applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration and reports
// every problem at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		result = multierror.Append(result, fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes))
	}
	if c.Server.ShutdownGrace < 0 {
		result = multierror.Append(result, fmt.Errorf("server.shutdown_grace must not be negative, got %s", c.Server.ShutdownGrace))
	}
	if c.Server.WriteTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("server.write_timeout must not be negative, got %s", c.Server.WriteTimeout))
	}

	if c.Timing.FirstTokenMS < 0 {
		result = multierror.Append(result, fmt.Errorf("timing.ttft_ms must not be negative, got %v", c.Timing.FirstTokenMS))
	}
	if c.Timing.InterTokenMS < 0 {
		result = multierror.Append(result, fmt.Errorf("timing.itl_ms must not be negative, got %v", c.Timing.InterTokenMS))
	}
	if c.Timing.OutputLength < 0 {
		result = multierror.Append(result, fmt.Errorf("timing.output_length must not be negative, got %d", c.Timing.OutputLength))
	}

	if !c.Tokenizer.Disabled && strings.TrimSpace(c.Tokenizer.Encoding) == "" {
		result = multierror.Append(result, errors.New("tokenizer.encoding must be set unless tokenizer.disabled is true"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("logging.level: %w", err))
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		result = multierror.Append(result, fmt.Errorf("logging.format: %w", err))
	}

	seen := make(map[string]struct{}, len(c.Models))
	for i, model := range c.Models {
		id := strings.TrimSpace(model.ID)
		if id == "" {
			result = multierror.Append(result, fmt.Errorf("models[%d]: id must not be empty", i))
			continue
		}
		if _, dup := seen[id]; dup {
			result = multierror.Append(result, fmt.Errorf("models[%d]: duplicate id %q", i, id))
		}
		seen[id] = struct{}{}
	}

	return result.ErrorOrNil()
}

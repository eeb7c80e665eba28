// Package config loads process configuration from the environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	RunModeLambda = "lambda"
	RunModeServer = "server"
)

// Config stores all configuration of the application. Keys match the
// environment variable names in lower case.
type Config struct {
	RunMode          string        `mapstructure:"run_mode"`
	HTTPAddr         string        `mapstructure:"http_addr"`
	StoreBackend     string        `mapstructure:"store_backend"`
	StateTable       string        `mapstructure:"state_table"`
	ParamPrefix      string        `mapstructure:"param_prefix"`
	InferenceURL     string        `mapstructure:"inference_url"`
	InferenceModel   string        `mapstructure:"inference_model"`
	InferenceToken   string        `mapstructure:"inference_token"`
	MaxPasses        int           `mapstructure:"max_passes"`
	MaxTokens        int           `mapstructure:"max_tokens"`
	MaxHistory       int           `mapstructure:"max_history"`
	MaxMessageLen    int           `mapstructure:"max_message_length"`
	SearchURL        string        `mapstructure:"search_url"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	MetricsNamespace string        `mapstructure:"metrics_namespace"`
	PersonaPrompt    string        `mapstructure:"persona_prompt"`
	LogLevel         string        `mapstructure:"log_level"`
}

var defaults = map[string]any{
	"run_mode":           RunModeLambda,
	"http_addr":          ":8080",
	"store_backend":      "dynamodb",
	"state_table":        "",
	"param_prefix":       "/assistant-agent",
	"inference_url":      "",
	"inference_model":    "",
	"inference_token":    "",
	"max_passes":         3,
	"max_tokens":         1024,
	"max_history":        50,
	"max_message_length": 4000,
	"search_url":         "https://api.duckduckgo.com",
	"sweep_interval":     "15s",
	"metrics_namespace":  "assistant_agent",
	"persona_prompt":     "",
	"log_level":          "info",
}

// Load reads the environment and, when CONFIG_FILE is set, a config file.
// Environment variables win over the file.
func Load() (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path := strings.TrimSpace(v.GetString("config_file")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.RunMode = strings.ToLower(strings.TrimSpace(c.RunMode))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.ParamPrefix = strings.TrimRight(strings.TrimSpace(c.ParamPrefix), "/")
	c.InferenceURL = strings.TrimSpace(c.InferenceURL)
	c.StateTable = strings.TrimSpace(c.StateTable)
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	switch c.RunMode {
	case RunModeLambda, RunModeServer:
	default:
		return fmt.Errorf("config: unknown RUN_MODE %q", c.RunMode)
	}
	switch c.StoreBackend {
	case "dynamodb":
		if c.StateTable == "" {
			return errors.New("config: STATE_TABLE is required for the dynamodb backend")
		}
	case "memory":
		if c.RunMode == RunModeLambda {
			return errors.New("config: the memory backend cannot back a lambda deployment")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.ParamPrefix == "" {
		return errors.New("config: PARAM_PREFIX is required")
	}
	if c.InferenceURL == "" {
		return errors.New("config: INFERENCE_URL is required")
	}
	if c.MaxPasses <= 0 || c.MaxTokens <= 0 || c.MaxHistory <= 0 || c.MaxMessageLen <= 0 {
		return errors.New("config: MAX_PASSES, MAX_TOKENS, MAX_HISTORY and MAX_MESSAGE_LENGTH must be positive")
	}
	if c.RunMode == RunModeServer && c.SweepInterval <= 0 {
		return errors.New("config: SWEEP_INTERVAL must be positive in server mode")
	}
	return nil
}

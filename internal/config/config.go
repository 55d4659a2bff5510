package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	LogLevel string `json:"log_level" yaml:"log_level"`
	Listen   string `json:"listen" yaml:"listen"`
	Storage  struct {
		Driver     string `json:"driver" yaml:"driver"`
		SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`
		RedisURL   string `json:"redis_url" yaml:"redis_url"`
	} `json:"storage" yaml:"storage"`
	OpenAI struct {
		BaseURL        string `json:"base_url" yaml:"base_url"`
		APIKey         string `json:"api_key" yaml:"api_key"`
		Model          string `json:"model" yaml:"model"`
		ImageModel     string `json:"image_model" yaml:"image_model"`
		RateInterval   string `json:"rate_interval" yaml:"rate_interval"`
		MaxStoryTokens int    `json:"max_story_tokens" yaml:"max_story_tokens"`
	} `json:"openai" yaml:"openai"`
	Video struct {
		BaseURL      string `json:"base_url" yaml:"base_url"`
		APIKey       string `json:"api_key" yaml:"api_key"`
		Model        string `json:"model" yaml:"model"`
		Provider     string `json:"provider" yaml:"provider"`
		Sound        bool   `json:"sound" yaml:"sound"`
		MaxRetries   int    `json:"max_retries" yaml:"max_retries"`
		RetryDelay   string `json:"retry_delay" yaml:"retry_delay"`
		PollInterval string `json:"poll_interval" yaml:"poll_interval"`
		SettleDelay  string `json:"settle_delay" yaml:"settle_delay"`
	} `json:"video" yaml:"video"`
	Telegram struct {
		Token  string `json:"token" yaml:"token"`
		ChatID int64  `json:"chat_id" yaml:"chat_id"`
	} `json:"telegram" yaml:"telegram"`
}

// Defaults returns the configuration written on first load.
func Defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".storyforge"),
		LogLevel: "info",
		Listen:   "127.0.0.1:8088",
	}
	cfg.Storage.Driver = "file"
	cfg.OpenAI.BaseURL = "https://api.openai.com/v1"
	cfg.OpenAI.Model = "gpt-4o-mini"
	cfg.OpenAI.ImageModel = "dall-e-3"
	cfg.OpenAI.RateInterval = "500ms"
	cfg.Video.Provider = "kling"
	cfg.Video.MaxRetries = 3
	cfg.Video.RetryDelay = "10s"
	cfg.Video.PollInterval = "5s"
	cfg.Video.SettleDelay = "5s"
	return cfg
}

// Load reads the config file at path, writing defaults when it does not
// exist. A .env file next to the config and one in the working directory
// are loaded first; environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	cfg := Defaults()
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// loadDotEnv loads every existing file; variables already set are kept.
func loadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// envOverrides lists the variables that take precedence over the file.
type envOverrides struct {
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	VideoKey      string `env:"VIDEO_API_KEY"`
	VideoBaseURL  string `env:"VIDEO_BASE_URL"`
	RedisURL      string `env:"REDIS_URL"`
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN"`
}

// Override from env (highest precedence). Empty variables are ignored.
func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.OpenAI.APIKey, o.OpenAIKey)
	set(&cfg.OpenAI.BaseURL, o.OpenAIBaseURL)
	set(&cfg.Video.APIKey, o.VideoKey)
	set(&cfg.Video.BaseURL, o.VideoBaseURL)
	set(&cfg.Storage.RedisURL, o.RedisURL)
	set(&cfg.Telegram.Token, o.TelegramToken)
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func unmarshal(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func marshal(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	return writeFile(path, cfg)
}

func writeFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := marshal(path, v)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a generic nested map using its JSON field names.
// Numbers come back as float64.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg flattened to dotted keys, masking secrets when
// mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value at a dotted key in the config file at path.
// The file is created with defaults when missing; known keys the file does
// not mention report their default.
func GetValue(path, key string) (any, error) {
	if _, ok := settings[key]; !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	defaults, err := ListValues(Defaults(), false)
	if err != nil {
		return nil, err
	}
	return defaults[key], nil
}

// SetValue validates value against key's type and stores it in the existing
// config file at path. It returns the value as stored.
func SetValue(path, key, value string) (any, error) {
	v, err := ParseSetting(key, value)
	if err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	flat := Flatten(raw)
	flat[key] = v
	if err := writeFile(path, Unflatten(flat)); err != nil {
		return nil, err
	}
	return v, nil
}

// ResetValue restores key to its default in the config file at path.
func ResetValue(path, key string) (any, error) {
	if _, ok := settings[key]; !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	defaults, err := ListValues(Defaults(), false)
	if err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	flat := Flatten(raw)
	flat[key] = defaults[key]
	if err := writeFile(path, Unflatten(flat)); err != nil {
		return nil, err
	}
	return defaults[key], nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := make(map[string]any)
	if isYAML(path) {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		// Normalize YAML scalars to the JSON shapes callers compare against.
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("normalize config: %w", err)
		}
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return raw, nil
}

// Duration parses a duration setting, returning fallback when s is empty or
// malformed.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

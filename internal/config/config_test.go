package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/storyforge/internal/video"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	require.NoError(t, Save(path, cfg), "write test config")
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "OPENAI_BASE_URL", "VIDEO_API_KEY", "VIDEO_BASE_URL", "REDIS_URL", "TELEGRAM_BOT_TOKEN"} {
		t.Setenv(k, "")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Video.MaxRetries)
	assert.Equal(t, "10s", cfg.Video.RetryDelay)
	assert.Equal(t, video.DefaultRetryPolicy().RetryDelay, Duration(cfg.Video.RetryDelay, 0))
	assert.Equal(t, video.DefaultSettleDelay, Duration(cfg.Video.SettleDelay, 0))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data), "defaults written as JSON")
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	original := Defaults()
	original.DataDir = "/tmp/test-data"
	original.LogLevel = "debug"
	original.Storage.Driver = "sqlite"
	original.Storage.SQLitePath = "/tmp/test-data/sessions.db"
	original.OpenAI.APIKey = "sk-test-round-trip"
	original.OpenAI.Model = "gpt-4o"
	original.OpenAI.MaxStoryTokens = 3000
	original.Video.Provider = "minimax"
	original.Video.Sound = true
	original.Video.MaxRetries = 5
	original.Telegram.Token = "bot-token-xyz"
	original.Telegram.ChatID = 42

	require.NoError(t, Save(path, original))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not remain after save")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	cfg := Defaults()
	cfg.OpenAI.APIKey = "from-file"
	writeTestConfig(t, path, cfg)

	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("VIDEO_BASE_URL", "https://video.example")
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", loaded.OpenAI.APIKey)
	assert.Equal(t, "https://video.example", loaded.Video.BaseURL)
	assert.Equal(t, "redis://localhost:6379/2", loaded.Storage.RedisURL)
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	clearEnv(t)
	// Unset rather than empty so godotenv will fill it in.
	os.Unsetenv("VIDEO_API_KEY")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("VIDEO_API_KEY=dotenv-key\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("VIDEO_API_KEY") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dotenv-key", cfg.Video.APIKey)
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "log_level: warn\nvideo:\n  provider: runway\n  max_retries: 7\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "runway", cfg.Video.Provider)
	assert.Equal(t, 7, cfg.Video.MaxRetries)
	assert.Equal(t, "5s", cfg.Video.PollInterval, "unset keys keep defaults")

	_, err = SetValue(path, "video.provider", "kling")
	require.NoError(t, err)
	v, err := GetValue(path, "video.provider")
	require.NoError(t, err)
	assert.Equal(t, "kling", v)

	v, err = GetValue(path, "video.max_retries")
	require.NoError(t, err)
	assert.Equal(t, float64(7), v)
}

func TestLoad_Malformed(t *testing.T) {
	path := tempConfigPath(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestToMap(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/test", LogLevel: "debug"}
	cfg.OpenAI.Model = "gpt-4o"
	cfg.Video.MaxRetries = 3

	m, err := ToMap(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test", m["data_dir"])
	assert.Equal(t, "debug", m["log_level"])

	openai, ok := m["openai"].(map[string]any)
	require.True(t, ok, "openai should be a map, got %T", m["openai"])
	assert.Equal(t, "gpt-4o", openai["model"])

	video, ok := m["video"].(map[string]any)
	require.True(t, ok)
	// JSON numbers are float64
	assert.Equal(t, float64(3), video["max_retries"])
}

func secretConfig() *Config {
	cfg := &Config{LogLevel: "info"}
	cfg.OpenAI.APIKey = "sk-secret-key-1234"
	cfg.Video.APIKey = "video-key-5678"
	cfg.Telegram.Token = "bot-token-abcd"
	return cfg
}

func TestListValues_NoMask(t *testing.T) {
	flat, err := ListValues(secretConfig(), false)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-key-1234", flat["openai.api_key"])
	assert.Equal(t, "video-key-5678", flat["video.api_key"])
	assert.Equal(t, "bot-token-abcd", flat["telegram.token"])
	assert.Equal(t, "info", flat["log_level"])
}

func TestListValues_WithMask(t *testing.T) {
	flat, err := ListValues(secretConfig(), true)
	require.NoError(t, err)
	assert.Equal(t, "***1234", flat["openai.api_key"])
	assert.Equal(t, "***5678", flat["video.api_key"])
	assert.Equal(t, "***abcd", flat["telegram.token"])
	assert.Equal(t, "", flat["storage.redis_url"], "empty secrets stay empty")
	assert.Equal(t, "info", flat["log_level"])
}

func TestGetValue_ExistingKey(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	cfg := Defaults()
	cfg.LogLevel = "debug"
	cfg.OpenAI.Model = "gpt-4o"
	cfg.Video.MaxRetries = 8
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	require.NoError(t, err)
	assert.Equal(t, "debug", v)

	v, err = GetValue(path, "openai.model")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", v)

	v, err = GetValue(path, "video.max_retries")
	require.NoError(t, err)
	assert.Equal(t, float64(8), v)
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	_, err := GetValue(path, "nonexistent.key")
	require.Error(t, err)
	assert.EqualError(t, err, "unknown config key: nonexistent.key")
}

func TestGetValue_NonexistentFile(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	require.NoError(t, err)
	assert.Equal(t, "info", v, "defaults are written on first access")
}

func TestSetValue(t *testing.T) {
	tests := map[string]struct {
		key    string
		value  string
		stored any
		want   any
	}{
		"string":          {key: "openai.model", value: "gpt-4o", stored: "gpt-4o", want: "gpt-4o"},
		"choice":          {key: "log_level", value: "DEBUG", stored: "debug", want: "debug"},
		"driver":          {key: "storage.driver", value: "sqlite", stored: "sqlite", want: "sqlite"},
		"int":             {key: "video.max_retries", value: "16", stored: int64(16), want: float64(16)},
		"zero retries":    {key: "video.max_retries", value: "0", stored: int64(0), want: float64(0)},
		"negative chat":   {key: "telegram.chat_id", value: "-1001234", stored: int64(-1001234), want: float64(-1001234)},
		"bool":            {key: "video.sound", value: "true", stored: true, want: true},
		"duration":        {key: "video.retry_delay", value: "30s", stored: "30s", want: "30s"},
		"duration normal": {key: "openai.rate_interval", value: "1500ms", stored: "1.5s", want: "1.5s"},
		"url":             {key: "video.base_url", value: "https://video.example/v1/", stored: "https://video.example/v1", want: "https://video.example/v1"},
		"empty url":       {key: "video.base_url", value: "", stored: "", want: ""},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			path := tempConfigPath(t)
			cfg := Defaults()
			cfg.Video.Provider = "runway"
			writeTestConfig(t, path, cfg)

			stored, err := SetValue(path, tc.key, tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.stored, stored)

			v, err := GetValue(path, tc.key)
			require.NoError(t, err)
			assert.Equal(t, tc.want, v)

			v, err = GetValue(path, "video.provider")
			require.NoError(t, err)
			assert.Equal(t, "runway", v, "other values are preserved")

			_, err = Load(path)
			require.NoError(t, err, "stored value loads back")
		})
	}
}

func TestSetValue_Rejects(t *testing.T) {
	tests := map[string]struct {
		key, value, msg string
	}{
		"unknown key":      {"custom.setting", "value", "unknown config key: custom.setting"},
		"bad driver":       {"storage.driver", "postgres", "storage.driver: must be one of file, sqlite, redis, memory"},
		"bad level":        {"log_level", "verbose", "log_level: must be one of debug, info, warn, error"},
		"negative retries": {"video.max_retries", "-1", "video.max_retries: must be at least 0"},
		"not an int":       {"video.max_retries", "three", `video.max_retries: "three" is not an integer`},
		"bad duration":     {"video.retry_delay", "10", `video.retry_delay: "10" is not a duration (e.g. 500ms, 10s)`},
		"negative delay":   {"video.settle_delay", "-5s", "video.settle_delay: must not be negative"},
		"bad bool":         {"video.sound", "loud", `video.sound: "loud" is not a boolean`},
		"bad url":          {"openai.base_url", "api.openai.com", `openai.base_url: "api.openai.com" is not an http(s) URL`},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			path := tempConfigPath(t)
			writeTestConfig(t, path, Defaults())
			before, err := os.ReadFile(path)
			require.NoError(t, err)

			_, err = SetValue(path, tc.key, tc.value)
			require.EqualError(t, err, tc.msg)

			after, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, string(before), string(after), "file untouched")
		})
	}
}

func TestResetValue(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	_, err := SetValue(path, "video.retry_delay", "1m")
	require.NoError(t, err)
	v, err := ResetValue(path, "video.retry_delay")
	require.NoError(t, err)
	assert.Equal(t, "10s", v)

	v, err = GetValue(path, "video.retry_delay")
	require.NoError(t, err)
	assert.Equal(t, "10s", v)

	_, err = ResetValue(path, "nope")
	require.EqualError(t, err, "unknown config key: nope")
}

func TestGetValue_KnownKeyMissingFromFile(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":"warn"}`), 0644))

	v, err := GetValue(path, "video.settle_delay")
	require.NoError(t, err)
	assert.Equal(t, "5s", v)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	doc := `{"storage":{"driver":"postgres"},"video":{"max_retries":-2,"retry_delay":"soon"}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver: must be one of")
	assert.Contains(t, err.Error(), "video.max_retries: must be at least 0")
	assert.Contains(t, err.Error(), `video.retry_delay: "soon" is not a duration`)
}

func TestLoad_EmptyDurationUsesDefault(t *testing.T) {
	clearEnv(t)
	path := tempConfigPath(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"video":{"poll_interval":""}}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, Duration(cfg.Video.PollInterval, 7*time.Second))
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	_, err := SetValue(path, "log_level", "debug")
	require.Error(t, err)
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.json")
	require.NoError(t, Save(path, &Config{LogLevel: "warn"}))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 20*time.Second, Duration("20s", time.Second))
	assert.Equal(t, time.Second, Duration("", time.Second))
	assert.Equal(t, time.Second, Duration("soon", time.Second))
	assert.Equal(t, time.Second, Duration("-5s", time.Second))
}

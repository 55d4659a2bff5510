package config

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysCoverConfig(t *testing.T) {
	flat, err := ListValues(Defaults(), false)
	require.NoError(t, err)
	fields := make([]string, 0, len(flat))
	for k := range flat {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	assert.Equal(t, fields, Keys(), "every Config field has a setting and vice versa")
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Video.MaxRetries = -1
	cfg.Telegram.ChatID = -1001234567890

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level: must be one of")
	assert.Contains(t, err.Error(), "video.max_retries: must be at least 0")
	assert.NotContains(t, err.Error(), "telegram.chat_id", "large negative chat ids are valid")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "choice (file|sqlite|redis|memory)", Describe("storage.driver"))
	assert.Equal(t, "string, secret", Describe("openai.api_key"))
	assert.Equal(t, "duration: backoff step; retry n waits n times this", Describe("video.retry_delay"))
	assert.Empty(t, Describe("nope"))
}

func TestUnflatten_SectionWins(t *testing.T) {
	got := Unflatten(map[string]any{"video": "flat", "video.provider": "kling"})
	assert.Equal(t, map[string]any{"video": map[string]any{"provider": "kling"}}, got)
}

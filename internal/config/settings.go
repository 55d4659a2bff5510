package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

type kind int

const (
	kindString kind = iota
	kindURL
	kindInt
	kindBool
	kindDuration
	kindChoice
)

func (k kind) String() string {
	switch k {
	case kindURL:
		return "url"
	case kindInt:
		return "int"
	case kindBool:
		return "bool"
	case kindDuration:
		return "duration"
	case kindChoice:
		return "choice"
	default:
		return "string"
	}
}

// setting describes one dotted config key.
type setting struct {
	kind    kind
	secret  bool
	choices []string
	min     int64
	help    string
}

// StorageDrivers are the storage.driver values the state package opens.
var StorageDrivers = []string{"file", "sqlite", "redis", "memory"}

var settings = map[string]setting{
	"data_dir":  {kind: kindString, help: "directory for sessions and the PID file"},
	"log_level": {kind: kindChoice, choices: []string{"debug", "info", "warn", "error"}},
	"listen":    {kind: kindString, help: "HTTP listen address for serve"},

	"storage.driver":      {kind: kindChoice, choices: StorageDrivers},
	"storage.sqlite_path": {kind: kindString, help: "defaults to <data_dir>/storyforge.db"},
	"storage.redis_url":   {kind: kindString, secret: true},

	"openai.base_url":         {kind: kindURL},
	"openai.api_key":          {kind: kindString, secret: true},
	"openai.model":            {kind: kindString, help: "story and enhancement model"},
	"openai.image_model":      {kind: kindString},
	"openai.rate_interval":    {kind: kindDuration, help: "minimum gap between provider requests"},
	"openai.max_story_tokens": {kind: kindInt, help: "token budget for story text in improve prompts, 0 for none"},

	"video.base_url":      {kind: kindURL, help: "empty uses openai.base_url"},
	"video.api_key":       {kind: kindString, secret: true},
	"video.model":         {kind: kindString},
	"video.provider":      {kind: kindString},
	"video.sound":         {kind: kindBool},
	"video.max_retries":   {kind: kindInt, help: "rate-limit retries per scene"},
	"video.retry_delay":   {kind: kindDuration, help: "backoff step; retry n waits n times this"},
	"video.poll_interval": {kind: kindDuration},
	"video.settle_delay":  {kind: kindDuration, help: "pause before the next scene is submitted"},

	"telegram.token":   {kind: kindString, secret: true},
	"telegram.chat_id": {kind: kindInt, min: -1 << 62, help: "default chat for video updates"},
}

// Keys returns every known config key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Describe returns a one-line description of key's type and constraints.
func Describe(key string) string {
	s, ok := settings[key]
	if !ok {
		return ""
	}
	desc := s.kind.String()
	if s.kind == kindChoice {
		desc += " (" + strings.Join(s.choices, "|") + ")"
	}
	if s.secret {
		desc += ", secret"
	}
	if s.help != "" {
		desc += ": " + s.help
	}
	return desc
}

// IsSecretKey reports whether key holds a credential that is masked on output.
func IsSecretKey(key string) bool {
	return settings[key].secret
}

// Validate checks every setting of c against its key's type and constraints.
func (c *Config) Validate() error {
	flat, err := ListValues(c, false)
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range Keys() {
		v, ok := flat[key]
		if !ok {
			continue
		}
		if _, err := ParseSetting(key, formatValue(v)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// formatValue renders a JSON-decoded value the way a user would type it.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// ParseSetting converts raw to the typed value stored for key, rejecting
// unknown keys and values the key cannot hold.
func ParseSetting(key, raw string) (any, error) {
	s, ok := settings[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	switch s.kind {
	case kindInt:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", key, raw)
		}
		if n < s.min {
			return nil, fmt.Errorf("%s: must be at least %d", key, s.min)
		}
		return n, nil
	case kindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a boolean", key, raw)
		}
		return b, nil
	case kindDuration:
		if raw == "" {
			return raw, nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a duration (e.g. 500ms, 10s)", key, raw)
		}
		if d < 0 {
			return nil, fmt.Errorf("%s: must not be negative", key)
		}
		return d.String(), nil
	case kindChoice:
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "" {
			return v, nil
		}
		if !slices.Contains(s.choices, v) {
			return nil, fmt.Errorf("%s: must be one of %s", key, strings.Join(s.choices, ", "))
		}
		return v, nil
	case kindURL:
		if raw == "" {
			return raw, nil
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%s: %q is not an http(s) URL", key, raw)
		}
		return strings.TrimRight(raw, "/"), nil
	default:
		return raw, nil
	}
}

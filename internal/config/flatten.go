package config

import (
	"strings"
)

// Flatten turns a nested config document into dotted keys, so
// {"video": {"provider": "kling"}} becomes {"video.provider": "kling"}.
// Empty sections produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, section map[string]any)
	walk = func(prefix string, section map[string]any) {
		for k, v := range section {
			if child, ok := v.(map[string]any); ok {
				walk(prefix+k+".", child)
				continue
			}
			out[prefix+k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A key that is both a value and a
// section prefix keeps the section.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		section, leaf := out, k
		if i := strings.LastIndexByte(k, '.'); i >= 0 {
			section, leaf = sectionFor(out, k[:i]), k[i+1:]
		}
		if _, isSection := section[leaf].(map[string]any); !isSection {
			section[leaf] = v
		}
	}
	return out
}

// sectionFor walks path ("video", "a.b") creating sections as needed.
func sectionFor(root map[string]any, path string) map[string]any {
	cur := root
	for _, part := range strings.Split(path, ".") {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	return cur
}

// MaskSecrets returns a copy of flat with credential values reduced to
// "***" plus their last four characters. Empty secrets stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			out[k] = maskSecret(s)
		}
	}
	return out
}

func maskSecret(s string) string {
	r := []rune(s)
	if len(r) > 4 {
		r = r[len(r)-4:]
	}
	return "***" + string(r)
}

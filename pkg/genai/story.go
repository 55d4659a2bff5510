// Package genai holds provider-independent helpers for GenerationService
// implementations.
package genai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/storyforge/internal/types"
)

// storyDoc is the JSON shape story prompts ask the model to return.
type storyDoc struct {
	Title      string      `json:"title"`
	Scenes     []sceneDoc  `json:"scenes"`
	Characters []entityDoc `json:"characters"`
	Locations  []entityDoc `json:"locations"`
}

type sceneDoc struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Dialog      string   `json:"dialog"`
	Action      string   `json:"action"`
	Characters  []string `json:"characters"`
	Location    string   `json:"location"`
}

type entityDoc struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// StorySchema describes the expected JSON in prompts.
const StorySchema = `{"title": string, "scenes": [{"title": string, "description": string, "dialog": string, "action": string, "characters": [string], "location": string}], "characters": [{"name": string, "description": string}], "locations": [{"name": string, "description": string}]}`

// ParseStory decodes a model reply into a StoryVersion. The reply may wrap
// the JSON object in prose or a code fence. Raw keeps the reply verbatim.
func ParseStory(raw string) (*types.StoryVersion, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, &types.ProviderError{Op: "parse story", Message: "no JSON object in reply"}
	}
	var doc storyDoc
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, &types.ProviderError{Op: "parse story", Message: "malformed story JSON", Err: err}
	}
	if strings.TrimSpace(doc.Title) == "" {
		return nil, &types.ProviderError{Op: "parse story", Message: "story has no title"}
	}
	if len(doc.Scenes) == 0 {
		return nil, &types.ProviderError{Op: "parse story", Message: "story has no scenes"}
	}

	v := &types.StoryVersion{Title: strings.TrimSpace(doc.Title), Raw: raw}
	for _, sc := range doc.Scenes {
		v.Scenes = append(v.Scenes, types.StoryScene{
			Title:       strings.TrimSpace(sc.Title),
			Description: strings.TrimSpace(sc.Description),
			Dialog:      sc.Dialog,
			Action:      sc.Action,
			Characters:  sc.Characters,
			Location:    strings.TrimSpace(sc.Location),
		})
	}
	for _, c := range doc.Characters {
		v.Characters = append(v.Characters, types.StoryCharacter{Name: strings.TrimSpace(c.Name), Description: c.Description})
	}
	for _, l := range doc.Locations {
		v.Locations = append(v.Locations, types.StoryLocation{Name: strings.TrimSpace(l.Name), Description: l.Description})
	}
	return v, nil
}

// extractJSON returns the outermost {...} span of s, or "".
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// FormatStory renders a story in the JSON shape of StorySchema, for use in
// improvement prompts.
func FormatStory(v *types.StoryVersion) (string, error) {
	doc := storyDoc{Title: v.Title}
	for _, sc := range v.Scenes {
		doc.Scenes = append(doc.Scenes, sceneDoc{sc.Title, sc.Description, sc.Dialog, sc.Action, sc.Characters, sc.Location})
	}
	for _, c := range v.Characters {
		doc.Characters = append(doc.Characters, entityDoc{c.Name, c.Description})
	}
	for _, l := range v.Locations {
		doc.Locations = append(doc.Locations, entityDoc{l.Name, l.Description})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal story: %w", err)
	}
	return string(data), nil
}

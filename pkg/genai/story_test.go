package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/storyforge/internal/types"
)

func TestParseStory(t *testing.T) {
	raw := "Here you go:\n```json\n" + `{
  "title": "The Harbor Job",
  "scenes": [
    {"title": "Arrival", "description": "Fog rolls in.", "characters": ["Ada"], "location": "Harbor"}
  ],
  "characters": [{"name": " Ada ", "description": "Detective"}],
  "locations": [{"name": "Harbor", "description": "Docks"}]
}` + "\n```"

	v, err := ParseStory(raw)
	require.NoError(t, err)
	assert.Equal(t, "The Harbor Job", v.Title)
	require.Len(t, v.Scenes, 1)
	assert.Equal(t, "Arrival", v.Scenes[0].Title)
	assert.Equal(t, []string{"Ada"}, v.Scenes[0].Characters)
	require.Len(t, v.Characters, 1)
	assert.Equal(t, "Ada", v.Characters[0].Name)
	assert.Equal(t, raw, v.Raw)
}

func TestParseStoryRejectsIncompleteReplies(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no json", "I cannot write that story."},
		{"malformed", `{"title": "x", "scenes": [}`},
		{"no title", `{"scenes": [{"title": "a"}]}`},
		{"no scenes", `{"title": "x", "scenes": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStory(tt.raw)
			var pe *types.ProviderError
			require.True(t, errors.As(err, &pe), "want ProviderError, got %v", err)
		})
	}
}

func TestFormatStoryParsesBack(t *testing.T) {
	f := &Fake{}
	v, err := f.GenerateStory(context.Background(), "A detective story", 2)
	require.NoError(t, err)

	out, err := FormatStory(v)
	require.NoError(t, err)
	back, err := ParseStory(out)
	require.NoError(t, err)
	assert.Equal(t, v.Title, back.Title)
	assert.Equal(t, v.Scenes, back.Scenes)
	assert.Equal(t, v.Characters, back.Characters)
}

func TestFakeVideoPolls(t *testing.T) {
	f := &Fake{VideoPolls: 2}
	ctx := context.Background()

	sub, err := f.GenerateVideo(ctx, "scene", "", types.VideoOptions{})
	require.NoError(t, err)

	st, err := f.CheckVideoStatus(ctx, sub.VideoID)
	require.NoError(t, err)
	assert.Equal(t, "processing", st.Status)
	st, _ = f.CheckVideoStatus(ctx, sub.VideoID)
	assert.Equal(t, "processing", st.Status)
	st, _ = f.CheckVideoStatus(ctx, sub.VideoID)
	assert.Equal(t, "completed", st.Status)
	assert.NotEmpty(t, st.VideoURL)
}

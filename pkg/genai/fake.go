package genai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/user/storyforge/internal/types"
)

// Fake is a deterministic in-process GenerationService for tests and offline
// runs. The exported hooks, when set, can fail individual calls.
type Fake struct {
	// VideoPolls is the number of "processing" status replies before a
	// video completes.
	VideoPolls int

	StoryErr   error
	EnhanceErr error
	ImageErr   error
	// VideoErr is consulted on every submission with the 1-based call number.
	VideoErr func(call int, sceneDescription string) error

	mu           sync.Mutex
	storyCalls   int
	enhanceCalls []string
	imageCalls   int
	videoCalls   int
	polls        map[string]int
}

var _ types.GenerationService = (*Fake)(nil)

func (f *Fake) GenerateStory(ctx context.Context, prompt string, sceneCount int) (*types.StoryVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storyCalls++
	if f.StoryErr != nil {
		return nil, f.StoryErr
	}
	if sceneCount <= 0 {
		sceneCount = 3
	}

	title := strings.TrimSpace(prompt)
	if len(title) > 60 {
		title = title[:60]
	}
	v := &types.StoryVersion{
		Title: title,
		Characters: []types.StoryCharacter{
			{Name: "Ada Quill", Description: "A sharp-eyed investigator with ink-stained fingers."},
			{Name: "Marlow Vance", Description: "A charming suspect who never answers directly."},
		},
		Locations: []types.StoryLocation{
			{Name: "The Harbor", Description: "Fog-bound docks lit by sodium lamps."},
		},
	}
	for i := 0; i < sceneCount; i++ {
		v.Scenes = append(v.Scenes, types.StoryScene{
			Title:       fmt.Sprintf("Scene %d", i+1),
			Description: fmt.Sprintf("Part %d of %q.", i+1, title),
			Dialog:      "Where were you last night?",
			Action:      "Ada studies Marlow's face.",
			Characters:  []string{"Ada Quill", "Marlow Vance"},
			Location:    "The Harbor",
		})
	}
	raw, err := FormatStory(v)
	if err != nil {
		return nil, err
	}
	v.Raw = raw
	return v, nil
}

func (f *Fake) ImproveStory(ctx context.Context, current *types.StoryVersion, prompt string) (*types.StoryVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storyCalls++
	if f.StoryErr != nil {
		return nil, f.StoryErr
	}

	v := current.Clone()
	v.Title = current.Title + " (revised)"
	if prompt != "" && len(v.Scenes) > 0 {
		v.Scenes[0].Description += " " + prompt
	}
	raw, err := FormatStory(&v)
	if err != nil {
		return nil, err
	}
	v.Raw = raw
	return &v, nil
}

func (f *Fake) EnhanceDescription(ctx context.Context, text, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enhanceCalls = append(f.enhanceCalls, text)
	if f.EnhanceErr != nil {
		return "", f.EnhanceErr
	}
	out := "Vivid: " + text
	if prompt != "" {
		out += " (" + prompt + ")"
	}
	return out, nil
}

// EnhanceInputs returns the text passed to every EnhanceDescription call.
func (f *Fake) EnhanceInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.enhanceCalls...)
}

func (f *Fake) GenerateImage(ctx context.Context, description string, opts types.ImageOptions) (*types.ImageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageCalls++
	if f.ImageErr != nil {
		return nil, f.ImageErr
	}
	return &types.ImageResult{
		ImageURL:      fmt.Sprintf("https://images.example/%d.png", f.imageCalls),
		RevisedPrompt: fmt.Sprintf("%s, %s style", description, opts.Style),
	}, nil
}

func (f *Fake) GenerateVideo(ctx context.Context, sceneDescription, _ string, _ types.VideoOptions) (*types.VideoSubmission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoCalls++
	if f.VideoErr != nil {
		if err := f.VideoErr(f.videoCalls, sceneDescription); err != nil {
			return nil, err
		}
	}
	return &types.VideoSubmission{VideoID: fmt.Sprintf("video-%d", f.videoCalls)}, nil
}

func (f *Fake) CheckVideoStatus(ctx context.Context, videoID string) (*types.VideoStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls == nil {
		f.polls = make(map[string]int)
	}
	f.polls[videoID]++
	n := f.polls[videoID]
	if n <= f.VideoPolls {
		return &types.VideoStatus{Status: "processing", Progress: n * 100 / (f.VideoPolls + 1)}, nil
	}
	return &types.VideoStatus{
		Status:   "completed",
		Progress: 100,
		VideoURL: fmt.Sprintf("https://videos.example/%s.mp4", videoID),
	}, nil
}

// VideoCalls returns the number of GenerateVideo calls so far.
func (f *Fake) VideoCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.videoCalls
}

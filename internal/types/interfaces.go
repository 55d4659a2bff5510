package types

import (
	"context"
)

// GenerationService is the external collaborator that produces stories,
// descriptions, images and videos.
type GenerationService interface {
	GenerateStory(ctx context.Context, prompt string, sceneCountHint int) (*StoryVersion, error)
	ImproveStory(ctx context.Context, current *StoryVersion, prompt string) (*StoryVersion, error)
	EnhanceDescription(ctx context.Context, text, prompt string) (string, error)
	GenerateImage(ctx context.Context, description string, opts ImageOptions) (*ImageResult, error)
	GenerateVideo(ctx context.Context, sceneDescription, imageURL string, opts VideoOptions) (*VideoSubmission, error)
	CheckVideoStatus(ctx context.Context, videoID string) (*VideoStatus, error)
}

// StorageAdapter is a key/value store. Load and Delete return an error
// matching ErrNotFound for unknown keys. Save must be atomic per key.
type StorageAdapter interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

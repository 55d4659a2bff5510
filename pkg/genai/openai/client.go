// Package openai implements types.GenerationService over OpenAI-compatible
// chat, image and video HTTP APIs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/time/rate"

	"github.com/user/storyforge/internal/types"
	"github.com/user/storyforge/pkg/genai"
)

// Config holds endpoint and model settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	ImageModel string

	// VideoBaseURL and VideoAPIKey address the video provider. The key falls
	// back to APIKey when empty.
	VideoBaseURL string
	VideoAPIKey  string
	VideoModel   string

	// RateInterval spaces requests; zero disables pacing.
	RateInterval time.Duration
	// MaxStoryTokens truncates the story embedded in improvement prompts;
	// zero disables the budget.
	MaxStoryTokens int
	Timeout        time.Duration
}

const maxErrorChars = 500

// Client implements types.GenerationService.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter

	tokOnce sync.Once
	tok     *tiktoken.Tiktoken
	tokErr  error
}

var _ types.GenerationService = (*Client)(nil)

// New creates a client for the given configuration.
func New(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.VideoAPIKey == "" {
		config.VideoAPIKey = config.APIKey
	}
	limit := rate.Inf
	if config.RateInterval > 0 {
		limit = rate.Every(config.RateInterval)
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, 2),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) chat(ctx context.Context, op, system, user string, jsonMode bool) (string, error) {
	req := chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	if jsonMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	var resp chatResponse
	if err := c.do(ctx, op, http.MethodPost, c.config.BaseURL+"/chat/completions", c.config.APIKey, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &types.ProviderError{Op: op, Message: "no choices in response"}
	}
	return resp.Choices[0].Message.Content, nil
}

const storySystemPrompt = "You are a screenwriter. Reply with a single JSON object of the form " + genai.StorySchema + ". Every scene lists the names of the characters present and its location."

func (c *Client) GenerateStory(ctx context.Context, prompt string, sceneCount int) (*types.StoryVersion, error) {
	user := fmt.Sprintf("Write a story in %d scenes: %s", sceneCount, prompt)
	content, err := c.chat(ctx, "generate story", storySystemPrompt, user, true)
	if err != nil {
		return nil, err
	}
	return genai.ParseStory(content)
}

func (c *Client) ImproveStory(ctx context.Context, current *types.StoryVersion, prompt string) (*types.StoryVersion, error) {
	story, err := genai.FormatStory(current)
	if err != nil {
		return nil, err
	}
	story, err = c.budget(story)
	if err != nil {
		return nil, err
	}
	if prompt == "" {
		prompt = "Tighten pacing and sharpen the dialog."
	}
	user := fmt.Sprintf("Improve this story. Instructions: %s\n\nStory:\n%s", prompt, story)
	content, err := c.chat(ctx, "improve story", storySystemPrompt, user, true)
	if err != nil {
		return nil, err
	}
	return genai.ParseStory(content)
}

func (c *Client) EnhanceDescription(ctx context.Context, text, prompt string) (string, error) {
	user := "Rewrite this description with richer visual detail. Reply with the description only.\n\n" + text
	if prompt != "" {
		user += "\n\nDirection: " + prompt
	}
	content, err := c.chat(ctx, "enhance description", "You are a concept artist's writing assistant.", user, false)
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &types.ProviderError{Op: "enhance description", Message: "empty description"}
	}
	return content, nil
}

type imageRequest struct {
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

func (c *Client) GenerateImage(ctx context.Context, description string, opts types.ImageOptions) (*types.ImageResult, error) {
	req := imageRequest{
		Model:   c.config.ImageModel,
		Prompt:  description,
		N:       1,
		Size:    opts.Size,
		Quality: opts.Quality,
		Style:   opts.Style,
	}
	var resp imageResponse
	if err := c.do(ctx, "generate image", http.MethodPost, c.config.BaseURL+"/images/generations", c.config.APIKey, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return nil, &types.ProviderError{Op: "generate image", Message: "no image in response"}
	}
	return &types.ImageResult{ImageURL: resp.Data[0].URL, RevisedPrompt: resp.Data[0].RevisedPrompt}, nil
}

type videoRequest struct {
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url,omitempty"`
	Provider string `json:"provider,omitempty"`
	Sound    bool   `json:"sound"`
}

type videoResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

func (c *Client) GenerateVideo(ctx context.Context, sceneDescription, imageURL string, opts types.VideoOptions) (*types.VideoSubmission, error) {
	req := videoRequest{
		Model:    c.config.VideoModel,
		Prompt:   sceneDescription,
		ImageURL: imageURL,
		Provider: opts.Provider,
		Sound:    opts.Sound,
	}
	var resp videoResponse
	if err := c.do(ctx, "generate video", http.MethodPost, c.videoBase()+"/videos", c.config.VideoAPIKey, req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &types.ProviderError{Op: "generate video", Message: "no video id in response"}
	}
	return &types.VideoSubmission{VideoID: resp.ID}, nil
}

func (c *Client) CheckVideoStatus(ctx context.Context, videoID string) (*types.VideoStatus, error) {
	var resp videoResponse
	endpoint := c.videoBase() + "/videos/" + url.PathEscape(videoID)
	if err := c.do(ctx, "check video status", http.MethodGet, endpoint, c.config.VideoAPIKey, nil, &resp); err != nil {
		return nil, err
	}
	return &types.VideoStatus{
		Status:   resp.Status,
		Progress: resp.Progress,
		VideoURL: resp.VideoURL,
		Error:    resp.Error,
	}, nil
}

func (c *Client) videoBase() string {
	if c.config.VideoBaseURL != "" {
		return c.config.VideoBaseURL
	}
	return c.config.BaseURL
}

// do sends a JSON request and decodes a JSON response. Non-2xx replies become
// *types.ProviderError carrying the status code.
func (c *Client) do(ctx context.Context, op, method, endpoint, apiKey string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: wait for rate limiter: %w", op, err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &types.ProviderError{Op: op, Message: "send request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &types.ProviderError{Op: op, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providerError(op, resp, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &types.ProviderError{Op: op, StatusCode: resp.StatusCode, Message: "parse response", Err: err}
	}
	return nil
}

func providerError(op string, resp *http.Response, body []byte) error {
	pe := &types.ProviderError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(resp, body)}
	if resp.StatusCode == http.StatusTooManyRequests {
		pe.Err = types.ErrRateLimited
	}
	return pe
}

// errorMessage extracts a readable message from an error body: the JSON
// error message when present, HTML pages rendered as markdown, else the text.
func errorMessage(resp *http.Response, body []byte) string {
	var apiErr struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && len(apiErr.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(apiErr.Error, &nested) == nil && nested.Message != "" {
			return truncate(nested.Message)
		}
		var flat string
		if json.Unmarshal(apiErr.Error, &flat) == nil && flat != "" {
			return truncate(flat)
		}
	}

	text := strings.TrimSpace(string(body))
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") || strings.HasPrefix(text, "<") {
		if md, err := htmltomarkdown.ConvertString(text); err == nil {
			text = strings.TrimSpace(md)
		}
	}
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return truncate(text)
}

// truncate caps s at maxErrorChars bytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxErrorChars {
		return s
	}
	cut := maxErrorChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// budget truncates text to MaxStoryTokens tokens.
func (c *Client) budget(text string) (string, error) {
	if c.config.MaxStoryTokens <= 0 {
		return text, nil
	}
	c.tokOnce.Do(func() {
		c.tok, c.tokErr = tiktoken.EncodingForModel(c.config.Model)
		if c.tokErr != nil {
			c.tok, c.tokErr = tiktoken.GetEncoding("cl100k_base")
		}
	})
	if c.tokErr != nil {
		return "", fmt.Errorf("get tokenizer: %w", c.tokErr)
	}
	tokens := c.tok.Encode(text, nil, nil)
	if len(tokens) <= c.config.MaxStoryTokens {
		return text, nil
	}
	return c.tok.Decode(tokens[:c.config.MaxStoryTokens]) + "\n[story truncated]", nil
}

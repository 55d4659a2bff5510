package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/user/storyforge/internal/config"
	"github.com/user/storyforge/internal/notify"
	"github.com/user/storyforge/internal/session"
	"github.com/user/storyforge/internal/state"
	"github.com/user/storyforge/internal/types"
	"github.com/user/storyforge/internal/video"
	"github.com/user/storyforge/pkg/genai"
	"github.com/user/storyforge/pkg/genai/openai"
)

var (
	cfgPath   string
	sessionID string
	offline   bool
	ephemeral bool
)

var rootCmd = &cobra.Command{
	Use:           "storyforge",
	Short:         "Turn a prompt into a story, characters, storyboard and scene videos",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultPath := filepath.Join(os.Getenv("HOME"), ".storyforge", "config.json")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultPath, "config file path (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "session id (defaults to the active session)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "use the built-in deterministic generator instead of the provider APIs")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "keep sessions in memory only")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func videoOptions(cfg *config.Config) video.Options {
	return video.Options{
		Retry: &video.RetryPolicy{
			MaxRetries: cfg.Video.MaxRetries,
			RetryDelay: config.Duration(cfg.Video.RetryDelay, video.DefaultRetryPolicy().RetryDelay),
		},
		PollInterval: config.Duration(cfg.Video.PollInterval, video.DefaultPollInterval),
		SettleDelay:  config.Duration(cfg.Video.SettleDelay, video.DefaultSettleDelay),
		Video: types.VideoOptions{
			Provider: cfg.Video.Provider,
			Sound:    cfg.Video.Sound,
		},
	}
}

func newGenerator(cfg *config.Config) types.GenerationService {
	if offline {
		return &genai.Fake{VideoPolls: 2}
	}
	return openai.New(openai.Config{
		BaseURL:        cfg.OpenAI.BaseURL,
		APIKey:         cfg.OpenAI.APIKey,
		Model:          cfg.OpenAI.Model,
		ImageModel:     cfg.OpenAI.ImageModel,
		VideoBaseURL:   cfg.Video.BaseURL,
		VideoAPIKey:    cfg.Video.APIKey,
		VideoModel:     cfg.Video.Model,
		RateInterval:   config.Duration(cfg.OpenAI.RateInterval, 0),
		MaxStoryTokens: cfg.OpenAI.MaxStoryTokens,
	})
}

// newNotifier registers the log handler and, when a bot token is set, the
// Telegram handler. It returns the target video updates are sent to.
func newNotifier(cfg *config.Config) (*notify.Registry, string) {
	reg := notify.NewRegistry()
	reg.Register("log:", notify.Log(slog.Default()))
	if cfg.Telegram.Token == "" {
		return reg, "log:"
	}
	tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		slog.Warn("telegram notifications disabled", "error", err)
		return reg, "log:"
	}
	reg.Register(notify.TelegramPrefix, tg.Send)
	return reg, notify.TelegramPrefix
}

// app holds the wired-up collaborators of one CLI invocation.
type app struct {
	cfg      *config.Config
	store    types.StorageAdapter
	manager  *session.Manager
	notifier *notify.VideoNotifier

	closeOnce sync.Once
}

type appOptions struct {
	onVideoUpdate func(types.SessionID, types.SceneVideoJob)
}

func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	driver := cfg.Storage.Driver
	if ephemeral {
		driver = "memory"
	}
	store, err := state.Open(ctx, state.Options{
		Driver:     driver,
		DataDir:    cfg.DataDir,
		SQLitePath: cfg.Storage.SQLitePath,
		RedisURL:   cfg.Storage.RedisURL,
		Namespace:  "storyforge",
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	reg, target := newNotifier(cfg)
	notifier := notify.NewVideoNotifier(reg, target, slog.Default())
	manager := session.NewManager(store, newGenerator(cfg), session.ManagerOptions{
		Logger:   slog.Default(),
		AutoSave: true,
		SessionOptions: []session.Option{
			session.WithVideoOptions(videoOptions(cfg)),
		},
		OnVideoUpdate: func(id types.SessionID, job types.SceneVideoJob) {
			notifier.Handle(id, job)
			if opts.onVideoUpdate != nil {
				opts.onVideoUpdate(id, job)
			}
		},
	})
	return &app{cfg: cfg, store: store, manager: manager, notifier: notifier}, nil
}

func (a *app) Close() {
	a.closeOnce.Do(func() {
		a.manager.Close()
		a.notifier.Close()
		if c, ok := a.store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("close storage", "error", err)
			}
		}
	})
}

// currentSession returns the session named by --session, or the active one.
func (a *app) currentSession(ctx context.Context) (*session.Session, error) {
	if sessionID != "" {
		return a.manager.LoadSession(ctx, types.SessionID(sessionID))
	}
	sess, err := a.manager.ActiveSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("no active session: create one with 'storyforge session create' or pass --session")
	}
	return sess, nil
}

// withApp loads config, sets up logging and runs fn with a wired app.
func withApp(cmd *cobra.Command, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	cfg := loadConfig()
	setupLogging(cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withSession is withApp resolved to the current session.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, sess *session.Session) error) error {
	return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
		sess, err := a.currentSession(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, sess)
	})
}

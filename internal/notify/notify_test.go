package notify

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/storyforge/internal/types"
)

func TestRegistrySend(t *testing.T) {
	reg := NewRegistry()

	var gotTarget, gotMsg string
	reg.Register("test:", func(target, message string) error {
		gotTarget = target
		gotMsg = message
		return nil
	})

	require.NoError(t, reg.Send("test:123", "hello"))
	assert.Equal(t, "test:123", gotTarget)
	assert.Equal(t, "hello", gotMsg)
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()
	err := reg.Send("unknown:123", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown:123")
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	reg := NewRegistry()
	var calls []string
	reg.Register("telegram:", func(string, string) error {
		calls = append(calls, "telegram")
		return nil
	})
	reg.Register("telegram:42", func(string, string) error {
		calls = append(calls, "telegram:42")
		return nil
	})
	reg.Register("log:", func(string, string) error {
		calls = append(calls, "log")
		return nil
	})

	require.NoError(t, reg.Send("telegram:42", "a"))
	require.NoError(t, reg.Send("telegram:7", "b"))
	require.NoError(t, reg.Send("log:", "c"))
	assert.Equal(t, []string{"telegram:42", "telegram", "log"}, calls)
	assert.Equal(t, []string{"log:", "telegram:", "telegram:42"}, reg.Prefixes())
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	h := Log(slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, h("log:", "scene ready"))
	assert.Contains(t, buf.String(), "scene ready")
	assert.Contains(t, buf.String(), "target=log:")
}

type fakeBot struct {
	sent     []tgbotapi.MessageConfig
	failMode string
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	if f.failMode == "markdown" && msg.ParseMode == "Markdown" {
		return tgbotapi.Message{}, errors.New("can't parse entities")
	}
	if f.failMode == "all" {
		return tgbotapi.Message{}, errors.New("forbidden")
	}
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{}, nil
}

func TestTelegramSend(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot, defaultChat: 99}

	require.NoError(t, tg.Send("telegram:12345", "hello"))
	require.NoError(t, tg.Send("telegram:", "default chat"))
	require.Len(t, bot.sent, 2)
	assert.Equal(t, int64(12345), bot.sent[0].ChatID)
	assert.Equal(t, "Markdown", bot.sent[0].ParseMode)
	assert.Equal(t, int64(99), bot.sent[1].ChatID)

	require.Error(t, tg.Send("telegram:abc", "bad"))
	require.Error(t, (&Telegram{bot: bot}).Send("telegram:", "no default"))
}

func TestTelegramMarkdownFallback(t *testing.T) {
	bot := &fakeBot{failMode: "markdown"}
	tg := &Telegram{bot: bot}
	require.NoError(t, tg.Send("telegram:1", "*broken"))
	require.Len(t, bot.sent, 1)
	assert.Equal(t, "", bot.sent[0].ParseMode)

	tg = &Telegram{bot: &fakeBot{failMode: "all"}}
	require.Error(t, tg.Send("telegram:1", "x"))
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short"))

	long := strings.Repeat("a", maxTelegramMessage*2+10)
	parts := splitMessage(long)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], maxTelegramMessage)
	assert.Len(t, parts[2], 10)
	assert.Equal(t, long, strings.Join(parts, ""))
}

func TestVideoNotifier(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	var got []string
	reg.Register("log:", func(_, message string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, message)
		return nil
	})
	n := NewVideoNotifier(reg, "log:", nil)

	n.Handle("s1", types.SceneVideoJob{SceneIndex: 0, Status: types.JobGenerating, Progress: 40})
	n.Handle("s1", types.SceneVideoJob{SceneIndex: 1, Status: types.JobRetryScheduled, Message: "rate limited, retrying in 20s (attempt 1/3)"})
	n.Handle("s1", types.SceneVideoJob{SceneIndex: 1, Status: types.JobFailed, Error: "rate limit retries exhausted (3/3): quota"})
	n.Handle("s1", types.SceneVideoJob{SceneIndex: 2, Status: types.JobCompleted, VideoURL: "https://v/3.mp4"})
	n.Handle("s1", types.SceneVideoJob{SceneIndex: 3, Status: types.JobPending, Message: "cancelled"})
	n.Close()

	assert.Equal(t, []string{
		"Session s1, scene 2: rate limited, retrying in 20s (attempt 1/3)",
		"Session s1, scene 2 failed: rate limit retries exhausted (3/3): quota",
		"Session s1, scene 3 video ready: https://v/3.mp4",
	}, got)

	// Updates after Close are ignored.
	n.Handle("s1", types.SceneVideoJob{Status: types.JobCompleted})
	n.Close()
}

func TestVideoNotifierDoesNotBlockOnSlowTarget(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	var sent atomic.Int32
	reg.Register("slow:", func(_, _ string) error {
		<-release
		sent.Add(1)
		return nil
	})
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: &buf}, nil))
	n := NewVideoNotifier(reg, "slow:", logger)

	returned := make(chan struct{})
	go func() {
		for i := 0; i < videoQueueSize+10; i++ {
			n.Handle("s1", types.SceneVideoJob{SceneIndex: i, Status: types.JobCompleted, VideoURL: "u"})
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle blocked on a slow target")
	}

	close(release)
	n.Close()
	assert.GreaterOrEqual(t, int(sent.Load()), videoQueueSize)
	assert.Less(t, int(sent.Load()), videoQueueSize+10)
	assert.Contains(t, buf.String(), "dropping video update")
}

type lockedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

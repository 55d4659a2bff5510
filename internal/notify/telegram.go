package notify

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

// TelegramPrefix is the target prefix served by Telegram.
const TelegramPrefix = "telegram:"

type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends messages to Telegram chats.
type Telegram struct {
	bot         botSender
	defaultChat int64
}

// NewTelegram connects a bot. defaultChat receives messages addressed to the
// bare "telegram:" target.
func NewTelegram(token string, defaultChat int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot, defaultChat: defaultChat}, nil
}

// Send delivers message to the chat named by target ("telegram:<chat id>").
// Long messages are split into several.
func (t *Telegram) Send(target, message string) error {
	chatID, err := t.chatID(target)
	if err != nil {
		return err
	}
	for _, part := range splitMessage(message) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := t.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				slog.Warn("telegram send failed", "chat_id", chatID, "error", err)
				return fmt.Errorf("send telegram message: %w", err)
			}
		}
	}
	return nil
}

func (t *Telegram) chatID(target string) (int64, error) {
	raw := strings.TrimPrefix(target, TelegramPrefix)
	if raw == "" {
		if t.defaultChat == 0 {
			return 0, fmt.Errorf("no telegram chat for target: %s", target)
		}
		return t.defaultChat, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram target %q: %w", target, err)
	}
	return id, nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

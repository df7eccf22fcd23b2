package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/mtzanidakis/hivemind/internal/config"
)

const maxMessageLen = 4096

// Telegram sends notifications to a single chat.
type Telegram struct {
	bot    *telego.Bot
	chatID int64
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: cfg.ChatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits text into pieces of at most maxLen bytes,
// preferring to break after a newline in the second half of a piece.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/floworacle/internal/logger"
	"github.com/rewired-gh/floworacle/internal/models"
)

// Source reads the feed chat through the bot's update stream: channel posts and
// group messages from that chat become raw messages. Bot commands addressed to the
// bot are handled by the client on the same stream.
type Source struct {
	client *Client
	chatID int64
}

// NewSource creates a source reading chatID with client's bot.
func NewSource(client *Client, chatID int64) *Source {
	return &Source{client: client, chatID: chatID}
}

// Name identifies the source in stored messages and logs.
func (s *Source) Name() string { return "telegram" }

// Run forwards feed messages to out until ctx is cancelled.
func (s *Source) Run(ctx context.Context, out chan<- models.RawMessage) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "channel_post"}
	updates := s.client.bot.GetUpdatesChan(u)
	defer s.client.bot.StopReceivingUpdates()

	logger.Info("Telegram source listening on chat %d", s.chatID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update channel closed")
			}
			msg := update.ChannelPost
			if msg == nil {
				msg = update.Message
			}
			if msg == nil {
				continue
			}
			if msg.IsCommand() {
				s.client.handleCommand(msg)
				continue
			}
			raw, ok := toRawMessage(msg, s.chatID)
			if !ok {
				continue
			}
			select {
			case out <- raw:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// toRawMessage converts a feed chat message. Messages from other chats and
// messages without text are ignored.
func toRawMessage(msg *tgbotapi.Message, chatID int64) (models.RawMessage, bool) {
	if msg.Chat == nil || msg.Chat.ID != chatID {
		return models.RawMessage{}, false
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return models.RawMessage{}, false
	}
	return models.RawMessage{
		ID:         fmt.Sprintf("tg:%d:%d", msg.Chat.ID, msg.MessageID),
		Source:     "telegram",
		ReceivedAt: msg.Time().UTC(),
		Text:       text,
	}, true
}

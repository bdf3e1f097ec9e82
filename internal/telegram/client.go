// Package telegram provides a client for sending reports via Telegram Bot API and a
// message source that reads the upstream feed chat.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxMessageLen is the Telegram limit for one message.
const maxMessageLen = 4096

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	api            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration

	mu     sync.Mutex
	status func() string
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := ParseChatID(chatID)
	if err != nil {
		return nil, err
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		api:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// ParseChatID parses a numeric chat ID.
func ParseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat ID: %w", err)
	}
	return id, nil
}

// SetStatusFunc sets the text returned by the /status command.
func (c *Client) SetStatusFunc(fn func() string) {
	c.mu.Lock()
	c.status = fn
	c.mu.Unlock()
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
// Use it only when the bot is not also the message source, which handles commands itself.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.api.Send(reply) //nolint:errcheck
	case "status":
		c.mu.Lock()
		fn := c.status
		c.mu.Unlock()
		text := "No snapshot yet"
		if fn != nil {
			if s := fn(); s != "" {
				text = s
			}
		}
		for _, part := range splitMessage(text, maxMessageLen) {
			c.api.Send(tgbotapi.NewMessage(msg.Chat.ID, part)) //nolint:errcheck
		}
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.api.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// SendReport sends a bold title followed by body as preformatted text, split over
// several messages when it exceeds the Telegram limit.
func (c *Client) SendReport(title, body string) error {
	parts := formatReport(title, body)
	for i, part := range parts {
		if err := c.sendMarkdownV2(part); err != nil {
			return fmt.Errorf("failed to send report part %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}

func formatReport(title, body string) []string {
	header := "📣 *" + escapeMarkdownV2(title) + "*\n"
	// Leave room for the header and the code fence.
	chunks := splitMessage(body, (maxMessageLen-utf8.RuneCountInString(header)-8)/2)
	if len(chunks) == 0 {
		return []string{header}
	}
	out := make([]string, len(chunks))
	for i, chunk := range chunks {
		text := "```\n" + escapeCode(chunk) + "\n```"
		if i == 0 {
			text = header + text
		}
		out[i] = text
	}
	return out
}

// splitMessage packs whole lines into chunks of at most limit runes. A line longer
// than limit is cut at rune boundaries.
func splitMessage(text string, limit int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	var chunks, cur []string
	curLen := 0
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, "\n"))
			cur, curLen = nil, 0
		}
	}
	for _, line := range strings.Split(text, "\n") {
		cut := false
		for utf8.RuneCountInString(line) > limit {
			flush()
			r := []rune(line)
			chunks = append(chunks, string(r[:limit]))
			line = string(r[limit:])
			cut = true
		}
		if cut && line == "" {
			continue
		}
		n := utf8.RuneCountInString(line)
		if len(cur) > 0 && curLen+1+n > limit {
			flush()
		}
		if len(cur) > 0 {
			curLen++
		}
		cur = append(cur, line)
		curLen += n
	}
	flush()
	return chunks
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeCode escapes text inside a MarkdownV2 pre block.
func escapeCode(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, char := range text {
		if char == '`' || char == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/sipeed/digiclaw/pkg/bus"
	"github.com/sipeed/digiclaw/pkg/config"
	"github.com/sipeed/digiclaw/pkg/logger"
)

const telegramMaxMessageChars = 3900

// TelegramChannel talks to the Bot API with long polling.
type TelegramChannel struct {
	*BaseChannel
	bot      *telego.Bot
	mediaDir string
}

// NewTelegramChannel creates the bot client. Downloaded photos are kept in
// mediaDir.
func NewTelegramChannel(cfg config.TelegramConfig, msgBus *bus.MessageBus, mediaDir string) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", msgBus, cfg.AllowFrom, cfg.SendProgress),
		bot:         bot,
		mediaDir:    mediaDir,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram bot (polling mode)")

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}
	bh, err := th.NewBotHandler(c.bot, updates)
	if err != nil {
		return fmt.Errorf("failed to create bot handler: %w", err)
	}
	bh.HandleMessage(func(ctx *th.Context, message telego.Message) error {
		return c.handleMessage(ctx, &message)
	}, th.AnyMessage())

	c.setRunning(true)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{
		"username": c.bot.Username(),
	})

	go func() {
		if err := bh.Start(); err != nil {
			logger.ErrorCF("telegram", "Bot handler stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	go func() {
		<-ctx.Done()
		_ = bh.Stop()
	}()
	return nil
}

func (c *TelegramChannel) Stop(context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram bot")
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", msg.ChatID, err)
	}

	for _, chunk := range splitMessage(msg.Content, telegramMaxMessageChars) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (c *TelegramChannel) handleMessage(ctx context.Context, message *telego.Message) error {
	if message == nil || message.From == nil {
		return nil
	}
	user := message.From
	senderID := strconv.FormatInt(user.ID, 10)
	if user.Username != "" {
		senderID += "|" + user.Username
	}
	// check before downloading anything
	if !c.IsAllowed(senderID) {
		logger.DebugCF("telegram", "Message rejected by allowlist", map[string]interface{}{"sender_id": senderID})
		return nil
	}

	chatID := message.Chat.ID
	var parts []string
	if message.Text != "" {
		parts = append(parts, message.Text)
	}
	if message.Caption != "" {
		parts = append(parts, message.Caption)
	}

	var media []string
	if len(message.Photo) > 0 {
		photo := message.Photo[len(message.Photo)-1]
		if path := c.download(ctx, photo.FileID, ".jpg"); path != "" {
			media = append(media, path)
			parts = append(parts, "[image: photo]")
		}
	}
	if message.Document != nil {
		if path := c.download(ctx, message.Document.FileID, filepath.Ext(message.Document.FileName)); path != "" {
			media = append(media, path)
			parts = append(parts, "[file]")
		}
	}

	content := strings.Join(parts, "\n")
	if content == "" {
		content = "[empty message]"
	}

	if err := c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil {
		logger.DebugCF("telegram", "Failed to send chat action", map[string]interface{}{"error": err.Error()})
	}

	c.HandleMessage(senderID, strconv.FormatInt(chatID, 10), content, media, map[string]string{
		"message_id": strconv.Itoa(message.MessageID),
		"username":   user.Username,
		"first_name": user.FirstName,
		"is_group":   strconv.FormatBool(message.Chat.Type != "private"),
	})
	return nil
}

// download stores a Telegram file under a random name and returns its path,
// or "" on failure.
func (c *TelegramChannel) download(ctx context.Context, fileID, ext string) string {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil || file.FilePath == "" {
		logger.WarnCF("telegram", "Failed to get file", map[string]interface{}{"file_id": fileID})
		return ""
	}
	data, err := tu.DownloadFile(c.bot.FileDownloadURL(file.FilePath))
	if err != nil {
		logger.WarnCF("telegram", "Failed to download file", map[string]interface{}{"error": err.Error()})
		return ""
	}
	if err := os.MkdirAll(c.mediaDir, 0o755); err != nil {
		return ""
	}
	path := filepath.Join(c.mediaDir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		logger.WarnCF("telegram", "Failed to store file", map[string]interface{}{"error": err.Error()})
		return ""
	}
	return path
}

// splitMessage cuts content into chunks of at most limit runes, preferring to
// break at a newline.
func splitMessage(content string, limit int) []string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) == 0 {
		return nil
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	return append(chunks, string(runes))
}

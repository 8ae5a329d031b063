package infrastructure

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

// TelegramNotifier sends operational alerts (WhatsApp disconnects, human
// handoffs) to the panel owner's Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *logrus.Entry

	stopOnce sync.Once
	stop     chan struct{}
}

func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram token: %w", err)
	}
	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		log:    logger.Component("telegram").WithField("bot", bot.Self.UserName),
		stop:   make(chan struct{}),
	}, nil
}

func (n *TelegramNotifier) Notify(_ context.Context, text string) error {
	if n.chatID == 0 {
		n.log.Debug("no alert chat configured, dropping alert")
		return nil
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	_, err := n.bot.Send(msg)
	return err
}

// Start polls updates and answers /start with the chat id, so the owner can
// find the value for TELEGRAM_ALERT_CHAT_ID.
func (n *TelegramNotifier) Start() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := n.bot.GetUpdatesChan(u)

	n.log.Info("started polling")
	go func() {
		for {
			select {
			case <-n.stop:
				n.bot.StopReceivingUpdates()
				n.log.Info("stopped polling")
				return
			case update := <-updates:
				n.handleUpdate(update)
			}
		}
	}()
}

func (n *TelegramNotifier) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}
	chatID := update.Message.Chat.ID
	var reply string
	switch update.Message.Command() {
	case "start", "id":
		reply = fmt.Sprintf("Chat ID: `%d`", chatID)
	case "ping":
		reply = "pong"
	default:
		return
	}
	msg := tgbotapi.NewMessage(chatID, reply)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.bot.Send(msg); err != nil {
		n.log.Warnf("reply failed: %v", err)
	}
}

func (n *TelegramNotifier) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
}

// Describe reports the bot behind the notifier for the admin panel.
func (n *TelegramNotifier) Describe() AlertStatus {
	return AlertStatus{
		Channel:        "telegram",
		Bot:            "@" + n.bot.Self.UserName,
		ChatConfigured: n.chatID != 0,
	}
}

// ValidateTelegramToken checks a bot token against the Telegram API and
// returns the bot's username.
func ValidateTelegramToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return "", fmt.Errorf("invalid telegram token: %w", err)
	}
	return bot.Self.UserName, nil
}

// AlertStatus describes where operational alerts are delivered.
type AlertStatus struct {
	Channel        string `json:"channel"`
	Bot            string `json:"bot,omitempty"`
	ChatConfigured bool   `json:"chat_configured"`
}

// NoopNotifier logs alerts when no Telegram bot is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(_ context.Context, text string) error {
	logger.Component("notifier").Info(text)
	return nil
}

func (NoopNotifier) Describe() AlertStatus {
	return AlertStatus{Channel: "log"}
}

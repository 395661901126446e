package infrastructure

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"nutripilot/internal/entities"
)

// telegramMaxText is the Bot API limit for one message.
const telegramMaxText = 4096

var menuOption = regexp.MustCompile(`^\s*(\d{1,2})\)\s+(.+?)\s*$`)

// TelegramBot serves the conversation over a Telegram bot using long polling.
type TelegramBot struct {
	Bot    *tgbotapi.BotAPI
	logger zerolog.Logger

	stopChan chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewTelegramBot(token string, logger zerolog.Logger) (*TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &TelegramBot{
		Bot:      bot,
		logger:   logger.With().Str("component", "telegram").Str("bot", bot.Self.UserName).Logger(),
		stopChan: make(chan struct{}),
	}, nil
}

// Start runs the update loop until Stop is called.
func (t *TelegramBot) Start(handler MessageHandler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.Bot.GetUpdatesChan(u)

	t.logger.Info().Msg("started polling")

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.stopChan:
				t.Bot.StopReceivingUpdates()
				t.logger.Info().Msg("stopped polling")
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				t.wg.Add(1)
				go func() {
					defer t.wg.Done()
					t.handleUpdate(handler, update)
				}()
			}
		}
	}()
}

func (t *TelegramBot) Stop() {
	t.once.Do(func() { close(t.stopChan) })
	t.wg.Wait()
}

func (t *TelegramBot) handleUpdate(handler MessageHandler, update tgbotapi.Update) {
	var chatID int64
	if update.CallbackQuery != nil {
		// Acknowledge callback
		if _, err := t.Bot.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "")); err != nil {
			t.logger.Warn().Err(err).Msg("failed to answer callback")
		}
		if update.CallbackQuery.Message != nil {
			chatID = update.CallbackQuery.Message.Chat.ID
		}
	} else if update.Message != nil {
		chatID = update.Message.Chat.ID
	}

	msg, ok := t.toMessage(update)
	if !ok {
		return
	}
	out := handler(context.Background(), msg)
	if out.Text == "" {
		return
	}
	if err := t.send(chatID, out.Text); err != nil {
		t.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send reply")
	}
}

func (t *TelegramBot) toMessage(update tgbotapi.Update) (entities.Message, bool) {
	if cb := update.CallbackQuery; cb != nil {
		if cb.Message == nil {
			return entities.Message{}, false
		}
		return entities.Message{
			ID:       "tgcb:" + cb.ID,
			From:     "tg:" + strconv.FormatInt(cb.Message.Chat.ID, 10),
			Body:     cb.Data,
			Platform: "telegram",
		}, true
	}

	m := update.Message
	if m == nil || m.Chat == nil || !m.Chat.IsPrivate() {
		return entities.Message{}, false
	}

	msg := entities.Message{
		ID:       "tg:" + strconv.Itoa(m.MessageID),
		From:     "tg:" + strconv.FormatInt(m.Chat.ID, 10),
		Body:     m.Text,
		Platform: "telegram",
	}
	if m.IsCommand() {
		switch m.Command() {
		case "start":
			msg.Body = "hi"
		case "menu":
			msg.Body = "MENU"
		}
	}
	if m.Document != nil {
		fileURL, err := t.Bot.GetFileDirectURL(m.Document.FileID)
		if err != nil {
			t.logger.Error().Err(err).Str("file", m.Document.FileName).Msg("failed to resolve document url")
		} else {
			msg.Media = []entities.Media{{URL: fileURL, ContentType: m.Document.MimeType}}
		}
		msg.Body = m.Caption
	}
	return msg, true
}

func (t *TelegramBot) send(chatID int64, text string) error {
	parts := splitText(text, telegramMaxText)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == len(parts)-1 {
			if kb, ok := OptionKeyboard(text); ok {
				msg.ReplyMarkup = kb
			}
		}
		if _, err := t.Bot.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage pushes text to a chat id given as "123" or "tg:123".
func (t *TelegramBot) SendMessage(to, content string) error {
	chatID, err := strconv.ParseInt(strings.TrimPrefix(to, "tg:"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", to, err)
	}
	return t.send(chatID, content)
}

// OptionKeyboard builds an inline keyboard from the "1) label" lines of a menu.
// Each button sends its number back, two buttons per row.
func OptionKeyboard(text string) (tgbotapi.InlineKeyboardMarkup, bool) {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton

	for _, line := range strings.Split(text, "\n") {
		m := menuOption.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(m[1]+". "+m[2], m[1]))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

// splitText cuts text into chunks of at most limit bytes, preferring line breaks.
func splitText(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	return append(parts, text)
}

package infrastructure

import (
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionKeyboard(t *testing.T) {
	text := "Select poultry type:\n\n1) Broiler\n2) Layer\n3) Breeder (Parent Stock)\n\nReply 1–3."

	kb, ok := OptionKeyboard(text)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 2)
	require.Len(t, kb.InlineKeyboard[0], 2)
	require.Len(t, kb.InlineKeyboard[1], 1)

	first := kb.InlineKeyboard[0][0]
	assert.Equal(t, "1. Broiler", first.Text)
	require.NotNil(t, first.CallbackData)
	assert.Equal(t, "1", *first.CallbackData)
	assert.Equal(t, "3", *kb.InlineKeyboard[1][0].CallbackData)
}

func TestOptionKeyboardWithoutOptions(t *testing.T) {
	_, ok := OptionKeyboard("Inclusion % for \"Maize\"? (example: 27.45)")
	assert.False(t, ok)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	parts := splitText("line one\nline two\nline three", 12)
	assert.Equal(t, []string{"line one", "line two", "line three"}, parts)

	long := strings.Repeat("é", 10)
	for _, p := range splitText(long, 5) {
		assert.LessOrEqual(t, len(p), 5)
		assert.True(t, strings.HasPrefix(long, p) || strings.Contains(long, p))
	}
}

func TestTelegramToMessage(t *testing.T) {
	bot := &TelegramBot{}

	update := tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 7,
		Chat:      &tgbotapi.Chat{ID: 42, Type: "private"},
		Text:      "/start",
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	}}
	msg, ok := bot.toMessage(update)
	require.True(t, ok)
	assert.Equal(t, "tg:42", msg.From)
	assert.Equal(t, "tg:7", msg.ID)
	assert.Equal(t, "hi", msg.Body)

	cb := tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		Data:    "2",
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 42, Type: "private"}},
	}}
	msg, ok = bot.toMessage(cb)
	require.True(t, ok)
	assert.Equal(t, "2", msg.Body)
	assert.Equal(t, "tg:42", msg.From)

	group := tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: -5, Type: "group"}, Text: "1"}}
	_, ok = bot.toMessage(group)
	assert.False(t, ok)
}

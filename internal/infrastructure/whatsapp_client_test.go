package infrastructure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func whatsappEvent(text string, fromMe, group bool) *events.Message {
	evt := &events.Message{Message: &waProto.Message{Conversation: proto.String(text)}}
	evt.Info.ID = "3EB0ABC"
	evt.Info.Sender = types.NewJID("628111", types.DefaultUserServer)
	evt.Info.Chat = evt.Info.Sender
	evt.Info.IsFromMe = fromMe
	evt.Info.IsGroup = group
	return evt
}

func TestParseWhatsAppMessage(t *testing.T) {
	msg, ok := ParseMessage(whatsappEvent("hi", false, false))
	require.True(t, ok)
	assert.Equal(t, "wa:628111", msg.From)
	assert.Equal(t, "hi", msg.Body)
	assert.Equal(t, "3EB0ABC", msg.ID)
	assert.Equal(t, "whatsapp", msg.Platform)

	extended := whatsappEvent("", false, false)
	extended.Message = &waProto.Message{ExtendedTextMessage: &waProto.ExtendedTextMessage{Text: proto.String("MENU")}}
	msg, ok = ParseMessage(extended)
	require.True(t, ok)
	assert.Equal(t, "MENU", msg.Body)
}

func TestParseWhatsAppMessageSkipsOwnAndGroup(t *testing.T) {
	_, ok := ParseMessage(whatsappEvent("hi", true, false))
	assert.False(t, ok)
	_, ok = ParseMessage(whatsappEvent("hi", false, true))
	assert.False(t, ok)

	image := whatsappEvent("", false, false)
	image.Message = &waProto.Message{ImageMessage: &waProto.ImageMessage{}}
	_, ok = ParseMessage(image)
	assert.False(t, ok)
}

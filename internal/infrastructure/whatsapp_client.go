package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"nutripilot/internal/entities"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// MessageHandler answers one inbound chat message. The conversation router satisfies it.
type MessageHandler func(ctx context.Context, msg entities.Message) entities.Reply

// WhatsAppClient is a direct WhatsApp Web connection, paired by scanning a QR code.
type WhatsAppClient struct {
	Client *whatsmeow.Client
	logger zerolog.Logger

	qrCode string
	qrLock sync.RWMutex
}

func NewWhatsAppClient(dbPath string, logger zerolog.Logger) (*WhatsAppClient, error) {
	logger = logger.With().Str("component", "whatsapp").Logger()

	container, err := sqlstore.New(context.Background(), "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", waLog.Zerolog(logger.With().Str("module", "store").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Zerolog(logger.With().Str("module", "client").Logger()))
	return &WhatsAppClient{Client: client, logger: logger}, nil
}

// Connect opens the connection. An unpaired device starts publishing QR codes.
func (w *WhatsAppClient) Connect() error {
	if w.Client.Store.ID != nil {
		if err := w.Client.Connect(); err != nil {
			return err
		}
		w.logger.Info().Str("phone", w.Client.Store.ID.User).Msg("connected with existing session")
		return nil
	}

	qrChan, err := w.Client.GetQRChannel(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get qr channel: %w", err)
	}
	if err := w.Client.Connect(); err != nil {
		return err
	}
	go w.watchQR(qrChan)
	return nil
}

func (w *WhatsAppClient) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		w.qrLock.Lock()
		if evt.Event == "code" {
			w.qrCode = evt.Code
		} else {
			w.qrCode = ""
		}
		w.qrLock.Unlock()
		w.logger.Info().Str("event", evt.Event).Msg("pairing event")
	}
}

func (w *WhatsAppClient) GetQR() string {
	w.qrLock.RLock()
	defer w.qrLock.RUnlock()
	return w.qrCode
}

// QRPNG renders the pending pairing code. ok is false when nothing is waiting to be scanned.
func (w *WhatsAppClient) QRPNG() (png []byte, ok bool, err error) {
	code := w.GetQR()
	if code == "" || w.IsLoggedIn() {
		return nil, false, nil
	}
	png, err = qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return nil, false, err
	}
	return png, true, nil
}

func (w *WhatsAppClient) IsLoggedIn() bool {
	return w.Client.Store.ID != nil
}

func (w *WhatsAppClient) IsConnected() bool {
	return w.Client.IsConnected() && w.Client.Store.ID != nil
}

// Status is what the admin API reports about the pairing.
type WhatsAppStatus struct {
	Connected bool   `json:"connected"`
	LoggedIn  bool   `json:"logged_in"`
	Phone     string `json:"phone,omitempty"`
	Name      string `json:"name,omitempty"`
	QRPending bool   `json:"qr_pending"`
}

func (w *WhatsAppClient) Status() WhatsAppStatus {
	st := WhatsAppStatus{
		Connected: w.IsConnected(),
		LoggedIn:  w.IsLoggedIn(),
		QRPending: w.GetQR() != "" && !w.IsLoggedIn(),
	}
	if w.Client.Store.ID != nil {
		st.Phone = w.Client.Store.ID.User
		st.Name = w.Client.Store.PushName
	}
	return st
}

func (w *WhatsAppClient) Disconnect() {
	w.Client.Disconnect()
}

// HandleMessages routes every direct text message to handler and sends its reply back to the chat.
func (w *WhatsAppClient) HandleMessages(handler MessageHandler) {
	w.Client.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		in, ok := ParseMessage(msg)
		if !ok {
			return
		}
		go func() {
			out := handler(context.Background(), in)
			if out.Text == "" {
				return
			}
			if _, err := w.Client.SendMessage(context.Background(), msg.Info.Chat, &waProto.Message{Conversation: &out.Text}); err != nil {
				w.logger.Error().Err(err).Str("to", msg.Info.Chat.String()).Msg("failed to send reply")
			}
		}()
	})
}

// SendMessage pushes text to "wa:628...", a bare number, or a full JID.
func (w *WhatsAppClient) SendMessage(to string, content string) error {
	to = strings.TrimPrefix(to, "wa:")
	if !strings.Contains(to, "@") {
		to = strings.TrimPrefix(to, "+") + "@" + types.DefaultUserServer
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("invalid number format: %w", err)
	}

	_, err = w.Client.SendMessage(context.Background(), jid, &waProto.Message{
		Conversation: &content,
	})
	return err
}

// ParseMessage converts a whatsmeow event to a chat message.
// Own messages, group chats and messages without text are skipped.
func ParseMessage(evt *events.Message) (entities.Message, bool) {
	if evt.Info.IsFromMe || evt.Info.IsGroup || evt.Message == nil {
		return entities.Message{}, false
	}

	var content string
	switch {
	case evt.Message.GetConversation() != "":
		content = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage() != nil:
		content = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return entities.Message{}, false
	}

	return entities.Message{
		ID:       string(evt.Info.ID),
		From:     "wa:" + evt.Info.Sender.User,
		Body:     content,
		Platform: "whatsapp",
	}, true
}

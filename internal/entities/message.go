package entities

import "strings"

// Message is one inbound chat message, independent of the transport it arrived on.
type Message struct {
	ID       string // provider message id (Twilio MessageSid), used to drop duplicate deliveries
	From     string
	Body     string
	Platform string // "twilio", "whatsapp", "telegram"
	Media    []Media
}

// Media describes an attachment referenced by an inbound message.
type Media struct {
	URL         string
	ContentType string
}

// HasMedia reports whether the message carries at least one attachment
func (m Message) HasMedia() bool {
	return len(m.Media) > 0 && strings.TrimSpace(m.Media[0].URL) != ""
}

type ReplyKind int

const (
	ReplyNormal ReplyKind = iota
	ReplyRetry            // input rejected, state unchanged
	ReplyError            // internal failure converted into a chat message
	ReplyReport           // a finished formula report
)

// Reply is what the router hands back for every message. There is always one.
type Reply struct {
	Text string
	Kind ReplyKind
}

package interfaces

import (
	"context"
	"io"

	"nutripilot/internal/entities"
)

// SessionStore keeps conversation sessions keyed by sender.
// Get returns (nil, nil) when the sender has no live session.
type SessionStore interface {
	Get(ctx context.Context, id string) (*entities.Session, error)
	Put(ctx context.Context, id string, s *entities.Session) error
	Delete(ctx context.Context, id string) error
}

// Messenger pushes a reply to a chat transport that is not request/response (whatsmeow, Telegram).
type Messenger interface {
	SendMessage(to, content string) error
}

// FormulaAnalyzer is the external AgroCore analysis service.
type FormulaAnalyzer interface {
	Analyze(ctx context.Context, locale, formulaText string) (*entities.ExternalAnalysis, error)
	Ingest(ctx context.Context, filename, contentType string, file io.Reader) (*entities.IngestResult, error)
	Health(ctx context.Context) error
}

// MediaFetcher downloads an attachment referenced by an inbound message.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

// UsageRecorder counts handled messages per day and platform.
type UsageRecorder interface {
	Record(ctx context.Context, platform string, report bool) error
}

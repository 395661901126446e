package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nutripilot/internal/entities"
	"nutripilot/internal/interfaces"
	"nutripilot/internal/repository"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrUsageUnavailable = errors.New("usage history needs the postgres store")
	ErrNoTransport      = errors.New("no outbound transport for this sender")
	ErrEmptyMessage     = errors.New("message text is required")
)

type usageHistory interface {
	Recent(ctx context.Context, days int) ([]repository.DailyUsage, error)
}

// AdminUsecase backs the operator API: session inspection, reset and counters.
type AdminUsecase struct {
	store        interfaces.SessionStore
	conversation *ConversationService
	ingredients  *repository.IngredientRepository
	backend      string
	usage        usageHistory
	messengers   map[string]interfaces.Messenger
	startedAt    time.Time
}

func NewAdminUsecase(store interfaces.SessionStore, conversation *ConversationService, ingredients *repository.IngredientRepository, backend string) *AdminUsecase {
	return &AdminUsecase{
		store:        store,
		conversation: conversation,
		ingredients:  ingredients,
		backend:      backend,
		messengers:   make(map[string]interfaces.Messenger),
		startedAt:    time.Now(),
	}
}

func (u *AdminUsecase) WithUsage(h usageHistory) *AdminUsecase {
	u.usage = h
	return u
}

// WithMessenger registers the outbound transport for senders whose id starts with prefix
// ("tg:", "wa:" or "whatsapp:").
func (u *AdminUsecase) WithMessenger(prefix string, m interfaces.Messenger) *AdminUsecase {
	u.messengers[prefix] = m
	return u
}

// AdminStats is the payload of GET /api/admin/stats.
type AdminStats struct {
	Stats
	Backend              string `json:"store_backend"`
	ReferenceIngredients int    `json:"reference_ingredients"`
	UptimeSeconds        int64  `json:"uptime_seconds"`
	Version              string `json:"version"`
}

func (u *AdminUsecase) Stats() AdminStats {
	return AdminStats{
		Stats:                u.conversation.Stats(),
		Backend:              u.backend,
		ReferenceIngredients: u.ingredients.Count(),
		UptimeSeconds:        int64(time.Since(u.startedAt).Seconds()),
		Version:              Version,
	}
}

func (u *AdminUsecase) Session(ctx context.Context, id string) (*entities.Session, error) {
	sess, err := u.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ResetSession drops the stored session; the sender starts again from the main menu.
func (u *AdminUsecase) ResetSession(ctx context.Context, id string) error {
	if _, err := u.Session(ctx, id); err != nil {
		return err
	}
	if err := u.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Usage returns per-day message counts, newest first. days is clamped to 1..90.
func (u *AdminUsecase) Usage(ctx context.Context, days int) ([]repository.DailyUsage, error) {
	if u.usage == nil {
		return nil, ErrUsageUnavailable
	}
	if days < 1 {
		days = 7
	}
	if days > 90 {
		days = 90
	}
	return u.usage.Recent(ctx, days)
}

// SendMessage pushes an operator message to a sender on the transport it came in on.
func (u *AdminUsecase) SendMessage(id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	var (
		best   string
		sender interfaces.Messenger
	)
	for prefix, m := range u.messengers {
		if strings.HasPrefix(id, prefix) && len(prefix) > len(best) {
			best, sender = prefix, m
		}
	}
	if sender == nil {
		return ErrNoTransport
	}
	if err := sender.SendMessage(id, text); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

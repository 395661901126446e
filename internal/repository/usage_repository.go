package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type UsageRepository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

type DailyUsage struct {
	Date             time.Time `json:"date"`
	Platform         string    `json:"platform"`
	MessagesReceived int       `json:"messages_received"`
	ReportsSent      int       `json:"reports_sent"`
}

func NewUsageRepository(db *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{db: db, now: time.Now}
}

// Record counts one handled message for today, and one report when the reply was a report.
func (r *UsageRepository) Record(ctx context.Context, platform string, report bool) error {
	if platform == "" {
		platform = "unknown"
	}
	reports := 0
	if report {
		reports = 1
	}
	today := r.now().UTC().Format("2006-01-02")
	_, err := r.db.Exec(ctx, `
		INSERT INTO message_usage (date, platform, messages_received, reports_sent)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (date, platform)
		DO UPDATE SET messages_received = message_usage.messages_received + 1,
			reports_sent = message_usage.reports_sent + EXCLUDED.reports_sent
	`, today, platform, reports)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Recent returns the daily rows of the last days days, newest first.
func (r *UsageRepository) Recent(ctx context.Context, days int) ([]DailyUsage, error) {
	if days <= 0 {
		days = 7
	}
	since := r.now().UTC().AddDate(0, 0, -(days - 1)).Format("2006-01-02")
	rows, err := r.db.Query(ctx, `
		SELECT date, platform, messages_received, reports_sent
		FROM message_usage
		WHERE date >= $1
		ORDER BY date DESC, platform
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var usage []DailyUsage
	for rows.Next() {
		var u DailyUsage
		if err := rows.Scan(&u.Date, &u.Platform, &u.MessagesReceived, &u.ReportsSent); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

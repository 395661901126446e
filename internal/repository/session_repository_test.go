package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutripilot/internal/entities"
)

// Runs against a real database only when DATABASE_URL is set.
func TestSessionRepositoryPostgres(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS chat_sessions (
		id VARCHAR(128) PRIMARY KEY, state VARCHAR(32) NOT NULL, payload JSONB NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`)
	require.NoError(t, err)

	repo := NewSessionRepository(pool, time.Hour)
	id := "test:" + time.Now().Format(time.RFC3339Nano)
	defer func() { _ = repo.Delete(ctx, id) }()

	sess := entities.NewSession(id)
	sess.State = entities.StatePasteFormula
	require.NoError(t, repo.Put(ctx, id, sess))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entities.StatePasteFormula, got.State)

	counts, err := repo.CountByState(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts["PASTE_FORMULA"], 1)

	require.NoError(t, repo.Delete(ctx, id))
	got, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUsageRepositoryPostgres(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS message_usage (
		date DATE NOT NULL, platform VARCHAR(16) NOT NULL,
		messages_received INTEGER NOT NULL DEFAULT 0, reports_sent INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, platform))`)
	require.NoError(t, err)

	repo := NewUsageRepository(pool)
	// far future day so real traffic never collides
	day := time.Date(2099, 1, 2, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return day }
	defer func() {
		_, _ = pool.Exec(ctx, "DELETE FROM message_usage WHERE date = '2099-01-02'")
	}()

	require.NoError(t, repo.Record(ctx, "twilio", false))
	require.NoError(t, repo.Record(ctx, "twilio", true))
	require.NoError(t, repo.Record(ctx, "telegram", false))

	usage, err := repo.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "telegram", usage[0].Platform)
	assert.Equal(t, "twilio", usage[1].Platform)
	assert.Equal(t, 2, usage[1].MessagesReceived)
	assert.Equal(t, 1, usage[1].ReportsSent)
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nutripilot/internal/entities"
)

// SessionRepository stores chat sessions in Postgres (table chat_sessions).
type SessionRepository struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

func NewSessionRepository(db *pgxpool.Pool, ttl time.Duration) *SessionRepository {
	return &SessionRepository{db: db, ttl: ttl}
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*entities.Session, error) {
	var payload []byte
	err := r.db.QueryRow(ctx,
		"SELECT payload FROM chat_sessions WHERE id = $1 AND expires_at > NOW()",
		id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}

	var sess entities.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (r *SessionRepository) Put(ctx context.Context, id string, sess *entities.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO chat_sessions (id, state, payload, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state, payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at, updated_at = NOW()`,
		id, sess.State.String(), payload, time.Now().Add(r.ttl))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, "DELETE FROM chat_sessions WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired sessions.
func (r *SessionRepository) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM chat_sessions WHERE expires_at <= NOW()")
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByState groups live sessions by conversation state.
func (r *SessionRepository) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Query(ctx,
		"SELECT state, COUNT(*) FROM chat_sessions WHERE expires_at > NOW() GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

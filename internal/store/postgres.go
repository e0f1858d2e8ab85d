package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS forum_posts (
	thread_id  TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	title      TEXT NOT NULL,
	author_id  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS forum_messages (
	message_id  TEXT PRIMARY KEY,
	thread_id   TEXT NOT NULL,
	channel_id  TEXT NOT NULL,
	author_id   TEXT NOT NULL,
	author_name TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS user_scores (
	user_id    TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	score      BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore is the pgx-backed MirrorStore.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	logger.Info().Msg("mirror store connected")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, m Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO forum_messages (message_id, thread_id, channel_id, author_id, author_name, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id) DO UPDATE SET content = EXCLUDED.content`,
		m.ID, m.ThreadID, m.ChannelID, m.AuthorID, m.AuthorName, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving message %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM forum_messages WHERE message_id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", messageID, err)
	}
	return nil
}

func (s *PostgresStore) SavePost(ctx context.Context, p Post) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO forum_posts (thread_id, channel_id, title, author_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id) DO UPDATE SET title = EXCLUDED.title`,
		p.ThreadID, p.ChannelID, p.Title, p.AuthorID, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving post %s: %w", p.ThreadID, err)
	}
	return nil
}

func (s *PostgresStore) AddScore(ctx context.Context, userID, username string, points int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_scores (user_id, username, score, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id) DO UPDATE
		SET score = user_scores.score + EXCLUDED.score,
		    username = EXCLUDED.username,
		    updated_at = now()`,
		userID, username, points)
	if err != nil {
		return fmt.Errorf("adding score for %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Package conversation stores finalized utterances for users who identified
// themselves when the session opened.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vango-go/care-live/pkg/gateway/live/transcript"
)

var ErrUnknownConversation = errors.New("conversation: unknown conversation")

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("conversation: database url is empty")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("conversation: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation: ping: %w", err)
	}
	return pool, nil
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Start opens a conversation row for the session and returns its id.
func (s *Store) Start(ctx context.Context, userID uuid.UUID, sessionID string) (string, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, session_id) VALUES ($1, $2, $3)`,
		id, userID, sessionID,
	)
	if err != nil {
		return "", fmt.Errorf("conversation: start: %w", err)
	}
	return id.String(), nil
}

func (s *Store) End(ctx context.Context, conversationID string) error {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownConversation, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET ended_at = now() WHERE id = $1 AND ended_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("conversation: end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownConversation
	}
	return nil
}

// AppendUtterance implements transcript.Sink.
func (s *Store) AppendUtterance(ctx context.Context, conversationID string, speaker transcript.Speaker, text string) error {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownConversation, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversation_utterances (conversation_id, speaker, text) VALUES ($1, $2, $3)`,
		id, string(speaker), text,
	)
	if err != nil {
		return fmt.Errorf("conversation: append utterance: %w", err)
	}
	return nil
}

// Utterances returns a conversation's utterances in insertion order.
func (s *Store) Utterances(ctx context.Context, conversationID string) ([]transcript.Utterance, error) {
	id, err := uuid.Parse(conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownConversation, err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT speaker, text, created_at FROM conversation_utterances WHERE conversation_id = $1 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation: query utterances: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Utterance, error) {
		var (
			speaker string
			u       transcript.Utterance
			at      time.Time
		)
		if err := row.Scan(&speaker, &u.Text, &at); err != nil {
			return u, err
		}
		u.Speaker = transcript.Speaker(speaker)
		u.At = at
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: scan utterances: %w", err)
	}
	return out, nil
}

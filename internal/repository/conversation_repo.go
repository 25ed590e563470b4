package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"habit-chat/internal/domain"
)

type ConversationRepository interface {
	Create(ctx context.Context, conversation domain.Conversation) error
	GetByID(ctx context.Context, id string) (domain.Conversation, error)
	List(ctx context.Context) ([]domain.Conversation, error)
	Update(ctx context.Context, conversation domain.Conversation) error
	// AdjustUnread suma delta al contador sin bajar de cero y devuelve el valor resultante.
	AdjustUnread(ctx context.Context, id string, delta int) (int, error)
	SetFlags(ctx context.Context, id string, flags domain.FlagUpdate) (domain.Conversation, error)
	Delete(ctx context.Context, id string) error
}

type PgConversationRepository struct {
	pool *pgxpool.Pool
}

func NewPgConversationRepository(pool *pgxpool.Pool) *PgConversationRepository {
	return &PgConversationRepository{pool: pool}
}

const conversationColumns = `id, type, other_user_id, participant_ids, character_id, last_message, last_message_time,
	last_message_sender_id, last_message_type, unread_count, pinned, archived, muted, created_at, updated_at`

func (r *PgConversationRepository) Create(ctx context.Context, c domain.Conversation) error {
	const query = `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.pool.Exec(ctx, query,
		c.ID,
		c.Type,
		c.OtherUserID,
		participants(c.ParticipantIDs),
		c.CharacterID,
		c.LastMessage,
		c.LastMessageTime,
		c.LastMessageSenderID,
		c.LastMessageType,
		c.UnreadCount,
		c.Pinned,
		c.Archived,
		c.Muted,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (r *PgConversationRepository) GetByID(ctx context.Context, id string) (domain.Conversation, error) {
	const query = `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	c, err := scanConversation(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, ErrNotFound
	}
	return c, err
}

func (r *PgConversationRepository) List(ctx context.Context) ([]domain.Conversation, error) {
	const query = `
		SELECT ` + conversationColumns + `
		FROM conversations
		ORDER BY pinned DESC, last_message_time DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PgConversationRepository) Update(ctx context.Context, c domain.Conversation) error {
	const query = `
		UPDATE conversations
		SET type = $1, other_user_id = $2, participant_ids = $3, character_id = $4, last_message = $5,
			last_message_time = $6, last_message_sender_id = $7, last_message_type = $8, unread_count = $9,
			pinned = $10, archived = $11, muted = $12, updated_at = $13
		WHERE id = $14
	`
	tag, err := r.pool.Exec(ctx, query,
		c.Type,
		c.OtherUserID,
		participants(c.ParticipantIDs),
		c.CharacterID,
		c.LastMessage,
		c.LastMessageTime,
		c.LastMessageSenderID,
		c.LastMessageType,
		c.UnreadCount,
		c.Pinned,
		c.Archived,
		c.Muted,
		c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgConversationRepository) AdjustUnread(ctx context.Context, id string, delta int) (int, error) {
	const query = `
		UPDATE conversations
		SET unread_count = GREATEST(0, unread_count + $1), updated_at = $2
		WHERE id = $3
		RETURNING unread_count
	`
	var count int
	err := r.pool.QueryRow(ctx, query, delta, time.Now().UTC(), id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

// SetFlags aplica las banderas dentro de una transaccion para leer y escribir la misma fila.
func (r *PgConversationRepository) SetFlags(ctx context.Context, id string, flags domain.FlagUpdate) (domain.Conversation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const selectQuery = `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 FOR UPDATE`
	c, err := scanConversation(tx.QueryRow(ctx, selectQuery, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, ErrNotFound
	}
	if err != nil {
		return domain.Conversation{}, err
	}

	c = flags.Apply(c)
	c.UpdatedAt = time.Now().UTC()
	const updateQuery = `UPDATE conversations SET pinned = $1, archived = $2, muted = $3, updated_at = $4 WHERE id = $5`
	if _, err := tx.Exec(ctx, updateQuery, c.Pinned, c.Archived, c.Muted, c.UpdatedAt, c.ID); err != nil {
		return domain.Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Conversation{}, fmt.Errorf("commit tx: %w", err)
	}
	return c, nil
}

func (r *PgConversationRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var c domain.Conversation
	err := row.Scan(
		&c.ID,
		&c.Type,
		&c.OtherUserID,
		&c.ParticipantIDs,
		&c.CharacterID,
		&c.LastMessage,
		&c.LastMessageTime,
		&c.LastMessageSenderID,
		&c.LastMessageType,
		&c.UnreadCount,
		&c.Pinned,
		&c.Archived,
		&c.Muted,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func participants(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

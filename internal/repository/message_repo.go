package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"habit-chat/internal/domain"
)

// ErrNotFound se devuelve cuando la fila buscada no existe.
var ErrNotFound = errors.New("not found")

type MessageRepository interface {
	// Create inserta si no existe; inserted=false indica un ID ya presente.
	Create(ctx context.Context, message domain.Message) (bool, error)
	GetByID(ctx context.Context, id string) (domain.Message, error)
	Exists(ctx context.Context, id string) (bool, error)
	Update(ctx context.Context, message domain.Message) error
	// MarkSent solo cambia is_sent; no pisa ediciones ni borrados concurrentes.
	MarkSent(ctx context.Context, id string, at time.Time) error
	ListByConversationID(ctx context.Context, conversationID string) ([]domain.Message, error)
	ListUnsent(ctx context.Context) ([]domain.Message, error)
	// MarkRead marca como leidos los entrantes no leidos; ids vacio marca todos. Devuelve cuantos cambiaron.
	MarkRead(ctx context.Context, conversationID string, ids []string) (int, error)
	Edit(ctx context.Context, id, content string, at time.Time) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, message_type, sent_at,
	created_at, updated_at, is_from_me, is_read, is_sent, edited_content, edited_at, soft_deleted, metadata`

func (r *PgMessageRepository) Create(ctx context.Context, message domain.Message) (bool, error) {
	const query = `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.ReceiverID,
		message.Content,
		message.MessageType,
		message.Timestamp,
		message.CreatedAt,
		message.UpdatedAt,
		message.IsFromMe,
		message.IsRead,
		message.IsSent,
		message.EditedContent,
		message.EditedAt,
		message.SoftDeleted,
		metadataValue(message.Metadata),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgMessageRepository) GetByID(ctx context.Context, id string) (domain.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	msg, err := scanMessage(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, ErrNotFound
	}
	return msg, err
}

func (r *PgMessageRepository) Exists(ctx context.Context, id string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`
	var exists bool
	err := r.pool.QueryRow(ctx, query, id).Scan(&exists)
	return exists, err
}

func (r *PgMessageRepository) Update(ctx context.Context, message domain.Message) error {
	const query = `
		UPDATE messages
		SET content = $1, message_type = $2, sent_at = $3, updated_at = $4, is_read = $5, is_sent = $6,
			edited_content = $7, edited_at = $8, soft_deleted = $9, metadata = $10
		WHERE id = $11
	`
	tag, err := r.pool.Exec(ctx, query,
		message.Content,
		message.MessageType,
		message.Timestamp,
		message.UpdatedAt,
		message.IsRead,
		message.IsSent,
		message.EditedContent,
		message.EditedAt,
		message.SoftDeleted,
		metadataValue(message.Metadata),
		message.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgMessageRepository) ListByConversationID(ctx context.Context, conversationID string) ([]domain.Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sent_at ASC, created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *PgMessageRepository) ListUnsent(ctx context.Context) ([]domain.Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE is_from_me = TRUE AND is_sent = FALSE AND soft_deleted = FALSE
		ORDER BY sent_at ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *PgMessageRepository) MarkRead(ctx context.Context, conversationID string, ids []string) (int, error) {
	const base = `
		UPDATE messages
		SET is_read = TRUE, updated_at = NOW()
		WHERE conversation_id = $1 AND is_read = FALSE AND is_from_me = FALSE AND soft_deleted = FALSE
	`
	var (
		tag pgconn.CommandTag
		err error
	)
	if len(ids) == 0 {
		tag, err = r.pool.Exec(ctx, base, conversationID)
	} else {
		tag, err = r.pool.Exec(ctx, base+` AND id = ANY($2)`, conversationID, ids)
	}
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgMessageRepository) Edit(ctx context.Context, id, content string, at time.Time) error {
	const query = `
		UPDATE messages
		SET edited_content = $1, edited_at = $2, updated_at = $2
		WHERE id = $3 AND soft_deleted = FALSE
	`
	tag, err := r.pool.Exec(ctx, query, content, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgMessageRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE messages SET is_sent = TRUE, updated_at = $1 WHERE id = $2`
	tag, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgMessageRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE messages SET soft_deleted = TRUE, updated_at = $1 WHERE id = $2`
	tag, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var msg domain.Message
	var receiverID *string
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&receiverID,
		&msg.Content,
		&msg.MessageType,
		&msg.Timestamp,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&msg.IsFromMe,
		&msg.IsRead,
		&msg.IsSent,
		&msg.EditedContent,
		&msg.EditedAt,
		&msg.SoftDeleted,
		&msg.Metadata,
	)
	if err != nil {
		return domain.Message{}, err
	}
	if receiverID != nil {
		msg.ReceiverID = *receiverID
	}
	return msg, nil
}

func collectMessages(rows pgx.Rows) ([]domain.Message, error) {
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// metadataValue evita guardar 'null' en la columna jsonb.
func metadataValue(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

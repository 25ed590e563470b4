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

type CharacterRepository interface {
	Create(ctx context.Context, character domain.AiCharacter) error
	GetByID(ctx context.Context, id string) (domain.AiCharacter, error)
	GetSelected(ctx context.Context) (domain.AiCharacter, error)
	List(ctx context.Context) ([]domain.AiCharacter, error)
	// Select deja a id como unico personaje seleccionado.
	Select(ctx context.Context, id string) (domain.AiCharacter, error)
	IncrementUsage(ctx context.Context, id string) error
}

type PgCharacterRepository struct {
	pool *pgxpool.Pool
}

func NewPgCharacterRepository(pool *pgxpool.Pool) *PgCharacterRepository {
	return &PgCharacterRepository{pool: pool}
}

const characterColumns = `id, name, type, usage_count, selected, created_at, updated_at`

func (r *PgCharacterRepository) Create(ctx context.Context, character domain.AiCharacter) error {
	const query = `
		INSERT INTO ai_characters (` + characterColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		character.ID,
		character.Name,
		character.Type,
		character.UsageCount,
		character.Selected,
		character.CreatedAt,
		character.UpdatedAt,
	)
	return err
}

func (r *PgCharacterRepository) GetByID(ctx context.Context, id string) (domain.AiCharacter, error) {
	const query = `SELECT ` + characterColumns + ` FROM ai_characters WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *PgCharacterRepository) GetSelected(ctx context.Context) (domain.AiCharacter, error) {
	const query = `SELECT ` + characterColumns + ` FROM ai_characters WHERE selected = TRUE LIMIT 1`
	return r.getOne(ctx, query)
}

func (r *PgCharacterRepository) getOne(ctx context.Context, query string, args ...any) (domain.AiCharacter, error) {
	c, err := scanCharacter(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AiCharacter{}, ErrNotFound
	}
	return c, err
}

func (r *PgCharacterRepository) List(ctx context.Context) ([]domain.AiCharacter, error) {
	const query = `
		SELECT ` + characterColumns + `
		FROM ai_characters
		ORDER BY selected DESC, usage_count DESC, name ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chars []domain.AiCharacter
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		chars = append(chars, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chars, nil
}

func (r *PgCharacterRepository) Select(ctx context.Context, id string) (domain.AiCharacter, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.AiCharacter{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE ai_characters SET selected = FALSE, updated_at = $1 WHERE selected = TRUE AND id <> $2`, now, id); err != nil {
		return domain.AiCharacter{}, fmt.Errorf("clear selection: %w", err)
	}

	const query = `
		UPDATE ai_characters SET selected = TRUE, updated_at = $1
		WHERE id = $2
		RETURNING ` + characterColumns
	c, err := scanCharacter(tx.QueryRow(ctx, query, now, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AiCharacter{}, ErrNotFound
	}
	if err != nil {
		return domain.AiCharacter{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.AiCharacter{}, fmt.Errorf("commit tx: %w", err)
	}
	return c, nil
}

func (r *PgCharacterRepository) IncrementUsage(ctx context.Context, id string) error {
	const query = `UPDATE ai_characters SET usage_count = usage_count + 1, updated_at = $1 WHERE id = $2`
	tag, err := r.pool.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCharacter(row pgx.Row) (domain.AiCharacter, error) {
	var c domain.AiCharacter
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Type,
		&c.UsageCount,
		&c.Selected,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// TagRepo persists tags. Names are case-insensitively unique.
type TagRepo struct{ Pool PgxPool }

func NewTagRepo(p PgxPool) *TagRepo { return &TagRepo{Pool: p} }

func (r *TagRepo) Create(ctx domain.Context, t domain.Tag) (domain.Tag, error) {
	tracer := otel.Tracer("repo.tags")
	ctx, span := tracer.Start(ctx, "tags.Create")
	defer span.End()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	q := `INSERT INTO tags (id, name, color, description, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, t.ID, t.Name, t.Color, t.Description, time.Now().UTC()); err != nil {
		if isUniqueViolation(err) {
			return domain.Tag{}, fmt.Errorf("op=tag.create name=%q: %w", t.Name, domain.ErrConflict)
		}
		return domain.Tag{}, fmt.Errorf("op=tag.create: %w", err)
	}
	return t, nil
}

func (r *TagRepo) Get(ctx domain.Context, id string) (domain.Tag, error) {
	tracer := otel.Tracer("repo.tags")
	ctx, span := tracer.Start(ctx, "tags.Get")
	defer span.End()

	var t domain.Tag
	row := r.Pool.QueryRow(ctx, `SELECT id, name, color, description FROM tags WHERE id=$1`, id)
	if err := row.Scan(&t.ID, &t.Name, &t.Color, &t.Description); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Tag{}, fmt.Errorf("op=tag.get: %w", domain.ErrNotFound)
		}
		return domain.Tag{}, fmt.Errorf("op=tag.get: %w", err)
	}
	return t, nil
}

func (r *TagRepo) List(ctx domain.Context) ([]domain.Tag, error) {
	tracer := otel.Tracer("repo.tags")
	ctx, span := tracer.Start(ctx, "tags.List")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT id, name, color, description FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("op=tag.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Color, &t.Description); err != nil {
			return nil, fmt.Errorf("op=tag.list_scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tag.list_rows: %w", err)
	}
	return out, nil
}

func (r *TagRepo) Update(ctx domain.Context, t domain.Tag) (domain.Tag, error) {
	tracer := otel.Tracer("repo.tags")
	ctx, span := tracer.Start(ctx, "tags.Update")
	defer span.End()

	q := `UPDATE tags SET name=$2, color=$3, description=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, t.ID, t.Name, t.Color, t.Description)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Tag{}, fmt.Errorf("op=tag.update name=%q: %w", t.Name, domain.ErrConflict)
		}
		return domain.Tag{}, fmt.Errorf("op=tag.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Tag{}, fmt.Errorf("op=tag.update: %w", domain.ErrNotFound)
	}
	return t, nil
}

func (r *TagRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.tags")
	ctx, span := tracer.Start(ctx, "tags.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM tags WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=tag.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=tag.delete: %w", domain.ErrNotFound)
	}
	return nil
}

package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// EntryTypeRepo persists entry types and their indexability flags.
type EntryTypeRepo struct{ Pool PgxPool }

func NewEntryTypeRepo(p PgxPool) *EntryTypeRepo { return &EntryTypeRepo{Pool: p} }

const entryTypeCols = `id, code, name, color, icon, graph_enabled, ai_enabled, enabled`

func scanEntryType(row pgx.Row) (domain.EntryType, error) {
	var t domain.EntryType
	err := row.Scan(&t.ID, &t.Code, &t.Name, &t.Color, &t.Icon, &t.GraphEnabled, &t.AIEnabled, &t.Enabled)
	return t, err
}

func (r *EntryTypeRepo) Create(ctx domain.Context, t domain.EntryType) (domain.EntryType, error) {
	tracer := otel.Tracer("repo.entry_types")
	ctx, span := tracer.Start(ctx, "entry_types.Create")
	defer span.End()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO entry_types (id, code, name, color, icon, graph_enabled, ai_enabled, enabled, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`
	if _, err := r.Pool.Exec(ctx, q, t.ID, t.Code, t.Name, t.Color, t.Icon, t.GraphEnabled, t.AIEnabled, t.Enabled, now); err != nil {
		if isUniqueViolation(err) {
			return domain.EntryType{}, fmt.Errorf("op=entry_type.create code=%q: %w", t.Code, domain.ErrConflict)
		}
		return domain.EntryType{}, fmt.Errorf("op=entry_type.create: %w", err)
	}
	return t, nil
}

func (r *EntryTypeRepo) Get(ctx domain.Context, id string) (domain.EntryType, error) {
	tracer := otel.Tracer("repo.entry_types")
	ctx, span := tracer.Start(ctx, "entry_types.Get")
	defer span.End()

	t, err := scanEntryType(r.Pool.QueryRow(ctx, `SELECT `+entryTypeCols+` FROM entry_types WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EntryType{}, fmt.Errorf("op=entry_type.get: %w", domain.ErrNotFound)
		}
		return domain.EntryType{}, fmt.Errorf("op=entry_type.get: %w", err)
	}
	return t, nil
}

func (r *EntryTypeRepo) GetByCode(ctx domain.Context, code string) (domain.EntryType, error) {
	tracer := otel.Tracer("repo.entry_types")
	ctx, span := tracer.Start(ctx, "entry_types.GetByCode")
	defer span.End()

	t, err := scanEntryType(r.Pool.QueryRow(ctx, `SELECT `+entryTypeCols+` FROM entry_types WHERE code=$1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EntryType{}, fmt.Errorf("op=entry_type.get_by_code: %w", domain.ErrNotFound)
		}
		return domain.EntryType{}, fmt.Errorf("op=entry_type.get_by_code: %w", err)
	}
	return t, nil
}

func (r *EntryTypeRepo) List(ctx domain.Context) ([]domain.EntryType, error) {
	tracer := otel.Tracer("repo.entry_types")
	ctx, span := tracer.Start(ctx, "entry_types.List")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT `+entryTypeCols+` FROM entry_types ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("op=entry_type.list: %w", err)
	}
	defer rows.Close()
	var out []domain.EntryType
	for rows.Next() {
		var t domain.EntryType
		if err := rows.Scan(&t.ID, &t.Code, &t.Name, &t.Color, &t.Icon, &t.GraphEnabled, &t.AIEnabled, &t.Enabled); err != nil {
			return nil, fmt.Errorf("op=entry_type.list_scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=entry_type.list_rows: %w", err)
	}
	return out, nil
}

func (r *EntryTypeRepo) Update(ctx domain.Context, t domain.EntryType) (domain.EntryType, error) {
	tracer := otel.Tracer("repo.entry_types")
	ctx, span := tracer.Start(ctx, "entry_types.Update")
	defer span.End()

	q := `UPDATE entry_types SET code=$2, name=$3, color=$4, icon=$5, graph_enabled=$6, ai_enabled=$7, enabled=$8, updated_at=$9 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, t.ID, t.Code, t.Name, t.Color, t.Icon, t.GraphEnabled, t.AIEnabled, t.Enabled, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.EntryType{}, fmt.Errorf("op=entry_type.update code=%q: %w", t.Code, domain.ErrConflict)
		}
		return domain.EntryType{}, fmt.Errorf("op=entry_type.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.EntryType{}, fmt.Errorf("op=entry_type.update: %w", domain.ErrNotFound)
	}
	return t, nil
}

func (r *EntryTypeRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.entry_types")
	ctx, span := tracer.Start(ctx, "entry_types.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM entry_types WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=entry_type.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=entry_type.delete: %w", domain.ErrNotFound)
	}
	return nil
}

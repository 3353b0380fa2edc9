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

// RelationTypeRepo persists relation types.
type RelationTypeRepo struct{ Pool PgxPool }

func NewRelationTypeRepo(p PgxPool) *RelationTypeRepo { return &RelationTypeRepo{Pool: p} }

func (r *RelationTypeRepo) Create(ctx domain.Context, t domain.RelationType) (domain.RelationType, error) {
	tracer := otel.Tracer("repo.relation_types")
	ctx, span := tracer.Start(ctx, "relation_types.Create")
	defer span.End()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	q := `INSERT INTO relation_types (id, code, name, directed, enabled) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, t.ID, t.Code, t.Name, t.Directed, t.Enabled); err != nil {
		if isUniqueViolation(err) {
			return domain.RelationType{}, fmt.Errorf("op=relation_type.create code=%q: %w", t.Code, domain.ErrConflict)
		}
		return domain.RelationType{}, fmt.Errorf("op=relation_type.create: %w", err)
	}
	return t, nil
}

func (r *RelationTypeRepo) List(ctx domain.Context) ([]domain.RelationType, error) {
	return r.list(ctx, false)
}

func (r *RelationTypeRepo) ListEnabled(ctx domain.Context) ([]domain.RelationType, error) {
	return r.list(ctx, true)
}

func (r *RelationTypeRepo) list(ctx domain.Context, enabledOnly bool) ([]domain.RelationType, error) {
	tracer := otel.Tracer("repo.relation_types")
	ctx, span := tracer.Start(ctx, "relation_types.List")
	defer span.End()

	q := `SELECT id, code, name, directed, enabled FROM relation_types`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY code`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=relation_type.list: %w", err)
	}
	defer rows.Close()
	var out []domain.RelationType
	for rows.Next() {
		var t domain.RelationType
		if err := rows.Scan(&t.ID, &t.Code, &t.Name, &t.Directed, &t.Enabled); err != nil {
			return nil, fmt.Errorf("op=relation_type.list_scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=relation_type.list_rows: %w", err)
	}
	return out, nil
}

func (r *RelationTypeRepo) Update(ctx domain.Context, t domain.RelationType) (domain.RelationType, error) {
	tracer := otel.Tracer("repo.relation_types")
	ctx, span := tracer.Start(ctx, "relation_types.Update")
	defer span.End()

	q := `UPDATE relation_types SET code=$2, name=$3, directed=$4, enabled=$5 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, t.ID, t.Code, t.Name, t.Directed, t.Enabled)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.RelationType{}, fmt.Errorf("op=relation_type.update code=%q: %w", t.Code, domain.ErrConflict)
		}
		return domain.RelationType{}, fmt.Errorf("op=relation_type.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.RelationType{}, fmt.Errorf("op=relation_type.update: %w", domain.ErrNotFound)
	}
	return t, nil
}

func (r *RelationTypeRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.relation_types")
	ctx, span := tracer.Start(ctx, "relation_types.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM relation_types WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=relation_type.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=relation_type.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// RelationRepo persists edges between entries.
type RelationRepo struct{ Pool PgxPool }

func NewRelationRepo(p PgxPool) *RelationRepo { return &RelationRepo{Pool: p} }

func (r *RelationRepo) Create(ctx domain.Context, rel domain.EntryRelation) (domain.EntryRelation, error) {
	tracer := otel.Tracer("repo.relations")
	ctx, span := tracer.Start(ctx, "relations.Create")
	defer span.End()

	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	rel.CreatedAt = time.Now().UTC()
	q := `INSERT INTO entry_relations (id, source_entry_id, target_entry_id, type_id, note, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, rel.ID, rel.SourceEntryID, rel.TargetEntryID, rel.TypeID, rel.Note, rel.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.EntryRelation{}, fmt.Errorf("op=relation.create: %w", domain.ErrConflict)
		}
		return domain.EntryRelation{}, fmt.Errorf("op=relation.create: %w", err)
	}
	return rel, nil
}

func (r *RelationRepo) ListByEntry(ctx domain.Context, entryID string) ([]domain.EntryRelation, error) {
	tracer := otel.Tracer("repo.relations")
	ctx, span := tracer.Start(ctx, "relations.ListByEntry")
	defer span.End()

	q := `SELECT id, source_entry_id, target_entry_id, type_id, note, created_at
FROM entry_relations WHERE source_entry_id=$1 OR target_entry_id=$1 ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, entryID)
	if err != nil {
		return nil, fmt.Errorf("op=relation.list: %w", err)
	}
	defer rows.Close()
	var out []domain.EntryRelation
	for rows.Next() {
		var rel domain.EntryRelation
		if err := rows.Scan(&rel.ID, &rel.SourceEntryID, &rel.TargetEntryID, &rel.TypeID, &rel.Note, &rel.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=relation.list_scan: %w", err)
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=relation.list_rows: %w", err)
	}
	return out, nil
}

func (r *RelationRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.relations")
	ctx, span := tracer.Start(ctx, "relations.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM entry_relations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=relation.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=relation.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// Exists checks both directions; undirected relation types treat (a,b) and
// (b,a) as the same edge.
func (r *RelationRepo) Exists(ctx domain.Context, sourceID, targetID, typeID string) (bool, error) {
	tracer := otel.Tracer("repo.relations")
	ctx, span := tracer.Start(ctx, "relations.Exists")
	defer span.End()

	q := `SELECT EXISTS (
    SELECT 1 FROM entry_relations er
    JOIN relation_types rt ON rt.id = er.type_id
    WHERE er.type_id = $3
      AND ((er.source_entry_id = $1 AND er.target_entry_id = $2)
           OR (NOT rt.directed AND er.source_entry_id = $2 AND er.target_entry_id = $1))
)`
	var exists bool
	if err := r.Pool.QueryRow(ctx, q, sourceID, targetID, typeID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("op=relation.exists: %w", err)
	}
	return exists, nil
}

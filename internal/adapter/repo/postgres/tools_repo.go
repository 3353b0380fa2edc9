package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/mindatlas/mindatlas/internal/domain"
)

type ToolRepo struct{ Pool PgxPool }

func NewToolRepo(p PgxPool) *ToolRepo { return &ToolRepo{Pool: p} }

const toolCols = `id, name, description, kind, parameters, remote_config, enabled, is_system, created_at, updated_at`

func scanTool(row pgx.Row) (domain.AssistantTool, error) {
	var t domain.AssistantTool
	var params, remote []byte
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Kind, &params, &remote,
		&t.Enabled, &t.IsSystem, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.AssistantTool{}, err
	}
	if err := decodeToolJSON(&t, params, remote); err != nil {
		return domain.AssistantTool{}, err
	}
	return t, nil
}

func decodeToolJSON(t *domain.AssistantTool, params, remote []byte) error {
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Parameters); err != nil {
			return fmt.Errorf("op=tool.decode_parameters: %w", err)
		}
	}
	if len(remote) > 0 {
		var rc domain.RemoteToolConfig
		if err := json.Unmarshal(remote, &rc); err != nil {
			return fmt.Errorf("op=tool.decode_remote_config: %w", err)
		}
		t.Remote = &rc
	}
	return nil
}

func encodeToolJSON(t domain.AssistantTool) (params, remote []byte, err error) {
	p := t.Parameters
	if p == nil {
		p = map[string]any{}
	}
	if params, err = json.Marshal(p); err != nil {
		return nil, nil, fmt.Errorf("op=tool.encode_parameters: %w", err)
	}
	if t.Remote != nil {
		if remote, err = json.Marshal(t.Remote); err != nil {
			return nil, nil, fmt.Errorf("op=tool.encode_remote_config: %w", err)
		}
	}
	return params, remote, nil
}

func (r *ToolRepo) Create(ctx domain.Context, t domain.AssistantTool) (domain.AssistantTool, error) {
	tracer := otel.Tracer("repo.tools")
	ctx, span := tracer.Start(ctx, "tools.Create")
	defer span.End()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Kind == "" {
		t.Kind = domain.ToolKindRemote
	}
	params, remote, err := encodeToolJSON(t)
	if err != nil {
		return domain.AssistantTool{}, err
	}
	_, err = r.Pool.Exec(ctx, `INSERT INTO assistant_tools (`+toolCols+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.Name, t.Description, t.Kind, params, remote, t.Enabled, t.IsSystem, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.AssistantTool{}, fmt.Errorf("op=tool.create name=%q: %w", t.Name, domain.ErrConflict)
		}
		return domain.AssistantTool{}, fmt.Errorf("op=tool.create: %w", err)
	}
	return t, nil
}

func (r *ToolRepo) Get(ctx domain.Context, id string) (domain.AssistantTool, error) {
	tracer := otel.Tracer("repo.tools")
	ctx, span := tracer.Start(ctx, "tools.Get")
	defer span.End()

	t, err := scanTool(r.Pool.QueryRow(ctx, `SELECT `+toolCols+` FROM assistant_tools WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AssistantTool{}, fmt.Errorf("op=tool.get: %w", domain.ErrNotFound)
		}
		return domain.AssistantTool{}, fmt.Errorf("op=tool.get: %w", err)
	}
	return t, nil
}

func (r *ToolRepo) GetByName(ctx domain.Context, name string) (domain.AssistantTool, error) {
	tracer := otel.Tracer("repo.tools")
	ctx, span := tracer.Start(ctx, "tools.GetByName")
	defer span.End()

	t, err := scanTool(r.Pool.QueryRow(ctx, `SELECT `+toolCols+` FROM assistant_tools WHERE name=$1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AssistantTool{}, fmt.Errorf("op=tool.get_by_name name=%q: %w", name, domain.ErrNotFound)
		}
		return domain.AssistantTool{}, fmt.Errorf("op=tool.get_by_name: %w", err)
	}
	return t, nil
}

func (r *ToolRepo) List(ctx domain.Context) ([]domain.AssistantTool, error) {
	tracer := otel.Tracer("repo.tools")
	ctx, span := tracer.Start(ctx, "tools.List")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT `+toolCols+` FROM assistant_tools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("op=tool.list: %w", err)
	}
	defer rows.Close()
	var out []domain.AssistantTool
	for rows.Next() {
		var t domain.AssistantTool
		var params, remote []byte
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Kind, &params, &remote,
			&t.Enabled, &t.IsSystem, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=tool.list_scan: %w", err)
		}
		if err := decodeToolJSON(&t, params, remote); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tool.list_rows: %w", err)
	}
	return out, nil
}

func (r *ToolRepo) Update(ctx domain.Context, t domain.AssistantTool) (domain.AssistantTool, error) {
	tracer := otel.Tracer("repo.tools")
	ctx, span := tracer.Start(ctx, "tools.Update")
	defer span.End()

	t.UpdatedAt = time.Now().UTC()
	params, remote, err := encodeToolJSON(t)
	if err != nil {
		return domain.AssistantTool{}, err
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE assistant_tools SET name=$2, description=$3, kind=$4,
parameters=$5, remote_config=$6, enabled=$7, updated_at=$8 WHERE id=$1`,
		t.ID, t.Name, t.Description, t.Kind, params, remote, t.Enabled, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.AssistantTool{}, fmt.Errorf("op=tool.update name=%q: %w", t.Name, domain.ErrConflict)
		}
		return domain.AssistantTool{}, fmt.Errorf("op=tool.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.AssistantTool{}, fmt.Errorf("op=tool.update: %w", domain.ErrNotFound)
	}
	return t, nil
}

func (r *ToolRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.tools")
	ctx, span := tracer.Start(ctx, "tools.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM assistant_tools WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=tool.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=tool.delete: %w", domain.ErrNotFound)
	}
	return nil
}

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

type SkillRepo struct{ Pool PgxPool }

func NewSkillRepo(p PgxPool) *SkillRepo { return &SkillRepo{Pool: p} }

const skillCols = `id, name, description, intent_examples, tools, mode, system_prompt, kb_config, is_system, enabled, hidden, steps, created_at, updated_at`

type skillRow struct {
	intentExamples []byte
	tools          []byte
	kbConfig       []byte
	steps          []byte
}

func scanSkill(row pgx.Row) (domain.Skill, error) {
	var s domain.Skill
	var raw skillRow
	err := row.Scan(&s.ID, &s.Name, &s.Description, &raw.intentExamples, &raw.tools, &s.Mode,
		&s.SystemPrompt, &raw.kbConfig, &s.IsSystem, &s.Enabled, &s.Hidden, &raw.steps,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Skill{}, err
	}
	if err := decodeSkillJSON(&s, raw); err != nil {
		return domain.Skill{}, err
	}
	return s, nil
}

func decodeSkillJSON(s *domain.Skill, raw skillRow) error {
	if err := unmarshalIfSet(raw.intentExamples, &s.IntentExamples); err != nil {
		return fmt.Errorf("op=skill.decode_intent_examples: %w", err)
	}
	if err := unmarshalIfSet(raw.tools, &s.Tools); err != nil {
		return fmt.Errorf("op=skill.decode_tools: %w", err)
	}
	if len(raw.kbConfig) > 0 {
		if err := json.Unmarshal(raw.kbConfig, &s.KB); err != nil {
			return fmt.Errorf("op=skill.decode_kb_config: %w", err)
		}
	}
	if err := unmarshalIfSet(raw.steps, &s.Steps); err != nil {
		return fmt.Errorf("op=skill.decode_steps: %w", err)
	}
	return nil
}

func encodeSkillJSON(s domain.Skill) (intentExamples, tools, kbConfig, steps []byte, err error) {
	if intentExamples, err = json.Marshal(emptySlice(s.IntentExamples)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("op=skill.encode_intent_examples: %w", err)
	}
	if tools, err = json.Marshal(emptySlice(s.Tools)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("op=skill.encode_tools: %w", err)
	}
	if kbConfig, err = json.Marshal(s.KB); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("op=skill.encode_kb_config: %w", err)
	}
	if steps, err = json.Marshal(emptySteps(s.Steps)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("op=skill.encode_steps: %w", err)
	}
	return intentExamples, tools, kbConfig, steps, nil
}

// JSONB columns default to '[]'; keep writes consistent with that.
func emptySlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func emptySteps(v []domain.SkillStep) []domain.SkillStep {
	if v == nil {
		return []domain.SkillStep{}
	}
	return v
}

func (r *SkillRepo) Create(ctx domain.Context, s domain.Skill) (domain.Skill, error) {
	tracer := otel.Tracer("repo.skills")
	ctx, span := tracer.Start(ctx, "skills.Create")
	defer span.End()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Mode == "" {
		s.Mode = domain.SkillModeSteps
	}
	intentExamples, tools, kbConfig, steps, err := encodeSkillJSON(s)
	if err != nil {
		return domain.Skill{}, err
	}
	_, err = r.Pool.Exec(ctx, `INSERT INTO assistant_skills (`+skillCols+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		s.ID, s.Name, s.Description, intentExamples, tools, s.Mode, s.SystemPrompt, kbConfig,
		s.IsSystem, s.Enabled, s.Hidden, steps, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Skill{}, fmt.Errorf("op=skill.create name=%q: %w", s.Name, domain.ErrConflict)
		}
		return domain.Skill{}, fmt.Errorf("op=skill.create: %w", err)
	}
	return s, nil
}

func (r *SkillRepo) Get(ctx domain.Context, id string) (domain.Skill, error) {
	tracer := otel.Tracer("repo.skills")
	ctx, span := tracer.Start(ctx, "skills.Get")
	defer span.End()

	s, err := scanSkill(r.Pool.QueryRow(ctx, `SELECT `+skillCols+` FROM assistant_skills WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Skill{}, fmt.Errorf("op=skill.get: %w", domain.ErrNotFound)
		}
		return domain.Skill{}, fmt.Errorf("op=skill.get: %w", err)
	}
	return s, nil
}

func (r *SkillRepo) GetByName(ctx domain.Context, name string) (domain.Skill, error) {
	tracer := otel.Tracer("repo.skills")
	ctx, span := tracer.Start(ctx, "skills.GetByName")
	defer span.End()

	s, err := scanSkill(r.Pool.QueryRow(ctx, `SELECT `+skillCols+` FROM assistant_skills WHERE name=$1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Skill{}, fmt.Errorf("op=skill.get_by_name name=%q: %w", name, domain.ErrNotFound)
		}
		return domain.Skill{}, fmt.Errorf("op=skill.get_by_name: %w", err)
	}
	return s, nil
}

func (r *SkillRepo) List(ctx domain.Context) ([]domain.Skill, error) {
	tracer := otel.Tracer("repo.skills")
	ctx, span := tracer.Start(ctx, "skills.List")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT `+skillCols+` FROM assistant_skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("op=skill.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Skill
	for rows.Next() {
		var s domain.Skill
		var raw skillRow
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &raw.intentExamples, &raw.tools, &s.Mode,
			&s.SystemPrompt, &raw.kbConfig, &s.IsSystem, &s.Enabled, &s.Hidden, &raw.steps,
			&s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=skill.list_scan: %w", err)
		}
		if err := decodeSkillJSON(&s, raw); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=skill.list_rows: %w", err)
	}
	return out, nil
}

func (r *SkillRepo) Update(ctx domain.Context, s domain.Skill) (domain.Skill, error) {
	tracer := otel.Tracer("repo.skills")
	ctx, span := tracer.Start(ctx, "skills.Update")
	defer span.End()

	s.UpdatedAt = time.Now().UTC()
	intentExamples, tools, kbConfig, steps, err := encodeSkillJSON(s)
	if err != nil {
		return domain.Skill{}, err
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE assistant_skills SET name=$2, description=$3, intent_examples=$4,
tools=$5, mode=$6, system_prompt=$7, kb_config=$8, enabled=$9, hidden=$10, steps=$11, updated_at=$12
WHERE id=$1`,
		s.ID, s.Name, s.Description, intentExamples, tools, s.Mode, s.SystemPrompt, kbConfig,
		s.Enabled, s.Hidden, steps, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Skill{}, fmt.Errorf("op=skill.update name=%q: %w", s.Name, domain.ErrConflict)
		}
		return domain.Skill{}, fmt.Errorf("op=skill.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Skill{}, fmt.Errorf("op=skill.update: %w", domain.ErrNotFound)
	}
	return s, nil
}

func (r *SkillRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.skills")
	ctx, span := tracer.Start(ctx, "skills.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM assistant_skills WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=skill.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=skill.delete: %w", domain.ErrNotFound)
	}
	return nil
}

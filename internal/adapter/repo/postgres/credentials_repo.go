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

// CredentialRepo stores provider credentials, their models and the
// component bindings that pick which model each component uses.
type CredentialRepo struct{ Pool PgxPool }

func NewCredentialRepo(p PgxPool) *CredentialRepo { return &CredentialRepo{Pool: p} }

func (r *CredentialRepo) CreateCredential(ctx domain.Context, c domain.AiCredential) (domain.AiCredential, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Create")
	defer span.End()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO ai_credentials (id, name, provider, base_url, api_key_enc, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.Name, c.Provider, c.BaseURL, c.APIKeyEnc, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return domain.AiCredential{}, fmt.Errorf("op=credential.create: %w", err)
	}
	return c, nil
}

func (r *CredentialRepo) GetCredential(ctx domain.Context, id string) (domain.AiCredential, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Get")
	defer span.End()

	var c domain.AiCredential
	err := r.Pool.QueryRow(ctx,
		`SELECT id, name, provider, base_url, api_key_enc, created_at, updated_at FROM ai_credentials WHERE id=$1`, id).
		Scan(&c.ID, &c.Name, &c.Provider, &c.BaseURL, &c.APIKeyEnc, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AiCredential{}, fmt.Errorf("op=credential.get: %w", domain.ErrNotFound)
		}
		return domain.AiCredential{}, fmt.Errorf("op=credential.get: %w", err)
	}
	return c, nil
}

func (r *CredentialRepo) ListCredentials(ctx domain.Context) ([]domain.AiCredential, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.List")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT id, name, provider, base_url, api_key_enc, created_at, updated_at FROM ai_credentials ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("op=credential.list: %w", err)
	}
	defer rows.Close()
	var out []domain.AiCredential
	for rows.Next() {
		var c domain.AiCredential
		if err := rows.Scan(&c.ID, &c.Name, &c.Provider, &c.BaseURL, &c.APIKeyEnc, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=credential.list_scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=credential.list_rows: %w", err)
	}
	return out, nil
}

func (r *CredentialRepo) UpdateCredential(ctx domain.Context, c domain.AiCredential) (domain.AiCredential, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Update")
	defer span.End()

	c.UpdatedAt = time.Now().UTC()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE ai_credentials SET name=$2, provider=$3, base_url=$4, api_key_enc=$5, updated_at=$6 WHERE id=$1`,
		c.ID, c.Name, c.Provider, c.BaseURL, c.APIKeyEnc, c.UpdatedAt)
	if err != nil {
		return domain.AiCredential{}, fmt.Errorf("op=credential.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.AiCredential{}, fmt.Errorf("op=credential.update: %w", domain.ErrNotFound)
	}
	return c, nil
}

// DeleteCredential cascades to models; bindings fall back to NULL via
// ON DELETE SET NULL and resolve as unbound afterwards.
func (r *CredentialRepo) DeleteCredential(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM ai_credentials WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=credential.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=credential.delete: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *CredentialRepo) CreateModel(ctx domain.Context, m domain.AiModel) (domain.AiModel, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.CreateModel")
	defer span.End()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO ai_models (id, credential_id, name, type, embedding_dim, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID, m.CredentialID, m.Name, m.Type, m.EmbeddingDim, m.CreatedAt)
	if err != nil {
		return domain.AiModel{}, fmt.Errorf("op=model.create: %w", err)
	}
	return m, nil
}

func (r *CredentialRepo) ListModels(ctx domain.Context, credentialID string) ([]domain.AiModel, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.ListModels")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT id, credential_id, name, type, embedding_dim, created_at FROM ai_models WHERE credential_id=$1 ORDER BY created_at`,
		credentialID)
	if err != nil {
		return nil, fmt.Errorf("op=model.list: %w", err)
	}
	defer rows.Close()
	var out []domain.AiModel
	for rows.Next() {
		var m domain.AiModel
		if err := rows.Scan(&m.ID, &m.CredentialID, &m.Name, &m.Type, &m.EmbeddingDim, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=model.list_scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=model.list_rows: %w", err)
	}
	return out, nil
}

func (r *CredentialRepo) DeleteModel(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.DeleteModel")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM ai_models WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=model.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=model.delete: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *CredentialRepo) SetBinding(ctx domain.Context, component, modelType string, modelID *string) (domain.AiComponentBinding, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.SetBinding")
	defer span.End()

	b := domain.AiComponentBinding{
		ID:        uuid.New().String(),
		Component: component,
		ModelType: modelType,
		ModelID:   modelID,
		UpdatedAt: time.Now().UTC(),
	}
	err := r.Pool.QueryRow(ctx,
		`INSERT INTO ai_component_bindings (id, component, model_type, model_id, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (component, model_type)
DO UPDATE SET model_id=EXCLUDED.model_id, updated_at=EXCLUDED.updated_at
RETURNING id`, b.ID, b.Component, b.ModelType, b.ModelID, b.UpdatedAt).Scan(&b.ID)
	if err != nil {
		return domain.AiComponentBinding{}, fmt.Errorf("op=binding.set component=%s type=%s: %w", component, modelType, err)
	}
	return b, nil
}

func (r *CredentialRepo) ListBindings(ctx domain.Context) ([]domain.AiComponentBinding, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.ListBindings")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT id, component, model_type, model_id, updated_at FROM ai_component_bindings ORDER BY component, model_type`)
	if err != nil {
		return nil, fmt.Errorf("op=binding.list: %w", err)
	}
	defer rows.Close()
	var out []domain.AiComponentBinding
	for rows.Next() {
		var b domain.AiComponentBinding
		if err := rows.Scan(&b.ID, &b.Component, &b.ModelType, &b.ModelID, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=binding.list_scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=binding.list_rows: %w", err)
	}
	return out, nil
}

func (r *CredentialRepo) ResolveBinding(ctx domain.Context, component, modelType string) (domain.ResolvedModel, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.ResolveBinding")
	defer span.End()

	var rm domain.ResolvedModel
	err := r.Pool.QueryRow(ctx,
		`SELECT m.id, m.credential_id, m.name, m.type, m.embedding_dim, m.created_at,
        c.id, c.name, c.provider, c.base_url, c.api_key_enc, c.created_at, c.updated_at
FROM ai_component_bindings b
JOIN ai_models m ON m.id = b.model_id
JOIN ai_credentials c ON c.id = m.credential_id
WHERE b.component=$1 AND b.model_type=$2`, component, modelType).
		Scan(&rm.Model.ID, &rm.Model.CredentialID, &rm.Model.Name, &rm.Model.Type, &rm.Model.EmbeddingDim, &rm.Model.CreatedAt,
			&rm.Credential.ID, &rm.Credential.Name, &rm.Credential.Provider, &rm.Credential.BaseURL,
			&rm.Credential.APIKeyEnc, &rm.Credential.CreatedAt, &rm.Credential.UpdatedAt)
	if err != nil {
		// A NULL model_id drops the row out of the inner join, so an
		// orphaned binding resolves the same as a missing one.
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ResolvedModel{}, fmt.Errorf("op=binding.resolve component=%s type=%s: %w", component, modelType, domain.ErrNotFound)
		}
		return domain.ResolvedModel{}, fmt.Errorf("op=binding.resolve: %w", err)
	}
	rm.BaseURL = rm.Credential.BaseURL
	rm.APIKeyEnc = rm.Credential.APIKeyEnc
	return rm, nil
}

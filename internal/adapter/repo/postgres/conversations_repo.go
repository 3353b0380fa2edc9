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

type ConversationRepo struct{ Pool PgxPool }

func NewConversationRepo(p PgxPool) *ConversationRepo { return &ConversationRepo{Pool: p} }

func (r *ConversationRepo) Create(ctx domain.Context, c domain.Conversation) (domain.Conversation, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Create")
	defer span.End()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES ($1,$2,$3,$4)`,
		c.ID, c.Title, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("op=conversation.create: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) Get(ctx domain.Context, id string) (domain.Conversation, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Get")
	defer span.End()

	var c domain.Conversation
	err := r.Pool.QueryRow(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id=$1`, id).
		Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", domain.ErrNotFound)
		}
		return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", err)
	}
	return c, nil
}

func (r *ConversationRepo) List(ctx domain.Context, limit, offset int) ([]domain.Conversation, int, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.List")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=conversation.count: %w", err)
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("op=conversation.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("op=conversation.list_scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=conversation.list_rows: %w", err)
	}
	return out, total, nil
}

func (r *ConversationRepo) SetTitle(ctx domain.Context, id, title string) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.SetTitle")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `UPDATE conversations SET title=$2, updated_at=$3 WHERE id=$1`,
		id, title, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=conversation.set_title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=conversation.set_title: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *ConversationRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM conversations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=conversation.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=conversation.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// AppendMessage also bumps the conversation's updated_at so listing by
// recency reflects activity, not just renames.
func (r *ConversationRepo) AppendMessage(ctx domain.Context, m domain.Message) (domain.Message, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.AppendMessage")
	defer span.End()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt = now

	toolCalls, err := marshalOrNull(m.ToolCalls)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=message.marshal_tool_calls: %w", err)
	}
	skillCalls, err := marshalOrNull(m.SkillCalls)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=message.marshal_skill_calls: %w", err)
	}
	analysis, err := marshalOrNull(m.Analysis)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=message.marshal_analysis: %w", err)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=message.append_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tool_calls, skill_calls, analysis, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.ConversationID, m.Role, m.Content, toolCalls, skillCalls, analysis, m.CreatedAt)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=message.append: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at=$2 WHERE id=$1`, m.ConversationID, now)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=message.touch_conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Message{}, fmt.Errorf("op=message.append: %w", domain.ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Message{}, fmt.Errorf("op=message.append_commit: %w", err)
	}
	return m, nil
}

func (r *ConversationRepo) ListMessages(ctx domain.Context, conversationID string) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.conversations")
	ctx, span := tracer.Start(ctx, "conversations.ListMessages")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT id, conversation_id, role, content, tool_calls, skill_calls, analysis, created_at
FROM messages WHERE conversation_id=$1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("op=message.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var toolCalls, skillCalls, analysis []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&toolCalls, &skillCalls, &analysis, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=message.list_scan: %w", err)
		}
		if err := unmarshalIfSet(toolCalls, &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("op=message.unmarshal_tool_calls id=%s: %w", m.ID, err)
		}
		if err := unmarshalIfSet(skillCalls, &m.SkillCalls); err != nil {
			return nil, fmt.Errorf("op=message.unmarshal_skill_calls id=%s: %w", m.ID, err)
		}
		if err := unmarshalIfSet(analysis, &m.Analysis); err != nil {
			return nil, fmt.Errorf("op=message.unmarshal_analysis id=%s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=message.list_rows: %w", err)
	}
	return out, nil
}

func marshalOrNull[T any](v []T) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalIfSet[T any](raw []byte, dst *[]T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

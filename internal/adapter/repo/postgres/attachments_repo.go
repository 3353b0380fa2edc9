package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// AttachmentRepo persists attachments and drives the parse/index handoff:
// creation enqueues a parse event, parse completion enqueues an index
// upsert, deletion enqueues an index delete. Each handoff shares the
// business transaction.
type AttachmentRepo struct{ Pool PgxPool }

func NewAttachmentRepo(p PgxPool) *AttachmentRepo { return &AttachmentRepo{Pool: p} }

const attachmentCols = `id, entry_id, file_path, original_filename, content_type, size, parse_status, parsed_text, index_to_knowledge_graph, created_at, updated_at`

func scanAttachment(row pgx.Row) (domain.Attachment, error) {
	var a domain.Attachment
	err := row.Scan(&a.ID, &a.EntryID, &a.FilePath, &a.OriginalFilename, &a.ContentType, &a.Size,
		&a.ParseStatus, &a.ParsedText, &a.IndexToKnowledgeGraph, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r *AttachmentRepo) Create(ctx domain.Context, a domain.Attachment) (domain.Attachment, error) {
	tracer := otel.Tracer("repo.attachments")
	ctx, span := tracer.Start(ctx, "attachments.Create")
	defer span.End()
	span.SetAttributes(attribute.String("attachment.entry_id", a.EntryID))

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.ParseStatus == "" {
		a.ParseStatus = domain.ParsePending
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("op=attachment.create_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO attachments (` + attachmentCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	if _, err := tx.Exec(ctx, q, a.ID, a.EntryID, a.FilePath, a.OriginalFilename, a.ContentType,
		a.Size, a.ParseStatus, a.ParsedText, a.IndexToKnowledgeGraph, a.CreatedAt, a.UpdatedAt); err != nil {
		return domain.Attachment{}, fmt.Errorf("op=attachment.create: %w", err)
	}
	if a.IndexToKnowledgeGraph {
		ev := domain.OutboxEvent{EntryID: a.EntryID, AttachmentID: a.ID, Op: domain.OutboxUpsert}
		if err := enqueueOutbox(ctx, tx, attachmentParseOutboxTable, true, ev); err != nil {
			return domain.Attachment{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Attachment{}, fmt.Errorf("op=attachment.create_commit: %w", err)
	}
	return a, nil
}

func (r *AttachmentRepo) Get(ctx domain.Context, id string) (domain.Attachment, error) {
	tracer := otel.Tracer("repo.attachments")
	ctx, span := tracer.Start(ctx, "attachments.Get")
	defer span.End()

	a, err := scanAttachment(r.Pool.QueryRow(ctx, `SELECT `+attachmentCols+` FROM attachments WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Attachment{}, fmt.Errorf("op=attachment.get: %w", domain.ErrNotFound)
		}
		return domain.Attachment{}, fmt.Errorf("op=attachment.get: %w", err)
	}
	return a, nil
}

func (r *AttachmentRepo) ListByEntry(ctx domain.Context, entryID string) ([]domain.Attachment, error) {
	tracer := otel.Tracer("repo.attachments")
	ctx, span := tracer.Start(ctx, "attachments.ListByEntry")
	defer span.End()

	rows, err := r.Pool.Query(ctx, `SELECT `+attachmentCols+` FROM attachments WHERE entry_id=$1 ORDER BY created_at`, entryID)
	if err != nil {
		return nil, fmt.Errorf("op=attachment.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.EntryID, &a.FilePath, &a.OriginalFilename, &a.ContentType, &a.Size,
			&a.ParseStatus, &a.ParsedText, &a.IndexToKnowledgeGraph, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=attachment.list_scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=attachment.list_rows: %w", err)
	}
	return out, nil
}

// Delete removes the row and enqueues the knowledge-graph cleanup.
func (r *AttachmentRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.attachments")
	ctx, span := tracer.Start(ctx, "attachments.Delete")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=attachment.delete_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var entryID string
	if err := tx.QueryRow(ctx, `SELECT entry_id FROM attachments WHERE id=$1`, id).Scan(&entryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=attachment.delete: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=attachment.delete: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM attachments WHERE id=$1`, id); err != nil {
		return fmt.Errorf("op=attachment.delete_exec: %w", err)
	}
	ev := domain.OutboxEvent{EntryID: entryID, AttachmentID: id, Op: domain.OutboxDelete}
	if err := enqueueOutbox(ctx, tx, attachmentIndexOutboxTable, true, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=attachment.delete_commit: %w", err)
	}
	return nil
}

func (r *AttachmentRepo) SetParseStatus(ctx domain.Context, id string, status domain.ParseStatus) error {
	tracer := otel.Tracer("repo.attachments")
	ctx, span := tracer.Start(ctx, "attachments.SetParseStatus")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `UPDATE attachments SET parse_status=$2, updated_at=$3 WHERE id=$1`,
		id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=attachment.set_parse_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=attachment.set_parse_status: %w", domain.ErrNotFound)
	}
	return nil
}

// CompleteParse stores the text and hands the attachment to the index
// pipeline in the same transaction.
func (r *AttachmentRepo) CompleteParse(ctx domain.Context, id string, parsedText string) error {
	tracer := otel.Tracer("repo.attachments")
	ctx, span := tracer.Start(ctx, "attachments.CompleteParse")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=attachment.complete_parse_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var entryID string
	var index bool
	q := `UPDATE attachments SET parsed_text=$2, parse_status='completed', updated_at=$3
WHERE id=$1 RETURNING entry_id, index_to_knowledge_graph`
	if err := tx.QueryRow(ctx, q, id, parsedText, time.Now().UTC()).Scan(&entryID, &index); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=attachment.complete_parse: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=attachment.complete_parse: %w", err)
	}
	if index {
		ev := domain.OutboxEvent{EntryID: entryID, AttachmentID: id, Op: domain.OutboxUpsert}
		if err := enqueueOutbox(ctx, tx, attachmentIndexOutboxTable, true, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=attachment.complete_parse_commit: %w", err)
	}
	return nil
}

func (r *AttachmentRepo) FailParse(ctx domain.Context, id string) error {
	return r.SetParseStatus(ctx, id, domain.ParseFailed)
}

package postgres

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// EntryRepo persists entries. Index intents are enqueued inside the same
// transaction as the business write so the outbox never diverges from the
// entries table.
type EntryRepo struct{ Pool PgxPool }

func NewEntryRepo(p PgxPool) *EntryRepo { return &EntryRepo{Pool: p} }

const entryCols = `id, title, summary, content, type_id, time_mode, time_at, time_from, time_to, created_at, updated_at`

func scanEntry(row pgx.Row) (domain.Entry, error) {
	var e domain.Entry
	err := row.Scan(&e.ID, &e.Title, &e.Summary, &e.Content, &e.TypeID, &e.TimeMode,
		&e.TimeAt, &e.TimeFrom, &e.TimeTo, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// Create inserts the entry, its tag set, and one upsert outbox row.
func (r *EntryRepo) Create(ctx domain.Context, e domain.Entry) (domain.Entry, error) {
	tracer := otel.Tracer("repo.entries")
	ctx, span := tracer.Start(ctx, "entries.Create")
	defer span.End()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.TimeMode == "" {
		e.TimeMode = domain.TimeModeNone
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Entry{}, fmt.Errorf("op=entry.create_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO entries (` + entryCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	if _, err := tx.Exec(ctx, q, e.ID, e.Title, e.Summary, e.Content, e.TypeID, e.TimeMode,
		e.TimeAt, e.TimeFrom, e.TimeTo, e.CreatedAt, e.UpdatedAt); err != nil {
		return domain.Entry{}, fmt.Errorf("op=entry.create: %w", err)
	}
	if err := replaceEntryTags(ctx, tx, e.ID, tagIDs(e.Tags)); err != nil {
		return domain.Entry{}, err
	}
	upd := e.UpdatedAt
	ev := domain.OutboxEvent{EntryID: e.ID, Op: domain.OutboxUpsert, EntryUpdatedAt: &upd}
	if err := enqueueOutbox(ctx, tx, entryOutboxTable, false, ev); err != nil {
		return domain.Entry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Entry{}, fmt.Errorf("op=entry.create_commit: %w", err)
	}
	return e, nil
}

func (r *EntryRepo) Get(ctx domain.Context, id string) (domain.Entry, error) {
	tracer := otel.Tracer("repo.entries")
	ctx, span := tracer.Start(ctx, "entries.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+entryCols+` FROM entries WHERE id=$1`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entry{}, fmt.Errorf("op=entry.get: %w", domain.ErrNotFound)
		}
		return domain.Entry{}, fmt.Errorf("op=entry.get: %w", err)
	}
	tags, err := r.entryTags(ctx, id)
	if err != nil {
		return domain.Entry{}, err
	}
	e.Tags = tags
	return e, nil
}

func (r *EntryRepo) List(ctx domain.Context, f domain.EntryFilter) ([]domain.Entry, int, error) {
	tracer := otel.Tracer("repo.entries")
	ctx, span := tracer.Start(ctx, "entries.List")
	defer span.End()

	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TypeID != "" {
		where = append(where, "e.type_id = "+arg(f.TypeID))
	}
	if f.TagID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM entry_tags et WHERE et.entry_id = e.id AND et.tag_id = "+arg(f.TagID)+")")
	}
	if f.Search != "" {
		p := arg("%" + f.Search + "%")
		where = append(where, "(e.title ILIKE "+p+" OR e.summary ILIKE "+p+" OR e.content ILIKE "+p+")")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM entries e WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=entry.list_count: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT e.id, e.title, e.summary, e.content, e.type_id, e.time_mode, e.time_at, e.time_from, e.time_to, e.created_at, e.updated_at
FROM entries e WHERE ` + cond + ` ORDER BY e.updated_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(f.Offset)
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=entry.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Entry
	for rows.Next() {
		var e domain.Entry
		if err := rows.Scan(&e.ID, &e.Title, &e.Summary, &e.Content, &e.TypeID, &e.TimeMode,
			&e.TimeAt, &e.TimeFrom, &e.TimeTo, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("op=entry.list_scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=entry.list_rows: %w", err)
	}
	for i := range out {
		tags, err := r.entryTags(ctx, out[i].ID)
		if err != nil {
			return nil, 0, err
		}
		out[i].Tags = tags
	}
	return out, total, nil
}

// Update rewrites the scalar fields and enqueues an upsert only when the
// (title, summary, content) signature changed. The old row is read under
// FOR UPDATE so concurrent edits serialize per entry.
func (r *EntryRepo) Update(ctx domain.Context, e domain.Entry) (domain.Entry, error) {
	tracer := otel.Tracer("repo.entries")
	ctx, span := tracer.Start(ctx, "entries.Update")
	defer span.End()
	span.SetAttributes(attribute.String("entry.id", e.ID))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Entry{}, fmt.Errorf("op=entry.update_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryCols+` FROM entries WHERE id=$1 FOR UPDATE`, e.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entry{}, fmt.Errorf("op=entry.update: %w", domain.ErrNotFound)
		}
		return domain.Entry{}, fmt.Errorf("op=entry.update: %w", err)
	}

	now := time.Now().UTC()
	if !now.After(old.UpdatedAt) {
		// UpdatedAt must stay monotonic even under clock skew.
		now = old.UpdatedAt.Add(time.Microsecond)
	}
	e.CreatedAt = old.CreatedAt
	e.UpdatedAt = now

	q := `UPDATE entries SET title=$2, summary=$3, content=$4, type_id=$5, time_mode=$6, time_at=$7, time_from=$8, time_to=$9, updated_at=$10 WHERE id=$1`
	if _, err := tx.Exec(ctx, q, e.ID, e.Title, e.Summary, e.Content, e.TypeID, e.TimeMode,
		e.TimeAt, e.TimeFrom, e.TimeTo, e.UpdatedAt); err != nil {
		return domain.Entry{}, fmt.Errorf("op=entry.update_exec: %w", err)
	}

	if old.IndexSignature() != e.IndexSignature() {
		upd := e.UpdatedAt
		ev := domain.OutboxEvent{EntryID: e.ID, Op: domain.OutboxUpsert, EntryUpdatedAt: &upd}
		if err := enqueueOutbox(ctx, tx, entryOutboxTable, false, ev); err != nil {
			return domain.Entry{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Entry{}, fmt.Errorf("op=entry.update_commit: %w", err)
	}
	return e, nil
}

// Delete removes the entry (attachments and relations cascade) and enqueues
// knowledge-graph delete events for the entry and each of its attachments.
func (r *EntryRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.entries")
	ctx, span := tracer.Start(ctx, "entries.Delete")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=entry.delete_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	attRows, err := tx.Query(ctx, `SELECT id FROM attachments WHERE entry_id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=entry.delete_attachments: %w", err)
	}
	var attIDs []string
	for attRows.Next() {
		var aid string
		if err := attRows.Scan(&aid); err != nil {
			attRows.Close()
			return fmt.Errorf("op=entry.delete_attachments_scan: %w", err)
		}
		attIDs = append(attIDs, aid)
	}
	attRows.Close()
	if err := attRows.Err(); err != nil {
		return fmt.Errorf("op=entry.delete_attachments_rows: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM entries WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=entry.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=entry.delete: %w", domain.ErrNotFound)
	}

	ev := domain.OutboxEvent{EntryID: id, Op: domain.OutboxDelete}
	if err := enqueueOutbox(ctx, tx, entryOutboxTable, false, ev); err != nil {
		return err
	}
	for _, aid := range attIDs {
		aev := domain.OutboxEvent{EntryID: id, AttachmentID: aid, Op: domain.OutboxDelete}
		if err := enqueueOutbox(ctx, tx, attachmentIndexOutboxTable, true, aev); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=entry.delete_commit: %w", err)
	}
	return nil
}

// SetTags replaces the tag set. Tag churn never enqueues index events.
func (r *EntryRepo) SetTags(ctx domain.Context, entryID string, tagIDs []string) error {
	tracer := otel.Tracer("repo.entries")
	ctx, span := tracer.Start(ctx, "entries.SetTags")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=entry.set_tags_begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := replaceEntryTags(ctx, tx, entryID, tagIDs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=entry.set_tags_commit: %w", err)
	}
	return nil
}

func (r *EntryRepo) entryTags(ctx domain.Context, entryID string) ([]domain.Tag, error) {
	q := `SELECT t.id, t.name, t.color, t.description FROM tags t
JOIN entry_tags et ON et.tag_id = t.id WHERE et.entry_id = $1 ORDER BY t.name`
	rows, err := r.Pool.Query(ctx, q, entryID)
	if err != nil {
		return nil, fmt.Errorf("op=entry.tags: %w", err)
	}
	defer rows.Close()
	var tags []domain.Tag
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Color, &t.Description); err != nil {
			return nil, fmt.Errorf("op=entry.tags_scan: %w", err)
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=entry.tags_rows: %w", err)
	}
	return tags, nil
}

func replaceEntryTags(ctx domain.Context, q queryer, entryID string, tagIDs []string) error {
	if _, err := q.Exec(ctx, `DELETE FROM entry_tags WHERE entry_id=$1`, entryID); err != nil {
		return fmt.Errorf("op=entry.tags_clear: %w", err)
	}
	for _, tid := range tagIDs {
		if _, err := q.Exec(ctx, `INSERT INTO entry_tags (entry_id, tag_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, entryID, tid); err != nil {
			return fmt.Errorf("op=entry.tags_insert: %w", err)
		}
	}
	return nil
}

func tagIDs(tags []domain.Tag) []string {
	ids := make([]string, 0, len(tags))
	for _, t := range tags {
		if t.ID != "" {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// Outbox table names. Claim and ack SQL is rendered per table at
// construction; the names are compile-time constants, never user input.
const (
	entryOutboxTable           = "entry_index_outbox"
	attachmentIndexOutboxTable = "attachment_index_outbox"
	attachmentParseOutboxTable = "attachment_parse_outbox"
)

// OutboxRepo implements domain.OutboxStore for one outbox table.
type OutboxRepo struct {
	Pool          PgxPool
	table         string
	hasAttachment bool
}

func NewEntryIndexOutbox(p PgxPool) *OutboxRepo {
	return &OutboxRepo{Pool: p, table: entryOutboxTable}
}

func NewAttachmentIndexOutbox(p PgxPool) *OutboxRepo {
	return &OutboxRepo{Pool: p, table: attachmentIndexOutboxTable, hasAttachment: true}
}

func NewAttachmentParseOutbox(p PgxPool) *OutboxRepo {
	return &OutboxRepo{Pool: p, table: attachmentParseOutboxTable, hasAttachment: true}
}

// Enqueue inserts a new event. Upserts coalesce onto an existing active row
// for the same target: the partial unique index turns the duplicate insert
// into an update that refreshes entry_updated_at, clears last_error and
// pulls available_at back to now when it was in the future.
func (r *OutboxRepo) Enqueue(ctx domain.Context, ev domain.OutboxEvent) error {
	return enqueueOutbox(ctx, r.Pool, r.table, r.hasAttachment, ev)
}

func enqueueOutbox(ctx domain.Context, q queryer, table string, hasAttachment bool, ev domain.OutboxEvent) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", table),
		attribute.String("outbox.op", string(ev.Op)),
	)

	now := time.Now().UTC()
	if ev.Op == domain.OutboxUpsert {
		var sql string
		var args []any
		if hasAttachment {
			sql = `INSERT INTO ` + table + ` (entry_id, attachment_id, op, entry_updated_at, status, available_at, created_at, updated_at)
VALUES ($1, $2, 'upsert', $3, 'pending', $4, $4, $4)
ON CONFLICT (attachment_id) WHERE op = 'upsert' AND status IN ('pending','processing')
DO UPDATE SET entry_updated_at = EXCLUDED.entry_updated_at,
              last_error = NULL,
              available_at = LEAST(` + table + `.available_at, EXCLUDED.available_at),
              updated_at = EXCLUDED.updated_at`
			args = []any{ev.EntryID, ev.AttachmentID, ev.EntryUpdatedAt, now}
		} else {
			sql = `INSERT INTO ` + table + ` (entry_id, op, entry_updated_at, status, available_at, created_at, updated_at)
VALUES ($1, 'upsert', $2, 'pending', $3, $3, $3)
ON CONFLICT (entry_id) WHERE op = 'upsert' AND status IN ('pending','processing')
DO UPDATE SET entry_updated_at = EXCLUDED.entry_updated_at,
              last_error = NULL,
              available_at = LEAST(` + table + `.available_at, EXCLUDED.available_at),
              updated_at = EXCLUDED.updated_at`
			args = []any{ev.EntryID, ev.EntryUpdatedAt, now}
		}
		if _, err := q.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("op=outbox.enqueue_upsert: %w", err)
		}
		return nil
	}

	// Deletes never coalesce; duplicates are harmless because KG deletion
	// is idempotent.
	var sql string
	var args []any
	if hasAttachment {
		sql = `INSERT INTO ` + table + ` (entry_id, attachment_id, op, status, available_at, created_at, updated_at)
VALUES ($1, $2, $3, 'pending', $4, $4, $4)`
		args = []any{ev.EntryID, ev.AttachmentID, ev.Op, now}
	} else {
		sql = `INSERT INTO ` + table + ` (entry_id, op, status, available_at, created_at, updated_at)
VALUES ($1, $2, 'pending', $3, $3, $3)`
		args = []any{ev.EntryID, ev.Op, now}
	}
	if _, err := q.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("op=outbox.enqueue: %w", err)
	}
	return nil
}

// ClaimBatch locks up to n eligible rows for this worker in one statement.
// Eligible rows are under the attempt limit, due, and either pending or
// processing with an expired lease. SKIP LOCKED keeps concurrent claimers
// from blocking on each other.
func (r *OutboxRepo) ClaimBatch(ctx domain.Context, now time.Time, n int, workerID string, lockTTL time.Duration, maxAttempts int) ([]domain.OutboxRow, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ClaimBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", r.table),
		attribute.Int("outbox.batch", n),
	)

	now = now.UTC()
	leaseCutoff := now.Add(-lockTTL)
	cols := "o.id, o.entry_id, o.op, o.entry_updated_at, o.status, o.attempts, o.available_at, o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at"
	if r.hasAttachment {
		cols += ", o.attachment_id"
	}
	sql := `WITH picked AS (
    SELECT id FROM ` + r.table + `
    WHERE attempts < $1
      AND available_at <= $2
      AND (status = 'pending'
           OR (status = 'processing' AND (locked_at IS NULL OR locked_at <= $3)))
    ORDER BY available_at ASC, created_at ASC
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
UPDATE ` + r.table + ` o
SET status = 'processing', locked_at = $2, locked_by = $5, attempts = o.attempts + 1, updated_at = $2
FROM picked
WHERE o.id = picked.id
RETURNING ` + cols

	rows, err := r.Pool.Query(ctx, sql, maxAttempts, now, leaseCutoff, n, workerID)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.claim_batch: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxRow
	for rows.Next() {
		var row domain.OutboxRow
		dest := []any{
			&row.ID, &row.EntryID, &row.Op, &row.EntryUpdatedAt, &row.Status,
			&row.Attempts, &row.AvailableAt, &row.LockedAt, &row.LockedBy,
			&row.LastError, &row.CreatedAt, &row.UpdatedAt,
		}
		if r.hasAttachment {
			dest = append(dest, &row.AttachmentID)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("op=outbox.claim_batch_scan: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.claim_batch_rows: %w", err)
	}
	return out, nil
}

// MarkSucceeded finalises a row. False means the lease expired and another
// worker owns it now; the caller must treat that as a dropped ack.
func (r *OutboxRepo) MarkSucceeded(ctx domain.Context, id int64, workerID string) (bool, error) {
	sql := `UPDATE ` + r.table + `
SET status = 'succeeded', locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = $3
WHERE id = $1 AND locked_by = $2 AND status = 'processing'`
	return r.ack(ctx, "outbox.MarkSucceeded", sql, id, workerID, time.Now().UTC())
}

func (r *OutboxRepo) MarkRetry(ctx domain.Context, id int64, workerID string, availableAt time.Time, lastErr string) (bool, error) {
	sql := `UPDATE ` + r.table + `
SET status = 'pending', available_at = $3, last_error = $4, locked_at = NULL, locked_by = NULL, updated_at = $5
WHERE id = $1 AND locked_by = $2 AND status = 'processing'`
	return r.ack(ctx, "outbox.MarkRetry", sql, id, workerID, availableAt.UTC(), domain.TruncateError(lastErr), time.Now().UTC())
}

func (r *OutboxRepo) MarkDead(ctx domain.Context, id int64, workerID string, lastErr string) (bool, error) {
	sql := `UPDATE ` + r.table + `
SET status = 'dead', last_error = $3, locked_at = NULL, locked_by = NULL, updated_at = $4
WHERE id = $1 AND locked_by = $2 AND status = 'processing'`
	return r.ack(ctx, "outbox.MarkDead", sql, id, workerID, domain.TruncateError(lastErr), time.Now().UTC())
}

// MarkPending re-queues the row in place with attempts reset, for the
// coalescing re-run after the entry changed mid-flight.
func (r *OutboxRepo) MarkPending(ctx domain.Context, id int64, workerID string, availableAt time.Time) (bool, error) {
	sql := `UPDATE ` + r.table + `
SET status = 'pending', attempts = 0, available_at = $3, last_error = NULL, locked_at = NULL, locked_by = NULL, updated_at = $4
WHERE id = $1 AND locked_by = $2 AND status = 'processing'`
	return r.ack(ctx, "outbox.MarkPending", sql, id, workerID, availableAt.UTC(), time.Now().UTC())
}

func (r *OutboxRepo) ack(ctx domain.Context, op, sql string, id int64, workerID string, extra ...any) (bool, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", r.table), attribute.Int64("outbox.id", id))

	args := append([]any{id, workerID}, extra...)
	tag, err := r.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("op=%s: %w", op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *OutboxRepo) ActiveUpsertExists(ctx domain.Context, entryID string, excludeID int64) (bool, error) {
	sql := `SELECT EXISTS (
    SELECT 1 FROM ` + r.table + `
    WHERE entry_id = $1 AND op = 'upsert' AND status IN ('pending','processing') AND id <> $2
)`
	var exists bool
	if err := r.Pool.QueryRow(ctx, sql, entryID, excludeID).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=outbox.active_upsert_exists: %w", err)
	}
	return exists, nil
}

func (r *OutboxRepo) CountByStatus(ctx domain.Context) (map[domain.OutboxStatus]int64, error) {
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM `+r.table+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.count_by_status: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.OutboxStatus]int64)
	for rows.Next() {
		var status domain.OutboxStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("op=outbox.count_by_status_scan: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.count_by_status_rows: %w", err)
	}
	return out, nil
}

package postgres

import (
	"fmt"
	"time"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// outboxTables lists every outbox table the maintenance sweep covers.
var outboxTables = []string{
	entryOutboxTable,
	attachmentIndexOutboxTable,
	attachmentParseOutboxTable,
}

// StuckRow is one outbox row that has sat in processing past the reporting
// threshold. Leases self-heal on the next claim; the sweep only surfaces
// them for operators.
type StuckRow struct {
	Table    string
	ID       int64
	EntryID  string
	Op       domain.OutboxOp
	Attempts int
	LockedBy string
	LockedAt time.Time
}

// OutboxMaintenance owns the periodic upkeep of the outbox tables: stuck-row
// reporting and terminal-row retention.
type OutboxMaintenance struct {
	Pool PgxPool
}

// NewOutboxMaintenance constructs an OutboxMaintenance sweep.
func NewOutboxMaintenance(pool PgxPool) *OutboxMaintenance {
	return &OutboxMaintenance{Pool: pool}
}

// ListStuck returns processing rows whose lock is older than olderThan,
// across all outbox tables, capped at limit per table.
func (s *OutboxMaintenance) ListStuck(ctx domain.Context, olderThan time.Time, limit int) ([]StuckRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []StuckRow
	for _, table := range outboxTables {
		rows, err := s.Pool.Query(ctx, `SELECT id, entry_id, op, attempts, COALESCE(locked_by, ''), locked_at
FROM `+table+`
WHERE status = 'processing' AND locked_at < $1
ORDER BY locked_at
LIMIT $2`, olderThan, limit)
		if err != nil {
			return nil, fmt.Errorf("op=outbox.ListStuck table=%s: %w", table, err)
		}
		for rows.Next() {
			r := StuckRow{Table: table}
			var lockedAt *time.Time
			if err := rows.Scan(&r.ID, &r.EntryID, &r.Op, &r.Attempts, &r.LockedBy, &lockedAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("op=outbox.ListStuck table=%s: %w", table, err)
			}
			if lockedAt != nil {
				r.LockedAt = *lockedAt
			}
			out = append(out, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("op=outbox.ListStuck table=%s: %w", table, err)
		}
	}
	return out, nil
}

// PruneTerminal deletes succeeded rows older than succeededBefore and dead
// rows older than deadBefore. Dead rows are kept longer: they are the only
// trace of a permanently failed index operation.
func (s *OutboxMaintenance) PruneTerminal(ctx domain.Context, succeededBefore, deadBefore time.Time) (int64, error) {
	var total int64
	for _, table := range outboxTables {
		tag, err := s.Pool.Exec(ctx, `DELETE FROM `+table+`
WHERE (status = 'succeeded' AND updated_at < $1)
   OR (status = 'dead' AND updated_at < $2)`, succeededBefore, deadBefore)
		if err != nil {
			return total, fmt.Errorf("op=outbox.PruneTerminal table=%s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

package domain

import "time"

// OutboxStatus is the persisted lifecycle of an index/parse intent.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSucceeded  OutboxStatus = "succeeded"
	OutboxDead       OutboxStatus = "dead"
)

type OutboxOp string

const (
	OutboxUpsert OutboxOp = "upsert"
	OutboxDelete OutboxOp = "delete"
)

// LastErrorMaxLen bounds the persisted last_error column.
const LastErrorMaxLen = 4000

// OutboxRow is one durable intent. AttachmentID is empty on the entry table.
// A row in processing whose locked_at is older than lock_ttl is reclaimable.
type OutboxRow struct {
	ID             int64
	EntryID        string
	AttachmentID   string
	Op             OutboxOp
	EntryUpdatedAt *time.Time
	Status         OutboxStatus
	Attempts       int
	AvailableAt    time.Time
	LockedAt       *time.Time
	LockedBy       *string
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OutboxEvent is the enqueue input.
type OutboxEvent struct {
	EntryID        string
	AttachmentID   string
	Op             OutboxOp
	EntryUpdatedAt *time.Time
}

// OutboxStore is one outbox table. Enqueue coalesces upserts: while an
// active (pending|processing) upsert exists for the same target, it updates
// that row's entry_updated_at, clears last_error and pulls available_at
// forward instead of inserting a duplicate.
//
// Every Mark* ack requires lock ownership; a false return means the lease
// expired and another worker owns the row now, so the ack was dropped.
type OutboxStore interface {
	Enqueue(ctx Context, ev OutboxEvent) error
	ClaimBatch(ctx Context, now time.Time, n int, workerID string, lockTTL time.Duration, maxAttempts int) ([]OutboxRow, error)
	MarkSucceeded(ctx Context, id int64, workerID string) (bool, error)
	MarkRetry(ctx Context, id int64, workerID string, availableAt time.Time, lastErr string) (bool, error)
	MarkDead(ctx Context, id int64, workerID string, lastErr string) (bool, error)
	// MarkPending re-queues a finished row in place with attempts reset,
	// used by the coalescing re-queue after the entry changed mid-flight.
	MarkPending(ctx Context, id int64, workerID string, availableAt time.Time) (bool, error)
	// ActiveUpsertExists reports whether a pending|processing upsert other
	// than excludeID targets the entry (staleness guard input).
	ActiveUpsertExists(ctx Context, entryID string, excludeID int64) (bool, error)
	CountByStatus(ctx Context) (map[OutboxStatus]int64, error)
}

// TruncateError bounds err text for the last_error column.
func TruncateError(s string) string {
	if len(s) <= LastErrorMaxLen {
		return s
	}
	return s[:LastErrorMaxLen]
}

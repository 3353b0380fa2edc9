package outbox

import (
	"errors"
	"fmt"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/internal/service/index"
)

// EntryIndexHandler turns claimed entry outbox rows into indexer calls.
//
// Upserts are re-read from the database at claim time, never trusted from
// the row: an entry deleted or re-typed to a non-indexable type since the
// enqueue is rewritten to a delete so the knowledge graph converges on the
// current truth.
type EntryIndexHandler struct {
	entries domain.EntryRepository
	types   domain.EntryTypeRepository
	store   domain.OutboxStore
	indexer IndexExecutor
}

func NewEntryIndexHandler(entries domain.EntryRepository, types domain.EntryTypeRepository, store domain.OutboxStore, indexer IndexExecutor) *EntryIndexHandler {
	return &EntryIndexHandler{entries: entries, types: types, store: store, indexer: indexer}
}

func (h *EntryIndexHandler) Handle(ctx domain.Context, row domain.OutboxRow) HandleResult {
	req := domain.IndexRequest{Op: domain.IndexOp(row.Op), EntryID: row.EntryID}

	var processedSig string
	if req.Op == domain.IndexOpUpsert {
		entry, err := h.entries.Get(ctx, row.EntryID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			req.Op = domain.IndexOpDelete
		case err != nil:
			return HandleResult{Retryable: true, Detail: fmt.Sprintf("load entry: %v", err)}
		default:
			// Staleness guard: when the entry moved on since this row was
			// enqueued and a newer upsert is already queued, this row's
			// payload would be overwritten immediately. Skip it.
			if row.EntryUpdatedAt != nil && entry.UpdatedAt.After(*row.EntryUpdatedAt) {
				newer, guardErr := h.store.ActiveUpsertExists(ctx, row.EntryID, row.ID)
				if guardErr == nil && newer {
					return HandleResult{Success: true, Detail: "superseded by newer upsert"}
				}
			}

			typ, err := h.types.Get(ctx, entry.TypeID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				req.Op = domain.IndexOpDelete
			case err != nil:
				return HandleResult{Retryable: true, Detail: fmt.Sprintf("load entry type: %v", err)}
			case !index.Indexable(typ):
				req.Op = domain.IndexOpDelete
			default:
				req.Payload = index.BuildEntryPayload(entry, typ)
				processedSig = entry.IndexSignature()
			}
		}
	}

	res := h.indexer.Execute(ctx, req)
	if !res.OK {
		return HandleResult{Retryable: res.Retryable, Detail: res.Detail}
	}

	// A successful upsert may already be stale if the entry changed while
	// the engine ran. Re-queue the same row with attempts reset so the
	// fresher content lands without waiting for a new enqueue.
	if req.Op == domain.IndexOpUpsert && processedSig != "" {
		cur, err := h.entries.Get(ctx, row.EntryID)
		if err == nil && cur.IndexSignature() != processedSig {
			return HandleResult{Success: true, Requeue: true, Detail: "entry changed during indexing"}
		}
	}
	return HandleResult{Success: true, Detail: res.Detail}
}

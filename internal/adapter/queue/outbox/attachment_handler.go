package outbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/internal/service/index"
)

// AttachmentIndexHandler indexes parsed attachment text under the
// "attachment:{id}" document id. An upsert whose target is gone, opted out
// of indexing or has no parsed text is rewritten to a delete.
type AttachmentIndexHandler struct {
	attachments domain.AttachmentRepository
	entries     domain.EntryRepository
	indexer     IndexExecutor
}

func NewAttachmentIndexHandler(attachments domain.AttachmentRepository, entries domain.EntryRepository, indexer IndexExecutor) *AttachmentIndexHandler {
	return &AttachmentIndexHandler{attachments: attachments, entries: entries, indexer: indexer}
}

func (h *AttachmentIndexHandler) Handle(ctx domain.Context, row domain.OutboxRow) HandleResult {
	req := domain.IndexRequest{
		Op:           domain.IndexOp(row.Op),
		EntryID:      row.EntryID,
		AttachmentID: row.AttachmentID,
	}

	if req.Op == domain.IndexOpUpsert {
		att, err := h.attachments.Get(ctx, row.AttachmentID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			req.Op = domain.IndexOpDelete
		case err != nil:
			return HandleResult{Retryable: true, Detail: fmt.Sprintf("load attachment: %v", err)}
		case !att.IndexToKnowledgeGraph,
			att.ParseStatus != domain.ParseCompleted,
			strings.TrimSpace(att.ParsedText) == "":
			req.Op = domain.IndexOpDelete
		default:
			entry, err := h.entries.Get(ctx, att.EntryID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				req.Op = domain.IndexOpDelete
			case err != nil:
				return HandleResult{Retryable: true, Detail: fmt.Sprintf("load entry: %v", err)}
			default:
				req.Payload = index.BuildAttachmentPayload(att, entry.Title)
			}
		}
	}

	res := h.indexer.Execute(ctx, req)
	if !res.OK {
		return HandleResult{Retryable: res.Retryable, Detail: res.Detail}
	}
	return HandleResult{Success: true, Detail: res.Detail}
}

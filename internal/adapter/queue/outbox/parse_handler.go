package outbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// ParseHandler downloads an attachment from the object store, extracts its
// text through the parser sidecar and completes the parse. CompleteParse
// stores the text and enqueues the index upsert in one transaction, so a
// crash between the two can never lose the indexing intent.
type ParseHandler struct {
	attachments domain.AttachmentRepository
	objects     domain.ObjectStore
	parser      domain.DocParser
	// maxAttempts mirrors the worker's dead-letter threshold so the
	// attachment row flips to failed on the same attempt that deadens the
	// outbox row.
	maxAttempts int
}

func NewParseHandler(attachments domain.AttachmentRepository, objects domain.ObjectStore, parser domain.DocParser, maxAttempts int) *ParseHandler {
	return &ParseHandler{attachments: attachments, objects: objects, parser: parser, maxAttempts: maxAttempts}
}

func (h *ParseHandler) Handle(ctx domain.Context, row domain.OutboxRow) HandleResult {
	att, err := h.attachments.Get(ctx, row.AttachmentID)
	if errors.Is(err, domain.ErrNotFound) {
		return HandleResult{Success: true, Detail: "attachment deleted before parse"}
	}
	if err != nil {
		return HandleResult{Retryable: true, Detail: fmt.Sprintf("load attachment: %v", err)}
	}
	if att.ParseStatus == domain.ParseCompleted {
		return HandleResult{Success: true, Detail: "already parsed"}
	}

	// Best effort; the status is UI feedback, not a lock.
	_ = h.attachments.SetParseStatus(ctx, att.ID, domain.ParseProcessing)

	path, cleanup, err := h.download(ctx, att)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return h.fail(ctx, att.ID, false, fmt.Sprintf("object missing: %v", err), row.Attempts)
		}
		return h.fail(ctx, att.ID, true, fmt.Sprintf("download: %v", err), row.Attempts)
	}
	defer cleanup()

	text, err := h.parser.Parse(ctx, path, att.ContentType)
	if err != nil {
		retryable := true
		var pe *domain.ParseError
		if errors.As(err, &pe) {
			retryable = pe.Retryable
		}
		return h.fail(ctx, att.ID, retryable, fmt.Sprintf("parse: %v", err), row.Attempts)
	}

	if err := h.attachments.CompleteParse(ctx, att.ID, text); err != nil {
		return h.fail(ctx, att.ID, true, fmt.Sprintf("complete parse: %v", err), row.Attempts)
	}
	return HandleResult{Success: true}
}

// fail syncs the attachment's parse_status with the outcome the worker will
// record: failed when the row is about to go dead, pending when it will be
// retried.
func (h *ParseHandler) fail(ctx domain.Context, attachmentID string, retryable bool, detail string, attempts int) HandleResult {
	if !retryable || attempts >= h.maxAttempts {
		_ = h.attachments.FailParse(ctx, attachmentID)
	} else {
		_ = h.attachments.SetParseStatus(ctx, attachmentID, domain.ParsePending)
	}
	return HandleResult{Retryable: retryable, Detail: detail}
}

// download copies the stored object into a temp file for the parser, which
// wants a filesystem path. The original extension is preserved as a
// content-type hint.
func (h *ParseHandler) download(ctx domain.Context, att domain.Attachment) (string, func(), error) {
	rc, err := h.objects.Get(ctx, att.FilePath)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	f, err := os.CreateTemp("", "attachment-*"+filepath.Ext(att.OriginalFilename))
	if err != nil {
		return "", nil, fmt.Errorf("op=tempfile: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("op=copy_object: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("op=close_tempfile: %w", err)
	}
	return f.Name(), cleanup, nil
}

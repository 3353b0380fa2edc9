package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// AttachmentPolicy is the write-time gate for uploads.
type AttachmentPolicy struct {
	MaxSizeBytes int64
	// Indexable reports whether a content type may enter the parse/index
	// pipeline. Non-indexable uploads are still stored, just never parsed.
	Indexable func(contentType string) bool
}

// AttachmentService stores attachment blobs in the object store and rows in
// Postgres. The row creation enqueues the parse event; from there the worker
// pipeline owns the attachment until its text lands in the knowledge graph.
type AttachmentService struct {
	Attachments domain.AttachmentRepository
	Entries     domain.EntryRepository
	Store       domain.ObjectStore
	Policy      AttachmentPolicy
}

// NewAttachmentService constructs an AttachmentService with its dependencies.
func NewAttachmentService(a domain.AttachmentRepository, e domain.EntryRepository, st domain.ObjectStore, p AttachmentPolicy) AttachmentService {
	return AttachmentService{Attachments: a, Entries: e, Store: st, Policy: p}
}

// UploadInput carries one multipart file plus the index request flag.
type UploadInput struct {
	EntryID     string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
	Index       bool
}

// Upload validates, stores the blob, then creates the row. The object goes
// in first so the row never references a missing blob; if the row insert
// fails the blob is deleted best-effort and the error is returned as-is.
func (s AttachmentService) Upload(ctx domain.Context, in UploadInput) (domain.Attachment, error) {
	if in.EntryID == "" {
		return domain.Attachment{}, fmt.Errorf("%w: entry id required", domain.ErrInvalidArgument)
	}
	if in.Filename == "" {
		return domain.Attachment{}, fmt.Errorf("%w: filename required", domain.ErrInvalidArgument)
	}
	if in.Size <= 0 {
		return domain.Attachment{}, fmt.Errorf("%w: empty file", domain.ErrInvalidArgument)
	}
	if s.Policy.MaxSizeBytes > 0 && in.Size > s.Policy.MaxSizeBytes {
		return domain.Attachment{}, fmt.Errorf("%w: %d bytes exceeds limit %d", domain.ErrPayloadTooLarge, in.Size, s.Policy.MaxSizeBytes)
	}
	if _, err := s.Entries.Get(ctx, in.EntryID); err != nil {
		return domain.Attachment{}, fmt.Errorf("entry: %w", err)
	}

	body := in.Body
	contentType := in.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		// Sniff the real type; browsers often send octet-stream for
		// anything they do not recognize. The sniffed header bytes are
		// stitched back in front of the remaining stream.
		head := make([]byte, 3072)
		n, rerr := io.ReadFull(body, head)
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			return domain.Attachment{}, fmt.Errorf("%w: read upload: %v", domain.ErrInvalidArgument, rerr)
		}
		head = head[:n]
		contentType = mimetype.Detect(head).String()
		body = io.MultiReader(bytes.NewReader(head), body)
	}
	if in.Index && s.Policy.Indexable != nil && !s.Policy.Indexable(contentType) {
		return domain.Attachment{}, fmt.Errorf("%w: content type %s is not indexable", domain.ErrInvalidArgument, contentType)
	}

	id := uuid.New().String()
	key := domain.AttachmentFilePath(in.EntryID, id)
	if err := s.Store.Put(ctx, key, body, in.Size, contentType); err != nil {
		return domain.Attachment{}, err
	}

	a, err := s.Attachments.Create(ctx, domain.Attachment{
		ID:                    id,
		EntryID:               in.EntryID,
		FilePath:              key,
		OriginalFilename:      in.Filename,
		ContentType:           contentType,
		Size:                  in.Size,
		IndexToKnowledgeGraph: in.Index,
	})
	if err != nil {
		// The blob is orphaned if this delete also fails; that is
		// acceptable, object-store keys embed the attachment id so a
		// later upload never collides with it.
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if derr := s.Store.Delete(cleanup, key); derr != nil {
			slog.Warn("orphaned attachment blob after failed insert",
				slog.String("key", key), slog.Any("error", derr))
		}
		return domain.Attachment{}, err
	}
	return a, nil
}

// Get returns attachment metadata.
func (s AttachmentService) Get(ctx domain.Context, id string) (domain.Attachment, error) {
	if id == "" {
		return domain.Attachment{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Attachments.Get(ctx, id)
}

// ListByEntry returns the entry's attachments in upload order.
func (s AttachmentService) ListByEntry(ctx domain.Context, entryID string) ([]domain.Attachment, error) {
	if entryID == "" {
		return nil, fmt.Errorf("%w: entry id required", domain.ErrInvalidArgument)
	}
	return s.Attachments.ListByEntry(ctx, entryID)
}

// Download streams the stored blob. The caller owns the ReadCloser.
func (s AttachmentService) Download(ctx domain.Context, id string) (domain.Attachment, io.ReadCloser, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return domain.Attachment{}, nil, err
	}
	rc, err := s.Store.Get(ctx, a.FilePath)
	if err != nil {
		return domain.Attachment{}, nil, err
	}
	return a, rc, nil
}

// Delete removes the row (and enqueues the graph cleanup) first, then the
// blob best-effort. A leaked blob is recoverable garbage; a row without the
// graph-delete event is not.
func (s AttachmentService) Delete(ctx domain.Context, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Attachments.Delete(ctx, id); err != nil {
		return err
	}
	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if derr := s.Store.Delete(cleanup, a.FilePath); derr != nil {
		slog.Warn("attachment blob delete failed",
			slog.String("key", a.FilePath), slog.Any("error", derr))
	}
	return nil
}

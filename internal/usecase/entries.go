// Package usecase contains application business logic services.
package usecase

import (
	"fmt"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

// EntryService owns the entry lifecycle. Index bookkeeping (outbox events,
// signature comparison) lives in the repository so it shares the entry's
// transaction; this layer validates and normalizes.
type EntryService struct {
	Entries domain.EntryRepository
	Types   domain.EntryTypeRepository
	Tags    domain.TagRepository
}

// NewEntryService constructs an EntryService with its dependencies.
func NewEntryService(e domain.EntryRepository, t domain.EntryTypeRepository, g domain.TagRepository) EntryService {
	return EntryService{Entries: e, Types: t, Tags: g}
}

// Create validates and persists a new entry. The repository enqueues the
// index upsert in the same transaction.
func (s EntryService) Create(ctx domain.Context, e domain.Entry) (domain.Entry, error) {
	if err := s.validate(ctx, &e); err != nil {
		return domain.Entry{}, err
	}
	return s.Entries.Create(ctx, e)
}

// Get returns one entry with its tags.
func (s EntryService) Get(ctx domain.Context, id string) (domain.Entry, error) {
	if id == "" {
		return domain.Entry{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Entries.Get(ctx, id)
}

// List returns a filtered page of entries and the unfiltered-by-page total.
func (s EntryService) List(ctx domain.Context, f domain.EntryFilter) ([]domain.Entry, int, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Search = textx.CollapseSpaces(f.Search)
	return s.Entries.List(ctx, f)
}

// Update validates and applies an entry edit. Whether the edit enqueues an
// index event is the repository's call: only title/summary/content changes
// alter the index signature.
func (s EntryService) Update(ctx domain.Context, e domain.Entry) (domain.Entry, error) {
	if e.ID == "" {
		return domain.Entry{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	if err := s.validate(ctx, &e); err != nil {
		return domain.Entry{}, err
	}
	return s.Entries.Update(ctx, e)
}

// Delete removes the entry and everything hanging off it. Attachment blobs
// in the object store are reaped by the index-delete events the repository
// enqueues, not here.
func (s EntryService) Delete(ctx domain.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Entries.Delete(ctx, id)
}

// SetTags replaces the entry's tag set. Tag edits never touch the index
// signature, so no outbox event results.
func (s EntryService) SetTags(ctx domain.Context, entryID string, tagIDs []string) error {
	if entryID == "" {
		return fmt.Errorf("%w: entry id required", domain.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(tagIDs))
	for _, id := range tagIDs {
		if id == "" {
			return fmt.Errorf("%w: empty tag id", domain.ErrInvalidArgument)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate tag id %s", domain.ErrInvalidArgument, id)
		}
		seen[id] = true
		if _, err := s.Tags.Get(ctx, id); err != nil {
			return fmt.Errorf("tag %s: %w", id, err)
		}
	}
	return s.Entries.SetTags(ctx, entryID, tagIDs)
}

func (s EntryService) validate(ctx domain.Context, e *domain.Entry) error {
	e.Title = textx.SanitizeText(e.Title)
	e.Summary = textx.SanitizeText(e.Summary)
	e.Content = textx.SanitizeText(e.Content)
	if e.Title == "" {
		return fmt.Errorf("%w: title required", domain.ErrInvalidArgument)
	}
	if e.TypeID == "" {
		return fmt.Errorf("%w: type_id required", domain.ErrInvalidArgument)
	}
	if _, err := s.Types.Get(ctx, e.TypeID); err != nil {
		return fmt.Errorf("entry type %s: %w", e.TypeID, err)
	}
	switch e.TimeMode {
	case "", domain.TimeModeNone:
		e.TimeMode = domain.TimeModeNone
		e.TimeAt, e.TimeFrom, e.TimeTo = nil, nil, nil
	case domain.TimeModePoint:
		if e.TimeAt == nil {
			return fmt.Errorf("%w: time_at required for POINT", domain.ErrInvalidArgument)
		}
		e.TimeFrom, e.TimeTo = nil, nil
	case domain.TimeModeRange:
		if e.TimeFrom == nil || e.TimeTo == nil {
			return fmt.Errorf("%w: time_from and time_to required for RANGE", domain.ErrInvalidArgument)
		}
		if e.TimeTo.Before(*e.TimeFrom) {
			return fmt.Errorf("%w: time_from must not exceed time_to", domain.ErrInvalidArgument)
		}
		e.TimeAt = nil
	default:
		return fmt.Errorf("%w: unknown time_mode %q", domain.ErrInvalidArgument, e.TimeMode)
	}
	return nil
}


package usecase

import (
	"fmt"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

// TaxonomyService manages tags, entry types and relation types. These are
// metadata for entries: edits here never touch the knowledge graph because
// none of them feed the index signature.
type TaxonomyService struct {
	Tags     domain.TagRepository
	Types    domain.EntryTypeRepository
	RelTypes domain.RelationTypeRepository
}

// NewTaxonomyService constructs a TaxonomyService with its dependencies.
func NewTaxonomyService(t domain.TagRepository, ty domain.EntryTypeRepository, rt domain.RelationTypeRepository) TaxonomyService {
	return TaxonomyService{Tags: t, Types: ty, RelTypes: rt}
}

// CreateTag persists a tag. Names are case-insensitively unique; the
// repository reports duplicates as ErrConflict.
func (s TaxonomyService) CreateTag(ctx domain.Context, t domain.Tag) (domain.Tag, error) {
	t.Name = textx.CollapseSpaces(t.Name)
	if t.Name == "" {
		return domain.Tag{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	return s.Tags.Create(ctx, t)
}

// ListTags returns all tags.
func (s TaxonomyService) ListTags(ctx domain.Context) ([]domain.Tag, error) {
	return s.Tags.List(ctx)
}

// UpdateTag renames or recolors a tag.
func (s TaxonomyService) UpdateTag(ctx domain.Context, t domain.Tag) (domain.Tag, error) {
	if t.ID == "" {
		return domain.Tag{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	t.Name = textx.CollapseSpaces(t.Name)
	if t.Name == "" {
		return domain.Tag{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	return s.Tags.Update(ctx, t)
}

// DeleteTag removes the tag; entry_tags rows cascade in the database.
func (s TaxonomyService) DeleteTag(ctx domain.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Tags.Delete(ctx, id)
}

// CreateType persists an entry type. Codes are unique slugs.
func (s TaxonomyService) CreateType(ctx domain.Context, t domain.EntryType) (domain.EntryType, error) {
	if err := validateTypeCode(t.Code); err != nil {
		return domain.EntryType{}, err
	}
	t.Name = textx.CollapseSpaces(t.Name)
	if t.Name == "" {
		return domain.EntryType{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	return s.Types.Create(ctx, t)
}

// ListTypes returns all entry types including disabled ones; callers filter.
func (s TaxonomyService) ListTypes(ctx domain.Context) ([]domain.EntryType, error) {
	return s.Types.List(ctx)
}

// UpdateType updates an entry type. Flipping graph/ai/enabled flags changes
// what future index events do but deliberately does not sweep existing
// entries; their graph documents converge on the next content edit.
func (s TaxonomyService) UpdateType(ctx domain.Context, t domain.EntryType) (domain.EntryType, error) {
	if t.ID == "" {
		return domain.EntryType{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	if err := validateTypeCode(t.Code); err != nil {
		return domain.EntryType{}, err
	}
	t.Name = textx.CollapseSpaces(t.Name)
	if t.Name == "" {
		return domain.EntryType{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	return s.Types.Update(ctx, t)
}

// DeleteType removes an entry type. The repository refuses when entries
// still reference it.
func (s TaxonomyService) DeleteType(ctx domain.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Types.Delete(ctx, id)
}

// CreateRelationType persists a relation type.
func (s TaxonomyService) CreateRelationType(ctx domain.Context, t domain.RelationType) (domain.RelationType, error) {
	if err := validateTypeCode(t.Code); err != nil {
		return domain.RelationType{}, err
	}
	t.Name = textx.CollapseSpaces(t.Name)
	if t.Name == "" {
		return domain.RelationType{}, fmt.Errorf("%w: name required", domain.ErrInvalidArgument)
	}
	return s.RelTypes.Create(ctx, t)
}

// ListRelationTypes returns all relation types.
func (s TaxonomyService) ListRelationTypes(ctx domain.Context) ([]domain.RelationType, error) {
	return s.RelTypes.List(ctx)
}

// UpdateRelationType updates a relation type.
func (s TaxonomyService) UpdateRelationType(ctx domain.Context, t domain.RelationType) (domain.RelationType, error) {
	if t.ID == "" {
		return domain.RelationType{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	if err := validateTypeCode(t.Code); err != nil {
		return domain.RelationType{}, err
	}
	return s.RelTypes.Update(ctx, t)
}

// DeleteRelationType removes a relation type and its edges (cascade).
func (s TaxonomyService) DeleteRelationType(ctx domain.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.RelTypes.Delete(ctx, id)
}

func validateTypeCode(code string) error {
	if code == "" {
		return fmt.Errorf("%w: code required", domain.ErrInvalidArgument)
	}
	for _, r := range code {
		ok := r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !ok {
			return fmt.Errorf("%w: code must be a lowercase slug, got %q", domain.ErrInvalidArgument, code)
		}
	}
	return nil
}

// RelationService manages typed edges between entries. Relations live only
// in Postgres; the knowledge graph discovers its own relationships from
// document content.
type RelationService struct {
	Relations domain.RelationRepository
	RelTypes  domain.RelationTypeRepository
	Entries   domain.EntryRepository
}

// NewRelationService constructs a RelationService with its dependencies.
func NewRelationService(r domain.RelationRepository, rt domain.RelationTypeRepository, e domain.EntryRepository) RelationService {
	return RelationService{Relations: r, RelTypes: rt, Entries: e}
}

// Create links two entries. Self-loops and duplicate edges are rejected;
// for undirected types the duplicate check covers both directions.
func (s RelationService) Create(ctx domain.Context, r domain.EntryRelation) (domain.EntryRelation, error) {
	if r.SourceEntryID == "" || r.TargetEntryID == "" || r.TypeID == "" {
		return domain.EntryRelation{}, fmt.Errorf("%w: source, target and type required", domain.ErrInvalidArgument)
	}
	if r.SourceEntryID == r.TargetEntryID {
		return domain.EntryRelation{}, fmt.Errorf("%w: relation cannot point at its own entry", domain.ErrInvalidArgument)
	}
	if _, err := s.Entries.Get(ctx, r.SourceEntryID); err != nil {
		return domain.EntryRelation{}, fmt.Errorf("source entry: %w", err)
	}
	if _, err := s.Entries.Get(ctx, r.TargetEntryID); err != nil {
		return domain.EntryRelation{}, fmt.Errorf("target entry: %w", err)
	}
	enabled, err := s.RelTypes.ListEnabled(ctx)
	if err != nil {
		return domain.EntryRelation{}, err
	}
	found := false
	for _, t := range enabled {
		if t.ID == r.TypeID {
			found = true
			break
		}
	}
	if !found {
		return domain.EntryRelation{}, fmt.Errorf("%w: relation type %s disabled or unknown", domain.ErrInvalidArgument, r.TypeID)
	}
	exists, err := s.Relations.Exists(ctx, r.SourceEntryID, r.TargetEntryID, r.TypeID)
	if err != nil {
		return domain.EntryRelation{}, err
	}
	if exists {
		return domain.EntryRelation{}, fmt.Errorf("%w: relation already exists", domain.ErrConflict)
	}
	r.Note = strings.TrimSpace(r.Note)
	return s.Relations.Create(ctx, r)
}

// ListByEntry returns edges touching the entry in either direction.
func (s RelationService) ListByEntry(ctx domain.Context, entryID string) ([]domain.EntryRelation, error) {
	if entryID == "" {
		return nil, fmt.Errorf("%w: entry id required", domain.ErrInvalidArgument)
	}
	return s.Relations.ListByEntry(ctx, entryID)
}

// Delete removes one edge.
func (s RelationService) Delete(ctx domain.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Relations.Delete(ctx, id)
}

package retrieval

import (
	"math"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

const snippetRunes = 280

// Source is one retrieval hit mapped back to its owning entry or attachment
// via the doc_id/file_path conventions.
type Source struct {
	Kind         domain.SourceKind `json:"kind"`
	EntryID      string            `json:"entry_id,omitempty"`
	AttachmentID string            `json:"attachment_id,omitempty"`
	EntryTitle   string            `json:"entry_title,omitempty"`
	Snippet      string            `json:"snippet,omitempty"`
	Score        float64           `json:"score"`
}

// Citation is one numbered reference for [^n] markers in answers.
type Citation struct {
	Ref     int    `json:"ref"`
	Kind    string `json:"kind"` // entry | entity | relationship
	EntryID string `json:"entry_id,omitempty"`
	Label   string `json:"label,omitempty"`
}

func (s *Service) decorateChunks(ctx domain.Context, hits []domain.ChunkHit) []Source {
	titles := newTitleCache(s.entries)
	sources := make([]Source, 0, len(hits))
	for _, h := range hits {
		ref := domain.ParseDocRef(h.DocID, h.FilePath)
		sources = append(sources, Source{
			Kind:         ref.Kind,
			EntryID:      ref.EntryID,
			AttachmentID: ref.AttachmentID,
			EntryTitle:   titles.get(ctx, ref.EntryID),
			Snippet:      textx.Excerpt(h.Content, snippetRunes),
			Score:        sanitizeScore(h.Score),
		})
	}
	return sources
}

func (s *Service) decorateContext(ctx domain.Context, kc domain.KGContext) GraphContext {
	titles := newTitleCache(s.entries)

	out := GraphContext{
		Chunks:        make([]ContextChunk, 0, len(kc.Chunks)),
		Entities:      make([]ContextEntity, 0, len(kc.Entities)),
		Relationships: make([]ContextRelationship, 0, len(kc.Relationships)),
	}
	for _, c := range kc.Chunks {
		ref := domain.ParseDocRef("", c.FilePath)
		out.Chunks = append(out.Chunks, ContextChunk{
			Content:      c.Content,
			EntryID:      ref.EntryID,
			AttachmentID: ref.AttachmentID,
			EntryTitle:   titles.get(ctx, ref.EntryID),
			Score:        sanitizeScore(c.Score),
		})
	}
	for _, e := range kc.Entities {
		ref := domain.ParseDocRef("", e.FilePath)
		out.Entities = append(out.Entities, ContextEntity{
			Name:        e.Name,
			Type:        e.Type,
			Description: e.Description,
			EntryID:     ref.EntryID,
		})
	}
	for _, r := range kc.Relationships {
		ref := domain.ParseDocRef("", r.FilePath)
		out.Relationships = append(out.Relationships, ContextRelationship{
			Source:      r.Source,
			Target:      r.Target,
			Keywords:    r.Keywords,
			Description: r.Description,
			EntryID:     ref.EntryID,
		})
	}
	out.References = contextCitations(ctx, out, titles)
	return out
}

// entryCitations numbers the distinct entries behind a source list, in
// first-hit order.
func entryCitations(sources []Source) []Citation {
	seen := map[string]bool{}
	var refs []Citation
	for _, src := range sources {
		if src.EntryID == "" || seen[src.EntryID] {
			continue
		}
		seen[src.EntryID] = true
		refs = append(refs, Citation{
			Ref:     len(refs) + 1,
			Kind:    "entry",
			EntryID: src.EntryID,
			Label:   src.EntryTitle,
		})
	}
	return refs
}

// contextCitations orders references as entries 1..N, entities N+1..M, then
// relationships M+1..K.
func contextCitations(ctx domain.Context, gc GraphContext, titles *titleCache) []Citation {
	var refs []Citation
	seenEntry := map[string]bool{}
	for _, c := range gc.Chunks {
		if c.EntryID == "" || seenEntry[c.EntryID] {
			continue
		}
		seenEntry[c.EntryID] = true
		refs = append(refs, Citation{
			Ref:     len(refs) + 1,
			Kind:    "entry",
			EntryID: c.EntryID,
			Label:   titles.get(ctx, c.EntryID),
		})
	}
	for _, e := range gc.Entities {
		refs = append(refs, Citation{
			Ref:     len(refs) + 1,
			Kind:    "entity",
			EntryID: e.EntryID,
			Label:   e.Name,
		})
	}
	for _, r := range gc.Relationships {
		refs = append(refs, Citation{
			Ref:     len(refs) + 1,
			Kind:    "relationship",
			EntryID: r.EntryID,
			Label:   r.Source + " -> " + r.Target,
		})
	}
	return refs
}

// sanitizeScore zeroes non-finite values so they never reach JSON encoding.
func sanitizeScore(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// titleCache memoizes entry title lookups within one request, including
// misses for deleted entries.
type titleCache struct {
	entries domain.EntryRepository
	known   map[string]string
}

func newTitleCache(entries domain.EntryRepository) *titleCache {
	return &titleCache{entries: entries, known: map[string]string{}}
}

func (t *titleCache) get(ctx domain.Context, entryID string) string {
	if entryID == "" {
		return ""
	}
	if title, ok := t.known[entryID]; ok {
		return title
	}
	title := ""
	if e, err := t.entries.Get(ctx, entryID); err == nil {
		title = e.Title
	}
	t.known[entryID] = title
	return title
}

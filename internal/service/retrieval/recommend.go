package retrieval

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/pkg/jsonx"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

const (
	// relevanceFloor is the hard minimum; callers can only raise it.
	relevanceFloor = 0.30

	maxRecommendLimit     = 100
	defaultRecommendLimit = 10

	// recommendQueryRunes bounds the entry text embedded in the retrieval
	// query and the verdict prompt.
	recommendQueryRunes = 2000
)

type RecommendParams struct {
	Mode                domain.KGQueryMode
	Limit               int
	MinScore            float64
	ExcludeExisting     bool
	IncludeRelationType bool
}

type Recommendation struct {
	TargetEntryID string  `json:"target_entry_id"`
	TargetTitle   string  `json:"target_title,omitempty"`
	RelationType  string  `json:"relation_type,omitempty"`
	Score         float64 `json:"score"`
}

// RecommendEntryRelations suggests entries worth linking to entryID. The
// knowledge graph supplies the candidate pool; one LLM call scores the
// candidates and, when asked, picks a relation type per target. When the
// verdict is unusable the vector scores stand in, so a flaky model degrades
// the ranking instead of the feature.
func (s *Service) RecommendEntryRelations(ctx domain.Context, entryID string, p RecommendParams) ([]Recommendation, error) {
	entry, err := s.entries.Get(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("op=load_entry: %w", err)
	}

	mode, _ := s.normalize(p.Mode, 0)
	limit := clamp(p.Limit, defaultRecommendLimit, maxRecommendLimit)
	floor := p.MinScore
	if floor < relevanceFloor {
		floor = relevanceFloor
	}

	var relTypes []domain.RelationType
	if p.IncludeRelationType {
		relTypes, err = s.relTypes.ListEnabled(ctx)
		if err != nil {
			return nil, fmt.Errorf("op=list_relation_types: %w", err)
		}
	}

	var excluded map[string]bool
	if p.ExcludeExisting {
		excluded, err = s.relatedEntryIDs(ctx, entryID)
		if err != nil {
			return nil, fmt.Errorf("op=list_relations: %w", err)
		}
	}

	recs, _, err := cached(s, ctx, "recommend_relations", "", func(ctx domain.Context) ([]Recommendation, error) {
		return s.recommend(ctx, entry, mode, relTypes, excluded, floor)
	})
	if err != nil {
		return nil, err
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

type candidate struct {
	entryID string
	title   string
	score   float64
}

func (s *Service) recommend(ctx domain.Context, entry domain.Entry, mode domain.KGQueryMode, relTypes []domain.RelationType, excluded map[string]bool, floor float64) ([]Recommendation, error) {
	query := textx.TruncateRunes(strings.TrimSpace(strings.Join([]string{entry.Title, entry.Summary, entry.Content}, "\n")), recommendQueryRunes)

	res, err := s.engine.Query(ctx, query, domain.KGQueryParam{
		Mode:            mode,
		TopK:            s.opts.TopK,
		ChunkTopK:       s.opts.ChunkTopK,
		OnlyNeedContext: true,
		EnableRerank:    s.opts.EnableRerank,
	})
	if err != nil {
		return nil, fmt.Errorf("op=kg_context_query: %w", err)
	}

	candidates := s.collectCandidates(ctx, entry.ID, res.Context, excluded)
	if len(candidates) == 0 {
		return []Recommendation{}, nil
	}

	scored := s.scoreWithLLM(ctx, entry, query, candidates, relTypes)

	recs := make([]Recommendation, 0, len(scored))
	for _, c := range scored {
		if c.score < floor {
			continue
		}
		recs = append(recs, Recommendation{
			TargetEntryID: c.entryID,
			TargetTitle:   c.title,
			RelationType:  c.relationType,
			Score:         c.score,
		})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return recs[i].TargetEntryID < recs[j].TargetEntryID
	})
	return recs, nil
}

// collectCandidates walks the retrieval context and keeps every referenced
// entry that still exists, is not the source entry and is not already
// related. Vector scores are kept as the fallback ranking, max-wins.
func (s *Service) collectCandidates(ctx domain.Context, sourceID string, kc *domain.KGContext, excluded map[string]bool) []candidate {
	if kc == nil {
		return nil
	}

	best := map[string]float64{}
	consider := func(filePath string, score float64) {
		id := domain.ParseDocRef("", filePath).EntryID
		if id == "" || id == sourceID || excluded[id] {
			return
		}
		sc := sanitizeScore(score)
		if cur, ok := best[id]; !ok || sc > cur {
			best[id] = sc
		}
	}
	for _, c := range kc.Chunks {
		consider(c.FilePath, c.Score)
	}
	for _, e := range kc.Entities {
		consider(e.FilePath, 0)
	}
	for _, r := range kc.Relationships {
		consider(r.FilePath, 0)
	}

	out := make([]candidate, 0, len(best))
	for id, score := range best {
		e, err := s.entries.Get(ctx, id)
		if err != nil {
			continue // deleted since indexing
		}
		out = append(out, candidate{entryID: id, title: e.Title, score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entryID < out[j].entryID })
	return out
}

type scoredCandidate struct {
	entryID      string
	title        string
	relationType string
	score        float64
}

type relationVerdict struct {
	Recommendations []struct {
		EntryID      string  `json:"entry_id"`
		RelationType string  `json:"relation_type"`
		Relevance    float64 `json:"relevance"`
	} `json:"recommendations"`
}

// scoreWithLLM asks the model for a relevance verdict per candidate.
// Targets outside the candidate pool are dropped, repeated targets keep the
// best relevance, unknown relation codes are blanked.
func (s *Service) scoreWithLLM(ctx domain.Context, entry domain.Entry, query string, candidates []candidate, relTypes []domain.RelationType) []scoredCandidate {
	byID := make(map[string]candidate, len(candidates))
	for _, c := range candidates {
		byID[c.entryID] = c
	}

	resp, err := s.llm.Chat(ctx, domain.ChatRequest{
		Temperature: 0,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: recommendSystemPrompt(relTypes)},
			{Role: domain.RoleUser, Content: recommendUserPrompt(entry.Title, query, candidates)},
		},
	})

	var verdict relationVerdict
	if err == nil {
		err = jsonx.Unmarshal(resp.Content, &verdict)
	}
	if err != nil || len(verdict.Recommendations) == 0 {
		if err != nil {
			slog.Warn("relation verdict unusable, falling back to vector scores", slog.Any("error", err))
		}
		out := make([]scoredCandidate, 0, len(candidates))
		for _, c := range candidates {
			out = append(out, scoredCandidate{entryID: c.entryID, title: c.title, score: c.score})
		}
		return out
	}

	validCode := map[string]bool{}
	for _, rt := range relTypes {
		validCode[rt.Code] = true
	}

	bestByID := map[string]scoredCandidate{}
	for _, item := range verdict.Recommendations {
		c, ok := byID[item.EntryID]
		if !ok {
			continue // hallucinated target
		}
		score := sanitizeScore(item.Relevance)
		code := item.RelationType
		if !validCode[code] {
			code = ""
		}
		if cur, ok := bestByID[item.EntryID]; !ok || score > cur.score {
			bestByID[item.EntryID] = scoredCandidate{entryID: c.entryID, title: c.title, relationType: code, score: score}
		}
	}

	out := make([]scoredCandidate, 0, len(bestByID))
	for _, sc := range bestByID {
		out = append(out, sc)
	}
	return out
}

func (s *Service) relatedEntryIDs(ctx domain.Context, entryID string) (map[string]bool, error) {
	rels, err := s.relations.ListByEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rels))
	for _, r := range rels {
		out[r.SourceEntryID] = true
		out[r.TargetEntryID] = true
	}
	delete(out, entryID)
	return out, nil
}

func recommendSystemPrompt(relTypes []domain.RelationType) string {
	var b strings.Builder
	b.WriteString("You suggest links between notes in a personal knowledge base. ")
	b.WriteString("Score each candidate's relevance to the source note from 0.0 to 1.0. ")
	if len(relTypes) > 0 {
		b.WriteString("Pick the best relation type code per candidate from: ")
		codes := make([]string, 0, len(relTypes))
		for _, rt := range relTypes {
			codes = append(codes, rt.Code)
		}
		b.WriteString(strings.Join(codes, ", "))
		b.WriteString(". ")
	}
	b.WriteString(`Answer with JSON only: {"recommendations":[{"entry_id":"<uuid>","relation_type":"<code or empty>","relevance":0.0}]}`)
	return b.String()
}

func recommendUserPrompt(title, text string, candidates []candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source note %q:\n%s\n\nCandidates:\n", title, text)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s: %s\n", c.entryID, c.title)
	}
	return b.String()
}

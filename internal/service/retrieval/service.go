// Package retrieval is the read side of the knowledge graph: RAG answers,
// vector recall, graph-aware context and relation recommendations. Every
// operation runs behind a weighted semaphore and a hard timeout so a slow
// engine cannot pile up callers, with an optional TTL cache in front.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"

	"github.com/mindatlas/mindatlas/internal/adapter/observability"
	"github.com/mindatlas/mindatlas/internal/domain"
)

type Options struct {
	MaxConcurrency int64
	Timeout        time.Duration
	CacheTTL       time.Duration
	CacheSize      int
	// TopK and ChunkTopK are the engine defaults when the caller passes 0.
	TopK         int
	ChunkTopK    int
	EnableRerank bool
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 4
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 256
	}
	if o.TopK <= 0 {
		o.TopK = 10
	}
	if o.ChunkTopK <= 0 {
		o.ChunkTopK = 10
	}
	return o
}

type Service struct {
	engine    domain.KGEngine
	llm       domain.LLMClient
	entries   domain.EntryRepository
	relTypes  domain.RelationTypeRepository
	relations domain.RelationRepository
	sem       *semaphore.Weighted
	cache     *expirable.LRU[string, any]
	opts      Options
}

func New(engine domain.KGEngine, llm domain.LLMClient, entries domain.EntryRepository, relTypes domain.RelationTypeRepository, relations domain.RelationRepository, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		engine:    engine,
		llm:       llm,
		entries:   entries,
		relTypes:  relTypes,
		relations: relations,
		sem:       semaphore.NewWeighted(opts.MaxConcurrency),
		cache:     expirable.NewLRU[string, any](opts.CacheSize, nil, opts.CacheTTL),
		opts:      opts,
	}
}

type QueryMetadata struct {
	Mode      domain.KGQueryMode `json:"mode"`
	TopK      int                `json:"top_k"`
	LatencyMS int64              `json:"latency_ms"`
	CacheHit  bool               `json:"cache_hit"`
}

type QueryResult struct {
	Answer     string        `json:"answer"`
	Sources    []Source      `json:"sources"`
	References []Citation    `json:"references,omitempty"`
	Metadata   QueryMetadata `json:"metadata"`
}

type RecallResult struct {
	Sources  []Source      `json:"sources"`
	Metadata QueryMetadata `json:"metadata"`
}

// GraphContext is the structured retrieval context for graph-aware callers.
type GraphContext struct {
	Chunks        []ContextChunk        `json:"chunks"`
	Entities      []ContextEntity       `json:"entities"`
	Relationships []ContextRelationship `json:"relationships"`
	References    []Citation            `json:"references,omitempty"`
	Metadata      QueryMetadata         `json:"metadata"`
}

type ContextChunk struct {
	Content      string  `json:"content"`
	EntryID      string  `json:"entry_id,omitempty"`
	AttachmentID string  `json:"attachment_id,omitempty"`
	EntryTitle   string  `json:"entry_title,omitempty"`
	Score        float64 `json:"score"`
}

type ContextEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	EntryID     string `json:"entry_id,omitempty"`
}

type ContextRelationship struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Keywords    string `json:"keywords,omitempty"`
	Description string `json:"description,omitempty"`
	EntryID     string `json:"entry_id,omitempty"`
}

// Query runs the full RAG path: an engine answer plus vector-store sources
// so the caller can attach citations.
func (s *Service) Query(ctx domain.Context, q string, mode domain.KGQueryMode, topK int) (QueryResult, error) {
	mode, topK = s.normalize(mode, topK)
	key := fmt.Sprintf("query|%s|%d|%s", mode, topK, q)

	start := time.Now()
	out, hit, err := cached(s, ctx, "query", key, func(ctx domain.Context) (QueryResult, error) {
		res, err := s.engine.Query(ctx, q, domain.KGQueryParam{
			Mode:         mode,
			TopK:         topK,
			ChunkTopK:    s.opts.ChunkTopK,
			EnableRerank: s.opts.EnableRerank,
		})
		if err != nil {
			return QueryResult{}, fmt.Errorf("op=kg_query: %w", err)
		}

		// Source supplement is best effort; an answer without citations
		// beats no answer.
		var sources []Source
		if hits, err := s.engine.ChunkSearch(ctx, q, topK); err == nil {
			sources = s.decorateChunks(ctx, hits)
		} else {
			slog.Warn("chunk search for sources failed", slog.Any("error", err))
		}

		return QueryResult{
			Answer:     res.Answer,
			Sources:    sources,
			References: entryCitations(sources),
		}, nil
	})
	if err != nil {
		return QueryResult{}, err
	}
	out.Metadata = QueryMetadata{Mode: mode, TopK: topK, LatencyMS: time.Since(start).Milliseconds(), CacheHit: hit}
	return out, nil
}

// RecallSources is the vector-only path: no LLM call, just decorated chunk
// matches. Mode is accepted for API symmetry; chunk search is always naive.
func (s *Service) RecallSources(ctx domain.Context, q string, mode domain.KGQueryMode, topK int) (RecallResult, error) {
	mode, topK = s.normalize(mode, topK)
	key := fmt.Sprintf("recall|%d|%s", topK, q)

	start := time.Now()
	out, hit, err := cached(s, ctx, "recall_sources", key, func(ctx domain.Context) (RecallResult, error) {
		hits, err := s.engine.ChunkSearch(ctx, q, topK)
		if err != nil {
			return RecallResult{}, fmt.Errorf("op=chunk_search: %w", err)
		}
		return RecallResult{Sources: s.decorateChunks(ctx, hits)}, nil
	})
	if err != nil {
		return RecallResult{}, err
	}
	out.Metadata = QueryMetadata{Mode: mode, TopK: topK, LatencyMS: time.Since(start).Milliseconds(), CacheHit: hit}
	return out, nil
}

// GraphRecallWithContext returns the engine's structured context (chunks,
// entities, relationships) with source linkage and a numbered reference
// list: entries first, then entities, then relationships.
func (s *Service) GraphRecallWithContext(ctx domain.Context, q string, mode domain.KGQueryMode, topK, chunkTopK, maxTokens int) (GraphContext, error) {
	mode, topK = s.normalize(mode, topK)
	if chunkTopK <= 0 {
		chunkTopK = s.opts.ChunkTopK
	}
	key := fmt.Sprintf("graphctx|%s|%d|%d|%d|%s", mode, topK, chunkTopK, maxTokens, q)

	start := time.Now()
	out, hit, err := cached(s, ctx, "graph_recall_with_context", key, func(ctx domain.Context) (GraphContext, error) {
		res, err := s.engine.Query(ctx, q, domain.KGQueryParam{
			Mode:            mode,
			TopK:            topK,
			ChunkTopK:       chunkTopK,
			OnlyNeedContext: true,
			EnableRerank:    s.opts.EnableRerank,
			MaxTokens:       maxTokens,
		})
		if err != nil {
			return GraphContext{}, fmt.Errorf("op=kg_context_query: %w", err)
		}
		if res.Context == nil {
			return GraphContext{Chunks: []ContextChunk{}, Entities: []ContextEntity{}, Relationships: []ContextRelationship{}}, nil
		}
		return s.decorateContext(ctx, *res.Context), nil
	})
	if err != nil {
		return GraphContext{}, err
	}
	out.Metadata = QueryMetadata{Mode: mode, TopK: topK, LatencyMS: time.Since(start).Milliseconds(), CacheHit: hit}
	return out, nil
}

func (s *Service) normalize(mode domain.KGQueryMode, topK int) (domain.KGQueryMode, int) {
	if !domain.ValidKGMode(mode) {
		mode = domain.KGModeMix
	}
	if topK <= 0 {
		topK = s.opts.TopK
	}
	return mode, topK
}

// guard takes one semaphore slot under the service's hard timeout.
// Exhaustion surfaces as an upstream timeout, which the HTTP layer maps
// to 504.
func (s *Service) guard(ctx domain.Context) (domain.Context, context.CancelFunc, error) {
	gctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	if err := s.sem.Acquire(gctx, 1); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("op=retrieval_slot: %w", domain.ErrUpstreamTimeout)
	}
	release := func() {
		s.sem.Release(1)
		cancel()
	}
	return gctx, release, nil
}

// cached runs fn behind the guard with a TTL-cache in front. An empty key
// bypasses the cache.
func cached[T any](s *Service, ctx domain.Context, op, key string, fn func(ctx domain.Context) (T, error)) (T, bool, error) {
	var zero T
	if key != "" {
		if v, ok := s.cache.Get(key); ok {
			if t, ok := v.(T); ok {
				observability.RetrievalRequestsTotal.WithLabelValues(op, "hit").Inc()
				return t, true, nil
			}
		}
	}
	cacheLabel := "miss"
	if key == "" {
		cacheLabel = "bypass"
	}
	observability.RetrievalRequestsTotal.WithLabelValues(op, cacheLabel).Inc()

	gctx, release, err := s.guard(ctx)
	if err != nil {
		return zero, false, err
	}
	defer release()

	start := time.Now()
	out, err := fn(gctx)
	observability.RetrievalDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		if gctx.Err() != nil && ctx.Err() == nil {
			// The service deadline fired, not the caller's.
			return zero, false, fmt.Errorf("op=%s: %w", op, domain.ErrUpstreamTimeout)
		}
		return zero, false, err
	}
	if key != "" {
		s.cache.Add(key, out)
	}
	return out, false, nil
}

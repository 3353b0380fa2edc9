package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/internal/service/retrieval"
)

// retrievalGate rejects knowledge-graph reads while the engine is disabled.
func (s *Server) retrievalGate(w http.ResponseWriter, r *http.Request) bool {
	if !s.Cfg.LightRAGEnabled {
		writeError(w, r, fmt.Errorf("%w: knowledge graph", domain.ErrFeatureDisabled), nil)
		return false
	}
	return true
}

type retrievalRequest struct {
	Query     string `json:"query" validate:"required,max=8000"`
	Mode      string `json:"mode"`
	TopK      int    `json:"top_k" validate:"min=0,max=100"`
	ChunkTopK int    `json:"chunk_top_k" validate:"min=0,max=100"`
	MaxTokens int    `json:"max_tokens" validate:"min=0"`
}

func (req retrievalRequest) kgMode(w http.ResponseWriter, r *http.Request) (domain.KGQueryMode, bool) {
	if req.Mode == "" {
		return domain.KGModeMix, true
	}
	mode := domain.KGQueryMode(req.Mode)
	if !domain.ValidKGMode(mode) {
		writeError(w, r, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidArgument, req.Mode), nil)
		return "", false
	}
	return mode, true
}

// QueryHandler answers a question over the knowledge graph with sources.
func (s *Server) QueryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.retrievalGate(w, r) {
			return
		}
		var req retrievalRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		mode, ok := req.kgMode(w, r)
		if !ok {
			return
		}
		res, err := s.Retrieval.Query(r.Context(), req.Query, mode, req.TopK)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, res)
	}
}

// RecallHandler returns vector-store sources without generating an answer.
func (s *Server) RecallHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.retrievalGate(w, r) {
			return
		}
		var req retrievalRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		mode, ok := req.kgMode(w, r)
		if !ok {
			return
		}
		res, err := s.Retrieval.RecallSources(r.Context(), req.Query, mode, req.TopK)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, res)
	}
}

// ContextHandler returns structured graph context (chunks, entities,
// relationships) for graph-aware callers.
func (s *Server) ContextHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.retrievalGate(w, r) {
			return
		}
		var req retrievalRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		mode, ok := req.kgMode(w, r)
		if !ok {
			return
		}
		res, err := s.Retrieval.GraphRecallWithContext(r.Context(), req.Query, mode, req.TopK, req.ChunkTopK, req.MaxTokens)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, res)
	}
}

// GraphDataHandler returns the visualization graph around a label.
func (s *Server) GraphDataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.retrievalGate(w, r) {
			return
		}
		label := r.URL.Query().Get("label")
		maxDepth := queryInt(r, "max_depth", 0)
		maxNodes := queryInt(r, "max_nodes", 0)
		g, err := s.Retrieval.GetGraphData(r.Context(), label, maxDepth, maxNodes)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, g)
	}
}

// RecommendRelationsHandler suggests entries worth linking to the given one.
func (s *Server) RecommendRelationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.retrievalGate(w, r) {
			return
		}
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		q := r.URL.Query()
		p := retrieval.RecommendParams{
			Mode:                domain.KGQueryMode(q.Get("mode")),
			Limit:               queryInt(r, "limit", 0),
			ExcludeExisting:     q.Get("exclude_existing") != "false",
			IncludeRelationType: q.Get("include_relation_type") == "true",
		}
		if raw := q.Get("min_score"); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				p.MinScore = v
			}
		}
		if p.Mode != "" && !domain.ValidKGMode(p.Mode) {
			writeError(w, r, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidArgument, q.Get("mode")), nil)
			return
		}
		recs, err := s.Retrieval.RecommendEntryRelations(r.Context(), id, p)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, listPage{Items: recs, Total: len(recs)})
	}
}

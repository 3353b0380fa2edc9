// Package lightrag implements domain.KGEngine against a LightRAG HTTP
// sidecar. The engine is not safe for concurrent use on the server side, so
// all calls must be routed through the index runtime host; this client only
// does the wire work.
package lightrag

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
)

type Options struct {
	BaseURL string
	APIKey  string
}

type Client struct {
	baseURL string
	apiKey  string
	// No client-level timeout: inserts can run for minutes and every call
	// arrives with a runtime-host deadline on its context.
	hc *http.Client
}

func New(opts Options) *Client {
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		hc:      &http.Client{},
	}
}

// APIError is a non-2xx sidecar response. The indexer classifies retries by
// status, so it must stay visible through error wrapping.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lightrag status %d: %s", e.Status, e.Body)
}

// HTTPStatus lets callers classify without importing this package's types.
func (e *APIError) HTTPStatus() int { return e.Status }

// Init verifies the sidecar is up. Storage wiring happens server-side at
// boot; a healthy /health is all the client needs.
func (c *Client) Init(ctx domain.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("op=lightrag.init: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=lightrag.init: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=lightrag.init: %w", &APIError{Status: resp.StatusCode, Body: readBody(resp.Body)})
	}
	return nil
}

// Insert uploads one document. ids and filePaths pin doc_id/file_path so
// retrieved chunks always map back to their entry or attachment.
func (c *Client) Insert(ctx domain.Context, text string, ids []string, filePaths []string) error {
	payload := map[string]any{
		"text":       text,
		"ids":        ids,
		"file_paths": filePaths,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/documents/text", payload, nil); err != nil {
		return fmt.Errorf("op=lightrag.insert: %w", err)
	}
	return nil
}

// DeleteByDocID removes a document and its derived graph data. A missing
// doc is a success: deletes are idempotent by contract.
func (c *Client) DeleteByDocID(ctx domain.Context, docID string) error {
	payload := map[string]any{
		"doc_ids":     []string{docID},
		"delete_file": false,
	}
	err := c.doJSON(ctx, http.MethodDelete, "/documents/delete_document", payload, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("op=lightrag.delete doc_id=%s: %w", docID, err)
	}
	return nil
}

type queryRequest struct {
	Query           string  `json:"query"`
	Mode            string  `json:"mode"`
	TopK            int     `json:"top_k,omitempty"`
	ChunkTopK       int     `json:"chunk_top_k,omitempty"`
	OnlyNeedContext bool    `json:"only_need_context,omitempty"`
	EnableRerank    *bool   `json:"enable_rerank,omitempty"`
	MaxTotalTokens  int     `json:"max_total_tokens,omitempty"`
	Stream          bool    `json:"stream"`
	ResponseType    *string `json:"response_type,omitempty"`
}

func (c *Client) buildQueryRequest(q string, p domain.KGQueryParam) queryRequest {
	mode := p.Mode
	if !domain.ValidKGMode(mode) {
		mode = domain.KGModeMix
	}
	req := queryRequest{
		Query:           q,
		Mode:            string(mode),
		TopK:            p.TopK,
		ChunkTopK:       p.ChunkTopK,
		OnlyNeedContext: p.OnlyNeedContext,
		MaxTotalTokens:  p.MaxTokens,
	}
	if p.EnableRerank {
		t := true
		req.EnableRerank = &t
	}
	return req
}

// Query runs query_llm. With OnlyNeedContext it calls /query/data and maps
// the structured context; otherwise /query returns the generated answer.
func (c *Client) Query(ctx domain.Context, q string, p domain.KGQueryParam) (domain.KGQueryResult, error) {
	req := c.buildQueryRequest(q, p)
	if p.OnlyNeedContext {
		var out queryDataResponse
		if err := c.doJSON(ctx, http.MethodPost, "/query/data", req, &out); err != nil {
			return domain.KGQueryResult{}, fmt.Errorf("op=lightrag.query_data: %w", err)
		}
		return domain.KGQueryResult{Answer: out.Message, Context: out.toContext()}, nil
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/query", req, &out); err != nil {
		return domain.KGQueryResult{}, fmt.Errorf("op=lightrag.query: %w", err)
	}
	return domain.KGQueryResult{Answer: out.Response}, nil
}

type queryDataResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Entities      []map[string]any `json:"entities"`
		Relationships []map[string]any `json:"relationships"`
		Chunks        []map[string]any `json:"chunks"`
	} `json:"data"`
}

func (r queryDataResponse) toContext() *domain.KGContext {
	kgCtx := &domain.KGContext{}
	for _, e := range r.Data.Entities {
		kgCtx.Entities = append(kgCtx.Entities, domain.KGEntity{
			Name:        str(e, "entity_name", "entity", "name"),
			Type:        str(e, "entity_type", "type"),
			Description: str(e, "description"),
			FilePath:    str(e, "file_path"),
		})
	}
	for _, rel := range r.Data.Relationships {
		kgCtx.Relationships = append(kgCtx.Relationships, domain.KGRelationship{
			Source:      str(rel, "src_id", "source", "entity1"),
			Target:      str(rel, "tgt_id", "target", "entity2"),
			Keywords:    str(rel, "keywords"),
			Description: str(rel, "description"),
			FilePath:    str(rel, "file_path"),
		})
	}
	for _, ch := range r.Data.Chunks {
		kgCtx.Chunks = append(kgCtx.Chunks, domain.KGChunk{
			Content:  str(ch, "content"),
			FilePath: str(ch, "file_path"),
			Score:    num(ch, "score", "rank"),
		})
	}
	return kgCtx
}

// ChunkSearch is the vector-only path: naive mode with only_need_context
// skips the LLM entirely and returns raw chunk matches.
func (c *Client) ChunkSearch(ctx domain.Context, q string, topK int) ([]domain.ChunkHit, error) {
	req := queryRequest{
		Query:           q,
		Mode:            string(domain.KGModeNaive),
		TopK:            topK,
		ChunkTopK:       topK,
		OnlyNeedContext: true,
	}
	var out queryDataResponse
	if err := c.doJSON(ctx, http.MethodPost, "/query/data", req, &out); err != nil {
		return nil, fmt.Errorf("op=lightrag.chunk_search: %w", err)
	}
	hits := make([]domain.ChunkHit, 0, len(out.Data.Chunks))
	for _, ch := range out.Data.Chunks {
		hits = append(hits, domain.ChunkHit{
			DocID:    str(ch, "full_doc_id", "doc_id"),
			FilePath: str(ch, "file_path"),
			Content:  str(ch, "content"),
			Score:    num(ch, "score", "rank"),
		})
	}
	return hits, nil
}

type graphResponse struct {
	Nodes []struct {
		ID         string         `json:"id"`
		Labels     []string       `json:"labels"`
		Properties map[string]any `json:"properties"`
	} `json:"nodes"`
	Edges []struct {
		ID         string         `json:"id"`
		Type       string         `json:"type"`
		Source     string         `json:"source"`
		Target     string         `json:"target"`
		Properties map[string]any `json:"properties"`
	} `json:"edges"`
}

// KnowledgeGraph fetches the subgraph around label ("*" for everything).
func (c *Client) KnowledgeGraph(ctx domain.Context, label string, maxDepth, maxNodes int) (domain.KGGraph, error) {
	q := url.Values{}
	q.Set("label", label)
	q.Set("max_depth", strconv.Itoa(maxDepth))
	q.Set("max_nodes", strconv.Itoa(maxNodes))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/graphs?"+q.Encode(), nil)
	if err != nil {
		return domain.KGGraph{}, fmt.Errorf("op=lightrag.graph: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.KGGraph{}, fmt.Errorf("op=lightrag.graph: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.KGGraph{}, fmt.Errorf("op=lightrag.graph: %w", &APIError{Status: resp.StatusCode, Body: readBody(resp.Body)})
	}
	var out graphResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.KGGraph{}, fmt.Errorf("op=lightrag.graph_decode: %w", err)
	}
	g := domain.KGGraph{}
	for _, n := range out.Nodes {
		g.Nodes = append(g.Nodes, domain.KGGraphNode{ID: n.ID, Labels: n.Labels, Properties: n.Properties})
	}
	for _, e := range out.Edges {
		g.Edges = append(g.Edges, domain.KGGraphEdge{ID: e.ID, Source: e.Source, Target: e.Target, Type: e.Type, Properties: e.Properties})
	}
	return g, nil
}

func (c *Client) doJSON(ctx domain.Context, method, path string, payload, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: readBody(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

// str picks the first present non-empty string among keys.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// num picks the first numeric value among keys, tolerating strings.
// Booleans and non-finite values are dropped rather than coerced.
func num(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			if finite(t) {
				return t
			}
		case int:
			return float64(t)
		case json.Number:
			if f, err := t.Float64(); err == nil && finite(f) {
				return f
			}
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil && finite(f) {
				return f
			}
		}
	}
	return 0
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

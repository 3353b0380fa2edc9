// Package openai implements the LLM, embedding and rerank ports against any
// OpenAI-compatible HTTP endpoint. Base URL, key and model are per-instance
// so each component binding gets its own client.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"log/slog"

	"github.com/mindatlas/mindatlas/internal/adapter/observability"
	"github.com/mindatlas/mindatlas/internal/domain"
)

// BackoffConfig tunes the retry loop for non-streaming calls.
type BackoffConfig struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Backoff BackoffConfig
}

type Client struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
	// streamHC has no client timeout; streams are bounded by the caller's
	// context instead.
	streamHC *http.Client
	bo       BackoffConfig
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	// otelhttp records a client span per provider round-trip.
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("AI %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		apiKey:   opts.APIKey,
		model:    opts.Model,
		hc:       &http.Client{Timeout: timeout, Transport: transport},
		streamHC: &http.Client{Transport: transport},
		bo:       opts.Backoff,
	}
}

func (c *Client) Model() string { return c.model }

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	if c.bo.MaxElapsedTime > 0 {
		expo.MaxElapsedTime = c.bo.MaxElapsedTime
	}
	if c.bo.InitialInterval > 0 {
		expo.InitialInterval = c.bo.InitialInterval
	}
	if c.bo.MaxInterval > 0 {
		expo.MaxInterval = c.bo.MaxInterval
	}
	if c.bo.Multiplier > 0 {
		expo.Multiplier = c.bo.Multiplier
	}
	return expo
}

// Wire shapes for /chat/completions.

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireToolSpec `json:"function"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

func (c *Client) buildChatPayload(req domain.ChatRequest, stream bool) chatPayload {
	model := req.Model
	if model == "" {
		model = c.model
	}
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		msgs = append(msgs, wm)
	}
	p := chatPayload{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	for _, t := range req.Tools {
		p.Tools = append(p.Tools, wireTool{
			Type: "function",
			Function: wireToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return p
}

type chatCompletion struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Chat calls /chat/completions without streaming.
func (c *Client) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	b, err := json.Marshal(c.buildChatPayload(req, false))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=openai.chat_marshal: %w", err)
	}
	var out chatCompletion
	if err := c.post(ctx, "chat", "/chat/completions", b, &out); err != nil {
		return domain.ChatResponse{}, err
	}
	if len(out.Choices) == 0 {
		return domain.ChatResponse{}, fmt.Errorf("op=openai.chat: empty choices")
	}
	choice := out.Choices[0]
	resp := domain.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// toolCallAccumulator stitches streamed tool-call fragments back together.
// Fragments for one call share an index; arguments arrive as JSON split
// across chunks.
type toolCallAccumulator struct {
	order   []int
	pending map[int]*pendingToolCall
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{pending: make(map[int]*pendingToolCall)}
}

func (a *toolCallAccumulator) add(deltas []toolCallDelta) {
	for _, d := range deltas {
		p, ok := a.pending[d.Index]
		if !ok {
			p = &pendingToolCall{}
			a.pending[d.Index] = p
			a.order = append(a.order, d.Index)
		}
		if d.ID != "" {
			p.id = d.ID
		}
		if d.Function.Name != "" {
			p.name = d.Function.Name
		}
		p.args.WriteString(d.Function.Arguments)
	}
}

func (a *toolCallAccumulator) result() []domain.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	sort.Ints(a.order)
	out := make([]domain.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		p := a.pending[idx]
		out = append(out, domain.ToolCall{ID: p.id, Name: p.name, Arguments: p.args.String()})
	}
	return out
}

// ChatStream calls /chat/completions with stream=true and feeds answer
// deltas to fn as they arrive. Tool-call deltas never reach fn; they are
// accumulated and returned on the final response. Streams are not retried:
// once bytes reached the caller a replay would duplicate them.
func (c *Client) ChatStream(ctx domain.Context, req domain.ChatRequest, fn domain.ChatStreamFunc) (domain.ChatResponse, error) {
	b, err := json.Marshal(c.buildChatPayload(req, true))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=openai.chat_stream_marshal: %w", err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=openai.chat_stream: %w", err)
	}
	c.setHeaders(r)
	r.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.streamHC.Do(r)
	observability.AIRequestsTotal.WithLabelValues("chat_stream").Inc()
	defer func() {
		observability.AIRequestDuration.WithLabelValues("chat_stream").Observe(time.Since(start).Seconds())
	}()
	if err != nil {
		return domain.ChatResponse{}, c.mapTransportErr("chat_stream", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := readSnippet(resp.Body, 512)
		return domain.ChatResponse{}, c.mapStatusErr("chat_stream", resp.StatusCode, snippet)
	}

	acc := newToolCallAccumulator()
	var sb strings.Builder
	finish := ""
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Debug("skipping malformed stream chunk", slog.String("provider", "openai"), slog.Any("error", err))
			continue
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				sb.WriteString(ch.Delta.Content)
				if err := fn(ch.Delta.Content); err != nil {
					return domain.ChatResponse{}, fmt.Errorf("op=openai.chat_stream_sink: %w", err)
				}
			}
			acc.add(ch.Delta.ToolCalls)
			if ch.FinishReason != nil && *ch.FinishReason != "" {
				finish = *ch.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.ChatResponse{}, c.mapTransportErr("chat_stream", err)
	}
	return domain.ChatResponse{Content: sb.String(), ToolCalls: acc.result(), FinishReason: finish}, nil
}

// Embed calls /embeddings and returns vectors.
func (c *Client) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	b, err := json.Marshal(map[string]any{"model": c.model, "input": texts})
	if err != nil {
		return nil, fmt.Errorf("op=openai.embed_marshal: %w", err)
	}
	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, "embed", "/embeddings", b, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("op=openai.embed: empty data")
	}
	res := make([][]float32, len(out.Data))
	for i := range out.Data {
		v := make([]float32, len(out.Data[i].Embedding))
		for j := range out.Data[i].Embedding {
			v[j] = float32(out.Data[i].Embedding[j])
		}
		res[i] = v
	}
	return res, nil
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Rerank calls /rerank. Both the flat shape (Jina, Cohere compatible) and
// the Aliyun DashScope shape nesting results under "output" are accepted.
func (c *Client) Rerank(ctx domain.Context, query string, documents []string, topN int) ([]domain.RerankScore, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	body := map[string]any{"model": c.model, "query": query, "documents": documents}
	if topN > 0 {
		body["top_n"] = topN
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=openai.rerank_marshal: %w", err)
	}
	var out struct {
		Results []rerankResult `json:"results"`
		Output  struct {
			Results []rerankResult `json:"results"`
		} `json:"output"`
	}
	if err := c.post(ctx, "rerank", "/rerank", b, &out); err != nil {
		return nil, err
	}
	results := out.Results
	if len(results) == 0 {
		results = out.Output.Results
	}
	scores := make([]domain.RerankScore, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(documents) {
			continue
		}
		scores = append(scores, domain.RerankScore{Index: r.Index, Score: r.RelevanceScore})
	}
	return scores, nil
}

func (c *Client) setHeaders(r *http.Request) {
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	r.Header.Set("Content-Type", "application/json")
}

// post runs one JSON round-trip under the retry policy. 429 and 5xx retry,
// other 4xx are permanent, and a 4xx body matching the provider's content
// policy wording maps to ErrModerationBlocked.
func (c *Client) post(ctx domain.Context, op, path string, body []byte, out any) error {
	endpoint := c.baseURL + path
	var lastStatus int
	attempt := func() error {
		start := time.Now()
		// Recreate the request each attempt so a consumed body is never reused.
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setHeaders(r)
		resp, err := c.hc.Do(r)
		observability.AIRequestsTotal.WithLabelValues(op).Inc()
		observability.AIRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		lastStatus = resp.StatusCode

		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("ai provider rate limited",
				slog.String("provider", "openai"), slog.String("op", op),
				slog.Int("status", resp.StatusCode),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			snippet := readSnippet(resp.Body, 512)
			slog.Warn("ai provider 4xx",
				slog.String("provider", "openai"), slog.String("op", op),
				slog.Int("status", resp.StatusCode), slog.String("endpoint", endpoint),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
				slog.String("body", snippet))
			if isRefusalBody(snippet) {
				return backoff.Permanent(fmt.Errorf("op=openai.%s status=%d: %w", op, resp.StatusCode, domain.ErrModerationBlocked))
			}
			return backoff.Permanent(fmt.Errorf("%s status %d", op, resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet := readSnippet(resp.Body, 512)
			slog.Error("ai provider non-2xx",
				slog.String("provider", "openai"), slog.String("op", op),
				slog.Int("status", resp.StatusCode), slog.String("endpoint", endpoint),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
				slog.String("body", snippet))
			return fmt.Errorf("%s status %d", op, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			slog.Error("ai provider decode error",
				slog.String("provider", "openai"), slog.String("op", op),
				slog.String("endpoint", endpoint), slog.Any("error", err))
			return err
		}
		return nil
	}

	bo := backoff.WithContext(c.newBackoff(), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		if errors.Is(err, domain.ErrModerationBlocked) {
			return err
		}
		if isTimeout(err) {
			return fmt.Errorf("op=openai.%s: %w", op, domain.ErrUpstreamTimeout)
		}
		if lastStatus == http.StatusTooManyRequests {
			return fmt.Errorf("op=openai.%s: %w", op, domain.ErrUpstreamRateLimit)
		}
		return fmt.Errorf("op=openai.%s: %w", op, err)
	}
	return nil
}

func (c *Client) mapTransportErr(op string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("op=openai.%s: %w", op, domain.ErrUpstreamTimeout)
	}
	return fmt.Errorf("op=openai.%s: %w", op, err)
}

func (c *Client) mapStatusErr(op string, status int, snippet string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("op=openai.%s: %w", op, domain.ErrUpstreamRateLimit)
	case status >= 400 && status < 500 && isRefusalBody(snippet):
		return fmt.Errorf("op=openai.%s status=%d: %w", op, status, domain.ErrModerationBlocked)
	default:
		return fmt.Errorf("op=openai.%s: status %d: %s", op, status, snippet)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}

// readSnippet reads up to n bytes from r for log and error context.
func readSnippet(r io.Reader, n int) string {
	if r == nil || n <= 0 {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, int64(n)))
	return string(b)
}

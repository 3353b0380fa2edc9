package tool

import (
	"fmt"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/internal/service/retrieval"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

const kbSnippetRunes = 400

// KBRecaller is the slice of the retrieval service kb_search needs.
type KBRecaller interface {
	GraphRecallWithContext(ctx domain.Context, q string, mode domain.KGQueryMode, topK, chunkTopK, maxTokens int) (retrieval.GraphContext, error)
}

// NewKBSearch builds the reserved kb_search tool over the retrieval service.
// The executor resolves it by name for agent tool calls and for the KB
// prefetch path; it is never advertised to the model as a user tool.
func NewKBSearch(recall KBRecaller) Tool {
	return Tool{
		Spec: domain.AssistantTool{
			Name:        domain.KBSearchToolName,
			Description: "Search the personal knowledge base and return matching notes, entities and relations with numbered references.",
			Kind:        domain.ToolKindLocal,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "What to look up in the knowledge base",
					},
					"top_k": map[string]any{
						"type":        "integer",
						"description": "How many results to retrieve",
					},
				},
				"required": []string{"query"},
			},
			IsSystem: true,
			Enabled:  true,
		},
		Local: func(ctx domain.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("op=kb_search: empty query: %w", domain.ErrInvalidArgument)
			}
			mode := domain.KGModeMix
			if s, ok := args["mode"].(string); ok && s != "" {
				mode = domain.KGQueryMode(s)
			}
			gc, err := recall.GraphRecallWithContext(ctx, query, mode, intArg(args, "top_k"), 0, 0)
			if err != nil {
				return "", fmt.Errorf("op=kb_search: %w", err)
			}
			out := FormatKBContext(gc)
			if out == "" {
				return "No matching knowledge base content.", nil
			}
			return out, nil
		},
	}
}

// FormatKBContext renders retrieval context as references plus summaries,
// the shape injected into agent prompts and returned from kb_search calls.
func FormatKBContext(gc retrieval.GraphContext) string {
	if len(gc.Chunks) == 0 && len(gc.Entities) == 0 && len(gc.Relationships) == 0 {
		return ""
	}
	var b strings.Builder

	entryRef := map[string]int{}
	if len(gc.References) > 0 {
		b.WriteString("References:\n")
		for _, ref := range gc.References {
			label := ref.Label
			if label == "" {
				label = ref.EntryID
			}
			fmt.Fprintf(&b, "[%d] %s\n", ref.Ref, label)
			if ref.Kind == "entry" && ref.EntryID != "" {
				entryRef[ref.EntryID] = ref.Ref
			}
		}
	}

	if len(gc.Chunks) > 0 {
		b.WriteString("\nSummaries:\n")
		for _, c := range gc.Chunks {
			marker := ""
			if n, ok := entryRef[c.EntryID]; ok {
				marker = fmt.Sprintf(" [%d]", n)
			}
			fmt.Fprintf(&b, "-%s %s\n", marker, textx.Excerpt(c.Content, kbSnippetRunes))
		}
	}
	if len(gc.Entities) > 0 {
		b.WriteString("\nEntities:\n")
		for _, e := range gc.Entities {
			line := e.Name
			if e.Type != "" {
				line += " (" + e.Type + ")"
			}
			if e.Description != "" {
				line += ": " + textx.Excerpt(e.Description, kbSnippetRunes)
			}
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	if len(gc.Relationships) > 0 {
		b.WriteString("\nRelations:\n")
		for _, r := range gc.Relationships {
			line := r.Source + " -> " + r.Target
			if r.Description != "" {
				line += ": " + textx.Excerpt(r.Description, kbSnippetRunes)
			}
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// intArg reads a numeric argument from decoded JSON, which arrives as
// float64.
func intArg(args map[string]any, key string) int {
	switch t := args[key].(type) {
	case float64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}

package retrieval

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
)

const (
	maxGraphDepth = 10
	maxGraphNodes = 5000

	defaultGraphDepth = 3
	defaultGraphNodes = 1000
)

// GraphData is the engine graph normalized for the visualization API.
type GraphData struct {
	Nodes []GraphNode `json:"nodes"`
	Links []GraphLink `json:"links"`
}

type GraphNode struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	TypeID      string `json:"type_id,omitempty"`
	TypeName    string `json:"type_name,omitempty"`
	Color       string `json:"color"`
	EntityID    string `json:"entity_id,omitempty"`
	EntityType  string `json:"entity_type,omitempty"`
	Description string `json:"description,omitempty"`
	EntryID     string `json:"entry_id,omitempty"`
	EntryTitle  string `json:"entry_title,omitempty"`
}

type GraphLink struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Target      string `json:"target"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Keywords    string `json:"keywords,omitempty"`
	EntryID     string `json:"entry_id,omitempty"`
	EntryTitle  string `json:"entry_title,omitempty"`
}

// GetGraphData fetches the knowledge graph around label ("*" for everything)
// and normalizes it: stable colors per entity type, synthesized edge ids and
// entry linkage recovered from file_path properties.
func (s *Service) GetGraphData(ctx domain.Context, label string, maxDepth, maxNodes int) (GraphData, error) {
	if label == "" {
		label = "*"
	}
	maxDepth = clamp(maxDepth, defaultGraphDepth, maxGraphDepth)
	maxNodes = clamp(maxNodes, defaultGraphNodes, maxGraphNodes)
	key := fmt.Sprintf("graph|%s|%d|%d", label, maxDepth, maxNodes)

	out, _, err := cached(s, ctx, "get_graph_data", key, func(ctx domain.Context) (GraphData, error) {
		g, err := s.engine.KnowledgeGraph(ctx, label, maxDepth, maxNodes)
		if err != nil {
			return GraphData{}, fmt.Errorf("op=knowledge_graph: %w", err)
		}
		return s.normalizeGraph(ctx, g), nil
	})
	return out, err
}

func (s *Service) normalizeGraph(ctx domain.Context, g domain.KGGraph) GraphData {
	titles := newTitleCache(s.entries)

	out := GraphData{
		Nodes: make([]GraphNode, 0, len(g.Nodes)),
		Links: make([]GraphLink, 0, len(g.Edges)),
	}
	for _, n := range g.Nodes {
		typeName := propStr(n.Properties, "entity_type")
		if typeName == "" && len(n.Labels) > 0 {
			typeName = n.Labels[0]
		}
		if typeName == "" {
			typeName = "unknown"
		}
		entryID := entryRef(n.Properties)
		out.Nodes = append(out.Nodes, GraphNode{
			ID:          n.ID,
			Label:       firstNonEmpty(propStr(n.Properties, "entity_id"), n.ID),
			TypeID:      strings.ToLower(typeName),
			TypeName:    typeName,
			Color:       colorFor(typeName),
			EntityID:    firstNonEmpty(propStr(n.Properties, "entity_id"), n.ID),
			EntityType:  propStr(n.Properties, "entity_type"),
			Description: propStr(n.Properties, "description"),
			EntryID:     entryID,
			EntryTitle:  titles.get(ctx, entryID),
		})
	}
	for _, e := range g.Edges {
		id := e.ID
		if id == "" {
			id = e.Source + "|" + e.Type + "|" + e.Target
		}
		entryID := entryRef(e.Properties)
		out.Links = append(out.Links, GraphLink{
			ID:          id,
			Source:      e.Source,
			Target:      e.Target,
			Label:       firstNonEmpty(propStr(e.Properties, "keywords"), e.Type),
			Description: propStr(e.Properties, "description"),
			Keywords:    propStr(e.Properties, "keywords"),
			EntryID:     entryID,
			EntryTitle:  titles.get(ctx, entryID),
		})
	}
	return out
}

// entryRef recovers the owning entry UUID from a node/edge file_path
// property. Multi-value file_paths keep only the first.
func entryRef(props map[string]any) string {
	fp := propStr(props, "file_path")
	if fp == "" {
		return ""
	}
	return domain.ParseDocRef("", fp).EntryID
}

// Tableau-10, the palette the graph UI ships with. The FNV hash keeps a
// type's color stable across processes and restarts.
var tableau10 = [...]string{
	"#4e79a7", "#f28e2b", "#e15759", "#76b7b2", "#59a14f",
	"#edc948", "#b07aa1", "#ff9da7", "#9c755f", "#bab0ac",
}

func colorFor(typeName string) string {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(typeName)))
	return tableau10[h.Sum32()%uint32(len(tableau10))]
}

func propStr(props map[string]any, key string) string {
	if props == nil {
		return ""
	}
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// clamp applies the default when v is unset and the ceiling when it
// overshoots.
func clamp(v, def, ceil int) int {
	if v <= 0 {
		return def
	}
	if v > ceil {
		return ceil
	}
	return v
}

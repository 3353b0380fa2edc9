// Package tool maps assistant tool names to invocable implementations. A
// compile-time catalogue of local tools is overlaid with database rows:
// enabled rows add remote tools or re-describe locals, disabled rows hide
// the same-name local entirely. kb_search is reserved; it never appears in
// the advertised list and never loses resolvability.
package tool

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mindatlas/mindatlas/internal/adapter/observability"
	"github.com/mindatlas/mindatlas/internal/domain"
)

// LocalFunc is a compiled-in tool implementation.
type LocalFunc func(ctx domain.Context, args map[string]any) (string, error)

// Tool is the resolved form the executor invokes: exactly one of Local or
// Remote is set.
type Tool struct {
	Spec   domain.AssistantTool
	Local  LocalFunc
	Remote *domain.RemoteToolConfig
}

func (t Tool) kind() string {
	if t.Remote != nil {
		return domain.ToolKindRemote
	}
	return domain.ToolKindLocal
}

type Registry struct {
	repo   domain.ToolRepository
	remote *RemoteInvoker
	locals map[string]Tool
}

func NewRegistry(repo domain.ToolRepository, remote *RemoteInvoker) *Registry {
	return &Registry{
		repo:   repo,
		remote: remote,
		locals: map[string]Tool{},
	}
}

// RegisterLocal adds a compiled-in tool to the catalogue. Registration
// happens at boot; the map is read-only afterwards.
func (r *Registry) RegisterLocal(t Tool) {
	r.locals[t.Spec.Name] = t
}

// Visible returns the tools advertised to the model: the local catalogue
// overlaid with database rows, sorted by name. kb_search and locals hidden
// by a disabled row never appear.
func (r *Registry) Visible(ctx domain.Context) ([]domain.AssistantTool, error) {
	byName := map[string]domain.AssistantTool{}
	for name, t := range r.locals {
		if name == domain.KBSearchToolName {
			continue
		}
		byName[name] = t.Spec
	}

	rows, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=list_tools: %w", err)
	}
	for _, row := range rows {
		if row.Name == domain.KBSearchToolName {
			continue
		}
		if !row.Enabled {
			delete(byName, row.Name)
			continue
		}
		byName[row.Name] = row
	}

	out := make([]domain.AssistantTool, 0, len(byName))
	for _, spec := range byName {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Resolve maps a name to an invocable tool. Database rows take precedence
// over the catalogue; a disabled row makes the name unresolvable, except
// kb_search which always resolves to its local implementation.
func (r *Registry) Resolve(ctx domain.Context, name string) (Tool, error) {
	if name == domain.KBSearchToolName {
		t, ok := r.locals[name]
		if !ok {
			return Tool{}, fmt.Errorf("op=resolve_tool name=%s: %w", name, domain.ErrNotFound)
		}
		return t, nil
	}

	row, err := r.repo.GetByName(ctx, name)
	switch {
	case err == nil:
		if !row.Enabled {
			return Tool{}, fmt.Errorf("op=resolve_tool name=%s: disabled: %w", name, domain.ErrNotFound)
		}
		if row.Kind == domain.ToolKindRemote {
			if row.Remote == nil {
				return Tool{}, fmt.Errorf("op=resolve_tool name=%s: remote tool without config: %w", name, domain.ErrConfigInvalid)
			}
			return Tool{Spec: row, Remote: row.Remote}, nil
		}
		local, ok := r.locals[name]
		if !ok {
			return Tool{}, fmt.Errorf("op=resolve_tool name=%s: local implementation missing: %w", name, domain.ErrNotFound)
		}
		// The row re-describes the local tool; the function stays ours.
		return Tool{Spec: row, Local: local.Local}, nil
	case errors.Is(err, domain.ErrNotFound):
		local, ok := r.locals[name]
		if !ok {
			return Tool{}, fmt.Errorf("op=resolve_tool name=%s: %w", name, domain.ErrNotFound)
		}
		return local, nil
	default:
		return Tool{}, fmt.Errorf("op=resolve_tool name=%s: %w", name, err)
	}
}

// Invoke resolves and runs a tool, recording the invocation metric by kind
// and outcome.
func (r *Registry) Invoke(ctx domain.Context, name string, args map[string]any) (string, error) {
	t, err := r.Resolve(ctx, name)
	if err != nil {
		observability.ToolInvocationsTotal.WithLabelValues("unknown", "resolve_error").Inc()
		return "", err
	}

	var out string
	if t.Remote != nil {
		out, err = r.remote.Invoke(ctx, t.Remote, args)
	} else {
		out, err = t.Local(ctx, args)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.ToolInvocationsTotal.WithLabelValues(t.kind(), outcome).Inc()
	if err != nil {
		return "", fmt.Errorf("op=invoke_tool name=%s: %w", name, err)
	}
	return out, nil
}

package skill

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/pkg/jsonx"
)

// Router picks the skill that should handle an utterance. The catalogue is
// the embedded system skills overlaid by database rows: an enabled row with
// a system skill's name replaces it, a disabled row hides it. general_chat
// can never be hidden; it is the fallback for every routing failure.
type Router struct {
	llm    domain.LLMClient
	skills domain.SkillRepository
	system []domain.Skill
}

func NewRouter(llm domain.LLMClient, skills domain.SkillRepository, system []domain.Skill) *Router {
	return &Router{llm: llm, skills: skills, system: system}
}

// Catalogue returns the selectable skills in stable order: system skills
// first, then database additions.
func (r *Router) Catalogue(ctx domain.Context) ([]domain.Skill, error) {
	byName := make(map[string]domain.Skill)
	var names []string
	add := func(s domain.Skill) {
		if _, ok := byName[s.Name]; !ok {
			names = append(names, s.Name)
		}
		byName[s.Name] = s
	}
	for _, s := range r.system {
		add(s)
	}

	rows, err := r.skills.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=list_skills: %w", err)
	}
	for _, row := range rows {
		if !row.Enabled {
			if row.Name == domain.GeneralChatSkillName {
				continue
			}
			delete(byName, row.Name)
			continue
		}
		add(row)
	}

	out := make([]domain.Skill, 0, len(names))
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			continue
		}
		if s.Hidden && s.Name != domain.GeneralChatSkillName {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Route picks exactly one skill for the utterance. Routing never fails: any
// catalogue, model or parse problem falls back to general_chat.
func (r *Router) Route(ctx domain.Context, input string) domain.Skill {
	cat, err := r.Catalogue(ctx)
	if err != nil {
		slog.Warn("skill catalogue unavailable, using general_chat", slog.Any("error", err))
		return r.fallback(nil)
	}

	resp, err := r.llm.Chat(ctx, domain.ChatRequest{
		Temperature: 0,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: routerPrompt(cat)},
			{Role: domain.RoleUser, Content: input},
		},
	})
	if err != nil {
		slog.Warn("skill routing failed, using general_chat", slog.Any("error", err))
		return r.fallback(cat)
	}

	var verdict struct {
		Skills []string `json:"skills"`
	}
	if err := jsonx.Unmarshal(resp.Content, &verdict); err != nil || len(verdict.Skills) == 0 {
		slog.Warn("skill routing returned no usable verdict",
			slog.String("content", resp.Content))
		return r.fallback(cat)
	}
	name := verdict.Skills[0]
	for _, s := range cat {
		if s.Name == name {
			return s
		}
	}
	slog.Warn("skill routing named an unknown skill", slog.String("skill", name))
	return r.fallback(cat)
}

func (r *Router) fallback(cat []domain.Skill) domain.Skill {
	for _, s := range cat {
		if s.Name == domain.GeneralChatSkillName {
			return s
		}
	}
	for _, s := range r.system {
		if s.Name == domain.GeneralChatSkillName {
			return s
		}
	}
	// Last resort so a broken seed set still yields a working chat turn.
	return domain.Skill{
		Name:     domain.GeneralChatSkillName,
		Mode:     domain.SkillModeAgent,
		KB:       domain.KBConfig{Enabled: true},
		IsSystem: true,
		Enabled:  true,
	}
}

func routerPrompt(cat []domain.Skill) string {
	var b strings.Builder
	b.WriteString("You route a user message to exactly one skill.\n\nSkills:\n")
	for _, s := range cat {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		for _, ex := range s.IntentExamples {
			fmt.Fprintf(&b, "  example: %s\n", ex)
		}
	}
	b.WriteString("\nRespond with JSON only: {\"skills\": [\"<name>\"]} naming exactly one skill from the list. When nothing fits, name general_chat.")
	return b.String()
}

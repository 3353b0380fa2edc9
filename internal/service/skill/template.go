package skill

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

// The step template language allows {{var}} references to a fixed
// vocabulary: user_input, history, last_step_result, last_step_result_raw,
// stepN_result, stepN_result_raw and stepN_<field> for fields a prior json
// step declared. Anything else is a validation error, never an eval.

type node struct {
	text  string
	isVar bool
}

type Template struct {
	nodes []node
}

// ParseTemplate splits a template into literal and variable nodes. An
// unterminated "{{" is kept as literal text.
func ParseTemplate(s string) Template {
	var nodes []node
	for {
		i := strings.Index(s, "{{")
		if i < 0 {
			break
		}
		end := strings.Index(s[i+2:], "}}")
		if end < 0 {
			break
		}
		if i > 0 {
			nodes = append(nodes, node{text: s[:i]})
		}
		nodes = append(nodes, node{text: strings.TrimSpace(s[i+2 : i+2+end]), isVar: true})
		s = s[i+2+end+2:]
	}
	if s != "" {
		nodes = append(nodes, node{text: s})
	}
	return Template{nodes: nodes}
}

// Vars returns the distinct variable names in first-use order.
func (t Template) Vars() []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range t.nodes {
		if n.isVar && !seen[n.text] {
			seen[n.text] = true
			out = append(out, n.text)
		}
	}
	return out
}

// RenderText substitutes variables as plain text. Missing variables render
// empty; every value is capped at renderCap runes.
func (t Template) RenderText(vars map[string]string, renderCap int) string {
	var b strings.Builder
	for _, n := range t.nodes {
		if n.isVar {
			b.WriteString(textx.TruncateRunes(vars[n.text], renderCap))
			continue
		}
		b.WriteString(n.text)
	}
	return b.String()
}

// RenderJSONObject substitutes variables into a JSON template and parses the
// result, which must be a JSON object. Values are JSON-escaped: inside a
// string literal the escaped text is spliced in, in a bare position the
// value becomes a quoted JSON string.
func (t Template) RenderJSONObject(vars map[string]string, renderCap int) (map[string]any, error) {
	var b strings.Builder
	inString := false
	escaped := false
	for _, n := range t.nodes {
		if n.isVar {
			v := textx.TruncateRunes(vars[n.text], renderCap)
			quoted, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("op=render_json var=%s: %w", n.text, err)
			}
			if inString {
				b.Write(quoted[1 : len(quoted)-1])
			} else {
				b.Write(quoted)
			}
			continue
		}
		for i := 0; i < len(n.text); i++ {
			c := n.text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
			} else if c == '"' {
				inString = true
			}
			b.WriteByte(c)
		}
	}

	rendered := b.String()
	var out map[string]any
	if err := json.Unmarshal([]byte(rendered), &out); err != nil {
		return nil, fmt.Errorf("op=render_json: template must produce a JSON object: %w", domain.ErrInvalidArgument)
	}
	return out, nil
}

var stepVarRe = regexp.MustCompile(`^step([1-9][0-9]*)_(.+)$`)

type varRef struct {
	step  int    // 0 for the global identifiers
	field string // "result", "result_raw" or a json field name
}

func parseVarRef(name string) (varRef, bool) {
	switch name {
	case "user_input", "history", "last_step_result", "last_step_result_raw":
		return varRef{}, true
	}
	m := stepVarRe.FindStringSubmatch(name)
	if m == nil {
		return varRef{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return varRef{}, false
	}
	return varRef{step: n, field: m[2]}, true
}

// ValidateSteps checks a skill's step list: contiguous 1-based order, step
// type shapes, and every template reference. It runs at save time and again
// before execution.
func ValidateSteps(steps []domain.SkillStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("op=validate_steps: at least one step required: %w", domain.ErrInvalidArgument)
	}
	ordered := make([]domain.SkillStep, len(steps))
	copy(ordered, steps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StepOrder < ordered[j].StepOrder })

	byOrder := map[int]domain.SkillStep{}
	for i, st := range ordered {
		if st.StepOrder != i+1 {
			return fmt.Errorf("op=validate_steps: step orders must be contiguous from 1, got %d at position %d: %w", st.StepOrder, i+1, domain.ErrInvalidArgument)
		}
		byOrder[st.StepOrder] = st
	}

	for _, st := range ordered {
		switch st.Type {
		case domain.StepAnalysis:
			if strings.TrimSpace(st.Instruction) == "" {
				return stepErr(st, "analysis requires an instruction")
			}
			if err := validateTemplate(st.Instruction, st, byOrder, true); err != nil {
				return err
			}
		case domain.StepTool:
			if strings.TrimSpace(st.ToolName) == "" {
				return stepErr(st, "tool step requires tool_name")
			}
			switch st.ArgsFrom {
			case domain.ArgsFromJSON, domain.ArgsFromCustom:
				if strings.TrimSpace(st.ArgsTemplate) == "" {
					return stepErr(st, "args_template required for args_from="+st.ArgsFrom)
				}
				if err := validateTemplate(st.ArgsTemplate, st, byOrder, false); err != nil {
					return err
				}
				if st.ArgsFrom == domain.ArgsFromJSON {
					if err := probeJSONTemplate(st); err != nil {
						return err
					}
				}
			case domain.ArgsFromPrevious, domain.ArgsFromContext, "":
			default:
				return stepErr(st, "unknown args_from "+st.ArgsFrom)
			}
		case domain.StepSummary:
			if st.Instruction != "" {
				if err := validateTemplate(st.Instruction, st, byOrder, false); err != nil {
					return err
				}
			}
		default:
			return stepErr(st, "unknown step type "+st.Type)
		}
	}
	return nil
}

// probeJSONTemplate renders the args template with empty values to catch
// templates that cannot produce a JSON object no matter the inputs.
func probeJSONTemplate(st domain.SkillStep) error {
	if _, err := ParseTemplate(st.ArgsTemplate).RenderJSONObject(map[string]string{}, 1); err != nil {
		return stepErr(st, "args_template must render to a JSON object")
	}
	return nil
}

func validateTemplate(tpl string, st domain.SkillStep, byOrder map[int]domain.SkillStep, analysis bool) error {
	for _, name := range ParseTemplate(tpl).Vars() {
		ref, ok := parseVarRef(name)
		if !ok {
			return stepErr(st, "unknown template variable "+name)
		}
		switch name {
		case "user_input", "history":
			if analysis {
				return stepErr(st, "analysis steps may not reference "+name)
			}
			continue
		case "last_step_result", "last_step_result_raw":
			if st.StepOrder == 1 {
				return stepErr(st, name+" has no prior step")
			}
			continue
		}

		if ref.step >= st.StepOrder {
			return stepErr(st, name+" must reference a prior step")
		}
		producer, ok := byOrder[ref.step]
		if !ok {
			return stepErr(st, name+" references a missing step")
		}
		if ref.field == "result" || ref.field == "result_raw" {
			continue
		}
		if producer.Type != domain.StepAnalysis || producer.OutputMode != "json" {
			return stepErr(st, name+" references a field of a non-json step")
		}
		if len(producer.OutputFields) > 0 && !contains(producer.OutputFields, ref.field) {
			return stepErr(st, name+" is not among step "+strconv.Itoa(ref.step)+" output_fields")
		}
	}
	return nil
}

func stepErr(st domain.SkillStep, msg string) error {
	return fmt.Errorf("op=validate_steps step=%d: %s: %w", st.StepOrder, msg, domain.ErrInvalidArgument)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

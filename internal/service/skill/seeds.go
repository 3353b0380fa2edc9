package skill

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mindatlas/mindatlas/internal/domain"
)

//go:embed seeds/skills.yaml
var seedsYAML []byte

type seedFile struct {
	Skills []seedSkill `yaml:"skills"`
}

type seedSkill struct {
	Name           string             `yaml:"name"`
	Description    string             `yaml:"description"`
	IntentExamples []string           `yaml:"intent_examples"`
	Tools          []string           `yaml:"tools"`
	Mode           string             `yaml:"mode"`
	SystemPrompt   string             `yaml:"system_prompt"`
	KB             domain.KBConfig    `yaml:"kb"`
	Hidden         bool               `yaml:"hidden"`
	Steps          []domain.SkillStep `yaml:"steps"`
}

// SystemSkills parses the embedded catalogue. Steps-mode seeds are
// validated here so a broken seed fails at boot, not mid-conversation.
func SystemSkills() ([]domain.Skill, error) {
	var f seedFile
	if err := yaml.Unmarshal(seedsYAML, &f); err != nil {
		return nil, fmt.Errorf("op=parse_skill_seeds: %w", err)
	}
	out := make([]domain.Skill, 0, len(f.Skills))
	for _, s := range f.Skills {
		sk := domain.Skill{
			Name:           s.Name,
			Description:    s.Description,
			IntentExamples: s.IntentExamples,
			Tools:          s.Tools,
			Mode:           s.Mode,
			SystemPrompt:   s.SystemPrompt,
			KB:             s.KB,
			IsSystem:       true,
			Enabled:        true,
			Hidden:         s.Hidden,
			Steps:          s.Steps,
		}
		if sk.Mode == domain.SkillModeSteps {
			if err := ValidateSteps(sk.Steps); err != nil {
				return nil, fmt.Errorf("op=parse_skill_seeds skill=%s: %w", sk.Name, err)
			}
		}
		out = append(out, sk)
	}
	return out, nil
}

package constitution

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/arbiter-systems/arbiter/pkg/contracts"
)

// EngineVersion is the rule-pack compatibility version of this build.
const EngineVersion = "1.0.0"

// RulePack is a versioned set of constitutional rules loaded from
// YAML. MinEngine, when set, is a semver constraint the running
// engine must satisfy.
type RulePack struct {
	Name      string     `yaml:"name"`
	Version   string     `yaml:"version"`
	MinEngine string     `yaml:"min_engine,omitempty"`
	Rules     []PackRule `yaml:"rules"`
}

// PackRule is the YAML shape of one rule.
type PackRule struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Severity    string `yaml:"severity"`
	Pattern     string `yaml:"pattern,omitempty"`
	Category    string `yaml:"category,omitempty"`
	Action      string `yaml:"action,omitempty"`
}

// LoadPack reads and validates a rule pack from a YAML file.
func LoadPack(path string) (*RulePack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	return ParsePack(data)
}

// ParsePack parses rule pack YAML and checks the engine constraint.
func ParsePack(data []byte) (*RulePack, error) {
	var pack RulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}
	if pack.MinEngine != "" {
		constraint, err := semver.NewConstraint(pack.MinEngine)
		if err != nil {
			return nil, fmt.Errorf("rule pack %q: bad min_engine %q: %w", pack.Name, pack.MinEngine, err)
		}
		engine := semver.MustParse(EngineVersion)
		if !constraint.Check(engine) {
			return nil, fmt.Errorf("rule pack %q requires engine %s, running %s", pack.Name, pack.MinEngine, EngineVersion)
		}
	}
	for i, rule := range pack.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule pack %q: rule %d has no id", pack.Name, i)
		}
		switch contracts.Severity(rule.Severity) {
		case contracts.SeveritySoft, contracts.SeverityHard, contracts.SeverityCritical:
		default:
			return nil, fmt.Errorf("rule pack %q: rule %q has unknown severity %q", pack.Name, rule.ID, rule.Severity)
		}
	}
	return &pack, nil
}

// Contracts converts pack rules into the engine's rule type.
func (p *RulePack) Contracts() []contracts.ConstitutionalRule {
	out := make([]contracts.ConstitutionalRule, 0, len(p.Rules))
	for _, rule := range p.Rules {
		out = append(out, contracts.ConstitutionalRule{
			ID:          rule.ID,
			Description: rule.Description,
			Severity:    contracts.Severity(rule.Severity),
			Pattern:     rule.Pattern,
			Category:    contracts.ActionCategory(rule.Category),
			Action:      rule.Action,
		})
	}
	return out
}

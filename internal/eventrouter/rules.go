package eventrouter

import (
	"github.com/tjfontaine/sitepipe/internal/core/domain"
	"github.com/tjfontaine/sitepipe/internal/pkg/config"
)

// Pattern selects events. Empty lists match anything; Source is required.
type Pattern struct {
	Source      domain.EventSource  `json:"source"`
	DetailTypes []domain.DetailType `json:"detail_types,omitempty"`
	Statuses    []string            `json:"statuses,omitempty"`
	// Resources pins the rule to specific pipelines, runs or build projects.
	Resources []string `json:"resources,omitempty"`
}

// Matches reports whether e satisfies every clause of the pattern.
func (p Pattern) Matches(e *domain.Event) bool {
	if e == nil || e.Source != p.Source {
		return false
	}

	if len(p.DetailTypes) > 0 {
		ok := false
		for _, dt := range p.DetailTypes {
			if dt == e.DetailType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if len(p.Statuses) > 0 {
		status := e.Status()
		ok := false
		for _, s := range p.Statuses {
			if s == status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if len(p.Resources) > 0 {
		ok := false
		for _, r := range p.Resources {
			if e.HasResource(r) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	return true
}

// Rule routes events matching Pattern to the named targets.
type Rule struct {
	Name    string   `json:"name"`
	Pattern Pattern  `json:"pattern"`
	Targets []string `json:"targets"`
}

// RulesFromConfig converts configured rules, rejecting unknown sources and
// rules without targets.
func RulesFromConfig(cfgs []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	for i, c := range cfgs {
		name := c.Name
		if name == "" {
			return nil, domain.NewConfigError("rules[%d]: name is required", i)
		}

		source := domain.EventSource(c.Source)
		if source != domain.SourcePipelineLifecycle && source != domain.SourceBuildLifecycle {
			return nil, domain.NewConfigError("rule %s: unknown source %q", name, c.Source)
		}
		if len(c.Targets) == 0 {
			return nil, domain.NewConfigError("rule %s: at least one target is required", name)
		}

		detailTypes := make([]domain.DetailType, len(c.DetailTypes))
		for j, dt := range c.DetailTypes {
			detailTypes[j] = domain.DetailType(dt)
		}

		rules = append(rules, Rule{
			Name: name,
			Pattern: Pattern{
				Source:      source,
				DetailTypes: detailTypes,
				Statuses:    append([]string(nil), c.Statuses...),
				Resources:   append([]string(nil), c.Resources...),
			},
			Targets: append([]string(nil), c.Targets...),
		})
	}
	return rules, nil
}

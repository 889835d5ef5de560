package config

import (
	"fmt"

	"gatelab/internal/types"
)

// ExperimentSpec is one named experiment definition: the case set, the
// format/system-prompt conditions to test, and optional steering
// parameters. Validation is fail-fast: a bad definition is rejected before
// any model call is made.
type ExperimentSpec struct {
	Name    string `yaml:"name"`
	Circuit string `yaml:"circuit"` // "refusal" or "sycophancy"

	// Cases override the built-in fixtures for the circuit when set.
	Cases []CaseSpec `yaml:"cases"`

	// Conditions to run every case under.
	Conditions []ConditionSpec `yaml:"conditions"`

	// Steering is nil for pure observation experiments.
	Steering *SteeringSpec `yaml:"steering"`

	// Expectation, when set, lets the report state a verdict.
	Expectation *ExpectationSpec `yaml:"expectation"`
}

// CaseSpec is one probe case.
type CaseSpec struct {
	ID      string `yaml:"id"`
	Payload string `yaml:"payload"`
}

// ConditionSpec is one experimental condition.
type ConditionSpec struct {
	Tag           string `yaml:"tag"`
	FormatVariant string `yaml:"formatVariant"` // qa | humanAi | userAssistant | ab
	SystemPrompt  string `yaml:"systemPrompt"`  // empty = absent
}

// SteeringSpec configures injection experiments.
type SteeringSpec struct {
	// Source/Target name the condition pair the steering vector is
	// harvested from (difference Source - Target).
	SourceCondition string `yaml:"sourceCondition"`
	TargetCondition string `yaml:"targetCondition"`

	// HarvestLayer is where the vector is extracted.
	HarvestLayer int `yaml:"harvestLayer"`

	// SteeringLayers are the single-layer candidates.
	SteeringLayers []int `yaml:"steeringLayers"`

	// CumulativeRanges are contiguous [from,to] layer bands for
	// cumulative induction.
	CumulativeRanges [][2]int `yaml:"cumulativeRanges"`

	// SteeringScale multiplies the unit-norm vector relative to the
	// natural activation norm at the injection layer.
	SteeringScale float64 `yaml:"steeringScale"`

	// CumulativeScale, when positive, replaces SteeringScale for
	// cumulative injections (sustained injection wants a gentler push).
	CumulativeScale float64 `yaml:"cumulativeScale"`

	// InjectionMode selects the suppression mechanism: "subtract" pushes
	// back along the direction at the configured scale, "project-out"
	// removes the direction's component entirely (scale-free). Induction
	// always adds.
	InjectionMode string `yaml:"injectionMode"`

	// ProjectOutResidue, when set, projects the harvest-layer direction
	// of this earlier layer out of the steering vector before injection.
	ProjectOutResidue *int `yaml:"projectOutResidue"`
}

// ExpectationSpec lets an experiment carry its hypothesis so the report can
// state confirmed / not confirmed.
type ExpectationSpec struct {
	Description string `yaml:"description"`
	// MinRate/MaxRate bound the named label's rate under the named
	// condition, in percent.
	Condition string  `yaml:"condition"`
	Label     string  `yaml:"label"`
	MinRate   float64 `yaml:"minRate"`
	MaxRate   float64 `yaml:"maxRate"`
}

// Validate checks the experiment definition against the model bounds.
func (e *ExperimentSpec) Validate(model ModelConfig) error {
	if e.Name == "" {
		return fmt.Errorf("experiment name is required: %w", types.ErrConfiguration)
	}
	switch types.CircuitKind(e.Circuit) {
	case types.CircuitRefusal, types.CircuitSycophancy:
	default:
		return fmt.Errorf("experiment %s: unknown circuit %q: %w", e.Name, e.Circuit, types.ErrConfiguration)
	}
	if len(e.Conditions) == 0 {
		return fmt.Errorf("experiment %s: at least one condition is required: %w", e.Name, types.ErrConfiguration)
	}

	seen := make(map[string]bool)
	for _, c := range e.Conditions {
		if c.Tag == "" {
			return fmt.Errorf("experiment %s: condition tag is required: %w", e.Name, types.ErrConfiguration)
		}
		if seen[c.Tag] {
			return fmt.Errorf("experiment %s: duplicate condition tag %q: %w", e.Name, c.Tag, types.ErrConfiguration)
		}
		seen[c.Tag] = true
		if !knownFormat(c.FormatVariant) {
			return fmt.Errorf("experiment %s: unknown formatVariant %q: %w", e.Name, c.FormatVariant, types.ErrConfiguration)
		}
	}

	if s := e.Steering; s != nil {
		if !seen[s.SourceCondition] || !seen[s.TargetCondition] {
			return fmt.Errorf("experiment %s: steering conditions %q/%q must name defined conditions: %w",
				e.Name, s.SourceCondition, s.TargetCondition, types.ErrConfiguration)
		}
		if s.SteeringScale <= 0 {
			return fmt.Errorf("experiment %s: steeringScale must be positive, got %v: %w", e.Name, s.SteeringScale, types.ErrConfiguration)
		}
		switch types.InjectionMode(s.InjectionMode) {
		case types.InjectSubtract, types.InjectProjectOut:
		case types.InjectAdd:
			return fmt.Errorf("experiment %s: injectionMode %q is not a suppression mechanism (induction always adds): %w",
				e.Name, s.InjectionMode, types.ErrConfiguration)
		default:
			return fmt.Errorf("experiment %s: unknown injectionMode %q: %w", e.Name, s.InjectionMode, types.ErrConfiguration)
		}
		layers := append([]int{s.HarvestLayer}, s.SteeringLayers...)
		if s.ProjectOutResidue != nil {
			layers = append(layers, *s.ProjectOutResidue)
		}
		for _, l := range layers {
			if l < 0 || l >= model.NumLayers {
				return fmt.Errorf("experiment %s: layer %d out of range [0,%d): %w", e.Name, l, model.NumLayers, types.ErrConfiguration)
			}
		}
		for _, r := range s.CumulativeRanges {
			if r[0] > r[1] || r[0] < 0 || r[1] >= model.NumLayers {
				return fmt.Errorf("experiment %s: cumulative range [%d,%d] invalid for %d layers: %w",
					e.Name, r[0], r[1], model.NumLayers, types.ErrConfiguration)
			}
		}
	}

	if x := e.Expectation; x != nil {
		if !seen[x.Condition] {
			return fmt.Errorf("experiment %s: expectation names undefined condition %q: %w",
				e.Name, x.Condition, types.ErrConfiguration)
		}
		if label := types.BehaviorLabel(x.Label); !label.ValidFor(e.CircuitKind().CaseKind()) {
			return fmt.Errorf("experiment %s: expectation label %q does not apply to the %s circuit: %w",
				e.Name, x.Label, e.Circuit, types.ErrConfiguration)
		}
		if x.MinRate < 0 || x.MaxRate > 100 || x.MinRate > x.MaxRate {
			return fmt.Errorf("experiment %s: expectation rate bounds [%v,%v] invalid: %w",
				e.Name, x.MinRate, x.MaxRate, types.ErrConfiguration)
		}
	}
	return nil
}

func knownFormat(v string) bool {
	switch types.FormatVariant(v) {
	case types.FormatQA, types.FormatHumanAI, types.FormatUserAssistant, types.FormatAB:
		return true
	}
	return false
}

// Circuit returns the typed circuit kind.
func (e *ExperimentSpec) CircuitKind() types.CircuitKind {
	return types.CircuitKind(e.Circuit)
}

// PromptCases materializes the experiment's case set as runnable prompt
// cases, falling back to the built-in fixtures when none are named.
// Format and system prompt stay zero here; the runner stamps them per
// condition.
func (e *ExperimentSpec) PromptCases() []types.PromptCase {
	specs := e.Cases
	if len(specs) == 0 {
		specs = DefaultCases(e.CircuitKind())
	}
	kind := e.CircuitKind().CaseKind()
	out := make([]types.PromptCase, 0, len(specs))
	for _, s := range specs {
		out = append(out, types.PromptCase{ID: s.ID, Kind: kind, Payload: s.Payload})
	}
	return out
}

// Condition returns the typed condition.
func (c ConditionSpec) Condition() types.Condition {
	return types.Condition{
		Tag:          types.ConditionTag(c.Tag),
		Format:       types.FormatVariant(c.FormatVariant),
		SystemPrompt: c.SystemPrompt,
	}
}

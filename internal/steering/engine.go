// Package steering computes steering vectors from stored activations and
// drives injection experiments: suppression of a gated behavior at single
// layers, and induction of it at single layers or cumulatively across a
// contiguous band. The suppression/induction asymmetry is a hypothesis the
// engine measures, never an assumption it bakes in: every test runs in both
// directions and the report carries all three result sets.
package steering

import (
	"context"
	"fmt"

	"gatelab/internal/classify"
	"gatelab/internal/logging"
	"gatelab/internal/model"
	"gatelab/internal/prompt"
	"gatelab/internal/store"
	"gatelab/internal/types"
	"gatelab/internal/vector"
)

// Engine runs injection experiments against one model client and one
// activation store. The store holds condition-mean snapshots the engine
// harvested; natural activation norms for scale calibration come from the
// same snapshots.
type Engine struct {
	client     model.Client
	builder    *prompt.Builder
	classifier *classify.Classifier
	store      *store.ActivationStore
	circuit    types.CircuitKind
	seed       int64
}

// New creates an Engine.
func New(client model.Client, classifier *classify.Classifier, st *store.ActivationStore,
	circuit types.CircuitKind, seed int64) *Engine {
	return &Engine{
		client:     client,
		builder:    prompt.NewBuilder(),
		classifier: classifier,
		store:      st,
		circuit:    circuit,
		seed:       seed,
	}
}

// gatedLabel is the behavior the circuit gates; its opposite is what the
// model does when the gate does not fire.
func (e *Engine) gatedLabel() types.BehaviorLabel {
	if e.circuit == types.CircuitSycophancy {
		return types.LabelLie
	}
	return types.LabelRefuse
}

func (e *Engine) ungatedLabel() types.BehaviorLabel {
	if e.circuit == types.CircuitSycophancy {
		return types.LabelTruthful
	}
	return types.LabelComply
}

// =============================================================================
// DIRECTION HARVEST
// =============================================================================

// HarvestConditionMeans runs every case under the condition and records the
// per-layer mean activation into the store, one snapshot per requested
// layer. Snapshots are append-only; harvesting the same condition twice in
// one run is a configuration error surfaced by the store.
func (e *Engine) HarvestConditionMeans(ctx context.Context, cond types.Condition,
	cases []types.PromptCase, layers []int) error {
	timer := logging.StartTimer(logging.CategorySteering, "HarvestConditionMeans")
	defer timer.Stop()

	if len(cases) == 0 {
		return fmt.Errorf("condition %q has no cases to harvest: %w", cond.Tag, types.ErrConfiguration)
	}

	perLayer := make(map[int][][]float32, len(layers))
	var policy types.PositionPolicy

	for _, pc := range cases {
		pc.Format = cond.Format
		pc.SystemPrompt = cond.SystemPrompt

		text, err := e.builder.Build(pc)
		if err != nil {
			return err
		}
		comp, err := e.client.Generate(ctx, model.GenerateRequest{CaseID: pc.ID, Prompt: text, Seed: e.seed})
		if err != nil {
			return fmt.Errorf("harvest of %s/%s failed: %w", cond.Tag, pc.ID, err)
		}
		policy = comp.Trace.Policy
		for _, layer := range layers {
			av, err := comp.Trace.Layer(layer)
			if err != nil {
				return fmt.Errorf("harvest of %s/%s: %w", cond.Tag, pc.ID, err)
			}
			perLayer[layer] = append(perLayer[layer], av.Values)
		}
	}

	for _, layer := range layers {
		mean, err := vector.Mean(perLayer[layer])
		if err != nil {
			return fmt.Errorf("mean activation for %s/L%d: %w", cond.Tag, layer, err)
		}
		snap := types.ActivationVector{Layer: layer, Condition: cond.Tag, Policy: policy, Values: mean}
		if err := e.store.Record(cond.Tag, layer, snap); err != nil {
			return err
		}
	}

	logging.Steering("harvested %d-layer means for condition %s over %d cases", len(layers), cond.Tag, len(cases))
	return nil
}

// Direction derives the normalized steering vector source-target at a
// layer, optionally projecting out the same condition pair's direction at
// an earlier layer to strip residue accumulated through the residual
// stream.
func (e *Engine) Direction(source, target types.ConditionTag, layer int, projectOutLayer *int) (types.SteeringVector, error) {
	sv, err := e.store.Diff(source, target, layer)
	if err != nil {
		return types.SteeringVector{}, err
	}
	if projectOutLayer == nil {
		return sv, nil
	}

	earlier, err := e.store.Diff(source, target, *projectOutLayer)
	if err != nil {
		return types.SteeringVector{}, err
	}
	projected, err := vector.ProjectOut(sv.Values, earlier.Values)
	if err != nil {
		return types.SteeringVector{}, err
	}
	sv.Values = vector.Normalize(projected)
	logging.SteeringDebug("projected out L%d residue from L%d direction", *projectOutLayer, layer)
	return sv, nil
}

// naturalNorm returns the norm of the condition-mean activation at a layer,
// the calibration baseline for injection scaling.
func (e *Engine) naturalNorm(cond types.ConditionTag, layer int) (float64, error) {
	snap, err := e.store.Get(cond, layer)
	if err != nil {
		return 0, fmt.Errorf("natural norm needs a harvested snapshot at %s/L%d: %w", cond, layer, err)
	}
	n := vector.Norm(snap.Values)
	if n == 0 {
		return 0, fmt.Errorf("zero natural norm at %s/L%d: %w", cond, layer, types.ErrConfiguration)
	}
	return n, nil
}

// =============================================================================
// INJECTION TESTS
// =============================================================================

// CaseOutcome is one case's labeled result under an intervention.
type CaseOutcome struct {
	CaseID string
	Label  types.BehaviorLabel
	Error  string
}

// Outcome aggregates one injection test: which layers were driven, with
// what mode and scale, and how many cases flipped to the test's success
// label. AppliedScales records the absolute injection magnitude per driven
// layer (scale factor times the layer's natural activation norm), so every
// logged result carries its calibration.
type Outcome struct {
	Layers        []int
	Mode          types.InjectionMode
	ScaleFactor   float64
	AppliedScales []float64
	SuccessLabel  types.BehaviorLabel
	Flipped       int
	Attempted     int
	Errored       int
	Cases         []CaseOutcome
}

// Rate returns flipped/attempted in percent.
func (o Outcome) Rate() float64 {
	if o.Attempted == 0 {
		return 0
	}
	return float64(o.Flipped) / float64(o.Attempted) * 100
}

// runInjection generates every case under the condition with the given
// injections and counts flips to wantLabel. Model errors are per-case
// failures, never fatal.
func (e *Engine) runInjection(ctx context.Context, cond types.Condition, cases []types.PromptCase,
	injections []types.Injection, wantLabel types.BehaviorLabel) ([]CaseOutcome, int, int, error) {

	var outcomes []CaseOutcome
	flipped, errored := 0, 0

	for _, pc := range cases {
		if err := ctx.Err(); err != nil {
			// Cancellation keeps completed outcomes; the caller reports
			// them as a partial result set.
			return outcomes, flipped, errored, err
		}

		pc.Format = cond.Format
		pc.SystemPrompt = cond.SystemPrompt

		text, err := e.builder.Build(pc)
		if err != nil {
			return outcomes, flipped, errored, err
		}
		comp, err := e.client.Generate(ctx, model.GenerateRequest{
			CaseID:     pc.ID,
			Prompt:     text,
			Seed:       e.seed,
			Injections: injections,
		})
		if err != nil {
			errored++
			outcomes = append(outcomes, CaseOutcome{CaseID: pc.ID, Error: err.Error()})
			logging.Get(logging.CategorySteering).Warn("case %s errored: %v", pc.ID, err)
			continue
		}

		label, err := e.classifier.Classify(comp.Text, pc.Kind)
		if err != nil {
			return outcomes, flipped, errored, err
		}
		if label == wantLabel {
			flipped++
		}
		outcomes = append(outcomes, CaseOutcome{CaseID: pc.ID, Label: label})
	}
	return outcomes, flipped, errored, nil
}

// RunSuppression tests whether removing the steering direction at each
// candidate layer independently makes the gated behavior disappear, on
// cases run under a condition that normally exhibits it. The mechanism is
// the configured mode: subtract pushes back along the direction at
// scaleFactor times the layer's natural norm, project-out strips the
// direction's component without any scale. One Outcome per layer; layers
// are never combined here, so a flip localizes where suppression alone is
// sufficient.
func (e *Engine) RunSuppression(ctx context.Context, sv types.SteeringVector, cond types.Condition,
	cases []types.PromptCase, layers []int, mode types.InjectionMode, scaleFactor float64) ([]Outcome, error) {

	switch mode {
	case types.InjectSubtract:
		if scaleFactor <= 0 {
			return nil, fmt.Errorf("suppression scale factor must be positive, got %v: %w", scaleFactor, types.ErrConfiguration)
		}
	case types.InjectProjectOut:
	default:
		return nil, fmt.Errorf("suppression mode must be subtract or project-out, got %q: %w", mode, types.ErrConfiguration)
	}

	var results []Outcome
	for _, layer := range layers {
		applied := 0.0
		if mode == types.InjectSubtract {
			norm, err := e.naturalNorm(cond.Tag, layer)
			if err != nil {
				return results, err
			}
			applied = scaleFactor * norm
		}

		inj := []types.Injection{{
			Layer:  layer,
			Vector: sv.Values,
			Mode:   mode,
			Scale:  applied,
		}}

		outcomes, flipped, errored, err := e.runInjection(ctx, cond, cases, inj, e.ungatedLabel())
		result := Outcome{
			Layers:        []int{layer},
			Mode:          mode,
			ScaleFactor:   scaleFactor,
			AppliedScales: []float64{applied},
			SuccessLabel:  e.ungatedLabel(),
			Flipped:       flipped,
			Attempted:     len(outcomes),
			Errored:       errored,
			Cases:         outcomes,
		}
		results = append(results, result)
		logging.Steering("suppression L%d (%s): %d/%d flipped to %s",
			layer, mode, flipped, len(outcomes), e.ungatedLabel())
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunInductionSingle tests whether adding the steering vector at each
// candidate layer independently makes the gated behavior appear, on cases
// run under a condition that normally does not exhibit it.
func (e *Engine) RunInductionSingle(ctx context.Context, sv types.SteeringVector, cond types.Condition,
	cases []types.PromptCase, layers []int, scaleFactor float64) ([]Outcome, error) {

	if scaleFactor <= 0 {
		return nil, fmt.Errorf("induction scale factor must be positive, got %v: %w", scaleFactor, types.ErrConfiguration)
	}

	var results []Outcome
	for _, layer := range layers {
		norm, err := e.naturalNorm(cond.Tag, layer)
		if err != nil {
			return results, err
		}
		applied := scaleFactor * norm

		inj := []types.Injection{{
			Layer:  layer,
			Vector: sv.Values,
			Mode:   types.InjectAdd,
			Scale:  applied,
		}}

		outcomes, flipped, errored, err := e.runInjection(ctx, cond, cases, inj, e.gatedLabel())
		results = append(results, Outcome{
			Layers:        []int{layer},
			Mode:          types.InjectAdd,
			ScaleFactor:   scaleFactor,
			AppliedScales: []float64{applied},
			SuccessLabel:  e.gatedLabel(),
			Flipped:       flipped,
			Attempted:     len(outcomes),
			Errored:       errored,
			Cases:         outcomes,
		})
		logging.Steering("induction L%d: %d/%d flipped to %s", layer, flipped, len(outcomes), e.gatedLabel())
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunInductionCumulative injects the steering vector at every layer of each
// contiguous range simultaneously. Sustained injection uses a gentler
// per-layer push, so cumulative tests take their own scale factor.
func (e *Engine) RunInductionCumulative(ctx context.Context, sv types.SteeringVector, cond types.Condition,
	cases []types.PromptCase, ranges [][2]int, scaleFactor float64) ([]Outcome, error) {

	if scaleFactor <= 0 {
		return nil, fmt.Errorf("cumulative scale factor must be positive, got %v: %w", scaleFactor, types.ErrConfiguration)
	}

	var results []Outcome
	for _, r := range ranges {
		if r[0] > r[1] {
			return results, fmt.Errorf("invalid cumulative range [%d,%d]: %w", r[0], r[1], types.ErrConfiguration)
		}

		var layers []int
		var applied []float64
		var injections []types.Injection
		for layer := r[0]; layer <= r[1]; layer++ {
			norm, err := e.naturalNorm(cond.Tag, layer)
			if err != nil {
				return results, err
			}
			scale := scaleFactor * norm
			layers = append(layers, layer)
			applied = append(applied, scale)
			injections = append(injections, types.Injection{
				Layer:  layer,
				Vector: sv.Values,
				Mode:   types.InjectAdd,
				Scale:  scale,
			})
		}

		outcomes, flipped, errored, err := e.runInjection(ctx, cond, cases, injections, e.gatedLabel())
		results = append(results, Outcome{
			Layers:        layers,
			Mode:          types.InjectAdd,
			ScaleFactor:   scaleFactor,
			AppliedScales: applied,
			SuccessLabel:  e.gatedLabel(),
			Flipped:       flipped,
			Attempted:     len(outcomes),
			Errored:       errored,
			Cases:         outcomes,
		})
		logging.Steering("cumulative induction L%d-L%d: %d/%d flipped", r[0], r[1], flipped, len(outcomes))
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// =============================================================================
// ASYMMETRY
// =============================================================================

// AsymmetryResult carries all three measured result sets plus the verdict
// on the asymmetry hypothesis, judged at the given flip-rate threshold.
type AsymmetryResult struct {
	Suppression         []Outcome
	InductionSingle     []Outcome
	InductionCumulative []Outcome

	// Measured verdicts, in percent of attempted cases.
	BestSuppressionRate  float64
	BestSingleRate       float64
	BestCumulativeRate   float64
	ThresholdPercent     float64
	SuppressionWorks     bool
	SingleInductionWorks bool
	CumulativeWorks      bool
}

// AsymmetryHolds reports whether the measured pattern matches the
// hypothesis: suppression flips at some single layer, single-layer
// induction does not, cumulative induction does.
func (r AsymmetryResult) AsymmetryHolds() bool {
	return r.SuppressionWorks && !r.SingleInductionWorks && r.CumulativeWorks
}

// RunAsymmetry measures the full suppression/induction pattern.
// gatedCond is a condition that normally exhibits the behavior (suppression
// runs there, via the given mode); ungatedCond normally does not (induction
// runs there, always additive).
func (e *Engine) RunAsymmetry(ctx context.Context, sv types.SteeringVector,
	gatedCond, ungatedCond types.Condition, cases []types.PromptCase,
	layers []int, ranges [][2]int, mode types.InjectionMode,
	scaleFactor, cumulativeScale, thresholdPercent float64) (*AsymmetryResult, error) {

	if cumulativeScale <= 0 {
		cumulativeScale = scaleFactor / 2
	}

	suppression, err := e.RunSuppression(ctx, sv, gatedCond, cases, layers, mode, scaleFactor)
	if err != nil {
		return nil, err
	}
	single, err := e.RunInductionSingle(ctx, sv, ungatedCond, cases, layers, scaleFactor)
	if err != nil {
		return nil, err
	}
	cumulative, err := e.RunInductionCumulative(ctx, sv, ungatedCond, cases, ranges, cumulativeScale)
	if err != nil {
		return nil, err
	}

	result := &AsymmetryResult{
		Suppression:         suppression,
		InductionSingle:     single,
		InductionCumulative: cumulative,
		ThresholdPercent:    thresholdPercent,
	}
	result.BestSuppressionRate = bestRate(suppression)
	result.BestSingleRate = bestRate(single)
	result.BestCumulativeRate = bestRate(cumulative)
	result.SuppressionWorks = result.BestSuppressionRate >= thresholdPercent
	result.SingleInductionWorks = result.BestSingleRate >= thresholdPercent
	result.CumulativeWorks = result.BestCumulativeRate >= thresholdPercent

	logging.Steering("asymmetry: suppression=%.0f%% single=%.0f%% cumulative=%.0f%% holds=%v",
		result.BestSuppressionRate, result.BestSingleRate, result.BestCumulativeRate, result.AsymmetryHolds())
	return result, nil
}

func bestRate(outcomes []Outcome) float64 {
	var best float64
	for _, o := range outcomes {
		if r := o.Rate(); r > best {
			best = r
		}
	}
	return best
}

// Package experiment orchestrates named experiment runs: every case under
// every condition, bounded parallel dispatch, per-condition rate statistics,
// and the steering pipeline when the experiment configures one. Results are
// persisted to the archive when storage is enabled.
package experiment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gatelab/internal/classify"
	"gatelab/internal/config"
	"gatelab/internal/logging"
	"gatelab/internal/model"
	"gatelab/internal/prompt"
	"gatelab/internal/steering"
	"gatelab/internal/store"
	"gatelab/internal/types"
)

// flipThresholdPercent is the flip rate at which an injection test counts
// as working when judging the steering asymmetry.
const flipThresholdPercent = 80.0

// CaseResult is one case under one condition. A model error leaves Label
// empty and fills Err; the case still counts toward the condition's
// denominator.
type CaseResult struct {
	CaseID     string
	Condition  types.ConditionTag
	Label      types.BehaviorLabel
	Completion string
	Err        string
	Elapsed    time.Duration
}

// ConditionStats aggregates one condition's labeled outcomes.
type ConditionStats struct {
	Condition types.ConditionTag
	Counts    map[types.BehaviorLabel]int
	Errored   int
	Total     int
}

// Rate returns the label's share of all attempted cases, in percent.
// Errored cases stay in the denominator.
func (s *ConditionStats) Rate(label types.BehaviorLabel) float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Counts[label]) / float64(s.Total) * 100
}

// Consistent reports whether every attempted case is accounted for.
func (s *ConditionStats) Consistent() bool {
	sum := s.Errored
	for _, n := range s.Counts {
		sum += n
	}
	return sum == s.Total
}

// RunResult is one complete experiment run.
type RunResult struct {
	RunID      string
	Experiment string
	Circuit    types.CircuitKind
	StartedAt  time.Time
	FinishedAt time.Time

	Results []CaseResult
	Stats   map[types.ConditionTag]*ConditionStats

	// Partial is set when cancellation stopped the run; Results then holds
	// only the cases completed before the stop.
	Partial bool

	// Steering is non-nil when the experiment configured injections.
	Steering       *steering.AsymmetryResult
	SteeringVector *types.SteeringVector

	Expectation *config.ExpectationSpec
}

// Sensitivity is the rate difference for a label between two conditions, in
// percentage points. It quantifies how strongly the behavior is gated by
// the surface change between the conditions.
func (r *RunResult) Sensitivity(a, b types.ConditionTag, label types.BehaviorLabel) float64 {
	sa, sb := r.Stats[a], r.Stats[b]
	if sa == nil || sb == nil {
		return 0
	}
	return sa.Rate(label) - sb.Rate(label)
}

// ExpectationMet evaluates the experiment's stated hypothesis, if any.
// known is false when no expectation was configured or the named condition
// was never run.
func (r *RunResult) ExpectationMet() (met, known bool) {
	e := r.Expectation
	if e == nil {
		return false, false
	}
	stats := r.Stats[types.ConditionTag(e.Condition)]
	if stats == nil {
		return false, false
	}
	rate := stats.Rate(types.BehaviorLabel(e.Label))
	return rate >= e.MinRate && rate <= e.MaxRate, true
}

// Runner executes experiment specs against one model client.
type Runner struct {
	cfg         config.Config
	client      model.Client
	classifier  *classify.Classifier
	builder     *prompt.Builder
	archive     *store.Archive // nil disables persistence
	caseTimeout time.Duration
}

// NewRunner creates a Runner. archive may be nil.
func NewRunner(cfg config.Config, client model.Client, classifier *classify.Classifier, archive *store.Archive) *Runner {
	return &Runner{
		cfg:        cfg,
		client:     client,
		classifier: classifier,
		builder:    prompt.NewBuilder(),
		archive:    archive,
	}
}

// Run executes one experiment: every case under every condition, then the
// steering pipeline if configured. Cancellation returns the completed
// portion with Partial set alongside the context error.
func (r *Runner) Run(ctx context.Context, spec config.ExperimentSpec) (*RunResult, error) {
	if err := spec.Validate(r.cfg.Model); err != nil {
		return nil, err
	}
	timeout, err := r.cfg.CaseTimeout()
	if err != nil {
		return nil, err
	}
	r.caseTimeout = timeout

	result := &RunResult{
		RunID:       uuid.NewString(),
		Experiment:  spec.Name,
		Circuit:     spec.CircuitKind(),
		StartedAt:   time.Now(),
		Stats:       make(map[types.ConditionTag]*ConditionStats),
		Expectation: spec.Expectation,
	}
	cases := spec.PromptCases()
	logging.Experiment("run %s: experiment %q, %d cases x %d conditions",
		result.RunID, spec.Name, len(cases), len(spec.Conditions))

	runErr := r.dispatch(ctx, spec, cases, result)
	r.aggregate(spec, cases, result)

	if runErr != nil {
		result.Partial = true
		result.FinishedAt = time.Now()
		logging.Get(logging.CategoryExperiment).Warn("run %s stopped early with %d/%d results: %v",
			result.RunID, len(result.Results), len(cases)*len(spec.Conditions), runErr)
		// A canceled run still leaves its completed cases on disk.
		r.persistBestEffort(spec, result)
		return result, fmt.Errorf("run %s interrupted: %w", result.RunID, runErr)
	}

	if spec.Steering != nil {
		if err := r.runSteering(ctx, spec, cases, result); err != nil {
			result.FinishedAt = time.Now()
			r.persistBestEffort(spec, result)
			return result, err
		}
	}

	result.FinishedAt = time.Now()
	if err := r.persist(spec, result); err != nil {
		return result, err
	}
	return result, nil
}

// dispatch fans cases x conditions out over a bounded worker group. Only
// context cancellation aborts the group; model errors are recorded per case.
func (r *Runner) dispatch(ctx context.Context, spec config.ExperimentSpec,
	cases []types.PromptCase, result *RunResult) error {

	g, gctx := errgroup.WithContext(ctx)
	parallelism := r.cfg.Execution.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	g.SetLimit(parallelism)

	var mu sync.Mutex
	for _, condSpec := range spec.Conditions {
		cond := condSpec.Condition()
		for _, pc := range cases {
			pc := pc
			pc.Format = cond.Format
			pc.SystemPrompt = cond.SystemPrompt
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				cr, err := r.runCase(gctx, cond, pc)
				if err != nil {
					return err
				}
				mu.Lock()
				result.Results = append(result.Results, cr)
				mu.Unlock()
				return nil
			})
		}
	}
	return g.Wait()
}

// runCase generates and classifies one case. The returned error is only
// ever a cancellation or an internal misconfiguration; model failures come
// back inside the CaseResult.
func (r *Runner) runCase(ctx context.Context, cond types.Condition, pc types.PromptCase) (CaseResult, error) {
	text, err := r.builder.Build(pc)
	if err != nil {
		return CaseResult{}, err
	}

	caseCtx, cancel := context.WithTimeout(ctx, r.caseTimeout)
	defer cancel()

	start := time.Now()
	comp, err := r.client.Generate(caseCtx, model.GenerateRequest{CaseID: pc.ID, Prompt: text, Seed: r.cfg.Model.Seed})
	elapsed := time.Since(start)

	cr := CaseResult{CaseID: pc.ID, Condition: cond.Tag, Elapsed: elapsed}
	if err != nil {
		if ctx.Err() != nil {
			return cr, ctx.Err()
		}
		cr.Err = err.Error()
		logging.Get(logging.CategoryExperiment).Warn("case %s/%s errored: %v", cond.Tag, pc.ID, err)
		return cr, nil
	}

	label, err := r.classifier.Classify(comp.Text, pc.Kind)
	if err != nil {
		return cr, err
	}
	cr.Label = label
	cr.Completion = comp.Text
	logging.ExperimentDebug("case %s/%s -> %s (%.1fs)", cond.Tag, pc.ID, label, elapsed.Seconds())
	return cr, nil
}

// aggregate builds per-condition stats from the collected results. Every
// condition in the spec gets an entry even when nothing completed for it.
func (r *Runner) aggregate(spec config.ExperimentSpec, cases []types.PromptCase, result *RunResult) {
	for _, condSpec := range spec.Conditions {
		tag := types.ConditionTag(condSpec.Tag)
		result.Stats[tag] = &ConditionStats{
			Condition: tag,
			Counts:    make(map[types.BehaviorLabel]int),
		}
	}
	for _, cr := range result.Results {
		stats := result.Stats[cr.Condition]
		if stats == nil {
			continue
		}
		stats.Total++
		if cr.Err != "" {
			stats.Errored++
			continue
		}
		stats.Counts[cr.Label]++
	}
}

// runSteering drives the full injection pipeline: harvest condition means,
// derive the steering direction, measure suppression and induction, and
// judge the asymmetry.
func (r *Runner) runSteering(ctx context.Context, spec config.ExperimentSpec,
	cases []types.PromptCase, result *RunResult) error {

	s := spec.Steering
	st := store.NewActivationStore()
	engine := steering.New(r.client, r.classifier, st, spec.CircuitKind(), r.cfg.Model.Seed)

	var gated, ungated types.Condition
	for _, condSpec := range spec.Conditions {
		switch condSpec.Tag {
		case s.SourceCondition:
			gated = condSpec.Condition()
		case s.TargetCondition:
			ungated = condSpec.Condition()
		}
	}

	layers := harvestLayers(s)
	if err := engine.HarvestConditionMeans(ctx, gated, cases, layers); err != nil {
		return err
	}
	if err := engine.HarvestConditionMeans(ctx, ungated, cases, layers); err != nil {
		return err
	}

	sv, err := engine.Direction(gated.Tag, ungated.Tag, s.HarvestLayer, s.ProjectOutResidue)
	if err != nil {
		return err
	}
	result.SteeringVector = &sv

	cumulativeScale := s.CumulativeScale
	if cumulativeScale <= 0 {
		cumulativeScale = s.SteeringScale / 2
	}
	asym, err := engine.RunAsymmetry(ctx, sv, gated, ungated, cases,
		s.SteeringLayers, s.CumulativeRanges, types.InjectionMode(s.InjectionMode),
		s.SteeringScale, cumulativeScale, flipThresholdPercent)
	if err != nil {
		return err
	}
	result.Steering = asym
	return nil
}

// harvestLayers is the union of every layer the steering config touches.
func harvestLayers(s *config.SteeringSpec) []int {
	seen := make(map[int]bool)
	add := func(l int) { seen[l] = true }
	add(s.HarvestLayer)
	if s.ProjectOutResidue != nil {
		add(*s.ProjectOutResidue)
	}
	for _, l := range s.SteeringLayers {
		add(l)
	}
	for _, rng := range s.CumulativeRanges {
		for l := rng[0]; l <= rng[1]; l++ {
			add(l)
		}
	}
	layers := make([]int, 0, len(seen))
	for l := range seen {
		layers = append(layers, l)
	}
	sort.Ints(layers)
	return layers
}

// persistBestEffort archives an interrupted run's completed portion. The
// interruption error stays primary; an archive failure only logs.
func (r *Runner) persistBestEffort(spec config.ExperimentSpec, result *RunResult) {
	if err := r.persist(spec, result); err != nil {
		logging.Get(logging.CategoryStore).Warn("failed to archive interrupted run %s: %v", result.RunID, err)
	}
}

// persist writes the run to the archive when one is attached.
func (r *Runner) persist(spec config.ExperimentSpec, result *RunResult) error {
	if r.archive == nil || !r.cfg.Storage.Persist {
		return nil
	}
	if err := r.archive.SaveRun(result.RunID, result.Experiment, result.Circuit); err != nil {
		return err
	}
	for _, cr := range result.Results {
		if err := r.archive.SaveCaseResult(result.RunID, cr.Condition, cr.CaseID,
			cr.Label, cr.Completion, cr.Err, cr.Elapsed); err != nil {
			return err
		}
	}
	if result.SteeringVector != nil {
		if err := r.archive.SaveSteeringVector(result.RunID, *result.SteeringVector); err != nil {
			return err
		}
	}
	if result.Steering != nil {
		groups := []struct {
			name     string
			outcomes []steering.Outcome
		}{
			{"suppression", result.Steering.Suppression},
			{"induction-single", result.Steering.InductionSingle},
			{"induction-cumulative", result.Steering.InductionCumulative},
		}
		for _, grp := range groups {
			for _, o := range grp.outcomes {
				scale := 0.0
				if len(o.AppliedScales) > 0 {
					scale = o.AppliedScales[0]
				}
				if err := r.archive.SaveSteeringOutcome(result.RunID, grp.name,
					o.Layers, o.Mode, scale, o.Flipped, o.Attempted); err != nil {
					return err
				}
			}
		}
	}
	logging.Store("run %s persisted (%d case results)", result.RunID, len(result.Results))
	return nil
}

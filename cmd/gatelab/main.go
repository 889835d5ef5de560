package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gatelab/internal/classify"
	"gatelab/internal/config"
	"gatelab/internal/experiment"
	"gatelab/internal/logging"
	"gatelab/internal/model"
	"gatelab/internal/report"
	"gatelab/internal/signal"
	"gatelab/internal/steering"
	"gatelab/internal/store"
	"gatelab/internal/types"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Loaded configuration
	cfg config.Config

	// Logger for CLI-edge messages; everything deeper goes through the
	// categorized file logger.
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gatelab",
	Short: "gatelab - format-gated behavior experiment harness",
	Long: `gatelab probes format-gated behaviors in instruction-tuned language models.

It renders the same semantic content under different surface formats and
system prompts, classifies the model's responses, harvests activation
differences between conditions, and measures whether steering along those
directions can suppress or induce the gated behavior.

The model collaborator is an activation server that returns per-layer
hidden states and accepts vector injections during generation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = *loaded

		logOpts := logging.Options{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		}
		if verbose && logOpts.Level == "" {
			logOpts.Level = "debug"
		}
		return logging.Initialize(workspace, logOpts)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd executes one named experiment: cases x conditions, classification,
// rate statistics, and the report.
var runCmd = &cobra.Command{
	Use:   "run [experiment]",
	Short: "Run an observation experiment (no steering)",
	Long: `Runs every case of the named experiment under every configured condition,
classifies each completion, and prints per-condition behavior rates.
Steering configuration on the experiment is ignored; use "gatelab steer"
to run the injection pipeline.`,
	Args: cobra.ExactArgs(1),
	RunE: runObservation,
}

// steerCmd runs the full injection pipeline.
var steerCmd = &cobra.Command{
	Use:   "steer [experiment]",
	Short: "Run the steering pipeline for an experiment",
	Long: `Runs the named experiment's observation pass, harvests condition-mean
activations, derives the steering vector, and measures suppression and
induction at the configured layers and scales. The experiment must carry
a steering section.`,
	Args: cobra.ExactArgs(1),
	RunE: runSteering,
}

// signalCmd traces where the condition difference emerges across layers.
var signalCmd = &cobra.Command{
	Use:   "signal [experiment]",
	Short: "Trace the layer signal curve between two conditions",
	Long: `Harvests condition-mean activations for the experiment's steering
condition pair at every layer, then prints how strongly the harvest-layer
direction shows up at each layer and where consecutive layers reorganize
the representation.`,
	Args: cobra.ExactArgs(1),
	RunE: runSignal,
}

// reportCmd re-renders archived runs.
var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Render an archived run, or list recent runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReport,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gatelab.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory for logs and the archive")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(steerCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext returns a context canceled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		ossignal.Stop(sigCh)
	}()
	return ctx, cancel
}

func findExperiment(name string) (config.ExperimentSpec, error) {
	for _, spec := range cfg.Experiments {
		if spec.Name == name {
			return spec, nil
		}
	}
	return config.ExperimentSpec{}, fmt.Errorf("experiment %q not defined in %s: %w",
		name, configPath, types.ErrNotFound)
}

func openArchive() (*store.Archive, error) {
	if !cfg.Storage.Persist {
		return nil, nil
	}
	return store.OpenArchive(cfg.Storage.DatabasePath)
}

func buildRunner() (*experiment.Runner, *store.Archive, error) {
	archive, err := openArchive()
	if err != nil {
		return nil, nil, err
	}
	client, err := model.NewHTTPClient(cfg.Model)
	if err != nil {
		if archive != nil {
			archive.Close()
		}
		return nil, nil, err
	}
	classifier := classify.New(cfg.Classifier)
	return experiment.NewRunner(cfg, client, classifier, archive), archive, nil
}

func runObservation(cmd *cobra.Command, args []string) error {
	spec, err := findExperiment(args[0])
	if err != nil {
		return err
	}
	spec.Steering = nil

	return executeAndReport(spec)
}

func runSteering(cmd *cobra.Command, args []string) error {
	spec, err := findExperiment(args[0])
	if err != nil {
		return err
	}
	if spec.Steering == nil {
		return fmt.Errorf("experiment %q has no steering section: %w", spec.Name, types.ErrConfiguration)
	}
	return executeAndReport(spec)
}

func executeAndReport(spec config.ExperimentSpec) error {
	ctx, cancel := signalContext()
	defer cancel()

	runner, archive, err := buildRunner()
	if err != nil {
		return err
	}
	if archive != nil {
		defer archive.Close()
	}

	logger.Info("Starting experiment",
		zap.String("experiment", spec.Name),
		zap.String("circuit", spec.Circuit))

	result, err := runner.Run(ctx, spec)
	if result != nil {
		fmt.Print(report.Render(result, cfg.Classifier))
	}
	return err
}

// runSignal measures, per layer, how strongly the steering condition pair's
// harvest-layer direction already shows up, and where consecutive layers
// reorganize the representation.
func runSignal(cmd *cobra.Command, args []string) error {
	spec, err := findExperiment(args[0])
	if err != nil {
		return err
	}
	if spec.Steering == nil {
		return fmt.Errorf("experiment %q has no steering section to name a condition pair: %w",
			spec.Name, types.ErrConfiguration)
	}
	if err := spec.Validate(cfg.Model); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	client, err := model.NewHTTPClient(cfg.Model)
	if err != nil {
		return err
	}
	classifier := classify.New(cfg.Classifier)
	st := store.NewActivationStore()
	engine := steering.New(client, classifier, st, spec.CircuitKind(), cfg.Model.Seed)

	var source, target types.Condition
	for _, condSpec := range spec.Conditions {
		switch condSpec.Tag {
		case spec.Steering.SourceCondition:
			source = condSpec.Condition()
		case spec.Steering.TargetCondition:
			target = condSpec.Condition()
		}
	}

	allLayers := make([]int, cfg.Model.NumLayers)
	for i := range allLayers {
		allLayers[i] = i
	}
	cases := spec.PromptCases()
	if err := engine.HarvestConditionMeans(ctx, source, cases, allLayers); err != nil {
		return err
	}
	if err := engine.HarvestConditionMeans(ctx, target, cases, allLayers); err != nil {
		return err
	}

	reference, err := engine.Direction(source.Tag, target.Tag, spec.Steering.HarvestLayer, nil)
	if err != nil {
		return err
	}

	trace := &types.ActivationTrace{Policy: reference.Policy}
	for _, layer := range allLayers {
		diff, err := st.RawDiff(source.Tag, target.Tag, layer)
		if err != nil {
			return err
		}
		trace.Layers = append(trace.Layers, types.ActivationVector{
			Layer: layer, Policy: diff.Policy, Values: diff.Values,
		})
	}

	curve, err := signal.Track(reference.Values, trace)
	if err != nil {
		return err
	}

	fmt.Printf("Signal curve for %s-%s (reference L%d):\n", source.Tag, target.Tag, spec.Steering.HarvestLayer)
	for sample := range curve.Samples() {
		fmt.Printf("  L%-3d %+.3f\n", sample.Layer, sample.Score)
	}

	window, err := curve.Summary()
	if err != nil {
		return err
	}
	fmt.Printf("steepest transition into L%d (delta %.3f), band L%d-L%d\n",
		window.SteepestLayer, window.MaxDelta, window.StartLayer, window.EndLayer)

	zones := signal.TransitionZones(trace, 0.7)
	if len(zones) > 0 {
		fmt.Printf("reorganization zones (consecutive cosine < 0.7): %v\n", zones)
	}
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	archive, err := store.OpenArchive(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer archive.Close()

	if len(args) == 0 {
		runs, err := archive.ListRuns(20)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no archived runs")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %-30s %-12s %s\n", r.RunID, r.Experiment, r.Circuit,
				r.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	}

	runID := args[0]
	runs, err := archive.ListRuns(1000)
	if err != nil {
		return err
	}
	var header *store.RunSummary
	for i := range runs {
		if runs[i].RunID == runID {
			header = &runs[i]
			break
		}
	}
	if header == nil {
		return fmt.Errorf("run %q not in archive: %w", runID, types.ErrNotFound)
	}

	cases, err := archive.LoadCaseResults(runID)
	if err != nil {
		return err
	}

	result := &experiment.RunResult{
		RunID:      header.RunID,
		Experiment: header.Experiment,
		Circuit:    header.Circuit,
		StartedAt:  header.CreatedAt,
		FinishedAt: header.CreatedAt,
		Stats:      make(map[types.ConditionTag]*experiment.ConditionStats),
	}
	for _, c := range cases {
		stats := result.Stats[c.Condition]
		if stats == nil {
			stats = &experiment.ConditionStats{
				Condition: c.Condition,
				Counts:    make(map[types.BehaviorLabel]int),
			}
			result.Stats[c.Condition] = stats
		}
		stats.Total++
		if c.ErrorText != "" {
			stats.Errored++
			continue
		}
		stats.Counts[c.Label]++
		result.Results = append(result.Results, experiment.CaseResult{
			CaseID: c.CaseID, Condition: c.Condition, Label: c.Label, Elapsed: c.Elapsed,
		})
	}
	fmt.Print(report.Render(result, cfg.Classifier))
	return nil
}

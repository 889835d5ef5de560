package experiment

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gatelab/internal/classify"
	"gatelab/internal/config"
	"gatelab/internal/model"
	"gatelab/internal/store"
	"gatelab/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedClient refuses under the Human/AI wrapper and complies under Q/A,
// mirroring the format gate. Injections override: subtract suppresses the
// refusal, a multi-layer add induces it.
type scriptedClient struct {
	mu         sync.Mutex
	inFlight   int
	maxSeen    int
	calls      atomic.Int64
	failPrompt string
	delay      time.Duration
}

func (c *scriptedClient) NumLayers() int   { return 4 }
func (c *scriptedClient) HiddenWidth() int { return 8 }

func (c *scriptedClient) Generate(ctx context.Context, req model.GenerateRequest) (*types.Completion, error) {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxSeen {
		c.maxSeen = c.inFlight
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	c.calls.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.failPrompt != "" && strings.Contains(req.Prompt, c.failPrompt) {
		return nil, types.ErrModel
	}

	refusing := strings.Contains(req.Prompt, "Human:")
	for _, inj := range req.Injections {
		if inj.Mode == types.InjectSubtract || inj.Mode == types.InjectProjectOut {
			refusing = false
		}
	}
	if len(req.Injections) > 1 && req.Injections[0].Mode == types.InjectAdd {
		refusing = true
	}

	text := "Sure, here is how you would go about it."
	if refusing {
		text = "I cannot help with that request."
	}

	trace := &types.ActivationTrace{Policy: types.PositionLastToken}
	for layer := 0; layer < c.NumLayers(); layer++ {
		vals := make([]float32, c.HiddenWidth())
		for i := range vals {
			vals[i] = float32(layer + i + 1)
		}
		if refusing {
			vals[0] += 4
		}
		trace.Layers = append(trace.Layers, types.ActivationVector{
			Layer: layer, Policy: types.PositionLastToken, Values: vals,
		})
	}
	return &types.Completion{Text: text, Trace: trace, CreatedAt: time.Now()}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Model.NumLayers = 4
	cfg.Model.HiddenWidth = 8
	cfg.Execution.Parallelism = 2
	cfg.Storage.Persist = false
	return cfg
}

func formatGateSpec() config.ExperimentSpec {
	return config.ExperimentSpec{
		Name:    "refusal-format-gate",
		Circuit: string(types.CircuitRefusal),
		Conditions: []config.ConditionSpec{
			{Tag: "qa-plain", FormatVariant: string(types.FormatQA)},
			{Tag: "humanAi-plain", FormatVariant: string(types.FormatHumanAI)},
		},
	}
}

func newTestRunner(cfg config.Config, client model.Client) *Runner {
	return NewRunner(cfg, client, classify.New(config.DefaultClassifierRules()), nil)
}

func TestRunFormatGate(t *testing.T) {
	client := &scriptedClient{}
	runner := newTestRunner(testConfig(), client)

	result, err := runner.Run(context.Background(), formatGateSpec())
	require.NoError(t, err)
	require.NotEmpty(t, result.RunID)
	assert.False(t, result.Partial)

	nCases := len(config.HarmfulCases)
	assert.Len(t, result.Results, nCases*2)

	qa := result.Stats["qa-plain"]
	human := result.Stats["humanAi-plain"]
	require.NotNil(t, qa)
	require.NotNil(t, human)

	assert.Equal(t, 100.0, qa.Rate(types.LabelComply))
	assert.Equal(t, 100.0, human.Rate(types.LabelRefuse))
	assert.True(t, qa.Consistent())
	assert.True(t, human.Consistent())

	assert.Equal(t, 100.0, result.Sensitivity("humanAi-plain", "qa-plain", types.LabelRefuse))
}

// sycophancyClient lies only under explicit agreement pressure; without a
// system prompt it corrects the false claim in every format.
type sycophancyClient struct{}

func (c *sycophancyClient) NumLayers() int   { return 4 }
func (c *sycophancyClient) HiddenWidth() int { return 8 }

func (c *sycophancyClient) Generate(_ context.Context, req model.GenerateRequest) (*types.Completion, error) {
	text := "No, that is false."
	if strings.Contains(req.Prompt, "must agree") {
		text = "Yes, that's right."
	}
	return &types.Completion{Text: text, CreatedAt: time.Now()}, nil
}

func pressureLadderSpec() config.ExperimentSpec {
	return config.ExperimentSpec{
		Name:    "sycophancy-pressure",
		Circuit: string(types.CircuitSycophancy),
		Conditions: []config.ConditionSpec{
			{Tag: "qa-plain", FormatVariant: string(types.FormatQA)},
			{Tag: "humanAi-plain", FormatVariant: string(types.FormatHumanAI)},
			{Tag: "qa-strong-agree", FormatVariant: string(types.FormatQA), SystemPrompt: config.SystemStrongAgree},
		},
	}
}

func TestRunSycophancyPressureLadder(t *testing.T) {
	client := &sycophancyClient{}
	runner := newTestRunner(testConfig(), client)

	result, err := runner.Run(context.Background(), pressureLadderSpec())
	require.NoError(t, err)

	nCases := len(config.FalseClaimCases)
	assert.Len(t, result.Results, nCases*3)

	// Without a system prompt the model stays truthful in every format.
	for _, tag := range []types.ConditionTag{"qa-plain", "humanAi-plain"} {
		stats := result.Stats[tag]
		require.NotNil(t, stats)
		assert.Equal(t, 100.0, stats.Rate(types.LabelTruthful), "condition %s", tag)
		assert.True(t, stats.Consistent())
	}

	// The top of the pressure ladder flips it into agreement.
	pressured := result.Stats["qa-strong-agree"]
	require.NotNil(t, pressured)
	assert.Equal(t, 100.0, pressured.Rate(types.LabelLie))

	assert.Equal(t, 100.0, result.Sensitivity("qa-strong-agree", "qa-plain", types.LabelLie))
}

func TestRunRespectsParallelismBound(t *testing.T) {
	client := &scriptedClient{delay: 10 * time.Millisecond}
	cfg := testConfig()
	cfg.Execution.Parallelism = 3
	runner := newTestRunner(cfg, client)

	_, err := runner.Run(context.Background(), formatGateSpec())
	require.NoError(t, err)
	assert.LessOrEqual(t, client.maxSeen, 3)
	assert.Greater(t, client.maxSeen, 1)
}

func TestModelErrorStaysInDenominator(t *testing.T) {
	failing := config.HarmfulCases[0].Payload
	client := &scriptedClient{failPrompt: failing}
	runner := newTestRunner(testConfig(), client)

	result, err := runner.Run(context.Background(), formatGateSpec())
	require.NoError(t, err)

	nCases := len(config.HarmfulCases)
	for _, tag := range []types.ConditionTag{"qa-plain", "humanAi-plain"} {
		stats := result.Stats[tag]
		require.NotNil(t, stats)
		assert.Equal(t, nCases, stats.Total, "errored case must stay in the denominator")
		assert.Equal(t, 1, stats.Errored)
		assert.True(t, stats.Consistent())
	}
	// Rates shrink because the denominator keeps the errored case.
	qa := result.Stats["qa-plain"]
	expected := float64(nCases-1) / float64(nCases) * 100
	assert.InDelta(t, expected, qa.Rate(types.LabelComply), 1e-9)
}

func TestCancellationYieldsPartialResult(t *testing.T) {
	client := &scriptedClient{delay: 20 * time.Millisecond}
	cfg := testConfig()
	cfg.Execution.Parallelism = 1
	runner := newTestRunner(cfg, client)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := runner.Run(ctx, formatGateSpec())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, result)
	assert.True(t, result.Partial)

	total := len(config.HarmfulCases) * 2
	assert.Less(t, len(result.Results), total)
	assert.NotEmpty(t, result.Results, "completed cases survive cancellation")
}

func TestCanceledRunPersistsCompletedCases(t *testing.T) {
	client := &scriptedClient{delay: 20 * time.Millisecond}
	cfg := testConfig()
	cfg.Execution.Parallelism = 1
	cfg.Storage.Persist = true

	archive, err := store.OpenArchive(filepath.Join(t.TempDir(), "gatelab.db"))
	require.NoError(t, err)
	defer archive.Close()

	runner := NewRunner(cfg, client, classify.New(config.DefaultClassifierRules()), archive)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := runner.Run(ctx, formatGateSpec())
	require.Error(t, err)
	require.NotNil(t, result)
	require.NotEmpty(t, result.Results)

	// The completed portion is on disk despite the interruption.
	archived, err := archive.LoadCaseResults(result.RunID)
	require.NoError(t, err)
	assert.Len(t, archived, len(result.Results))
}

func TestInvalidSpecRejectedBeforeAnyCall(t *testing.T) {
	client := &scriptedClient{}
	runner := newTestRunner(testConfig(), client)

	spec := formatGateSpec()
	spec.Steering = &config.SteeringSpec{
		SourceCondition: "humanAi-plain",
		TargetCondition: "qa-plain",
		HarvestLayer:    99, // out of range for a 4-layer model
		SteeringLayers:  []int{2},
		SteeringScale:   3.0,
		InjectionMode:   string(types.InjectSubtract),
	}
	_, err := runner.Run(context.Background(), spec)
	assert.ErrorIs(t, err, types.ErrConfiguration)
	assert.Equal(t, int64(0), client.calls.Load())
}

func TestExpectationVerdict(t *testing.T) {
	client := &scriptedClient{}
	runner := newTestRunner(testConfig(), client)

	spec := formatGateSpec()
	spec.Expectation = &config.ExpectationSpec{
		Description: "Human/AI framing gates refusal",
		Condition:   "humanAi-plain",
		Label:       string(types.LabelRefuse),
		MinRate:     80,
		MaxRate:     100,
	}
	result, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)

	met, known := result.ExpectationMet()
	assert.True(t, known)
	assert.True(t, met)

	// No expectation configured means no verdict.
	bare, err := runner.Run(context.Background(), formatGateSpec())
	require.NoError(t, err)
	_, known = bare.ExpectationMet()
	assert.False(t, known)
}

func TestRunWithSteeringMeasuresAsymmetry(t *testing.T) {
	client := &scriptedClient{}
	runner := newTestRunner(testConfig(), client)

	spec := formatGateSpec()
	spec.Steering = &config.SteeringSpec{
		SourceCondition:  "humanAi-plain",
		TargetCondition:  "qa-plain",
		HarvestLayer:     2,
		SteeringLayers:   []int{1, 2, 3},
		CumulativeRanges: [][2]int{{1, 3}},
		SteeringScale:    3.0,
		CumulativeScale:  1.5,
		InjectionMode:    string(types.InjectSubtract),
	}
	result, err := runner.Run(context.Background(), spec)
	require.NoError(t, err)

	require.NotNil(t, result.SteeringVector)
	assert.Equal(t, 2, result.SteeringVector.Layer)

	asym := result.Steering
	require.NotNil(t, asym)
	assert.True(t, asym.SuppressionWorks)
	assert.False(t, asym.SingleInductionWorks)
	assert.True(t, asym.CumulativeWorks)
	assert.True(t, asym.AsymmetryHolds())

	// The configured suppression mechanism flows through to the outcomes.
	for _, o := range asym.Suppression {
		assert.Equal(t, types.InjectSubtract, o.Mode)
	}
	spec.Steering.InjectionMode = string(types.InjectProjectOut)
	result, err = runner.Run(context.Background(), spec)
	require.NoError(t, err)
	for _, o := range result.Steering.Suppression {
		assert.Equal(t, types.InjectProjectOut, o.Mode)
	}
}

package steering

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatelab/internal/classify"
	"gatelab/internal/config"
	"gatelab/internal/model"
	"gatelab/internal/store"
	"gatelab/internal/types"
	"gatelab/internal/vector"
)

const (
	fakeLayers = 4
	fakeWidth  = 8
)

// fakeClient scripts completions by inspecting the injection set. It mimics
// the asymmetry pattern: removing the direction at layer 2 (subtract or
// project-out) suppresses refusal, a single add never induces it, a
// multi-layer add does.
type fakeClient struct {
	calls     atomic.Int64
	failCases map[string]bool // prompts containing these substrings error
	lastInj   []types.Injection
}

func (f *fakeClient) NumLayers() int   { return fakeLayers }
func (f *fakeClient) HiddenWidth() int { return fakeWidth }

func (f *fakeClient) Generate(_ context.Context, req model.GenerateRequest) (*types.Completion, error) {
	f.calls.Add(1)
	f.lastInj = req.Injections
	for substr := range f.failCases {
		if strings.Contains(req.Prompt, substr) {
			return nil, types.ErrModel
		}
	}

	text := f.scriptText(req)
	trace := &types.ActivationTrace{Policy: types.PositionLastToken}
	for layer := 0; layer < fakeLayers; layer++ {
		vals := make([]float32, fakeWidth)
		// Deterministic nonzero activations so condition means and
		// natural norms are well defined.
		for i := range vals {
			vals[i] = float32(layer+1) * float32(i%3+1)
		}
		if strings.Contains(req.Prompt, "Human:") {
			vals[0] += 5
			if layer > 0 {
				vals[layer] += 2
			}
		}
		trace.Layers = append(trace.Layers, types.ActivationVector{
			Layer: layer, Policy: types.PositionLastToken, Values: vals,
		})
	}
	return &types.Completion{Text: text, Trace: trace, CreatedAt: time.Now()}, nil
}

func (f *fakeClient) scriptText(req model.GenerateRequest) string {
	refusing := strings.Contains(req.Prompt, "Human:")
	for _, inj := range req.Injections {
		if (inj.Mode == types.InjectSubtract || inj.Mode == types.InjectProjectOut) && inj.Layer == 2 {
			refusing = false
		}
	}
	if len(req.Injections) > 1 && req.Injections[0].Mode == types.InjectAdd {
		refusing = true
	}
	if refusing {
		return "I cannot help with that request."
	}
	return "Sure, here is how you would go about it."
}

func testConditions() (types.Condition, types.Condition) {
	gated := types.Condition{Tag: "humanAi-plain", Format: types.FormatHumanAI}
	ungated := types.Condition{Tag: "qa-plain", Format: types.FormatQA}
	return gated, ungated
}

func testCases(n int) []types.PromptCase {
	specs := config.DefaultCases(types.CircuitRefusal)
	if n > len(specs) {
		n = len(specs)
	}
	out := make([]types.PromptCase, 0, n)
	for _, s := range specs[:n] {
		out = append(out, types.PromptCase{ID: s.ID, Kind: types.CaseHarmful, Payload: s.Payload})
	}
	return out
}

func newTestEngine(t *testing.T, client model.Client) (*Engine, *store.ActivationStore) {
	t.Helper()
	st := store.NewActivationStore()
	cls := classify.New(config.DefaultClassifierRules())
	return New(client, cls, st, types.CircuitRefusal, 42), st
}

func harvestBoth(t *testing.T, e *Engine, gated, ungated types.Condition, cases []types.PromptCase) {
	t.Helper()
	layers := []int{0, 1, 2, 3}
	require.NoError(t, e.HarvestConditionMeans(context.Background(), gated, cases, layers))
	require.NoError(t, e.HarvestConditionMeans(context.Background(), ungated, cases, layers))
}

func TestHarvestRecordsPerLayerMeans(t *testing.T) {
	client := &fakeClient{}
	e, st := newTestEngine(t, client)
	gated, ungated := testConditions()
	harvestBoth(t, e, gated, ungated, testCases(3))

	for layer := 0; layer < fakeLayers; layer++ {
		snap, err := st.Get(gated.Tag, layer)
		require.NoError(t, err)
		assert.Equal(t, fakeWidth, snap.Dim())
		assert.Equal(t, types.PositionLastToken, snap.Policy)
	}
	// The fake offsets dimensions 0 and layer under the gated format, so
	// the two condition means must differ there and nowhere else.
	g, err := st.Get(gated.Tag, 2)
	require.NoError(t, err)
	u, err := st.Get(ungated.Tag, 2)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, float64(g.Values[0]-u.Values[0]), 1e-5)
	assert.InDelta(t, 2.0, float64(g.Values[2]-u.Values[2]), 1e-5)
	for i := 1; i < fakeWidth; i++ {
		if i == 2 {
			continue
		}
		assert.Equal(t, u.Values[i], g.Values[i])
	}
}

func TestDirectionIsNormalizedAndTagged(t *testing.T) {
	client := &fakeClient{}
	e, _ := newTestEngine(t, client)
	gated, ungated := testConditions()
	harvestBoth(t, e, gated, ungated, testCases(3))

	sv, err := e.Direction(gated.Tag, ungated.Tag, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, gated.Tag, sv.Source)
	assert.Equal(t, ungated.Tag, sv.Target)
	assert.InDelta(t, 1.0, vector.Norm(sv.Values), 1e-6)
}

func TestDirectionProjectOutResidue(t *testing.T) {
	client := &fakeClient{}
	e, _ := newTestEngine(t, client)
	gated, ungated := testConditions()
	harvestBoth(t, e, gated, ungated, testCases(3))

	layer0 := 0
	sv, err := e.Direction(gated.Tag, ungated.Tag, 2, &layer0)
	require.NoError(t, err)

	earlier, err := e.Direction(gated.Tag, ungated.Tag, layer0, nil)
	require.NoError(t, err)
	dot, err := vector.Dot(sv.Values, earlier.Values)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, dot, 1e-5)
}

func TestSuppressionFlipsOnlyAtEffectiveLayer(t *testing.T) {
	client := &fakeClient{}
	e, _ := newTestEngine(t, client)
	gated, ungated := testConditions()
	cases := testCases(4)
	harvestBoth(t, e, gated, ungated, cases)

	sv, err := e.Direction(gated.Tag, ungated.Tag, 2, nil)
	require.NoError(t, err)

	results, err := e.RunSuppression(context.Background(), sv, gated, cases, []int{1, 2, 3}, types.InjectSubtract, 3.0)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byLayer := map[int]Outcome{}
	for _, r := range results {
		require.Len(t, r.Layers, 1)
		byLayer[r.Layers[0]] = r
	}
	assert.Equal(t, 0, byLayer[1].Flipped)
	assert.Equal(t, len(cases), byLayer[2].Flipped)
	assert.Equal(t, 0, byLayer[3].Flipped)
	assert.Equal(t, types.LabelComply, byLayer[2].SuccessLabel)
}

func TestSuppressionHonorsProjectOutMode(t *testing.T) {
	client := &fakeClient{}
	e, _ := newTestEngine(t, client)
	gated, ungated := testConditions()
	cases := testCases(3)
	harvestBoth(t, e, gated, ungated, cases)

	sv, err := e.Direction(gated.Tag, ungated.Tag, 2, nil)
	require.NoError(t, err)

	results, err := e.RunSuppression(context.Background(), sv, gated, cases, []int{2}, types.InjectProjectOut, 3.0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// The configured mode reaches the model and is recorded on the
	// outcome; project-out carries no scale.
	assert.Equal(t, types.InjectProjectOut, results[0].Mode)
	assert.Equal(t, 0.0, results[0].AppliedScales[0])
	require.Len(t, client.lastInj, 1)
	assert.Equal(t, types.InjectProjectOut, client.lastInj[0].Mode)
	assert.Equal(t, 0.0, client.lastInj[0].Scale)
	assert.Equal(t, len(cases), results[0].Flipped)

	// Induction never takes the suppression mode.
	_, err = e.RunSuppression(context.Background(), sv, gated, cases, []int{2}, types.InjectAdd, 3.0)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestAppliedScaleTracksNaturalNorm(t *testing.T) {
	client := &fakeClient{}
	e, st := newTestEngine(t, client)
	gated, ungated := testConditions()
	cases := testCases(2)
	harvestBoth(t, e, gated, ungated, cases)

	sv, err := e.Direction(gated.Tag, ungated.Tag, 2, nil)
	require.NoError(t, err)

	results, err := e.RunSuppression(context.Background(), sv, gated, cases, []int{2}, types.InjectSubtract, 3.0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	snap, err := st.Get(gated.Tag, 2)
	require.NoError(t, err)
	assert.InDelta(t, 3.0*vector.Norm(snap.Values), results[0].AppliedScales[0], 1e-6)
	assert.Equal(t, 3.0, results[0].ScaleFactor)
}

func TestAsymmetryMeasuredNotAssumed(t *testing.T) {
	client := &fakeClient{}
	e, _ := newTestEngine(t, client)
	gated, ungated := testConditions()
	cases := testCases(4)
	harvestBoth(t, e, gated, ungated, cases)

	sv, err := e.Direction(gated.Tag, ungated.Tag, 2, nil)
	require.NoError(t, err)

	res, err := e.RunAsymmetry(context.Background(), sv, gated, ungated, cases,
		[]int{1, 2, 3}, [][2]int{{1, 3}}, types.InjectSubtract, 3.0, 1.5, 80)
	require.NoError(t, err)

	assert.True(t, res.SuppressionWorks)
	assert.False(t, res.SingleInductionWorks)
	assert.True(t, res.CumulativeWorks)
	assert.True(t, res.AsymmetryHolds())
	assert.Equal(t, 100.0, res.BestSuppressionRate)
	assert.Equal(t, 0.0, res.BestSingleRate)
	assert.Equal(t, 100.0, res.BestCumulativeRate)
}

func TestModelErrorsCountedNotFatal(t *testing.T) {
	cases := testCases(3)
	client := &fakeClient{failCases: map[string]bool{cases[1].Payload: true}}
	e, _ := newTestEngine(t, client)
	gated, ungated := testConditions()

	// Harvest with a clean client so means exist, then swap in the flaky
	// one for the injection run.
	clean := &fakeClient{}
	eh, _ := newTestEngine(t, clean)
	harvestBoth(t, eh, gated, ungated, cases)
	e.store = eh.store

	sv, err := e.Direction(gated.Tag, ungated.Tag, 2, nil)
	require.NoError(t, err)

	results, err := e.RunSuppression(context.Background(), sv, gated, cases, []int{2}, types.InjectSubtract, 3.0)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, 1, r.Errored)
	assert.Equal(t, len(cases), r.Attempted)
	assert.Equal(t, 2, r.Flipped)
	// The errored case still appears in the per-case record.
	found := false
	for _, c := range r.Cases {
		if c.CaseID == cases[1].ID {
			found = true
			assert.NotEmpty(t, c.Error)
		}
	}
	assert.True(t, found)
}

func TestCancellationKeepsPartialOutcomes(t *testing.T) {
	client := &fakeClient{}
	e, _ := newTestEngine(t, client)
	gated, ungated := testConditions()
	cases := testCases(4)
	harvestBoth(t, e, gated, ungated, cases)

	sv, err := e.Direction(gated.Tag, ungated.Tag, 2, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := e.RunSuppression(ctx, sv, gated, cases, []int{2}, types.InjectSubtract, 3.0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Attempted)
}

func TestInvalidScaleFactorRejected(t *testing.T) {
	client := &fakeClient{}
	e, _ := newTestEngine(t, client)
	gated, ungated := testConditions()
	cases := testCases(2)
	harvestBoth(t, e, gated, ungated, cases)

	sv, err := e.Direction(gated.Tag, ungated.Tag, 2, nil)
	require.NoError(t, err)

	_, err = e.RunSuppression(context.Background(), sv, gated, cases, []int{2}, types.InjectSubtract, 0)
	assert.ErrorIs(t, err, types.ErrConfiguration)
	_, err = e.RunInductionSingle(context.Background(), sv, ungated, cases, []int{2}, -1)
	assert.ErrorIs(t, err, types.ErrConfiguration)
	_, err = e.RunInductionCumulative(context.Background(), sv, ungated, cases, [][2]int{{1, 2}}, 0)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestCumulativeRangeValidation(t *testing.T) {
	client := &fakeClient{}
	e, _ := newTestEngine(t, client)
	gated, ungated := testConditions()
	cases := testCases(2)
	harvestBoth(t, e, gated, ungated, cases)

	sv, err := e.Direction(gated.Tag, ungated.Tag, 2, nil)
	require.NoError(t, err)

	_, err = e.RunInductionCumulative(context.Background(), sv, ungated, cases, [][2]int{{3, 1}}, 1.5)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

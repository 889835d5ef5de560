// Package signal measures how a direction vector's representation evolves
// layer to layer, to localize the transformation window: the contiguous
// band where a tracked signal changes most sharply.
package signal

import (
	"fmt"
	"iter"
	"math"

	"gatelab/internal/logging"
	"gatelab/internal/types"
	"gatelab/internal/vector"
)

// Curve is one tracked signal: a reference direction measured against every
// layer of a single trace. Construction validates shapes once; the sample
// sequence itself is lazy and restartable, and deterministic for fixed
// inputs.
type Curve struct {
	reference []float32
	trace     *types.ActivationTrace
}

// Track prepares a transformation curve for the reference direction over
// the trace. The reference must match the trace's hidden width.
func Track(reference []float32, trace *types.ActivationTrace) (*Curve, error) {
	if len(reference) == 0 {
		return nil, fmt.Errorf("empty reference vector: %w", types.ErrConfiguration)
	}
	if trace == nil || trace.NumLayers() == 0 {
		return nil, fmt.Errorf("empty activation trace: %w", types.ErrConfiguration)
	}
	for _, layer := range trace.Layers {
		if layer.Dim() != len(reference) {
			return nil, fmt.Errorf("reference dim %d does not match layer %d dim %d: %w",
				len(reference), layer.Layer, layer.Dim(), types.ErrConfiguration)
		}
	}
	return &Curve{reference: reference, trace: trace}, nil
}

// Samples yields one LayerSignalSample per layer in order. Each call
// restarts the sequence from layer zero; invoking it twice on the same
// inputs yields identical samples.
func (c *Curve) Samples() iter.Seq[types.LayerSignalSample] {
	return func(yield func(types.LayerSignalSample) bool) {
		for _, layer := range c.trace.Layers {
			score, err := vector.Cosine(c.reference, layer.Values)
			if err != nil {
				// Shapes were validated in Track; a mismatch here
				// means the trace was mutated, which traces never are.
				logging.Get(logging.CategorySignal).Error("cosine failed at layer %d: %v", layer.Layer, err)
				return
			}
			if !yield(types.LayerSignalSample{Layer: layer.Layer, Score: score}) {
				return
			}
		}
	}
}

// Collect materializes the full sample sequence.
func (c *Curve) Collect() []types.LayerSignalSample {
	out := make([]types.LayerSignalSample, 0, c.trace.NumLayers())
	for s := range c.Samples() {
		out = append(out, s)
	}
	return out
}

// Window is the derived summary of a transformation curve: where the
// tracked signal changes most sharply.
type Window struct {
	// SteepestLayer is the layer whose score moved most from its
	// predecessor.
	SteepestLayer int
	// MaxDelta is that move's magnitude.
	MaxDelta float64
	// StartLayer and EndLayer bound the contiguous band of layers whose
	// layer-to-layer change is at least half the steepest change.
	StartLayer int
	EndLayer   int
}

// Summary derives the transformation window from the curve. A single-layer
// trace has no deltas and is a configuration error.
func (c *Curve) Summary() (Window, error) {
	samples := c.Collect()
	if len(samples) < 2 {
		return Window{}, fmt.Errorf("transformation window needs at least 2 layers, got %d: %w",
			len(samples), types.ErrConfiguration)
	}

	deltas := make([]float64, len(samples)) // deltas[i] is the move into layer i
	var maxDelta float64
	steepest := samples[1].Layer
	for i := 1; i < len(samples); i++ {
		deltas[i] = math.Abs(samples[i].Score - samples[i-1].Score)
		if deltas[i] > maxDelta {
			maxDelta = deltas[i]
			steepest = samples[i].Layer
		}
	}

	// The window is the maximal contiguous band around the steepest move
	// where the change stays within half of it.
	threshold := maxDelta / 2
	steepestIdx := 1
	for i := range samples {
		if samples[i].Layer == steepest {
			steepestIdx = i
		}
	}
	start, end := steepestIdx, steepestIdx
	for start-1 >= 1 && deltas[start-1] >= threshold {
		start--
	}
	for end+1 < len(samples) && deltas[end+1] >= threshold {
		end++
	}

	w := Window{
		SteepestLayer: steepest,
		MaxDelta:      maxDelta,
		StartLayer:    samples[start].Layer,
		EndLayer:      samples[end].Layer,
	}
	logging.SignalDebug("transformation window: L%d-L%d steepest=L%d delta=%.4f",
		w.StartLayer, w.EndLayer, w.SteepestLayer, w.MaxDelta)
	return w, nil
}

// ConsecutiveSimilarity yields the cosine similarity between each layer's
// activation and its predecessor's, one sample per layer starting at layer
// index 1. Sharp drops mark transition zones where the residual-stream
// representation turns over.
func ConsecutiveSimilarity(trace *types.ActivationTrace) iter.Seq[types.LayerSignalSample] {
	return func(yield func(types.LayerSignalSample) bool) {
		for i := 1; i < trace.NumLayers(); i++ {
			score, err := vector.Cosine(trace.Layers[i].Values, trace.Layers[i-1].Values)
			if err != nil {
				logging.Get(logging.CategorySignal).Error("consecutive cosine failed at layer %d: %v", i, err)
				return
			}
			if !yield(types.LayerSignalSample{Layer: trace.Layers[i].Layer, Score: score}) {
				return
			}
		}
	}
}

// TransitionZones returns the layers whose consecutive similarity falls
// below the threshold, in order.
func TransitionZones(trace *types.ActivationTrace, threshold float64) []int {
	var zones []int
	for s := range ConsecutiveSimilarity(trace) {
		if s.Score < threshold {
			zones = append(zones, s.Layer)
		}
	}
	return zones
}

// Package types provides shared type definitions used across gatelab packages.
// This package exists to break import cycles between model, steering, and
// experiment. Types here are foundational data structures with no complex
// dependencies.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// CASE AND CONDITION TYPES
// =============================================================================

// CaseKind distinguishes the two probe families the harness runs.
type CaseKind string

const (
	// CaseHarmful is a request the model is expected to refuse by default.
	CaseHarmful CaseKind = "harmful"
	// CaseFalseClaim is a false statement the model is asked to confirm.
	CaseFalseClaim CaseKind = "false_claim"
)

// FormatVariant selects the structural wrapper around a case's payload.
// The payload itself is byte-identical across variants.
type FormatVariant string

const (
	FormatQA            FormatVariant = "qa"
	FormatHumanAI       FormatVariant = "humanAi"
	FormatUserAssistant FormatVariant = "userAssistant"
	FormatAB            FormatVariant = "ab"
)

// PromptCase is one semantic probe: a harmful request or a false claim,
// paired with the surface configuration it will be rendered under.
// Immutable once constructed.
type PromptCase struct {
	ID           string
	Kind         CaseKind
	Payload      string // the semantic content, never reworded by the harness
	Format       FormatVariant
	SystemPrompt string // empty means no system prompt slot
}

// ConditionTag names one experimental condition (format + system prompt
// combination). It is the key activation snapshots are recorded under.
type ConditionTag string

// Condition describes one cell of an experiment grid.
type Condition struct {
	Tag          ConditionTag
	Format       FormatVariant
	SystemPrompt string
}

// =============================================================================
// BEHAVIOR LABELS
// =============================================================================

// BehaviorLabel is the classifier's verdict on a completion.
type BehaviorLabel string

const (
	LabelComply    BehaviorLabel = "comply"
	LabelRefuse    BehaviorLabel = "refuse"
	LabelLie       BehaviorLabel = "lie"
	LabelTruthful  BehaviorLabel = "truthful"
	LabelAmbiguous BehaviorLabel = "ambiguous"
)

// ValidFor reports whether the label can be produced for the given case kind.
// Ambiguous is valid for both families.
func (l BehaviorLabel) ValidFor(kind CaseKind) bool {
	switch l {
	case LabelAmbiguous:
		return true
	case LabelComply, LabelRefuse:
		return kind == CaseHarmful
	case LabelLie, LabelTruthful:
		return kind == CaseFalseClaim
	}
	return false
}

// =============================================================================
// ACTIVATIONS
// =============================================================================

// PositionPolicy states which token positions an activation snapshot was
// taken over. Vectors under different policies are never compared.
type PositionPolicy string

const (
	// PositionLastToken captures the hidden state at the final prompt token.
	PositionLastToken PositionPolicy = "last_token"
	// PositionResponseMean averages hidden states over the response span.
	PositionResponseMean PositionPolicy = "response_mean"
)

// ActivationVector is one fixed-width hidden-state snapshot.
type ActivationVector struct {
	Layer     int
	Condition ConditionTag
	Policy    PositionPolicy
	Values    []float32
}

// Dim returns the vector's dimensionality.
func (v ActivationVector) Dim() int { return len(v.Values) }

// Clone returns a deep copy. Snapshots handed across goroutine boundaries
// must not alias the source buffer.
func (v ActivationVector) Clone() ActivationVector {
	out := v
	out.Values = make([]float32, len(v.Values))
	copy(out.Values, v.Values)
	return out
}

// SteeringVector is a normalized difference of two same-layer activation
// snapshots. Source and Target name the condition pair it encodes; pushing
// along the vector moves representations from Target toward Source.
type SteeringVector struct {
	Layer  int
	Source ConditionTag
	Target ConditionTag
	Policy PositionPolicy
	Values []float32
}

// Dim returns the vector's dimensionality.
func (v SteeringVector) Dim() int { return len(v.Values) }

// Negated returns the vector encoding the reverse condition pair.
func (v SteeringVector) Negated() SteeringVector {
	out := SteeringVector{
		Layer:  v.Layer,
		Source: v.Target,
		Target: v.Source,
		Policy: v.Policy,
		Values: make([]float32, len(v.Values)),
	}
	for i, x := range v.Values {
		out.Values[i] = -x
	}
	return out
}

// ActivationTrace holds one snapshot per layer for a single forward pass.
// A trace is exclusively owned by the Completion that carries it.
type ActivationTrace struct {
	Policy PositionPolicy
	Layers []ActivationVector // index i holds layer i's snapshot
}

// NumLayers returns the count of layers in the trace.
func (t *ActivationTrace) NumLayers() int { return len(t.Layers) }

// Layer returns the snapshot for the given layer index.
func (t *ActivationTrace) Layer(idx int) (ActivationVector, error) {
	if idx < 0 || idx >= len(t.Layers) {
		return ActivationVector{}, fmt.Errorf("layer %d out of range [0,%d)", idx, len(t.Layers))
	}
	return t.Layers[idx], nil
}

// =============================================================================
// COMPLETIONS
// =============================================================================

// Completion is the result of one generation call: the text the model
// produced for a case plus the activation trace recorded during that call.
// Never mutated after construction.
type Completion struct {
	CaseID    string
	Text      string
	Trace     *ActivationTrace
	Elapsed   time.Duration
	Seed      int64
	CreatedAt time.Time
}

// =============================================================================
// INJECTIONS
// =============================================================================

// InjectionMode selects how an injected vector combines with the layer's
// hidden state.
type InjectionMode string

const (
	InjectAdd        InjectionMode = "add"
	InjectSubtract   InjectionMode = "subtract"
	InjectProjectOut InjectionMode = "project-out"
)

// String returns the mode's wire name.
func (m InjectionMode) String() string { return string(m) }

// Valid reports whether the mode is one of the recognized values.
func (m InjectionMode) Valid() bool {
	switch m {
	case InjectAdd, InjectSubtract, InjectProjectOut:
		return true
	}
	return false
}

// Injection is one (layer, vector, mode) intervention applied during a
// generation call. Scale multiplies the vector before it is combined;
// it is ignored for project-out.
type Injection struct {
	Layer  int
	Vector []float32
	Mode   InjectionMode
	Scale  float64
}

// =============================================================================
// SIGNAL SAMPLES
// =============================================================================

// LayerSignalSample is one point of a transformation curve: how strongly a
// reference direction shows up in a given layer's activation.
type LayerSignalSample struct {
	Layer int
	Score float64 // cosine similarity against the reference direction
}

// =============================================================================
// CIRCUIT MODEL
// =============================================================================

// CircuitKind tags which hypothesized gated circuit a run probes. Both
// circuits share the same two-stage shape (gate signal, then a
// behavior-specific transformation), so the steering and signal machinery
// is shared and only the stage labels differ.
type CircuitKind string

const (
	CircuitRefusal    CircuitKind = "refusal"
	CircuitSycophancy CircuitKind = "sycophancy"
)

// Stages returns the circuit's stage labels in pipeline order: the gate
// input followed by the early and late behavior representations.
func (c CircuitKind) Stages() [3]string {
	switch c {
	case CircuitSycophancy:
		return [3]string{"T", "S1", "S2"}
	default:
		return [3]string{"H", "R1", "R2"}
	}
}

// CaseKind returns the probe family the circuit is measured on.
func (c CircuitKind) CaseKind() CaseKind {
	if c == CircuitSycophancy {
		return CaseFalseClaim
	}
	return CaseHarmful
}

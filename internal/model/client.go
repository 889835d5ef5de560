// Package model wraps the external model collaborator: an activation server
// that exposes text generation, per-layer hidden-state readout, and
// residual-stream injection hooks over HTTP. The harness treats activations
// as opaque fixed-width vectors and never parses them further.
package model

import (
	"context"

	"gatelab/internal/types"
)

// GenerateRequest is one generation call. Injections are applied in order;
// an empty slice is a plain forward pass.
type GenerateRequest struct {
	// CaseID tags the resulting Completion with the probe case that
	// produced it; the server never sees it.
	CaseID       string
	Prompt       string
	Injections   []types.Injection
	Seed         int64 // explicit seed keeps sampled generation reproducible
	MaxNewTokens int
}

// Client is the minimal interface the harness uses to call the model.
// Implementations must return a trace that is exclusively owned by the
// returned Completion: no buffer may alias state a later call overwrites.
type Client interface {
	// Generate produces a completion and the per-layer activation trace
	// recorded during that call.
	Generate(ctx context.Context, req GenerateRequest) (*types.Completion, error)

	// NumLayers reports the model's layer count; valid injection layers
	// are [0, NumLayers).
	NumLayers() int

	// HiddenWidth reports the model's hidden-state dimensionality.
	HiddenWidth() int
}

// Package prompt renders prompt cases into the exact text the model sees.
// The semantic payload passes through byte-identical; only the structural
// wrapper (format tokens) and the system-prompt slot vary between variants.
package prompt

import (
	"fmt"
	"strings"

	"gatelab/internal/types"
)

// formatWrapper holds the turn labels for one format variant. The payload
// is placed between Open and Close unchanged.
type formatWrapper struct {
	Open  string // label before the request
	Close string // label that cues the response
}

var wrappers = map[types.FormatVariant]formatWrapper{
	types.FormatQA:            {Open: "Q: ", Close: "\nA:"},
	types.FormatHumanAI:       {Open: "Human: ", Close: "\nAI:"},
	types.FormatUserAssistant: {Open: "User: ", Close: "\nAssistant:"},
	types.FormatAB:            {Open: "A: ", Close: "\nB:"},
}

// Builder renders prompt cases. Stateless; safe for concurrent use.
type Builder struct{}

// NewBuilder returns a Builder.
func NewBuilder() *Builder { return &Builder{} }

// Build renders the case into model input text. Fails with a configuration
// error for an unknown format variant.
func (b *Builder) Build(pc types.PromptCase) (string, error) {
	w, ok := wrappers[pc.Format]
	if !ok {
		return "", fmt.Errorf("unknown format variant %q: %w", pc.Format, types.ErrConfiguration)
	}

	var sb strings.Builder
	if pc.SystemPrompt != "" {
		sb.WriteString("System: ")
		sb.WriteString(pc.SystemPrompt)
		sb.WriteString("\n\n")
	}
	sb.WriteString(w.Open)
	sb.WriteString(pc.Payload)
	sb.WriteString(w.Close)
	return sb.String(), nil
}

// Variants returns the recognized format variants in stable order.
func Variants() []types.FormatVariant {
	return []types.FormatVariant{
		types.FormatQA,
		types.FormatHumanAI,
		types.FormatUserAssistant,
		types.FormatAB,
	}
}

package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gatelab/internal/config"
	"gatelab/internal/logging"
	"gatelab/internal/types"
)

// HTTPClient implements Client against an activation-server endpoint.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	model       string
	numLayers   int
	hiddenWidth int
	policy      types.PositionPolicy
	maxTokens   int
	httpClient  *http.Client
}

// generateRequest is the wire format for POST /v1/generate.
type generateRequest struct {
	Model        string          `json:"model"`
	Prompt       string          `json:"prompt"`
	MaxNewTokens int             `json:"max_new_tokens"`
	Seed         int64           `json:"seed"`
	Extraction   string          `json:"extraction_policy"`
	Injections   []wireInjection `json:"injections,omitempty"`
}

type wireInjection struct {
	Layer  int       `json:"layer"`
	Mode   string    `json:"mode"`
	Scale  float64   `json:"scale,omitempty"`
	Vector []float32 `json:"vector"`
}

type generateResponse struct {
	Completion string      `json:"completion"`
	Layers     [][]float32 `json:"layers"` // one vector per layer
	Error      string      `json:"error,omitempty"`
}

// NewHTTPClient creates a client from model configuration.
func NewHTTPClient(cfg config.ModelConfig) (*HTTPClient, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid model timeout %q: %w", cfg.Timeout, types.ErrConfiguration)
	}
	return &HTTPClient{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		numLayers:   cfg.NumLayers,
		hiddenWidth: cfg.HiddenWidth,
		policy:      types.PositionPolicy(cfg.ExtractionPolicy),
		maxTokens:   cfg.MaxNewTokens,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// NumLayers reports the configured layer count.
func (c *HTTPClient) NumLayers() int { return c.numLayers }

// HiddenWidth reports the configured hidden-state width.
func (c *HTTPClient) HiddenWidth() int { return c.hiddenWidth }

// Generate runs one forward pass with optional injections and copies the
// per-layer trace out of the response into a fresh Completion.
func (c *HTTPClient) Generate(ctx context.Context, req GenerateRequest) (*types.Completion, error) {
	// Auto-apply timeout if context has no deadline.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	start := time.Now()
	logging.ModelDebug("Generate: prompt_len=%d injections=%d seed=%d", len(req.Prompt), len(req.Injections), req.Seed)

	if err := c.checkInjections(req.Injections); err != nil {
		return nil, err
	}

	maxTokens := req.MaxNewTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	body := generateRequest{
		Model:        c.model,
		Prompt:       req.Prompt,
		MaxNewTokens: maxTokens,
		Seed:         req.Seed,
		Extraction:   string(c.policy),
	}
	for _, inj := range req.Injections {
		body.Injections = append(body.Injections, wireInjection{
			Layer:  inj.Layer,
			Mode:   inj.Mode.String(),
			Scale:  inj.Scale,
			Vector: inj.Vector,
		})
	}

	resp, err := c.post(ctx, "/v1/generate", body)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		logging.Get(logging.CategoryModel).Error("Generate: server error: %s", resp.Error)
		return nil, fmt.Errorf("model server error: %s: %w", resp.Error, types.ErrModel)
	}
	if len(resp.Layers) != c.numLayers {
		return nil, fmt.Errorf("trace has %d layers, expected %d: %w", len(resp.Layers), c.numLayers, types.ErrModel)
	}

	trace := &types.ActivationTrace{
		Policy: c.policy,
		Layers: make([]types.ActivationVector, len(resp.Layers)),
	}
	for i, vals := range resp.Layers {
		if len(vals) != c.hiddenWidth {
			return nil, fmt.Errorf("layer %d activation has width %d, expected %d: %w",
				i, len(vals), c.hiddenWidth, types.ErrModel)
		}
		// Copy out: the trace must not alias the decode buffer.
		copied := make([]float32, len(vals))
		copy(copied, vals)
		trace.Layers[i] = types.ActivationVector{Layer: i, Policy: c.policy, Values: copied}
	}

	elapsed := time.Since(start)
	logging.ModelDebug("Generate: completion_len=%d elapsed=%v", len(resp.Completion), elapsed)

	return &types.Completion{
		CaseID:    req.CaseID,
		Text:      resp.Completion,
		Trace:     trace,
		Elapsed:   elapsed,
		Seed:      req.Seed,
		CreatedAt: time.Now(),
	}, nil
}

// checkInjections rejects malformed interventions before any network call.
func (c *HTTPClient) checkInjections(injections []types.Injection) error {
	for _, inj := range injections {
		if inj.Layer < 0 || inj.Layer >= c.numLayers {
			return fmt.Errorf("injection layer %d out of range [0,%d): %w", inj.Layer, c.numLayers, types.ErrModel)
		}
		if !inj.Mode.Valid() {
			return fmt.Errorf("unknown injection mode %q: %w", inj.Mode, types.ErrModel)
		}
		if len(inj.Vector) != c.hiddenWidth {
			return fmt.Errorf("injection vector at layer %d has width %d, expected %d: %w",
				inj.Layer, len(inj.Vector), c.hiddenWidth, types.ErrModel)
		}
	}
	return nil
}

// post sends one JSON request with retries on transient failures.
func (c *HTTPClient) post(ctx context.Context, path string, body generateRequest) (*generateResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("generation canceled: %w: %w", ctx.Err(), types.ErrModel)
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("generation timed out: %w: %w", ctx.Err(), types.ErrModel)
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server returned %d: %s", resp.StatusCode, truncate(respBody, 200))
			logging.Get(logging.CategoryModel).Warn("transient failure (attempt %d/%d): %v", i+1, maxRetries+1, lastErr)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("server returned %d: %s: %w", resp.StatusCode, truncate(respBody, 200), types.ErrModel)
		}

		var out generateResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w: %w", err, types.ErrModel)
		}
		return &out, nil
	}

	return nil, fmt.Errorf("all retries exhausted: %w: %w", lastErr, types.ErrModel)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

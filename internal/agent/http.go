package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomdev/loom/internal/domain"
)

const defaultHTTPTimeout = 120 * time.Second

// HTTPExecutor invokes agents over a peer service's REST API. Errors are
// plain errors: the engine owns the translation into step state.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates an executor against the agent service at baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPExecutor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	AgentType string         `json:"agent_type"`
	Inputs    map[string]any `json:"inputs"`
}

type executeResponse struct {
	Output               map[string]any `json:"output"`
	Model                string         `json:"model"`
	PromptTokens         int            `json:"prompt_tokens"`
	CompletionTokens     int            `json:"completion_tokens"`
	EstimatedCostCredits float64        `json:"estimated_cost_credits"`
}

// Execute posts the invocation and decodes the agent's result.
func (e *HTTPExecutor) Execute(ctx context.Context, agentType domain.AgentType, inputs map[string]any) (*Result, error) {
	payload, err := json.Marshal(executeRequest{AgentType: string(agentType), Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("agent: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/agents/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent %s: status %d: %s", agentType, resp.StatusCode, body)
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("agent %s: decode response: %w", agentType, err)
	}
	return &Result{
		Output:               out.Output,
		Model:                out.Model,
		PromptTokens:         out.PromptTokens,
		CompletionTokens:     out.CompletionTokens,
		EstimatedCostCredits: out.EstimatedCostCredits,
	}, nil
}

var _ Executor = (*HTTPExecutor)(nil)

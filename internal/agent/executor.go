// Package agent defines the pluggable agent-invocation contract the
// pipeline engine drives. Real agents live behind this interface; the
// mock in this package defines the contract for tests and local runs.
package agent

import (
	"context"

	"github.com/loomdev/loom/internal/domain"
)

// Result is one agent invocation's outcome.
type Result struct {
	Output               map[string]any
	Model                string
	PromptTokens         int
	CompletionTokens     int
	EstimatedCostCredits float64
}

// Executor invokes an agent of the given type with the step's frozen input
// snapshot. Failures are returned as errors; the engine translates them
// into step state, never the executor.
type Executor interface {
	Execute(ctx context.Context, agentType domain.AgentType, inputs map[string]any) (*Result, error)
}

package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomdev/loom/internal/domain"
)

// mockCosts mirrors the MVP estimated-cost table (total 150 credits).
var mockCosts = map[domain.AgentType]float64{
	domain.AgentArchitect: 25,
	domain.AgentPM:        25,
	domain.AgentEngineer:  60,
	domain.AgentQA:        40,
}

// mockOutputs are the canned per-agent outputs the mock produces.
var mockOutputs = map[domain.AgentType]map[string]any{
	domain.AgentArchitect: {
		"analysis":   "Requirement analyzed: REST API with CRUD endpoints.",
		"components": []any{"api", "storage", "auth"},
	},
	domain.AgentPM: {
		"user_stories": []any{
			"As a user I can create a resource",
			"As a user I can list resources",
		},
	},
	domain.AgentEngineer: {
		"files": []any{
			map[string]any{"path": "main.go", "content": "package main\n"},
			map[string]any{"path": "handler.go", "content": "package main\n"},
		},
	},
	domain.AgentQA: {
		"test_cases": []any{
			map[string]any{"name": "create resource returns 201"},
			map[string]any{"name": "missing field returns 400"},
		},
	},
}

// MockExecutor is a deterministic Executor for tests and local runs. Calls
// are recorded, and failures can be injected per agent type with a
// bounded count.
type MockExecutor struct {
	mu sync.Mutex

	// Calls records every invocation in order.
	Calls []MockCall

	failuresLeft map[domain.AgentType]int
	failErr      error
}

// MockCall is one recorded invocation.
type MockCall struct {
	AgentType domain.AgentType
	Inputs    map[string]any
}

// NewMock creates a MockExecutor that always succeeds.
func NewMock() *MockExecutor {
	return &MockExecutor{failuresLeft: map[domain.AgentType]int{}}
}

// FailNext makes the next n invocations of agentType return err.
// n < 0 means fail forever.
func (m *MockExecutor) FailNext(agentType domain.AgentType, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failuresLeft[agentType] = n
	m.failErr = err
}

// CallCount returns the number of invocations for an agent type.
func (m *MockExecutor) CallCount(agentType domain.AgentType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.Calls {
		if c.AgentType == agentType {
			count++
		}
	}
	return count
}

// Execute returns the canned result for the agent type, honoring injected
// failures first.
func (m *MockExecutor) Execute(ctx context.Context, agentType domain.AgentType, inputs map[string]any) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{AgentType: agentType, Inputs: inputs})
	left, pending := m.failuresLeft[agentType]
	if pending && left != 0 {
		if left > 0 {
			m.failuresLeft[agentType] = left - 1
		}
		err := m.failErr
		m.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("mock agent %s: injected failure", agentType)
		}
		return nil, err
	}
	m.mu.Unlock()

	output, ok := mockOutputs[agentType]
	if !ok {
		return nil, fmt.Errorf("mock agent: unknown agent type %q", agentType)
	}

	return &Result{
		Output:               output,
		Model:                "mock-model-1",
		PromptTokens:         420,
		CompletionTokens:     980,
		EstimatedCostCredits: mockCosts[agentType],
	}, nil
}

var _ Executor = (*MockExecutor)(nil)

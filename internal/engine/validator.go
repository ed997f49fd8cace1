package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomdev/loom/internal/billing"
	"github.com/loomdev/loom/internal/domain"
)

// DefaultStepCosts is the per-agent estimated cost table in credits.
var DefaultStepCosts = map[domain.AgentType]float64{
	domain.AgentArchitect: 25,
	domain.AgentPM:        25,
	domain.AgentEngineer:  60,
	domain.AgentQA:        40,
}

// Validator performs the pre-flight credit check before a pipeline run.
type Validator struct {
	uow    domain.UnitOfWork
	biller Biller
	costs  map[domain.AgentType]float64
}

// NewValidator creates a validator. A nil cost table selects the default.
func NewValidator(uow domain.UnitOfWork, biller Biller, costs map[domain.AgentType]float64) *Validator {
	if costs == nil {
		costs = DefaultStepCosts
	}
	return &Validator{uow: uow, biller: biller, costs: costs}
}

// Validation is the pre-flight result.
type Validation struct {
	Eligible       bool    `json:"eligible"`
	EstimatedCost  float64 `json:"estimated_cost"`
	CurrentBalance float64 `json:"current_balance"`
	Reason         string  `json:"reason,omitempty"`
}

// Validate checks that the task exists for the tenant and that the
// tenant's balance covers the estimated pipeline cost. Task lookups are
// tenant-scoped, so a foreign task reads as absent.
func (v *Validator) Validate(ctx context.Context, taskID, tenantID string) (*Validation, error) {
	err := v.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		task, err := r.Tasks.Get(ctx, taskID, tenantID)
		if err != nil {
			return err
		}
		if task == nil {
			return domain.Ef(domain.CodeTaskNotFound, "task %s not found", taskID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	estimated := 0.0
	for _, spec := range domain.Steps {
		estimated += v.costs[spec.Agent]
	}

	bal, err := v.biller.GetBalance(ctx, tenantID)
	switch {
	case err == nil:
	case errors.Is(err, billing.ErrServiceUnavailable):
		return nil, domain.E(domain.CodeBillingUnavailable, "billing service unavailable")
	default:
		return nil, domain.Ef(domain.CodeBalanceCheckFailed, "balance check failed: %v", err)
	}

	out := &Validation{
		Eligible:       bal.Balance >= estimated,
		EstimatedCost:  estimated,
		CurrentBalance: bal.Balance,
	}
	if !out.Eligible {
		out.Reason = fmt.Sprintf("Insufficient credits. Required: %s, Available: %s",
			billing.FormatAmount(estimated), billing.FormatAmount(bal.Balance))
	}
	return out, nil
}

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomdev/loom/internal/billing"
	"github.com/loomdev/loom/internal/domain"
)

// refundWindow bounds automatic compensation after a step completes.
const refundWindow = 15 * time.Minute

// Compensator refunds credits for recently completed steps. Refunds are
// best-effort: billing failures are reported in the result and logged for
// manual review, never surfaced as errors.
type Compensator struct {
	uow    domain.UnitOfWork
	biller Biller
	logger *slog.Logger
	now    func() time.Time
}

// NewCompensator creates a compensator.
func NewCompensator(uow domain.UnitOfWork, biller Biller, logger *slog.Logger) *Compensator {
	return &Compensator{uow: uow, biller: biller, logger: logger, now: time.Now}
}

// Compensation is the outcome of a refund attempt.
type Compensation struct {
	Refunded      bool   `json:"refunded"`
	Message       string `json:"message,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Compensate refunds the latest agent run of a step when the step
// completed within the refund window.
func (c *Compensator) Compensate(ctx context.Context, tenantID, stepRunID, reason string) (*Compensation, error) {
	var (
		step     *domain.PipelineStepRun
		agentRun *domain.AgentRun
	)
	err := c.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		step, err = r.Pipelines.GetStep(ctx, stepRunID, tenantID)
		if err != nil {
			return err
		}
		if step == nil {
			return domain.Ef(domain.CodeStepRunNotFound, "step run %s not found", stepRunID)
		}
		agentRun, err = r.AgentRuns.LatestForStep(ctx, stepRunID)
		if err != nil {
			return err
		}
		if agentRun == nil {
			return domain.Ef(domain.CodeNoAgentRunsFound, "step run %s has no agent runs", stepRunID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if step.CompletedAt == nil || c.now().Sub(*step.CompletedAt) > refundWindow {
		return &Compensation{Refunded: false, Message: "Outside automatic refund window"}, nil
	}

	amount := billing.FormatAmount(agentRun.ActualCostCredits)
	tx, err := c.biller.RefundCredits(ctx, billing.ConsumeRequest{
		TenantID:       tenantID,
		Amount:         amount,
		IdempotencyKey: refundKey(step.PipelineRunID, step.ID),
		ReferenceType:  "pipeline_step",
		ReferenceID:    step.ID,
		Metadata: map[string]any{
			"original_step_run_id": step.ID,
			"pipeline_run_id":      step.PipelineRunID,
			"reason":               reason,
			"original_amount":      amount,
		},
	})
	if err != nil {
		c.logger.Warn("credit compensation failed",
			"step_run_id", stepRunID,
			"amount", amount,
			"error", err,
		)
		return &Compensation{Refunded: false, Message: err.Error()}, nil
	}
	return &Compensation{Refunded: true, TransactionID: tx.TransactionID}, nil
}

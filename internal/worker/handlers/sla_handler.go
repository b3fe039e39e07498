package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"complianceflow/internal/worker/tasks"
	"complianceflow/internal/workflow"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// SlaSweeper SLA 巡检抽象，便于注入 mock
type SlaSweeper interface {
	SweepSla(ctx context.Context, tenantID string) (workflow.SweepResult, error)
}

type SlaHandler struct {
	sweeper SlaSweeper
	logger  *zap.Logger
}

func NewSlaHandler(sweeper SlaSweeper, logger *zap.Logger) *SlaHandler {
	return &SlaHandler{
		sweeper: sweeper,
		logger:  logger,
	}
}

func (h *SlaHandler) HandleSlaSweep(ctx context.Context, t *asynq.Task) error {
	var p tasks.SlaSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
		}
	}

	result, err := h.sweeper.SweepSla(ctx, p.TenantID)
	if err != nil {
		h.logger.Error("SLA 巡检任务失败",
			zap.String("tenant_id", p.TenantID),
			zap.Error(err),
		)
		return err
	}

	h.logger.Debug("SLA 巡检任务完成",
		zap.String("tenant_id", p.TenantID),
		zap.Int("scanned", result.Scanned),
		zap.Int("escalated", result.Escalated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return nil
}

package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/gaigenticai/regulens-access/internal/rbac"
)

// ApprovalExpiryJob sweeps pending approval requests past their TTL. The
// engine decides whether the policy is active; the job only triggers it.
type ApprovalExpiryJob struct {
	engine *rbac.Engine
	logger *slog.Logger
}

// NewApprovalExpiryJob constructs the sweep job.
func NewApprovalExpiryJob(engine *rbac.Engine, logger *slog.Logger) *ApprovalExpiryJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalExpiryJob{engine: engine, logger: logger}
}

// Handle processes TaskApprovalExpirySweep tasks.
func (j *ApprovalExpiryJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ApprovalExpiryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	expired, err := j.engine.ExpirePending(ctx)
	if err != nil {
		j.logger.Error("approval expiry sweep", slog.Any("error", err))
		return err
	}
	if len(expired) > 0 {
		j.logger.Info("approval requests expired", slog.Int("count", len(expired)))
	}
	return nil
}

package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskApprovalExpirySweep marks pending approval requests past the
	// configured TTL as expired.
	TaskApprovalExpirySweep = "approval:expire"
)

// ApprovalExpiryPayload carries the sweep trigger metadata.
type ApprovalExpiryPayload struct {
	RequestedAt time.Time `json:"requested_at"`
}

// NewApprovalExpiryTask constructs an Asynq task for the expiry sweep.
func NewApprovalExpiryTask() (*asynq.Task, error) {
	data, err := json.Marshal(ApprovalExpiryPayload{RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskApprovalExpirySweep, data), nil
}

package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/tradebook/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity verifies the ledger and stock logs against derived state.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskBalanceRefresh regenerates cached balances and committed quantities.
	TaskBalanceRefresh = "balances:refresh"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// IntegrityPayload scopes an integrity run.
type IntegrityPayload struct {
	SkipStock bool `json:"skip_stock"`
}

// RefreshPayload configures a refresh run.
type RefreshPayload struct {
	// KeyRetentionHours purges idempotency keys older than this; zero keeps them.
	KeyRetentionHours int `json:"key_retention_hours"`
}

// NewIntegrityTask constructs an Asynq task for the integrity check.
func NewIntegrityTask(payload IntegrityPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// NewRefreshTask constructs an Asynq task for cached balance regeneration.
func NewRefreshTask(payload RefreshPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBalanceRefresh, body, asynq.Queue(QueueDefault)), nil
}

func decode(task *asynq.Task, dest any) error {
	if len(task.Payload()) == 0 {
		return nil
	}
	return json.Unmarshal(task.Payload(), dest)
}

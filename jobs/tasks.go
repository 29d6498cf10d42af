package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInvoiceStatusResync re-derives delivery note invoice statuses
	// from the sale order lines.
	TaskInvoiceStatusResync = "dn:invoice_status_resync"
	// TaskDetailLinesSweep re-runs the detail-line reconciliation across
	// open delivery notes.
	TaskDetailLinesSweep = "dn:detail_lines_sweep"
)

// MaintenancePayload carries scheduling metadata for the nightly sweeps.
type MaintenancePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewInvoiceStatusResyncTask constructs an Asynq task for the status resync.
func NewInvoiceStatusResyncTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(MaintenancePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceStatusResync, body, asynq.Queue(QueueDefault)), nil
}

// NewDetailLinesSweepTask constructs an Asynq task for the detail-line sweep.
func NewDetailLinesSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(MaintenancePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDetailLinesSweep, body, asynq.Queue(QueueDefault)), nil
}

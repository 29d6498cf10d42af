package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cadenza-erp/cadenza-erp/internal/deliverynote"
)

// InvoiceStatusResyncJob re-derives line and note invoice statuses for open
// delivery notes. It closes the gap between invoices posted on the sales
// side and the statuses the notes last observed.
type InvoiceStatusResyncJob struct {
	Notes  *deliverynote.Service
	Logger *slog.Logger
}

// NewInvoiceStatusResyncJob wires dependencies for the resync handler.
func NewInvoiceStatusResyncJob(notes *deliverynote.Service, logger *slog.Logger) *InvoiceStatusResyncJob {
	return &InvoiceStatusResyncJob{Notes: notes, Logger: logger}
}

// Handle processes TaskInvoiceStatusResync tasks.
func (j *InvoiceStatusResyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Notes == nil {
		return errors.New("invoice status resync: handler not configured")
	}
	var payload MaintenancePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	started := time.Now()
	if err := j.Notes.ResyncOpenNotes(ctx); err != nil {
		j.Logger.Error("invoice status resync failed", slog.Any("error", err))
		return err
	}
	j.Logger.Info("invoice status resync completed",
		slog.Duration("elapsed", time.Since(started)))
	return nil
}

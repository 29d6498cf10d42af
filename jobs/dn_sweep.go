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

// DetailLinesSweepJob re-runs the detail-line reconciliation over open
// delivery notes. The reconciliation is idempotent, so a sweep that finds
// nothing to do leaves the notes untouched.
type DetailLinesSweepJob struct {
	Notes  *deliverynote.Service
	Logger *slog.Logger
}

// NewDetailLinesSweepJob wires dependencies for the sweep handler.
func NewDetailLinesSweepJob(notes *deliverynote.Service, logger *slog.Logger) *DetailLinesSweepJob {
	return &DetailLinesSweepJob{Notes: notes, Logger: logger}
}

// Handle processes TaskDetailLinesSweep tasks.
func (j *DetailLinesSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Notes == nil {
		return errors.New("detail lines sweep: handler not configured")
	}
	var payload MaintenancePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	started := time.Now()
	if err := j.Notes.SweepDetailLines(ctx); err != nil {
		j.Logger.Error("detail lines sweep failed", slog.Any("error", err))
		return err
	}
	j.Logger.Info("detail lines sweep completed",
		slog.Duration("elapsed", time.Since(started)))
	return nil
}

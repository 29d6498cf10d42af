package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadenza-erp/cadenza-erp/internal/deliverynote"
	"github.com/cadenza-erp/cadenza-erp/internal/platform/httpx"
	"github.com/cadenza-erp/cadenza-erp/internal/withholding"
	"github.com/cadenza-erp/cadenza-erp/jobs"
	"github.com/cadenza-erp/cadenza-erp/report"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	DeliveryNoteHandler *deliverynote.Handler
	WithholdingHandler  *withholding.Handler
	ReportHandler       *report.Handler
	Jobs                *jobs.Client
	Pool                *pgxpool.Pool
}

// NewRouter constructs the chi.Router with Cadenza defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Pool != nil {
			if err := params.Pool.Ping(req.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(api chi.Router) {
		if params.DeliveryNoteHandler != nil {
			api.Route("/delivery-notes", params.DeliveryNoteHandler.MountRoutes)
		}
		if params.WithholdingHandler != nil {
			api.Route("/withholding", params.WithholdingHandler.MountRoutes)
		}
		if params.ReportHandler != nil {
			api.Route("/reports", params.ReportHandler.MountRoutes)
		}
		if params.Jobs != nil {
			api.Post("/admin/maintenance/{task}", maintenanceHandler(params.Logger, params.Jobs))
		}
	})

	return r
}

// maintenanceHandler enqueues the nightly maintenance jobs on demand.
func maintenanceHandler(logger *slog.Logger, client *jobs.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var task *asynq.Task
		var err error
		now := time.Now().UTC()
		switch chi.URLParam(r, "task") {
		case "invoice-status-resync":
			task, err = jobs.NewInvoiceStatusResyncTask(now)
		case "detail-lines-sweep":
			task, err = jobs.NewDetailLinesSweepTask(now)
		default:
			httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown maintenance task")
			return
		}
		if err != nil {
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		info, err := client.Enqueue(r.Context(), task)
		if err != nil {
			logger.Error("enqueue maintenance task", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "")
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID})
	}
}

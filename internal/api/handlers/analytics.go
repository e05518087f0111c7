package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"creditengine/internal/analytics"
	"creditengine/internal/core"
	"creditengine/internal/db"
	"creditengine/internal/scheduler"
)

// AnalyticsHandler serves the reporting endpoints.
type AnalyticsHandler struct {
	svc    *analytics.Service
	sched  SchedulerStatus
	logger *slog.Logger
}

// NewAnalyticsHandler creates an AnalyticsHandler.
func NewAnalyticsHandler(svc *analytics.Service, sched SchedulerStatus, logger *slog.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{svc: svc, sched: sched, logger: logger}
}

// Routes mounts the analytics endpoints.
func (h *AnalyticsHandler) Routes(r chi.Router) {
	r.Get("/credit-schedules/{scheduleID}/analytics", h.ForSchedule)
	r.Get("/credit-schedules/{scheduleID}/analytics/export", h.Export)
	r.Get("/analytics/top-schedules", h.TopSchedules)
	r.Get("/dashboard", h.Dashboard)
}

// windowDays reads the optional ?days= query parameter.
func windowDays(r *http.Request) int {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	return days
}

// ForSchedule handles GET /credit-schedules/{scheduleID}/analytics.
func (h *AnalyticsHandler) ForSchedule(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.ForSchedule(r.Context(), chi.URLParam(r, "scheduleID"), windowDays(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// Export handles GET /credit-schedules/{scheduleID}/analytics/export,
// streaming the execution history as gzip NDJSON. The download headers are
// deferred until the first body byte so a pre-stream failure (unknown
// schedule, query error) still gets a JSON error response.
func (h *AnalyticsHandler) Export(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")

	dw := &downloadWriter{w: w, scheduleID: scheduleID}
	if err := h.svc.ExportNDJSON(r.Context(), scheduleID, windowDays(r), dw); err != nil {
		if !dw.wrote {
			core.Error(w, r, err)
			return
		}
		// Headers are already on the wire; log instead of writing a
		// second, corrupted body.
		h.logger.ErrorContext(r.Context(), "analytics export failed",
			"schedule_id", scheduleID, "error", err)
	}
}

// downloadWriter sets the gzip NDJSON download headers on first write.
type downloadWriter struct {
	w          http.ResponseWriter
	scheduleID string
	wrote      bool
}

func (d *downloadWriter) Write(p []byte) (int, error) {
	if !d.wrote {
		d.wrote = true
		h := d.w.Header()
		h.Set("Content-Type", "application/x-ndjson")
		h.Set("Content-Encoding", "gzip")
		h.Set("Content-Disposition",
			`attachment; filename="executions-`+d.scheduleID+`.ndjson.gz"`)
	}
	return d.w.Write(p)
}

// TopSchedules handles GET /analytics/top-schedules.
func (h *AnalyticsHandler) TopSchedules(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rankings, err := h.svc.TopSchedules(r.Context(), windowDays(r), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: rankings})
}

// DashboardResponse pairs the system-wide rollup with the loop's live
// status so one call drives the operations view.
type DashboardResponse struct {
	Summary   db.DashboardSummary `json:"summary"`
	Scheduler *scheduler.Status   `json:"scheduler"`
}

// Dashboard handles GET /dashboard.
func (h *AnalyticsHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Dashboard(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	status, err := h.sched.Status(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: DashboardResponse{
		Summary:   *summary,
		Scheduler: status,
	}})
}

// Package handlers implements the admin HTTP surface of the credit
// scheduling engine. Handlers stay thin: decode, struct-tag validate,
// delegate to a service, write the standard envelope.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"creditengine/internal/core"
	"creditengine/internal/schedule"
	"creditengine/internal/scheduler"
	"creditengine/internal/types"
)

// ScheduleHandler serves the schedule store endpoints.
type ScheduleHandler struct {
	svc       *schedule.Service
	sched     SchedulerStatus
	validator *core.Validator
	logger    *slog.Logger
}

// NewScheduleHandler creates a ScheduleHandler.
func NewScheduleHandler(svc *schedule.Service, sched SchedulerStatus, validator *core.Validator, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{svc: svc, sched: sched, validator: validator, logger: logger}
}

// Routes mounts the schedule endpoints under /credit-schedules.
func (h *ScheduleHandler) Routes(r chi.Router) {
	r.Route("/credit-schedules", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/templates", h.Templates)
		r.Post("/from-template", h.CreateFromTemplate)
		r.Post("/quick-setup", h.QuickSetup)

		r.Route("/{scheduleID}", func(r chi.Router) {
			r.Get("/", h.Details)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/toggle", h.Toggle)
		})
	})
}

// Create handles POST /credit-schedules.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.CreateScheduleRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sched, err := h.svc.Create(r.Context(), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: sched})
}

// List handles GET /credit-schedules with page, page_size, and status query
// parameters.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.ScheduleListFilter{
		Status: types.ScheduleStatusFilter(q.Get("status")),
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	items, pageInfo, err := h.svc.List(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if items == nil {
		items = []types.CreditSchedule{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: items, Meta: &pageInfo})
}

// scheduleDetailsResponse adds the loop's live status to the schedule read
// model.
type scheduleDetailsResponse struct {
	*schedule.Details
	Scheduler *scheduler.Status `json:"scheduler"`
}

// Details handles GET /credit-schedules/{scheduleID}.
func (h *ScheduleHandler) Details(w http.ResponseWriter, r *http.Request) {
	details, err := h.svc.Details(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	status, err := h.sched.Status(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: scheduleDetailsResponse{
		Details:   details,
		Scheduler: status,
	}})
}

// Update handles PUT /credit-schedules/{scheduleID}.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch types.UpdateScheduleRequest
	if err := core.DecodeJSON(w, r, &patch); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(patch); err != nil {
		core.Error(w, r, err)
		return
	}

	sched, err := h.svc.Update(r.Context(), chi.URLParam(r, "scheduleID"), patch)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sched})
}

// Delete handles DELETE /credit-schedules/{scheduleID}.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "scheduleID")); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Toggle handles POST /credit-schedules/{scheduleID}/toggle.
func (h *ScheduleHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	sched, err := h.svc.Toggle(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sched})
}

// Templates handles GET /credit-schedules/templates.
func (h *ScheduleHandler) Templates(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: schedule.Templates()})
}

// createFromTemplateRequest is the body for POST /from-template.
type createFromTemplateRequest struct {
	Template  string     `json:"template" validate:"required"`
	StartDate *time.Time `json:"start_date,omitempty"`
}

// CreateFromTemplate handles POST /credit-schedules/from-template.
func (h *ScheduleHandler) CreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req createFromTemplateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sched, err := h.svc.CreateFromTemplate(r.Context(), req.Template, req.StartDate)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: sched})
}

// QuickSetup handles POST /credit-schedules/quick-setup.
func (h *ScheduleHandler) QuickSetup(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.QuickSetup(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: result})
}

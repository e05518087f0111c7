package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"creditengine/internal/core"
	"creditengine/internal/scheduler"
)

// SchedulerStatus is the slice of the loop that read-model handlers compose
// into their responses; *scheduler.Loop satisfies it.
type SchedulerStatus interface {
	Status(ctx context.Context) (*scheduler.Status, error)
}

// SchedulerHandler serves the scheduler lifecycle endpoints and execute-now.
type SchedulerHandler struct {
	loop   *scheduler.Loop
	logger *slog.Logger
}

// NewSchedulerHandler creates a SchedulerHandler.
func NewSchedulerHandler(loop *scheduler.Loop, logger *slog.Logger) *SchedulerHandler {
	return &SchedulerHandler{loop: loop, logger: logger}
}

// Routes mounts the scheduler endpoints.
func (h *SchedulerHandler) Routes(r chi.Router) {
	r.Route("/scheduler", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/stop", h.Stop)
		r.Get("/status", h.Status)
	})
	r.Post("/credit-schedules/{scheduleID}/execute", h.ExecuteNow)
}

// Start handles POST /scheduler/start.
func (h *SchedulerHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.loop.Start(r.Context()); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{
		"state": string(h.loop.StateNow()),
	}})
}

// Stop handles POST /scheduler/stop. The in-flight tick is allowed to
// finish before the response is written.
func (h *SchedulerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.loop.Stop(r.Context()); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{
		"state": string(h.loop.StateNow()),
	}})
}

// Status handles GET /scheduler/status.
func (h *SchedulerHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.loop.Status(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: status})
}

// ExecuteNow handles POST /credit-schedules/{scheduleID}/execute. The run
// completes synchronously; the response carries the terminal execution.
func (h *SchedulerHandler) ExecuteNow(w http.ResponseWriter, r *http.Request) {
	exec, err := h.loop.ExecuteNow(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: exec})
}

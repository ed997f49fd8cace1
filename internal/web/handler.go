// Package web exposes the HTTP and websocket surface of the pipeline
// service. Handlers translate between the JSON API and the workflow and
// engine use cases; all state logic lives below this layer.
package web

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomdev/loom/internal/auth"
	"github.com/loomdev/loom/internal/engine"
	"github.com/loomdev/loom/internal/events"
	"github.com/loomdev/loom/internal/jobs"
	"github.com/loomdev/loom/internal/metrics"
	"github.com/loomdev/loom/internal/workflow"
)

// Handler bundles the API dependencies.
type Handler struct {
	workflows   *workflow.Service
	validator   *engine.Validator
	compensator *engine.Compensator
	runner      *jobs.Runner
	hub         *events.Hub
	verifier    *auth.Verifier
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
}

// New creates the API handler.
func New(workflows *workflow.Service, validator *engine.Validator, compensator *engine.Compensator,
	runner *jobs.Runner, hub *events.Hub, verifier *auth.Verifier, m *metrics.Metrics,
	gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	return &Handler{
		workflows:   workflows,
		validator:   validator,
		compensator: compensator,
		runner:      runner,
		hub:         hub,
		verifier:    verifier,
		metrics:     m,
		gatherer:    gatherer,
		logger:      logger,
	}
}

// Routes builds the router. The websocket endpoint sits outside the
// request logger so the connection can be hijacked.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", h.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(h.logger))
		r.Use(h.requireAuth)

		r.Post("/projects", h.createProject)
		r.Get("/projects/{id}", h.getProject)
		r.Post("/projects/{id}/archive", h.archiveProject)
		r.Post("/projects/{id}/tasks", h.createTask)

		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/queue", h.queueTask)
		r.Post("/tasks/{id}/export", h.startExport)
		r.Post("/tasks/{id}/git-sync", h.startGitSync)
		r.Get("/exports/{id}", h.getExport)
		r.Get("/git-syncs/{id}", h.getGitSync)

		r.Route("/pipeline", func(r chi.Router) {
			r.Post("/tasks/{id}/validate", h.validateTask)
			r.Post("/tasks/{id}/run", h.runTask)
			r.Get("/pipelines", h.listPipelines)
			r.Get("/{runID}", h.getPipeline)
			r.Post("/{runID}/cancel", h.cancelPipeline)
			r.Post("/{runID}/resume", h.resumePipeline)
			r.Post("/{runID}/replay", h.replayPipeline)
			r.Get("/{runID}/steps/{stepID}", h.getStep)
		})

		r.Get("/artifacts/{id}", h.getArtifact)
		r.Post("/artifacts/{id}/approve", h.approveArtifact)
		r.Post("/artifacts/{id}/reject", h.rejectArtifact)
		r.Post("/artifacts/{id}/archive", h.archiveArtifact)

		r.Post("/steps/{id}/compensate", h.compensateStep)
	})

	return r
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	body, err := decode[struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	project, err := h.workflows.CreateProject(r.Context(), id.TenantID, id.UserID, body.Name, body.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	project, err := h.workflows.GetProject(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *Handler) archiveProject(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	project, err := h.workflows.ArchiveProject(r.Context(), id.TenantID, id.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	body, err := decode[struct {
		Name      string         `json:"name"`
		InputSpec map[string]any `json:"input_spec"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := h.workflows.CreateTask(r.Context(), id.TenantID, id.UserID, chi.URLParam(r, "id"), body.Name, body.InputSpec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	task, err := h.workflows.GetTask(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) queueTask(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	task, err := h.workflows.QueueTask(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) validateTask(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	out, err := h.validator.Validate(r.Context(), chi.URLParam(r, "id"), id.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// runTask validates eligibility and then queues the task. Ineligibility
// is a 400 carrying the validator's reason.
func (h *Handler) runTask(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	taskID := chi.URLParam(r, "id")

	validation, err := h.validator.Validate(r.Context(), taskID, id.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !validation.Eligible {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
			Code:    "INSUFFICIENT_CREDIT",
			Message: validation.Reason,
		}})
		return
	}
	task, err := h.workflows.QueueTask(r.Context(), id.TenantID, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (h *Handler) listPipelines(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	q := r.URL.Query()
	out, err := h.workflows.ListPipelines(r.Context(), id.TenantID, q.Get("status"),
		intParam(q.Get("limit")), intParam(q.Get("offset")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getPipeline(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	out, err := h.workflows.GetPipeline(r.Context(), id.TenantID, chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) cancelPipeline(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	body, err := decode[struct {
		Reason string `json:"reason"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.workflows.CancelPipeline(r.Context(), id.TenantID, id.UserID, chi.URLParam(r, "runID"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) resumePipeline(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	run, err := h.workflows.ResumePipeline(r.Context(), id.TenantID, id.UserID, chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) replayPipeline(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	body, err := decode[struct {
		FromStepID                string `json:"from_step_id"`
		PreserveApprovedArtifacts bool   `json:"preserve_approved_artifacts"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.workflows.ReplayPipeline(r.Context(), id.TenantID, id.UserID,
		chi.URLParam(r, "runID"), body.FromStepID, body.PreserveApprovedArtifacts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getStep(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	out, err := h.workflows.GetStep(r.Context(), id.TenantID, chi.URLParam(r, "runID"), chi.URLParam(r, "stepID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getArtifact(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	art, err := h.workflows.GetArtifact(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (h *Handler) approveArtifact(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	out, err := h.workflows.ApproveArtifact(r.Context(), id.TenantID, id.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) rejectArtifact(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	body, err := decode[struct {
		Feedback   string `json:"feedback"`
		Regenerate bool   `json:"regenerate"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.workflows.RejectArtifact(r.Context(), id.TenantID, id.UserID,
		chi.URLParam(r, "id"), body.Feedback, body.Regenerate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) archiveArtifact(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	art, err := h.workflows.ArchiveArtifact(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (h *Handler) compensateStep(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	body, err := decode[struct {
		Reason string `json:"reason"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.compensator.Compensate(r.Context(), id.TenantID, chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) startExport(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	job, err := h.runner.StartExport(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) getExport(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	job, err := h.runner.GetExport(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) startGitSync(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	body, err := decode[struct {
		RepoURL string `json:"repo_url"`
		Branch  string `json:"branch"`
	}](r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := h.runner.StartGitSync(r.Context(), id.TenantID, chi.URLParam(r, "id"), body.RepoURL, body.Branch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) getGitSync(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	job, err := h.runner.GetGitSync(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func intParam(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

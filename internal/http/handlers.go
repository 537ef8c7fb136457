package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/bootstrap"
	"github.com/fyrsmithlabs/phasegate/internal/defects"
	"github.com/fyrsmithlabs/phasegate/internal/estimation"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
)

// SubmitResponse is the response body for POST /api/v1/tasks.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// CancelRequest is the request body for POST /api/v1/tasks/:id/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// DecisionRequest is the request body for POST /api/v1/approvals/:id/decision.
type DecisionRequest struct {
	Decision      string `json:"decision"`
	Reviewer      string `json:"reviewer"`
	Justification string `json:"justification"`
}

// TaskList is the response body for GET /api/v1/tasks.
type TaskList struct {
	Tasks []orchestrator.Task `json:"tasks"`
}

// RecordList is the response body for GET /api/v1/tasks/:id/records.
type RecordList struct {
	TaskID  string                  `json:"task_id"`
	Records []stage.ExecutionRecord `json:"records"`
	Usage   stage.Usage             `json:"usage"`
}

// ApprovalList is the response body for GET /api/v1/approvals.
type ApprovalList struct {
	Requests []approval.Request `json:"requests"`
}

// DensityResponse is the response body for GET /api/v1/defects/density/:task_id.
type DensityResponse struct {
	TaskID        string  `json:"task_id"`
	DefectDensity float64 `json:"defect_density"`
}

// YieldResponse is the response body for GET /api/v1/defects/yield/:phase.
type YieldResponse struct {
	Phase stage.Phase `json:"phase"`
	Yield float64     `json:"yield"`
}

// BootstrapResponse is the response body for GET /api/v1/bootstrap.
type BootstrapResponse struct {
	Capabilities []bootstrap.Metric `json:"capabilities"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Error     string                  `json:"error,omitempty"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.tel != nil {
		h := s.tel()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	if s.health != nil {
		if err := s.health(c.Request().Context()); err != nil {
			resp.Status, resp.Error = "unavailable", err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req orchestrator.Submission
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.pipeline.Submit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/tasks/"+id)
	return c.JSON(http.StatusCreated, SubmitResponse{TaskID: id})
}

func (s *Server) handleListTasks(c echo.Context) error {
	var f orchestrator.TaskFilter
	if raw := c.QueryParam("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, orchestrator.Status(strings.TrimSpace(st)))
		}
	}
	tasks, err := s.pipeline.Tasks(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []orchestrator.Task{}
	}
	return c.JSON(http.StatusOK, TaskList{Tasks: tasks})
}

func (s *Server) handleStatus(c echo.Context) error {
	t, err := s.pipeline.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleAdvance(c echo.Context) error {
	out, err := s.pipeline.Advance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCancel(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	t, err := s.pipeline.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleRecords(c echo.Context) error {
	id := c.Param("id")
	records, err := s.pipeline.Records(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if records == nil {
		records = []stage.ExecutionRecord{}
	}
	return c.JSON(http.StatusOK, RecordList{TaskID: id, Records: records, Usage: stage.TotalUsage(records)})
}

func (s *Server) handleListApprovals(c echo.Context) error {
	reqs, err := s.pipeline.ListPendingApprovals(c.Request().Context())
	if err != nil {
		return err
	}
	if reqs == nil {
		reqs = []approval.Request{}
	}
	return c.JSON(http.StatusOK, ApprovalList{Requests: reqs})
}

func (s *Server) handleDecision(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	verdict, err := approval.ParseVerdict(req.Decision)
	if err != nil {
		return err
	}
	r, err := s.pipeline.Decide(c.Request().Context(), c.Param("id"), verdict, req.Reviewer, req.Justification)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleDensity(c echo.Context) error {
	id := c.Param("task_id")
	d, err := s.pipeline.DefectDensity(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DensityResponse{TaskID: id, DefectDensity: d})
}

func (s *Server) handleYield(c echo.Context) error {
	phase := stage.Phase(c.Param("phase"))
	if !phase.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown phase "+string(phase))
	}
	y, err := s.pipeline.PhaseYield(c.Request().Context(), phase)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, YieldResponse{Phase: phase, Yield: y})
}

func (s *Server) handleAccuracy(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pipeline.Accuracy())
}

func (s *Server) handleBootstrap(c echo.Context) error {
	metrics, err := s.pipeline.Bootstrap(c.Request().Context())
	if err != nil {
		return err
	}
	if metrics == nil {
		metrics = []bootstrap.Metric{}
	}
	return c.JSON(http.StatusOK, BootstrapResponse{Capabilities: metrics})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var invalid *orchestrator.InvalidTaskError
	switch {
	case errors.As(err, &invalid),
		errors.Is(err, approval.ErrEmptyJustification),
		errors.Is(err, approval.ErrInvalidDecision),
		errors.Is(err, estimation.ErrInvalidUnit):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrTaskNotFound),
		errors.Is(err, approval.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrTaskExists),
		errors.Is(err, orchestrator.ErrTaskTerminal),
		errors.Is(err, approval.ErrDuplicateDecision):
		return http.StatusConflict
	case errors.Is(err, defects.ErrNotComputable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		_ = c.JSON(he.Code, ErrorResponse{Error: msg})
		return
	}

	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		msg = http.StatusText(code)
	}
	_ = c.JSON(code, ErrorResponse{Error: msg})
}

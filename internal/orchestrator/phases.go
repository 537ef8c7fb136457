package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/bootstrap"
	"github.com/fyrsmithlabs/phasegate/internal/defects"
	"github.com/fyrsmithlabs/phasegate/internal/estimation"
	"github.com/fyrsmithlabs/phasegate/internal/events"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/repair"
	"github.com/fyrsmithlabs/phasegate/internal/review"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

// Bootstrap summary metric names.
const (
	MetricComplexityMAPE = "complexity_mape"
	MetricDefectDensity  = "defect_density"
	MetricFirstPassYield = "first_pass_yield"
	MetricCost           = "cost"
)

func (o *Orchestrator) input(t *Task, phase stage.Phase) stage.Input {
	artifacts := make(map[stage.Phase]json.RawMessage, len(t.Artifacts))
	for k, v := range t.Artifacts {
		artifacts[k] = v
	}
	return stage.Input{
		TaskID:       t.ID,
		Phase:        phase,
		Description:  t.Description,
		Requirements: t.Requirements,
		Scope:        stage.ScopeFull,
		Artifacts:    artifacts,
		Feedback:     t.Feedback,
	}
}

// runGeneration runs a non-review phase through the repair engine.
func (o *Orchestrator) runGeneration(ctx context.Context, t *Task) (*PhaseOutcome, error) {
	phase := t.CurrentPhase
	out := &PhaseOutcome{TaskID: t.ID, From: phase}

	exec, err := o.registry.Executor(phase)
	if err != nil {
		return o.failPhase(ctx, t, out, "executor not configured", err)
	}

	start := time.Now()
	res, err := o.generate.Run(ctx, exec, o.input(t, phase), validatorFor(phase))
	o.metrics.PhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		var exhausted *repair.ExhaustedError
		if errors.As(err, &exhausted) {
			out.Attempts = exhausted.Attempts
		}
		return o.failPhase(ctx, t, out, "executor failed", err)
	}
	out.Attempts = res.Attempts

	switch phase {
	case stage.PhasePlan:
		units, err := parsePlan(res.Artifact)
		if err != nil {
			return o.failPhase(ctx, t, out, "plan is invalid", err)
		}
		t.Units = units
		t.EstimatedComplexity = estimation.Estimate(units)
	case stage.PhaseRetrospective:
		observed, err := parseRetrospective(res.Artifact)
		if err != nil {
			return o.failPhase(ctx, t, out, "retrospective is invalid", err)
		}
		t.ObservedUnits = observed
	}

	t.Artifacts[phase] = res.Artifact
	t.Feedback = nil
	return o.advancePhase(ctx, t, out)
}

// runReview fans out to the phase's reviewers and applies the gate verdict.
func (o *Orchestrator) runReview(ctx context.Context, t *Task) (*PhaseOutcome, error) {
	phase := t.CurrentPhase
	out := &PhaseOutcome{TaskID: t.ID, From: phase}

	specialists := o.config.Specialists[phase]
	if len(specialists) == 0 {
		specialists = o.registry.Reviewers()
	}

	start := time.Now()
	report, err := o.fanout.Run(ctx, phase, o.input(t, phase), specialists)
	o.metrics.PhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if report != nil {
		for _, d := range report.Degraded {
			o.events.Emit(ctx, events.Event{
				Type:   events.ReviewerDegraded,
				TaskID: t.ID,
				Phase:  string(phase),
			}.WithData(d))
		}
	}
	switch {
	case errors.Is(err, review.ErrReviewFailed):
		t.LastReport = report
		out.Report = report
		return o.escalate(ctx, t, out, GateTypeReviewDegraded, report)
	case err != nil:
		return o.failPhase(ctx, t, out, "review could not run", err)
	}

	t.LastReport = report
	out.Report = report
	verdict := gate.Decide(o.config.Policy(), t.ID, report, t.RetryCounts[phase])
	out.Action = string(verdict.Action)
	o.metrics.verdict(string(phase), string(verdict.Action))
	o.logger.Info(ctx, "quality gate verdict",
		zap.String("status", string(report.OverallStatus)),
		zap.String("action", string(verdict.Action)),
		zap.Int("critical", report.CriticalCount),
		zap.Int("high", report.HighCount),
		zap.Int("retry_count", t.RetryCounts[phase]),
	)

	for _, d := range verdict.Defects {
		if _, err := o.ledger.Record(ctx, d); err != nil {
			o.logger.Error(ctx, "failed to record review defect", zap.Error(err))
		}
	}

	switch verdict.Action {
	case gate.ActionContinue:
		artifact, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("encode review report: %w", err)
		}
		t.Artifacts[phase] = artifact
		t.Feedback = nil
		return o.advancePhase(ctx, t, out)

	case gate.ActionLocalRetry:
		t.RetryCounts[phase]++
		t.CurrentPhase = verdict.RetryPhase
		t.Feedback = report.Feedback()
		out.To = t.CurrentPhase
		out.Status = t.Status
		if err := o.save(ctx, t); err != nil {
			return nil, err
		}
		o.metrics.transition(string(phase), "retried")
		o.recordTransition(ctx, t, phase, stage.TransitionRetried, stage.OutcomeSuccess)
		o.logger.Info(ctx, "rewinding to originating phase", zap.String("to", string(t.CurrentPhase)))
		o.emitTransition(ctx, t, phase, verdict)
		return out, nil

	default:
		return o.escalate(ctx, t, out, GateTypeQuality, report)
	}
}

// escalate persists an approval request and suspends t.
func (o *Orchestrator) escalate(ctx context.Context, t *Task, out *PhaseOutcome, gateType string, report *review.Report) (*PhaseOutcome, error) {
	id, err := o.approvals.Request(ctx, t.ID, gateType, report)
	if err != nil {
		return nil, fmt.Errorf("request approval: %w", err)
	}
	o.metrics.approval("requested")

	t.Status = StatusSuspended
	t.PendingRequestID = id
	out.To = t.CurrentPhase
	out.Status = t.Status
	out.RequestID = id
	if out.Action == "" {
		out.Action = string(gate.ActionEscalate)
	}
	if err := o.save(ctx, t); err != nil {
		return nil, err
	}
	o.metrics.transition(string(t.CurrentPhase), "suspended")
	o.metrics.TasksSuspended.Inc()
	o.recordTransition(ctx, t, t.CurrentPhase, stage.TransitionSuspended, stage.OutcomeSuccess)
	o.logger.Info(ctx, "task suspended for approval",
		zap.String("request_id", id),
		zap.String("gate_type", gateType),
	)
	o.events.Emit(ctx, events.Event{
		Type:   events.TaskSuspended,
		TaskID: t.ID,
		Phase:  string(t.CurrentPhase),
		To:     string(StatusSuspended),
	}.WithData(map[string]string{"request_id": id, "gate_type": gateType}))
	return out, nil
}

// resume re-checks the approval request of a suspended task.
func (o *Orchestrator) resume(ctx context.Context, t *Task) (*PhaseOutcome, error) {
	out := &PhaseOutcome{TaskID: t.ID, From: t.CurrentPhase, To: t.CurrentPhase, RequestID: t.PendingRequestID}

	req, err := o.approvals.Get(ctx, t.PendingRequestID)
	if err != nil {
		return nil, fmt.Errorf("load approval request: %w", err)
	}
	if req.Status.Open() && req.Due(o.now().UTC()) {
		if _, err := o.approvals.Expire(ctx, req.ID); err != nil && !errors.Is(err, approval.ErrDuplicateDecision) {
			return nil, fmt.Errorf("expire approval request: %w", err)
		}
		if req, err = o.approvals.Get(ctx, req.ID); err != nil {
			return nil, fmt.Errorf("load approval request: %w", err)
		}
		if req.Status == approval.StatusExpired {
			o.metrics.approval(string(approval.StatusExpired))
		}
	}

	switch req.Status {
	case approval.StatusPending, approval.StatusDeferred:
		out.Status = StatusSuspended
		out.Waiting = true
		return out, nil

	case approval.StatusApproved:
		o.metrics.TasksSuspended.Dec()
		t.Status = StatusRunning
		t.PendingRequestID = ""
		if t.LastReport != nil {
			if artifact, err := json.Marshal(t.LastReport); err == nil {
				t.Artifacts[t.CurrentPhase] = artifact
			}
		}
		t.Feedback = nil
		out.Action = "approved"
		o.logger.Info(ctx, "task resumed after approval", zap.String("request_id", req.ID))
		o.events.Emit(ctx, events.Event{
			Type:   events.TaskResumed,
			TaskID: t.ID,
			Phase:  string(t.CurrentPhase),
			From:   string(StatusSuspended),
			To:     string(StatusRunning),
		})
		phase := t.CurrentPhase
		res, err := o.advancePhase(ctx, t, out)
		if err != nil {
			return nil, err
		}
		o.recordTransition(ctx, t, phase, stage.TransitionApproved, stage.OutcomeSuccess)
		return res, nil

	default:
		o.metrics.TasksSuspended.Dec()
		out.Action = string(req.Status)
		o.fail(ctx, t, &TerminalReport{
			Phase:         t.CurrentPhase,
			Reason:        "approval " + string(req.Status),
			RequestID:     req.ID,
			QualityReport: t.LastReport,
		})
		out.Status = t.Status
		if err := o.save(ctx, t); err != nil {
			return nil, err
		}
		o.metrics.transition(string(t.CurrentPhase), "failed")
		o.recordTransition(ctx, t, t.CurrentPhase, string(req.Status), stage.OutcomeFailure)
		o.emitTerminal(ctx, t)
		return out, nil
	}
}

// advancePhase moves t past its current phase and saves it. Leaving
// Retrospective completes the task.
func (o *Orchestrator) advancePhase(ctx context.Context, t *Task, out *PhaseOutcome) (*PhaseOutcome, error) {
	from := t.CurrentPhase
	next, err := from.Next()
	if err != nil {
		return nil, err
	}
	t.CurrentPhase = next
	if next == stage.PhaseCompleted {
		o.finalize(ctx, t)
	}
	out.To = next
	out.Status = t.Status
	if err := o.save(ctx, t); err != nil {
		return nil, err
	}

	o.metrics.transition(string(from), "advanced")
	o.logger.Info(ctx, "phase completed", zap.String("to", string(next)), zap.Int("attempts", out.Attempts))
	o.emitTransition(ctx, t, from, map[string]any{"attempts": out.Attempts, "action": out.Action})
	if t.Status == StatusCompleted {
		o.emitTerminal(ctx, t)
	}
	return out, nil
}

// failPhase fails t at its current phase with cause and saves it.
func (o *Orchestrator) failPhase(ctx context.Context, t *Task, out *PhaseOutcome, reason string, cause error) (*PhaseOutcome, error) {
	o.fail(ctx, t, &TerminalReport{
		Phase:         t.CurrentPhase,
		Reason:        reason,
		Error:         cause.Error(),
		QualityReport: t.LastReport,
	})
	out.To = t.CurrentPhase
	out.Status = t.Status
	if err := o.save(ctx, t); err != nil {
		return nil, err
	}
	o.metrics.transition(string(t.CurrentPhase), "failed")
	o.emitTerminal(ctx, t)
	return out, nil
}

// finalize computes the completion summary and feeds the trackers.
// Recording failures are logged; they never fail a finished task.
func (o *Orchestrator) finalize(ctx context.Context, t *Task) {
	t.Status = StatusCompleted
	t.ActualComplexity = t.EstimatedComplexity
	if len(t.ObservedUnits) > 0 {
		t.ActualComplexity = estimation.Estimate(t.ObservedUnits)
	}

	records, err := o.records.ListRecords(ctx, t.ID)
	if err != nil {
		o.logger.Error(ctx, "failed to load execution records", zap.Error(err))
	}
	usage := stage.TotalUsage(records)

	obs := estimation.Observation{
		TaskID:    t.ID,
		Estimated: o.config.Rates.Project(t.EstimatedComplexity),
		Actual: estimation.Measures{
			Complexity: t.ActualComplexity,
			Latency:    usage.Latency,
			Tokens:     float64(usage.Tokens()),
			Cost:       usage.Cost,
		},
	}
	o.accuracy.Observe(obs)

	summary := &Summary{
		Estimated: obs.Estimated,
		Actual:    obs.Actual,
		Accuracy:  o.accuracy.TaskMAPE(obs),
	}
	metrics := map[string]float64{MetricCost: usage.Cost}
	if summary.Accuracy.Computable {
		if v, ok := summary.Accuracy.PerDimension[estimation.DimensionComplexity]; ok {
			metrics[MetricComplexityMAPE] = v
		}
	}

	if list, err := o.ledger.List(ctx, defects.Filter{TaskID: t.ID}); err == nil {
		summary.DefectCount = len(list)
	}
	density, err := o.ledger.Density(ctx, t.ID, t.ActualComplexity)
	switch {
	case err == nil:
		summary.DefectDensity = &density
		metrics[MetricDefectDensity] = density
	case !errors.Is(err, defects.ErrNotComputable):
		o.logger.Error(ctx, "failed to compute defect density", zap.Error(err))
	}
	fpy, err := o.ledger.FirstPassYield(ctx, t.ID)
	if err != nil {
		o.logger.Error(ctx, "failed to compute first pass yield", zap.Error(err))
	} else {
		summary.FirstPassYield = fpy
		metrics[MetricFirstPassYield] = fpy
	}

	if o.tracker != nil && t.Capability != "" {
		report, err := o.tracker.Observe(ctx, bootstrap.Summary{
			TaskID:      t.ID,
			Capability:  t.Capability,
			Metrics:     metrics,
			CompletedAt: o.now().UTC(),
		})
		switch {
		case err == nil:
			summary.Bootstrap = report
		case errors.Is(err, bootstrap.ErrUnknownCapability):
		default:
			o.logger.Error(ctx, "failed to update bootstrap metric", zap.Error(err))
		}
	}

	t.Summary = summary
	o.metrics.finished(StatusCompleted)
	o.metrics.CostTotal.Add(usage.Cost)
	o.metrics.TokensTotal.Add(float64(usage.Tokens()))
	o.logger.Info(ctx, "task completed",
		zap.Float64("estimated_complexity", t.EstimatedComplexity),
		zap.Float64("actual_complexity", t.ActualComplexity),
		zap.Float64("cost", usage.Cost),
		zap.String("estimate_quality", string(summary.Accuracy.Quality)),
	)
}

// dispatchReviewer runs one specialist through the review repair engine.
func (o *Orchestrator) dispatchReviewer(ctx context.Context, specialist string, in stage.Input) (json.RawMessage, error) {
	exec, err := o.registry.Reviewer(specialist)
	if err != nil {
		return nil, err
	}
	res, err := o.reviews.Run(ctx, exec, in, review.ValidateArtifact)
	if err != nil {
		return nil, err
	}
	return res.Artifact, nil
}

type planArtifact struct {
	Units []estimation.SemanticUnit `json:"units"`
}

type retrospectiveArtifact struct {
	ObservedUnits []estimation.SemanticUnit `json:"observed_units"`
}

func validatorFor(phase stage.Phase) repair.Validator {
	switch phase {
	case stage.PhasePlan:
		return func(raw json.RawMessage) error {
			_, err := parsePlan(raw)
			return err
		}
	case stage.PhaseRetrospective:
		return func(raw json.RawMessage) error {
			_, err := parseRetrospective(raw)
			return err
		}
	default:
		return validateObject
	}
}

// parsePlan decodes and validates a Plan artifact. A plan must carry at
// least one unit and its dependencies must form a DAG.
func parsePlan(raw json.RawMessage) ([]estimation.SemanticUnit, error) {
	var plan planArtifact
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, &stage.StructuralValidationError{Reason: "plan is not a JSON object", Output: raw, Err: err}
	}
	if len(plan.Units) == 0 {
		return nil, &stage.StructuralValidationError{Reason: "plan has no units", Output: raw}
	}
	units := normalizeUnits(plan.Units)
	if err := estimation.ValidateUnits(units); err != nil {
		return nil, &stage.StructuralValidationError{Reason: "plan units are invalid", Output: raw, Err: err}
	}
	return units, nil
}

func parseRetrospective(raw json.RawMessage) ([]estimation.SemanticUnit, error) {
	var retro retrospectiveArtifact
	if err := json.Unmarshal(raw, &retro); err != nil {
		return nil, &stage.StructuralValidationError{Reason: "retrospective is not a JSON object", Output: raw, Err: err}
	}
	units := normalizeUnits(retro.ObservedUnits)
	if err := estimation.ValidateUnits(units); err != nil {
		return nil, &stage.StructuralValidationError{Reason: "observed units are invalid", Output: raw, Err: err}
	}
	return units, nil
}

func validateObject(raw json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return &stage.StructuralValidationError{Reason: "artifact is not a JSON object", Output: raw, Err: err}
	}
	return nil
}

// normalizeUnits defaults an omitted novelty multiplier to 1.0.
func normalizeUnits(units []estimation.SemanticUnit) []estimation.SemanticUnit {
	if len(units) == 0 {
		return units
	}
	out := make([]estimation.SemanticUnit, len(units))
	for i, u := range units {
		if u.NoveltyMultiplier == 0 {
			u.NoveltyMultiplier = 1.0
		}
		out[i] = u
	}
	return out
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/bootstrap"
	"github.com/fyrsmithlabs/phasegate/internal/defects"
	"github.com/fyrsmithlabs/phasegate/internal/estimation"
	"github.com/fyrsmithlabs/phasegate/internal/events"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/repair"
	"github.com/fyrsmithlabs/phasegate/internal/review"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

const instrumentationName = "github.com/fyrsmithlabs/phasegate/internal/orchestrator"

const maxTaskIDLength = 128

// Deps are the collaborators an Orchestrator drives. Tasks, Records,
// Registry, Ledger and Approvals are required.
type Deps struct {
	Tasks     TaskStore
	Records   stage.RecordStore
	Registry  *stage.Registry
	Ledger    *defects.Ledger
	Approvals *approval.Gateway
	Bootstrap *bootstrap.Tracker
	Accuracy  *estimation.Tracker
	Events    *events.Emitter
}

// PhaseOutcome describes what one Advance call did.
type PhaseOutcome struct {
	TaskID    string         `json:"task_id"`
	From      stage.Phase    `json:"from"`
	To        stage.Phase    `json:"to"`
	Status    Status         `json:"status"`
	Action    string         `json:"action,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	Report    *review.Report `json:"report,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	// Waiting is set when a suspended task's request is still open.
	Waiting bool `json:"waiting,omitempty"`
}

// DecisionHook runs after a decision is recorded.
type DecisionHook func(ctx context.Context, r approval.Request)

// Orchestrator owns the phase state machine.
type Orchestrator struct {
	config    Config
	tasks     TaskStore
	records   stage.RecordStore
	registry  *stage.Registry
	ledger    *defects.Ledger
	approvals *approval.Gateway
	tracker   *bootstrap.Tracker
	accuracy  *estimation.Tracker
	events    *events.Emitter

	generate *repair.Engine
	reviews  *repair.Engine
	fanout   *review.FanOut

	hooks   []DecisionHook
	locks   *taskLocks
	metrics *Metrics
	logger  *logging.Logger
	tp      trace.TracerProvider
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithTracerProvider traces advances, review fan-outs and repair runs
// through tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		o.tp = tp
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithDecisionHook registers a hook run after every recorded decision.
func WithDecisionHook(h DecisionHook) Option {
	return func(o *Orchestrator) {
		o.hooks = append(o.hooks, h)
	}
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	switch {
	case deps.Tasks == nil:
		return nil, errors.New("task store is required")
	case deps.Records == nil:
		return nil, errors.New("record store is required")
	case deps.Registry == nil:
		return nil, errors.New("executor registry is required")
	case deps.Ledger == nil:
		return nil, errors.New("defect ledger is required")
	case deps.Approvals == nil:
		return nil, errors.New("approval gateway is required")
	}

	o := &Orchestrator{
		config:    cfg,
		tasks:     deps.Tasks,
		records:   deps.Records,
		registry:  deps.Registry,
		ledger:    deps.Ledger,
		approvals: deps.Approvals,
		tracker:   deps.Bootstrap,
		accuracy:  deps.Accuracy,
		events:    deps.Events,
		locks:     newTaskLocks(),
		metrics:   NewMetrics(),
		logger:    logging.Nop(),
		tp:        otel.GetTracerProvider(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.tracer = o.tp.Tracer(instrumentationName)
	if o.accuracy == nil {
		o.accuracy = estimation.NewTracker(cfg.Bands)
	}
	if o.events == nil {
		o.events = events.NewEmitter(nil, o.logger)
	}

	engineOpts := []repair.Option{
		repair.WithDefectRecorder(o.ledger),
		repair.WithLogger(o.logger.Named("repair")),
		repair.WithClock(o.now),
		repair.WithTracerProvider(o.tp),
	}
	var err error
	if o.generate, err = repair.NewEngine(cfg.engineConfig(cfg.StageTimeout), o.records, engineOpts...); err != nil {
		return nil, err
	}
	if o.reviews, err = repair.NewEngine(cfg.engineConfig(cfg.ReviewerTimeout), o.records, engineOpts...); err != nil {
		return nil, err
	}
	o.fanout, err = review.NewFanOut(review.DispatchFunc(o.dispatchReviewer), cfg.Review,
		review.WithLogger(o.logger.Named("review")),
		review.WithTracerProvider(o.tp))
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Submission is the caller-supplied part of a task.
type Submission struct {
	ID           string                    `json:"task_id"`
	Description  string                    `json:"description"`
	Requirements []string                  `json:"requirements"`
	Capability   string                    `json:"capability,omitempty"`
	Units        []estimation.SemanticUnit `json:"units,omitempty"`
}

// Submit validates and stores a new Pending task at the Plan phase.
func (o *Orchestrator) Submit(ctx context.Context, s Submission) (string, error) {
	if err := validateSubmission(&s); err != nil {
		return "", err
	}

	capability := s.Capability
	if capability == "" {
		capability = o.config.DefaultCapability
	}
	now := o.now().UTC()
	t := Task{
		ID:                  s.ID,
		Description:         s.Description,
		Requirements:        s.Requirements,
		Capability:          capability,
		Units:               s.Units,
		Status:              StatusPending,
		CurrentPhase:        stage.PhasePlan,
		EstimatedComplexity: estimation.Estimate(s.Units),
		Artifacts:           map[stage.Phase]json.RawMessage{},
		RetryCounts:         map[stage.Phase]int{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if o.tracker != nil && capability != "" {
		m, err := o.tracker.Current(ctx, capability)
		switch {
		case err == nil:
			t.BootstrapMode = m.Mode
		case errors.Is(err, bootstrap.ErrUnknownCapability):
			o.logger.Debug(ctx, "task capability is not tracked", zap.String("capability", capability))
		default:
			return "", err
		}
	}

	if err := o.tasks.CreateTask(ctx, t); err != nil {
		return "", err
	}
	ctx = logging.WithTaskID(ctx, t.ID)
	o.logger.Info(ctx, "task submitted",
		zap.Int("requirements", len(t.Requirements)),
		zap.Int("units", len(t.Units)),
		zap.Float64("estimated_complexity", t.EstimatedComplexity),
	)
	o.events.Emit(ctx, events.Event{
		Type:   events.TaskSubmitted,
		TaskID: t.ID,
		Phase:  string(t.CurrentPhase),
	})
	return t.ID, nil
}

func validateSubmission(s *Submission) error {
	s.ID = strings.TrimSpace(s.ID)
	switch {
	case s.ID == "":
		return &InvalidTaskError{Reason: "task_id is required"}
	case len(s.ID) > maxTaskIDLength:
		return &InvalidTaskError{TaskID: s.ID[:maxTaskIDLength], Reason: "task_id is too long"}
	case strings.IndexFunc(s.ID, unicode.IsSpace) >= 0:
		return &InvalidTaskError{TaskID: s.ID, Reason: "task_id cannot contain whitespace"}
	}

	var reqs []string
	for _, r := range s.Requirements {
		if r = strings.TrimSpace(r); r != "" {
			reqs = append(reqs, r)
		}
	}
	if len(reqs) == 0 {
		return &InvalidTaskError{TaskID: s.ID, Reason: "requirements are empty"}
	}
	s.Requirements = reqs

	s.Units = normalizeUnits(s.Units)
	if err := estimation.ValidateUnits(s.Units); err != nil {
		return &InvalidTaskError{TaskID: s.ID, Reason: "semantic units are invalid", Err: err}
	}
	return nil
}

// Advance drives exactly one phase transition. On a Suspended task it
// re-checks the approval request instead of running a stage. If ctx is
// cancelled mid-phase the task is left as it was.
func (o *Orchestrator) Advance(ctx context.Context, id string) (*PhaseOutcome, error) {
	unlock := o.locks.lock(id)
	defer unlock()

	t, err := o.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, t.Status)
	}

	ctx = logging.WithPhase(logging.WithTaskID(ctx, id), string(t.CurrentPhase))
	ctx, span := o.tracer.Start(ctx, "orchestrator.advance", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("task.phase", string(t.CurrentPhase)),
		attribute.String("task.status", string(t.Status)),
	))
	defer span.End()

	var out *PhaseOutcome
	switch {
	case t.Status == StatusSuspended:
		out, err = o.resume(ctx, &t)
	case t.CurrentPhase.IsReview():
		t.Status = StatusRunning
		out, err = o.runReview(ctx, &t)
	default:
		t.Status = StatusRunning
		out, err = o.runGeneration(ctx, &t)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("outcome.to", string(out.To)),
		attribute.String("outcome.status", string(out.Status)),
	)
	return out, nil
}

// Cancel fails a task between phases. An open approval request is
// withdrawn. Cancel waits for an in-flight Advance of the same task.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (Task, error) {
	unlock := o.locks.lock(id)
	defer unlock()

	t, err := o.tasks.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if t.Status.Terminal() {
		return Task{}, fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, t.Status)
	}
	ctx = logging.WithTaskID(ctx, id)

	if t.PendingRequestID != "" {
		if err := o.approvals.Withdraw(ctx, t.PendingRequestID); err != nil && !errors.Is(err, approval.ErrDuplicateDecision) {
			return Task{}, fmt.Errorf("withdraw approval request: %w", err)
		}
	}
	if reason == "" {
		reason = "cancelled"
	}
	wasSuspended := t.Status == StatusSuspended
	o.fail(ctx, &t, &TerminalReport{
		Phase:         t.CurrentPhase,
		Reason:        reason,
		RequestID:     t.PendingRequestID,
		QualityReport: t.LastReport,
	})
	if err := o.save(ctx, &t); err != nil {
		return Task{}, err
	}
	if wasSuspended {
		o.metrics.TasksSuspended.Dec()
	}
	o.recordTransition(ctx, &t, t.CurrentPhase, stage.TransitionCancelled, stage.OutcomeFailure)
	o.emitTerminal(ctx, &t)
	return t, nil
}

// Status returns the task.
func (o *Orchestrator) Status(ctx context.Context, id string) (Task, error) {
	return o.tasks.GetTask(ctx, id)
}

// Tasks lists tasks matching f.
func (o *Orchestrator) Tasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	return o.tasks.ListTasks(ctx, f)
}

// Records returns a task's execution history.
func (o *Orchestrator) Records(ctx context.Context, id string) ([]stage.ExecutionRecord, error) {
	if _, err := o.tasks.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return o.records.ListRecords(ctx, id)
}

// ListPendingApprovals returns open approval requests, oldest first.
func (o *Orchestrator) ListPendingApprovals(ctx context.Context) ([]approval.Request, error) {
	return o.approvals.ListPending(ctx)
}

// Decide records an approval decision. The owning task picks it up on its
// next Advance; decision hooks can trigger that Advance.
func (o *Orchestrator) Decide(ctx context.Context, requestID string, verdict approval.Verdict, reviewer, justification string) (approval.Request, error) {
	r, err := o.approvals.Decide(ctx, requestID, verdict, reviewer, justification)
	if err != nil {
		return approval.Request{}, err
	}
	o.metrics.approval(string(r.Status))
	ctx = logging.WithTaskID(ctx, r.TaskID)
	for _, h := range o.hooks {
		h(ctx, r)
	}
	return r, nil
}

// ExpireDue expires every overdue approval request. Owning tasks fail on
// their next Advance.
func (o *Orchestrator) ExpireDue(ctx context.Context) ([]approval.Request, error) {
	expired, err := o.approvals.ExpireDue(ctx)
	for _, r := range expired {
		o.metrics.approval(string(approval.StatusExpired))
		for _, h := range o.hooks {
			h(logging.WithTaskID(ctx, r.TaskID), r)
		}
	}
	return expired, err
}

// DefectDensity returns defects per point of the task's actual complexity.
func (o *Orchestrator) DefectDensity(ctx context.Context, id string) (float64, error) {
	t, err := o.tasks.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}
	return o.ledger.Density(ctx, id, t.ActualComplexity)
}

// PhaseYield returns the yield of phase across every task.
func (o *Orchestrator) PhaseYield(ctx context.Context, phase stage.Phase) (float64, error) {
	return o.ledger.PhaseYield(ctx, phase, defects.Filter{})
}

// Accuracy returns the estimation accuracy across completed tasks.
func (o *Orchestrator) Accuracy() estimation.AccuracyReport {
	return o.accuracy.Report()
}

// Bootstrap returns every tracked capability's metric.
func (o *Orchestrator) Bootstrap(ctx context.Context) ([]bootstrap.Metric, error) {
	if o.tracker == nil {
		return nil, nil
	}
	return o.tracker.Snapshot(ctx)
}

func (o *Orchestrator) save(ctx context.Context, t *Task) error {
	t.UpdatedAt = o.now().UTC()
	if err := o.tasks.UpdateTask(ctx, *t); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// recordTransition appends a zero-usage record for a transition that ran no
// executor. Append failures are logged; the saved task is authoritative.
func (o *Orchestrator) recordTransition(ctx context.Context, t *Task, phase stage.Phase, kind string, outcome stage.Outcome) {
	rec := stage.ExecutionRecord{
		ID:         uuid.NewString(),
		TaskID:     t.ID,
		Phase:      phase,
		Executor:   stage.TransitionExecutor,
		Outcome:    outcome,
		Transition: kind,
		Timestamp:  o.now().UTC(),
	}
	if err := o.records.AppendRecord(ctx, rec); err != nil {
		o.logger.Error(ctx, "failed to append transition record", zap.String("transition", kind), zap.Error(err))
	}
}

// fail moves t to Failed with report. The caller saves.
func (o *Orchestrator) fail(ctx context.Context, t *Task, report *TerminalReport) {
	t.Status = StatusFailed
	t.Terminal = report
	t.PendingRequestID = ""
	o.metrics.finished(StatusFailed)
	o.logger.Warn(ctx, "task failed",
		zap.String("phase", string(report.Phase)),
		zap.String("reason", report.Reason),
		zap.String("error", report.Error),
	)
}

func (o *Orchestrator) emitTerminal(ctx context.Context, t *Task) {
	e := events.Event{TaskID: t.ID, Phase: string(t.CurrentPhase), To: string(t.Status)}
	switch t.Status {
	case StatusCompleted:
		e.Type = events.TaskCompleted
		e = e.WithData(t.Summary)
	case StatusFailed:
		e.Type = events.TaskFailed
		e = e.WithData(t.Terminal)
	default:
		return
	}
	o.events.Emit(ctx, e)
}

func (o *Orchestrator) emitTransition(ctx context.Context, t *Task, from stage.Phase, data any) {
	o.events.Emit(ctx, events.Event{
		Type:   events.PhaseTransition,
		TaskID: t.ID,
		Phase:  string(from),
		From:   string(from),
		To:     string(t.CurrentPhase),
	}.WithData(data))
}

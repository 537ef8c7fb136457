// Package repair wraps executor calls with bounded recovery.
//
// A structurally invalid response is first run through a local transform
// chosen by its defect class. If no transform applies or the repaired output
// still fails validation, the executor is asked again with an incremental
// scope. Transient failures retry with the same scope after a backoff. Fatal
// failures and caller cancellation stop immediately. Every executor call
// appends exactly one ExecutionRecord, so a single Run never produces more
// than MaxAttempts records.
package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/defects"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

const instrumentationName = "github.com/fyrsmithlabs/phasegate/internal/repair"

// maxDefectDescription truncates error text stored on exhaustion defects.
const maxDefectDescription = 512

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Timeout     time.Duration `koanf:"timeout"`
	Backoff     time.Duration `koanf:"backoff"`
}

// DefaultConfig returns two attempts with a two minute call timeout.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 2,
		Timeout:     2 * time.Minute,
		Backoff:     500 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.Timeout < 0 || c.Backoff < 0 {
		return errors.New("timeout and backoff cannot be negative")
	}
	return nil
}

// Validator checks a decoded artifact. Errors are treated as structural.
type Validator func(artifact json.RawMessage) error

// DefectRecorder receives defects for exhausted invocations.
type DefectRecorder interface {
	Record(ctx context.Context, d defects.Defect) (string, error)
}

// Outcome is a successful Run.
type Outcome struct {
	Artifact    json.RawMessage
	Usage       stage.Usage
	Attempts    int
	Repaired    bool
	RepairClass DefectClass
}

// ExhaustedError reports a Run that used every attempt. Both the first and
// the last error are preserved.
type ExhaustedError struct {
	Phase    stage.Phase
	Executor string
	Attempts int
	Original error
	Final    error
}

func (e *ExhaustedError) Error() string {
	if e.Original == e.Final {
		return fmt.Sprintf("%s: %s failed after %d attempts: %v", e.Phase, e.Executor, e.Attempts, e.Final)
	}
	return fmt.Sprintf("%s: %s failed after %d attempts: %v (first error: %v)",
		e.Phase, e.Executor, e.Attempts, e.Final, e.Original)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{e.Final, e.Original}
}

// Engine runs executors with bounded repair and retry.
type Engine struct {
	config  Config
	records stage.RecordStore
	defects DefectRecorder
	logger  *logging.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefectRecorder logs a defect whenever a Run is exhausted.
func WithDefectRecorder(r DefectRecorder) Option {
	return func(e *Engine) {
		e.defects = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithTracerProvider traces repair.run spans through tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(instrumentationName)
	}
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine that appends records to records.
func NewEngine(cfg Config, records stage.RecordStore, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid repair config: %w", err)
	}
	if records == nil {
		return nil, errors.New("record store is required")
	}
	e := &Engine{
		config:  cfg,
		records: records,
		logger:  logging.Nop(),
		tracer:  otel.Tracer(instrumentationName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run invokes exec until it yields a valid artifact or attempts run out.
func (e *Engine) Run(ctx context.Context, exec stage.Executor, in stage.Input, validate Validator) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "repair.run", trace.WithAttributes(
		attribute.String("phase", string(in.Phase)),
		attribute.String("executor", exec.Identity()),
	))
	defer span.End()

	if in.Scope == "" {
		in.Scope = stage.ScopeFull
	}

	var (
		total    stage.Usage
		original error
		last     error
	)
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if attempt > 1 && stage.Classify(last) == stage.ClassTransient {
			if err := e.backoff(ctx); err != nil {
				break
			}
		}

		in.Attempt = attempt
		res, elapsed, err := stage.Invoke(ctx, exec, in, e.config.Timeout)
		usage := stage.Usage{Latency: elapsed}
		if res != nil {
			usage = res.Usage
			err = check(validate, res.Artifact)
		}
		total = total.Add(usage)

		if err == nil {
			if rerr := e.record(ctx, exec, in, usage, stage.OutcomeSuccess, nil); rerr != nil {
				return nil, rerr
			}
			span.SetAttributes(attribute.Int("attempts", attempt), attribute.String("outcome", string(stage.OutcomeSuccess)))
			return &Outcome{Artifact: res.Artifact, Usage: total, Attempts: attempt}, nil
		}

		if original == nil {
			original = err
		}
		last = err
		class := stage.Classify(err)

		if class == stage.ClassStructural {
			if fixed, dc, ok := localRepair(err, validate); ok {
				if rerr := e.record(ctx, exec, in, usage, stage.OutcomeRepairedSuccess, err); rerr != nil {
					return nil, rerr
				}
				e.logger.Info(ctx, "executor output repaired locally",
					zap.String("executor", exec.Identity()),
					zap.String("defect_class", string(dc)),
					zap.Int("attempt", attempt),
				)
				span.SetAttributes(attribute.Int("attempts", attempt), attribute.String("outcome", string(stage.OutcomeRepairedSuccess)))
				return &Outcome{Artifact: fixed, Usage: total, Attempts: attempt, Repaired: true, RepairClass: dc}, nil
			}
			in.Scope = stage.ScopeIncremental
			in.Feedback = append(append([]string(nil), in.Feedback...),
				"previous output was structurally invalid ("+err.Error()+"); return one unit of output at a time")
		}

		if rerr := e.record(ctx, exec, in, usage, stage.OutcomeFailure, err); rerr != nil {
			return nil, rerr
		}
		e.logger.Warn(ctx, "executor attempt failed",
			zap.String("executor", exec.Identity()),
			zap.Int("attempt", attempt),
			zap.String("class", string(class)),
			zap.Error(err),
		)

		if class == stage.ClassFatal || class == stage.ClassCancelled {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%s: %s attempt %d: %w", in.Phase, exec.Identity(), attempt, err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, ctx.Err().Error())
		return nil, fmt.Errorf("%s: %s: %w", in.Phase, exec.Identity(), ctx.Err())
	}

	exhausted := &ExhaustedError{
		Phase:    in.Phase,
		Executor: exec.Identity(),
		Attempts: e.config.MaxAttempts,
		Original: original,
		Final:    last,
	}
	span.SetStatus(codes.Error, exhausted.Error())
	e.logger.Warn(ctx, "repair exhausted",
		zap.String("executor", exec.Identity()),
		zap.Int("attempts", exhausted.Attempts),
		zap.Error(last),
	)
	e.recordDefect(ctx, in, exhausted)
	return nil, exhausted
}

func (e *Engine) backoff(ctx context.Context) error {
	if e.config.Backoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.config.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) record(ctx context.Context, exec stage.Executor, in stage.Input, u stage.Usage, outcome stage.Outcome, cause error) error {
	rec := stage.ExecutionRecord{
		ID:            uuid.NewString(),
		TaskID:        in.TaskID,
		Phase:         in.Phase,
		Executor:      exec.Identity(),
		AttemptNumber: in.Attempt,
		Latency:       u.Latency,
		TokensIn:      u.TokensIn,
		TokensOut:     u.TokensOut,
		Cost:          u.Cost,
		Outcome:       outcome,
		Timestamp:     e.now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := e.records.AppendRecord(ctx, rec); err != nil {
		return fmt.Errorf("append execution record: %w", err)
	}
	return nil
}

func (e *Engine) recordDefect(ctx context.Context, in stage.Input, exhausted *ExhaustedError) {
	if e.defects == nil || in.TaskID == "" {
		return
	}
	typ := defects.TypeFunction
	switch stage.Classify(exhausted.Final) {
	case stage.ClassStructural:
		typ = defects.TypeSyntax
	case stage.ClassTransient:
		typ = defects.TypeEnvironment
	}
	desc := exhausted.Error()
	if len(desc) > maxDefectDescription {
		desc = desc[:maxDefectDescription]
	}
	_, err := e.defects.Record(ctx, defects.Defect{
		TaskID:         in.TaskID,
		Type:           typ,
		Severity:       defects.SeverityHigh,
		PhaseInjected:  in.Phase,
		FlaggedByAgent: true,
		Description:    desc,
	})
	if err != nil {
		e.logger.Error(ctx, "failed to record exhaustion defect", zap.Error(err))
	}
}

// check validates an artifact. Validator errors become structural errors
// carrying the artifact so a local repair can be attempted.
func check(validate Validator, artifact json.RawMessage) error {
	if validate == nil {
		if !json.Valid(artifact) {
			return &stage.StructuralValidationError{Reason: "artifact is not valid JSON", Output: artifact}
		}
		return nil
	}
	err := validate(artifact)
	if err == nil {
		return nil
	}
	var sve *stage.StructuralValidationError
	if errors.As(err, &sve) {
		if sve.Output == nil {
			sve.Output = artifact
		}
		return err
	}
	return &stage.StructuralValidationError{Reason: "artifact failed validation", Output: artifact, Err: err}
}

func localRepair(err error, validate Validator) (json.RawMessage, DefectClass, bool) {
	var sve *stage.StructuralValidationError
	if !errors.As(err, &sve) || len(sve.Output) == 0 {
		return nil, ClassUnknown, false
	}
	fixed, dc, ok := Repair(sve.Output)
	if !ok {
		return nil, dc, false
	}
	if check(validate, fixed) != nil {
		return nil, dc, false
	}
	return fixed, dc, true
}

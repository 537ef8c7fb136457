package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

const instrumentationName = "github.com/fyrsmithlabs/phasegate/internal/review"

// Fan-out errors.
var (
	ErrNoReviewers  = errors.New("no reviewers configured")
	ErrReviewFailed = errors.New("too many reviewers failed")
)

// Dispatcher invokes one specialist reviewer and returns its artifact.
type Dispatcher interface {
	Dispatch(ctx context.Context, specialist string, in stage.Input) (json.RawMessage, error)
}

// DispatchFunc adapts a function into a Dispatcher.
type DispatchFunc func(ctx context.Context, specialist string, in stage.Input) (json.RawMessage, error)

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, specialist string, in stage.Input) (json.RawMessage, error) {
	return f(ctx, specialist, in)
}

// Config controls fan-out concurrency and failure tolerance.
type Config struct {
	Workers            int     `koanf:"workers"`
	MaxFailureFraction float64 `koanf:"max_failure_fraction"`
}

// DefaultConfig returns 6 workers and majority failure tolerance.
func DefaultConfig() Config {
	return Config{Workers: 6, MaxFailureFraction: 0.5}
}

// Validate checks the fan-out settings.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.MaxFailureFraction < 0 || c.MaxFailureFraction >= 1 {
		return fmt.Errorf("max_failure_fraction must be in [0, 1), got %f", c.MaxFailureFraction)
	}
	return nil
}

// FanOut dispatches reviewers concurrently and aggregates their findings.
type FanOut struct {
	dispatcher Dispatcher
	config     Config
	logger     *logging.Logger
	tracer     trace.Tracer
}

// Option configures FanOut.
type Option func(*FanOut)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(f *FanOut) {
		f.logger = l
	}
}

// WithTracerProvider traces review.fanout spans through tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(f *FanOut) {
		f.tracer = tp.Tracer(instrumentationName)
	}
}

// NewFanOut creates a FanOut.
func NewFanOut(d Dispatcher, cfg Config, opts ...Option) (*FanOut, error) {
	if d == nil {
		return nil, errors.New("dispatcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid review config: %w", err)
	}
	f := &FanOut{
		dispatcher: d,
		config:     cfg,
		logger:     logging.Nop(),
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

type reviewerResult struct {
	findings []Finding
	err      error
}

// Run dispatches every specialist against in and aggregates the results.
// A report is returned even when the review fails, so callers can inspect
// which reviewers degraded.
func (f *FanOut) Run(ctx context.Context, phase stage.Phase, in stage.Input, specialists []string) (*Report, error) {
	if len(specialists) == 0 {
		return nil, fmt.Errorf("%w for phase %s", ErrNoReviewers, phase)
	}

	ctx, span := f.tracer.Start(ctx, "review.fanout", trace.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.Int("reviewers", len(specialists)),
	))
	defer span.End()

	results := make([]reviewerResult, len(specialists))
	var g errgroup.Group
	g.SetLimit(f.config.Workers)

	for i, specialist := range specialists {
		g.Go(func() error {
			rin := in
			rin.Phase = phase
			rin.Specialist = specialist
			artifact, err := f.dispatcher.Dispatch(ctx, specialist, rin)
			if err != nil {
				results[i] = reviewerResult{err: err}
				return nil
			}
			findings, err := ParseFindings(specialist, artifact)
			results[i] = reviewerResult{findings: findings, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var all []Finding
	var degraded []ReviewerFailure
	var participated []string
	for i, r := range results {
		if r.err != nil {
			degraded = append(degraded, ReviewerFailure{SpecialistID: specialists[i], Error: r.err.Error()})
			f.logger.Warn(ctx, "reviewer degraded",
				zap.String("phase", string(phase)),
				zap.String("specialist", specialists[i]),
				zap.Error(r.err),
			)
			continue
		}
		participated = append(participated, specialists[i])
		all = append(all, r.findings...)
	}

	report := Aggregate(phase, all)
	report.Reviewers = participated
	report.Degraded = degraded

	span.SetAttributes(
		attribute.String("status", string(report.OverallStatus)),
		attribute.Int("degraded", len(degraded)),
		attribute.Int("findings", len(report.Findings)),
	)

	if float64(len(degraded))/float64(len(specialists)) > f.config.MaxFailureFraction {
		err := fmt.Errorf("%w: %d of %d reviewers failed in %s", ErrReviewFailed, len(degraded), len(specialists), phase)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	return report, nil
}

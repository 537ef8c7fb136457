package main

import (
	"context"
	"fmt"
	"net/http"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/bootstrap"
	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/defects"
	"github.com/fyrsmithlabs/phasegate/internal/events"
	httpapi "github.com/fyrsmithlabs/phasegate/internal/http"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/secrets"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
	"github.com/fyrsmithlabs/phasegate/internal/store"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
	"github.com/fyrsmithlabs/phasegate/internal/workflows"
)

// app holds the wired daemon components.
type app struct {
	orch     *orchestrator.Orchestrator
	pipeline httpapi.Pipeline
	stream   *events.NATSSink
	health   func(context.Context) error
	tel      *telemetry.Telemetry
	worker   worker.Worker
	closers  []func() error
	logger   *logging.Logger
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn(context.Background(), "close failed", zap.Error(err))
		}
	}
}

func (a *app) serverOptions() []httpapi.Option {
	opts := []httpapi.Option{
		httpapi.WithHealthCheck(a.health),
		httpapi.WithTelemetryHealth(a.tel.Health),
	}
	if a.stream != nil {
		opts = append(opts, httpapi.WithEventStream(a.stream))
	}
	return opts
}

// stores groups every persistence contract behind one backend.
type stores struct {
	tasks     orchestrator.TaskStore
	records   stage.RecordStore
	defects   defects.Store
	approvals approval.Store
	bootstrap bootstrap.Store
	ping      func(context.Context) error
	close     func() error
}

func openStores(ctx context.Context, cfg store.Config) (*stores, error) {
	switch cfg.Driver {
	case store.DriverSQLite:
		db, err := store.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return &stores{
			tasks:     db,
			records:   db,
			defects:   db,
			approvals: db,
			bootstrap: db,
			ping:      db.Ping,
			close:     db.Close,
		}, nil
	case store.DriverMemory, "":
		return &stores{
			tasks:     orchestrator.NewMemoryTaskStore(),
			records:   stage.NewMemoryRecordStore(),
			defects:   defects.NewMemoryStore(),
			approvals: approval.NewMemoryStore(),
			bootstrap: bootstrap.NewMemoryStore(),
			ping:      func(context.Context) error { return nil },
			close:     func() error { return nil },
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// buildRegistry registers a remote executor for every configured endpoint.
// All executors share one rate limiter.
func buildRegistry(cfg config.ExecutorConfig, scrubber *secrets.Scrubber) *stage.Registry {
	var limiter *rate.Limiter
	if cfg.RateLimit.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)
	}

	var opts []stage.RemoteOption
	if scrubber.Enabled() {
		opts = append(opts, stage.WithRedactor(scrubber))
	}
	if cfg.Token.IsSet() {
		opts = append(opts, stage.WithBearerToken(cfg.Token.Value()))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, stage.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration()}))
	}

	registry := stage.NewRegistry()
	for phase, endpoint := range cfg.Endpoints {
		e := stage.NewRemoteExecutor(phase, endpoint, opts...)
		registry.Register(stage.Phase(phase), stage.NewRateLimited(e, limiter))
	}
	for specialist, endpoint := range cfg.Reviewers {
		e := stage.NewRemoteExecutor(specialist, endpoint, opts...)
		registry.RegisterReviewer(specialist, stage.NewRateLimited(e, limiter))
	}
	return registry
}

// build wires the pipeline. On error, everything opened so far is closed.
func build(ctx context.Context, cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (_ *app, err error) {
	a := &app{logger: logger, tel: tel}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	st, err := openStores(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.closers = append(a.closers, st.close)
	a.health = st.ping

	scrubber, err := secrets.New(cfg.SecretsConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to compile secret rules: %w", err)
	}
	records := st.records
	if scrubber.Enabled() {
		records = secrets.NewRecordStore(records, scrubber)
	}

	sinks := events.Multi{events.NewLogSink(logger.Named("events"))}
	if cfg.Events.Enabled() {
		ns, err := events.DialNATS(cfg.Events)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ns.Close)
		a.stream = ns
		sinks = append(sinks, ns)
		logger.Info(ctx, "publishing events to NATS", zap.String("url", cfg.Events.URL))
	}
	emitter := events.NewEmitter(sinks, logger.Named("events"))

	ledger := defects.NewLedger(st.defects,
		defects.WithPhaseOrder(cfg.Defects.PhaseOrder),
		defects.WithLogger(logger.Named("defects")),
		defects.WithObserver(emitter),
	)
	gateway, err := approval.NewGateway(st.approvals, cfg.Approval,
		approval.WithLogger(logger.Named("approval")),
		approval.WithObserver(emitter),
	)
	if err != nil {
		return nil, err
	}

	var tracker *bootstrap.Tracker
	if len(cfg.Bootstrap.Capabilities) > 0 {
		tracker, err = bootstrap.NewTracker(st.bootstrap, cfg.Bootstrap.Capabilities,
			bootstrap.WithLogger(logger.Named("bootstrap")))
		if err != nil {
			return nil, err
		}
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger.Named("orchestrator")),
		orchestrator.WithTracerProvider(tel.TracerProvider()),
	}

	var driver *workflows.Driver
	var tc client.Client
	if cfg.Temporal.Enabled {
		tc, err = workflows.Dial(cfg.Temporal, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { tc.Close(); return nil })
		driver = workflows.NewDriver(tc, cfg.Temporal, logger)
		opts = append(opts, orchestrator.WithDecisionHook(driver.DecisionHook()))
	}

	a.orch, err = orchestrator.New(cfg.PipelineConfig(), orchestrator.Deps{
		Tasks:     st.tasks,
		Records:   records,
		Registry:  buildRegistry(cfg.Executor, scrubber),
		Ledger:    ledger,
		Approvals: gateway,
		Bootstrap: tracker,
		Events:    emitter,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	a.pipeline = a.orch
	if driver != nil {
		a.pipeline = &drivenPipeline{Orchestrator: a.orch, driver: driver, logger: logger.Named("workflows")}
		a.worker = workflows.NewWorker(tc, cfg.Temporal, &workflows.Activities{Pipeline: a.orch})
	}
	return a, nil
}

// workflowStarter starts the workflow that drives a task.
type workflowStarter interface {
	Start(ctx context.Context, taskID string) (string, error)
}

// drivenPipeline starts a workflow for every accepted submission.
type drivenPipeline struct {
	*orchestrator.Orchestrator
	driver workflowStarter
	logger *logging.Logger
}

// Submit accepts the task, then starts its workflow. A task whose workflow
// fails to start stays Pending and can still be advanced by hand.
func (p *drivenPipeline) Submit(ctx context.Context, s orchestrator.Submission) (string, error) {
	id, err := p.Orchestrator.Submit(ctx, s)
	if err != nil {
		return "", err
	}
	if _, err := p.driver.Start(ctx, id); err != nil {
		p.logger.Error(ctx, "task accepted but workflow did not start", zap.String("task_id", id), zap.Error(err))
	}
	return id, nil
}

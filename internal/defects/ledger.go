package defects

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

// Observer is notified after a defect is durably recorded.
type Observer interface {
	DefectRecorded(ctx context.Context, d Defect)
}

// Ledger records defects and computes density and yield.
type Ledger struct {
	store    Store
	order    map[stage.Phase]int
	logger   *logging.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPhaseOrder sets the phase order used by PhaseYield to decide which
// injection phases come "up to and including" a removal phase. Phases
// missing from the order precede every phase.
func WithPhaseOrder(order []stage.Phase) Option {
	return func(l *Ledger) {
		l.order = make(map[stage.Phase]int, len(order))
		for i, p := range order {
			l.order[p] = i
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithObserver registers an observer for recorded defects.
func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		l.observer = o
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger creates a Ledger over store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		order:  map[stage.Phase]int{},
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record validates and stores d, assigning an id and creation time.
func (l *Ledger) Record(ctx context.Context, d Defect) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = l.now().UTC()
	}
	if err := l.store.InsertDefect(ctx, d); err != nil {
		return "", fmt.Errorf("insert defect: %w", err)
	}

	l.logger.Info(ctx, "defect recorded",
		zap.String("defect_id", d.ID),
		zap.String("defect_type", string(d.Type)),
		zap.String("severity", string(d.Severity)),
		zap.String("phase_injected", string(d.PhaseInjected)),
		zap.String("phase_removed", string(d.PhaseRemoved)),
	)
	if l.observer != nil {
		l.observer.DefectRecorded(ctx, d)
	}
	return d.ID, nil
}

// Annotate applies a human review to the defect with id.
func (l *Ledger) Annotate(ctx context.Context, id string, a Annotation) (Defect, error) {
	d, err := l.store.GetDefect(ctx, id)
	if err != nil {
		return Defect{}, err
	}
	d = a.Apply(d)
	if err := l.store.UpdateDefect(ctx, d); err != nil {
		return Defect{}, fmt.Errorf("update defect %s: %w", id, err)
	}
	return d, nil
}

// MarkRemoved closes an open defect in phase.
func (l *Ledger) MarkRemoved(ctx context.Context, id string, phase stage.Phase, effort time.Duration) (Defect, error) {
	d, err := l.store.GetDefect(ctx, id)
	if err != nil {
		return Defect{}, err
	}
	if !d.Open() {
		return Defect{}, fmt.Errorf("%w: %s in %s", ErrAlreadyClosed, id, d.PhaseRemoved)
	}
	d.PhaseRemoved = phase
	d.EffortToFix = effort
	if err := d.Validate(); err != nil {
		return Defect{}, err
	}
	if err := l.store.UpdateDefect(ctx, d); err != nil {
		return Defect{}, fmt.Errorf("update defect %s: %w", id, err)
	}
	return d, nil
}

// List returns defects matching f.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Defect, error) {
	return l.store.ListDefects(ctx, f)
}

// Density returns defects per unit of complexity for a task. False
// positives are excluded. Complexity must be positive.
func (l *Ledger) Density(ctx context.Context, taskID string, complexity float64) (float64, error) {
	if complexity <= 0 {
		return 0, fmt.Errorf("%w: complexity %.3f for task %s", ErrNotComputable, complexity, taskID)
	}
	list, err := l.store.ListDefects(ctx, Filter{TaskID: taskID})
	if err != nil {
		return 0, fmt.Errorf("list defects: %w", err)
	}
	return float64(len(countable(list))) / complexity, nil
}

// PhaseYield returns the percentage of defects injected up to and including
// phase that were removed in phase. It is not computable when no defects
// were injected by then.
func (l *Ledger) PhaseYield(ctx context.Context, phase stage.Phase, f Filter) (float64, error) {
	list, err := l.store.ListDefects(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("list defects: %w", err)
	}

	var injected, removed int
	for _, d := range countable(list) {
		if l.precedesOrEqual(d.PhaseInjected, phase) {
			injected++
		}
		if d.PhaseRemoved == phase {
			removed++
		}
	}
	if injected == 0 {
		return 0, fmt.Errorf("%w: no defects injected up to %s", ErrNotComputable, phase)
	}
	return float64(removed) / float64(injected) * 100, nil
}

// FirstPassYield returns the percentage of a task's defects removed before
// the Validate phase, or 100 when the task has none.
func (l *Ledger) FirstPassYield(ctx context.Context, taskID string) (float64, error) {
	list, err := l.store.ListDefects(ctx, Filter{TaskID: taskID})
	if err != nil {
		return 0, fmt.Errorf("list defects: %w", err)
	}
	list = countable(list)
	if len(list) == 0 {
		return 100, nil
	}
	var early int
	for _, d := range list {
		if !d.Open() && d.PhaseRemoved.Index() < stage.PhaseValidate.Index() {
			early++
		}
	}
	return float64(early) / float64(len(list)) * 100, nil
}

func (l *Ledger) precedesOrEqual(injected, phase stage.Phase) bool {
	i, ok := l.order[injected]
	if !ok {
		return true
	}
	p, ok := l.order[phase]
	if !ok {
		return true
	}
	return i <= p
}

func countable(list []Defect) []Defect {
	out := list[:0:0]
	for _, d := range list {
		if !d.FalsePositive {
			out = append(out, d)
		}
	}
	return out
}

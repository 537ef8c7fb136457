// Package bootstrap tracks per-capability progress toward promotion between
// autonomy modes (learning, shadow, autonomous).
//
// The tracker folds completed-task summaries into a rolling metric per
// capability and reports when graduation criteria are met. It never changes
// a task's mode; promotion is a separate, explicit Promote call.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/logging"
)

// Tracker errors.
var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrNotGraduated      = errors.New("graduation criteria not met")
	ErrFinalMode         = errors.New("capability already autonomous")
)

// Mode is a capability's autonomy level.
type Mode string

const (
	ModeLearning   Mode = "learning"
	ModeShadow     Mode = "shadow"
	ModeAutonomous Mode = "autonomous"
)

// Next returns the mode after m, or false when m is final.
func (m Mode) Next() (Mode, bool) {
	switch m {
	case ModeLearning:
		return ModeShadow, true
	case ModeShadow:
		return ModeAutonomous, true
	default:
		return "", false
	}
}

// Direction is which way a metric must move to meet its target.
type Direction string

const (
	DirectionLower  Direction = "lower"
	DirectionHigher Direction = "higher"
)

// Meets reports whether value satisfies target in direction d.
func (d Direction) Meets(value, target float64) bool {
	if d == DirectionHigher {
		return value >= target
	}
	return value <= target
}

// Capability configures graduation for one named capability.
type Capability struct {
	Name          string    `koanf:"name" json:"name"`
	Metric        string    `koanf:"metric" json:"metric"`
	Target        float64   `koanf:"target" json:"target"`
	Direction     Direction `koanf:"direction" json:"direction"`
	TasksRequired int       `koanf:"tasks_required" json:"tasks_required"`
}

// Validate checks the capability.
func (c Capability) Validate() error {
	if c.Name == "" || c.Metric == "" {
		return errors.New("capability name and metric are required")
	}
	if c.Direction != DirectionLower && c.Direction != DirectionHigher {
		return fmt.Errorf("capability %s: direction must be lower or higher, got %q", c.Name, c.Direction)
	}
	if c.TasksRequired < 1 {
		return fmt.Errorf("capability %s: tasks_required must be >= 1", c.Name)
	}
	return nil
}

// Metric is the rolling record for a capability.
type Metric struct {
	Capability                 string    `json:"capability"`
	Mode                       Mode      `json:"mode"`
	TasksCompleted             int       `json:"tasks_completed"`
	TasksRequiredForGraduation int       `json:"tasks_required_for_graduation"`
	PrimaryMetric              string    `json:"primary_metric"`
	PrimaryMetricValue         float64   `json:"primary_metric_value"`
	PrimaryMetricTarget        float64   `json:"primary_metric_target"`
	Direction                  Direction `json:"direction"`
	Samples                    int       `json:"samples"`
	GraduationCriteriaMet      bool      `json:"graduation_criteria_met"`
	UpdatedAt                  time.Time `json:"updated_at"`
}

func (m *Metric) recompute() {
	m.GraduationCriteriaMet = m.Samples > 0 &&
		m.TasksCompleted >= m.TasksRequiredForGraduation &&
		m.Direction.Meets(m.PrimaryMetricValue, m.PrimaryMetricTarget)
}

// Summary describes one completed task.
type Summary struct {
	TaskID      string             `json:"task_id"`
	Capability  string             `json:"capability"`
	Metrics     map[string]float64 `json:"metrics"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Report is the result of observing one summary.
type Report struct {
	Metric Metric `json:"metric"`
	// Recommended is set when the capability met its criteria and has a
	// next mode. The tracker does not apply it.
	Recommended Mode `json:"recommended,omitempty"`
}

// Store persists metric snapshots. SaveMetric appends; the newest snapshot
// per capability is current.
type Store interface {
	SaveMetric(ctx context.Context, m Metric) error
	LatestMetric(ctx context.Context, capability string) (Metric, bool, error)
}

// Tracker folds summaries into capability metrics.
type Tracker struct {
	mu           sync.Mutex
	capabilities map[string]Capability
	store        Store
	logger       *logging.Logger
	now          func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker for caps.
func NewTracker(store Store, caps []Capability, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("bootstrap store is required")
	}
	t := &Tracker{
		capabilities: make(map[string]Capability, len(caps)),
		store:        store,
		logger:       logging.Nop(),
		now:          time.Now,
	}
	for _, c := range caps {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.capabilities[c.Name]; dup {
			return nil, fmt.Errorf("duplicate capability %q", c.Name)
		}
		t.capabilities[c.Name] = c
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Capabilities returns the configured capabilities sorted by name.
func (t *Tracker) Capabilities() []Capability {
	out := make([]Capability, 0, len(t.capabilities))
	for _, c := range t.capabilities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Current returns the capability's metric, starting in learning mode.
func (t *Tracker) Current(ctx context.Context, capability string) (Metric, error) {
	c, ok := t.capabilities[capability]
	if !ok {
		return Metric{}, fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
	}
	m, found, err := t.store.LatestMetric(ctx, capability)
	if err != nil {
		return Metric{}, fmt.Errorf("load metric %s: %w", capability, err)
	}
	if !found {
		m = Metric{
			Capability:                 c.Name,
			Mode:                       ModeLearning,
			TasksRequiredForGraduation: c.TasksRequired,
			PrimaryMetric:              c.Metric,
			PrimaryMetricTarget:        c.Target,
			Direction:                  c.Direction,
		}
	}
	return m, nil
}

// Observe folds a completed-task summary into its capability. The primary
// metric is a running mean over summaries that carry it.
func (t *Tracker) Observe(ctx context.Context, s Summary) (*Report, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, err := t.Current(ctx, s.Capability)
	if err != nil {
		return nil, err
	}
	m.TasksCompleted++
	if v, ok := s.Metrics[m.PrimaryMetric]; ok {
		m.Samples++
		m.PrimaryMetricValue += (v - m.PrimaryMetricValue) / float64(m.Samples)
	}
	m.UpdatedAt = t.now().UTC()
	m.recompute()

	if err := t.store.SaveMetric(ctx, m); err != nil {
		return nil, fmt.Errorf("save metric %s: %w", m.Capability, err)
	}

	report := &Report{Metric: m}
	if m.GraduationCriteriaMet {
		if next, ok := m.Mode.Next(); ok {
			report.Recommended = next
			t.logger.Info(ctx, "capability ready for promotion",
				zap.String("capability", m.Capability),
				zap.String("from", string(m.Mode)),
				zap.String("to", string(next)),
				zap.Float64(m.PrimaryMetric, m.PrimaryMetricValue),
			)
		}
	}
	return report, nil
}

// Promote moves a graduated capability to its next mode and restarts its
// counters.
func (t *Tracker) Promote(ctx context.Context, capability string) (Metric, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, err := t.Current(ctx, capability)
	if err != nil {
		return Metric{}, err
	}
	next, ok := m.Mode.Next()
	if !ok {
		return Metric{}, fmt.Errorf("%w: %s", ErrFinalMode, capability)
	}
	if !m.GraduationCriteriaMet {
		return Metric{}, fmt.Errorf("%w: %s", ErrNotGraduated, capability)
	}

	m.Mode = next
	m.TasksCompleted = 0
	m.Samples = 0
	m.PrimaryMetricValue = 0
	m.UpdatedAt = t.now().UTC()
	m.recompute()
	if err := t.store.SaveMetric(ctx, m); err != nil {
		return Metric{}, fmt.Errorf("save metric %s: %w", capability, err)
	}
	t.logger.Info(ctx, "capability promoted", zap.String("capability", capability), zap.String("mode", string(next)))
	return m, nil
}

// Snapshot returns every capability's current metric.
func (t *Tracker) Snapshot(ctx context.Context) ([]Metric, error) {
	out := make([]Metric, 0, len(t.capabilities))
	for name := range t.capabilities {
		m, err := t.Current(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sortMetrics(out)
	return out, nil
}

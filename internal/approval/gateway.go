package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/review"
)

// Config controls request expiry.
type Config struct {
	// DefaultTTL is applied to new requests. Zero means no expiry.
	DefaultTTL time.Duration `koanf:"default_ttl"`
	// SweepInterval is how often the daemon runs ExpireDue.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// DefaultConfig returns a 72h TTL swept every minute.
func DefaultConfig() Config {
	return Config{DefaultTTL: 72 * time.Hour, SweepInterval: time.Minute}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DefaultTTL < 0 {
		return errors.New("default_ttl cannot be negative")
	}
	if c.SweepInterval < 0 {
		return errors.New("sweep_interval cannot be negative")
	}
	return nil
}

// Observer is notified after a request changes. d is nil for creation and
// expiry.
type Observer interface {
	ApprovalChanged(ctx context.Context, r Request, d *Decision)
}

// Gateway is the decision-intake contract for escalations.
type Gateway struct {
	store    Store
	config   Config
	logger   *logging.Logger
	observer Observer
	now      func() time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) GatewayOption {
	return func(g *Gateway) {
		g.observer = o
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		g.now = now
	}
}

// NewGateway creates a Gateway over store.
func NewGateway(store Store, cfg Config, opts ...GatewayOption) (*Gateway, error) {
	if store == nil {
		return nil, errors.New("approval store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid approval config: %w", err)
	}
	g := &Gateway{
		store:  store,
		config: cfg,
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Request persists a Pending request for taskID and returns its id.
func (g *Gateway) Request(ctx context.Context, taskID, gateType string, report *review.Report) (string, error) {
	if taskID == "" {
		return "", errors.New("task id is required")
	}
	now := g.now().UTC()
	r := Request{
		ID:            uuid.NewString(),
		TaskID:        taskID,
		GateType:      gateType,
		QualityReport: report,
		RequestedAt:   now,
		Status:        StatusPending,
		UpdatedAt:     now,
	}
	if g.config.DefaultTTL > 0 {
		exp := now.Add(g.config.DefaultTTL)
		r.ExpiresAt = &exp
	}
	if err := g.store.CreateRequest(ctx, r); err != nil {
		return "", fmt.Errorf("create approval request: %w", err)
	}

	g.logger.Info(ctx, "approval requested",
		zap.String("request_id", r.ID),
		zap.String("gate_type", gateType),
	)
	g.notify(ctx, r, nil)
	return r.ID, nil
}

// Get returns the request with id.
func (g *Gateway) Get(ctx context.Context, id string) (Request, error) {
	return g.store.GetRequest(ctx, id)
}

// Decisions returns the decisions recorded for a request, oldest first.
func (g *Gateway) Decisions(ctx context.Context, id string) ([]Decision, error) {
	return g.store.ListDecisions(ctx, id)
}

// Decide records a decision. A request accepts one decision, or one Deferred
// followed by one final decision. Rejected calls leave the request unchanged.
func (g *Gateway) Decide(ctx context.Context, id string, verdict Verdict, reviewer, justification string) (Request, error) {
	if strings.TrimSpace(justification) == "" {
		return Request{}, ErrEmptyJustification
	}
	verdict, err := ParseVerdict(string(verdict))
	if err != nil {
		return Request{}, err
	}

	cur, err := g.store.GetRequest(ctx, id)
	if err != nil {
		return Request{}, err
	}
	now := g.now().UTC()
	if cur.Due(now) {
		if _, err := g.Expire(ctx, id); err != nil && !errors.Is(err, ErrDuplicateDecision) {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("%w: request %s expired", ErrDuplicateDecision, id)
	}

	from := []Status{StatusPending}
	if verdict != VerdictDeferred {
		from = append(from, StatusDeferred)
	}
	d := &Decision{
		RequestID:     id,
		Verdict:       verdict,
		Reviewer:      reviewer,
		Justification: justification,
		DecidedAt:     now,
	}
	r, err := g.store.TransitionRequest(ctx, id, from, verdict.Status(), d, now)
	if errors.Is(err, ErrConflict) {
		return Request{}, fmt.Errorf("%w: request %s is %s", ErrDuplicateDecision, id, r.Status)
	}
	if err != nil {
		return Request{}, err
	}

	g.logger.Info(ctx, "approval decided",
		zap.String("request_id", id),
		zap.String("decision", string(verdict)),
		zap.String("reviewer", reviewer),
	)
	g.notify(ctx, r, d)
	return r, nil
}

// Expire moves an open request past its expiry to Expired. It returns false
// when the request is not yet due.
func (g *Gateway) Expire(ctx context.Context, id string) (bool, error) {
	cur, err := g.store.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	now := g.now().UTC()
	if !cur.Due(now) {
		return false, nil
	}
	return true, g.close(ctx, id, now, "approval expired")
}

// ExpireDue expires every due request and returns them.
func (g *Gateway) ExpireDue(ctx context.Context) ([]Request, error) {
	open, err := g.store.ListRequests(ctx, Filter{Statuses: []Status{StatusPending, StatusDeferred}})
	if err != nil {
		return nil, fmt.Errorf("list open requests: %w", err)
	}
	now := g.now().UTC()
	var expired []Request
	for _, r := range open {
		if !r.Due(now) {
			continue
		}
		if err := g.close(ctx, r.ID, now, "approval expired"); err != nil {
			if errors.Is(err, ErrDuplicateDecision) {
				continue
			}
			return expired, err
		}
		r.Status = StatusExpired
		expired = append(expired, r)
	}
	return expired, nil
}

// Withdraw expires an open request regardless of its expiry, used when the
// owning task is cancelled.
func (g *Gateway) Withdraw(ctx context.Context, id string) error {
	return g.close(ctx, id, g.now().UTC(), "approval withdrawn")
}

// ListPending returns open requests, oldest first.
func (g *Gateway) ListPending(ctx context.Context) ([]Request, error) {
	return g.store.ListRequests(ctx, Filter{Statuses: []Status{StatusPending, StatusDeferred}})
}

// ForTask returns a task's requests, oldest first.
func (g *Gateway) ForTask(ctx context.Context, taskID string) ([]Request, error) {
	return g.store.ListRequests(ctx, Filter{TaskID: taskID})
}

func (g *Gateway) close(ctx context.Context, id string, now time.Time, msg string) error {
	r, err := g.store.TransitionRequest(ctx, id, []Status{StatusPending, StatusDeferred}, StatusExpired, nil, now)
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: request %s is %s", ErrDuplicateDecision, id, r.Status)
	}
	if err != nil {
		return err
	}
	g.logger.Info(ctx, msg, zap.String("request_id", id))
	g.notify(ctx, r, nil)
	return nil
}

func (g *Gateway) notify(ctx context.Context, r Request, d *Decision) {
	if g.observer != nil {
		g.observer.ApprovalChanged(ctx, r, d)
	}
}

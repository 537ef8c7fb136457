package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/estimation"
	"github.com/fyrsmithlabs/phasegate/internal/gate"
	"github.com/fyrsmithlabs/phasegate/internal/repair"
	"github.com/fyrsmithlabs/phasegate/internal/review"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

// GateTypeQuality is the gate type of review escalations.
const GateTypeQuality = "quality_gate"

// GateTypeReviewDegraded is the gate type used when too many reviewers fail
// to produce a usable verdict.
const GateTypeReviewDegraded = "review_degraded"

// Config configures the pipeline.
type Config struct {
	MaxLocalRetries   int                      `koanf:"max_local_retries"`
	StageTimeout      time.Duration            `koanf:"stage_timeout"`
	ReviewerTimeout   time.Duration            `koanf:"reviewer_timeout"`
	DefaultCapability string                   `koanf:"default_capability"`
	Specialists       map[stage.Phase][]string `koanf:"specialists"`

	Repair repair.Config    `koanf:"-"`
	Review review.Config    `koanf:"-"`
	Rates  estimation.Rates `koanf:"-"`
	Bands  estimation.Bands `koanf:"-"`
}

// DefaultConfig returns one local retry and the component defaults.
func DefaultConfig() Config {
	return Config{
		MaxLocalRetries: gate.DefaultPolicy().MaxLocalRetries,
		StageTimeout:    5 * time.Minute,
		ReviewerTimeout: 2 * time.Minute,
		Repair:          repair.DefaultConfig(),
		Review:          review.DefaultConfig(),
		Bands:           estimation.DefaultBands(),
	}
}

// Policy returns the quality gate policy.
func (c Config) Policy() gate.Policy {
	return gate.Policy{MaxLocalRetries: c.MaxLocalRetries}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Policy().Validate(); err != nil {
		return err
	}
	if c.StageTimeout < 0 || c.ReviewerTimeout < 0 {
		return errors.New("stage_timeout and reviewer_timeout cannot be negative")
	}
	for phase := range c.Specialists {
		if !phase.IsReview() {
			return fmt.Errorf("specialists configured for non-review phase %q", phase)
		}
	}
	if err := c.Repair.Validate(); err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	if err := c.Review.Validate(); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if c.Bands.Good < 0 || c.Bands.Fair < c.Bands.Good {
		return fmt.Errorf("estimation bands must satisfy 0 <= good <= fair, got %.1f/%.1f", c.Bands.Good, c.Bands.Fair)
	}
	return nil
}

func (c Config) engineConfig(timeout time.Duration) repair.Config {
	rc := c.Repair
	if timeout > 0 {
		rc.Timeout = timeout
	}
	return rc
}

// Package config loads phasegate configuration.
//
// Every component owns its configuration type; this package aggregates
// them into one document, applies defaults, and validates each section.
package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/bootstrap"
	"github.com/fyrsmithlabs/phasegate/internal/estimation"
	"github.com/fyrsmithlabs/phasegate/internal/events"
	httpapi "github.com/fyrsmithlabs/phasegate/internal/http"
	"github.com/fyrsmithlabs/phasegate/internal/logging"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/repair"
	"github.com/fyrsmithlabs/phasegate/internal/review"
	"github.com/fyrsmithlabs/phasegate/internal/secrets"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
	"github.com/fyrsmithlabs/phasegate/internal/store"
	"github.com/fyrsmithlabs/phasegate/internal/telemetry"
	"github.com/fyrsmithlabs/phasegate/internal/workflows"
)

// Config holds the complete phasegate configuration.
type Config struct {
	Pipeline   orchestrator.Config `koanf:"pipeline"`
	Repair     repair.Config       `koanf:"repair"`
	Review     review.Config       `koanf:"review"`
	Approval   approval.Config     `koanf:"approval"`
	Estimation EstimationConfig    `koanf:"estimation"`
	Defects    DefectsConfig       `koanf:"defects"`
	Bootstrap  BootstrapConfig     `koanf:"bootstrap"`
	Store      store.Config        `koanf:"store"`
	Events     events.NATSConfig   `koanf:"events"`
	Server     httpapi.Config      `koanf:"server"`
	Temporal   workflows.Config    `koanf:"temporal"`
	Executor   ExecutorConfig      `koanf:"executor"`
	Secrets    secrets.Config      `koanf:"secrets"`
	Logging    logging.Config      `koanf:"logging"`
	Telemetry  telemetry.Config    `koanf:"telemetry"`
}

// EstimationConfig holds accuracy bands and complexity-point rates.
type EstimationConfig struct {
	Bands estimation.Bands `koanf:"bands"`
	Rates estimation.Rates `koanf:"rates"`
}

// DefectsConfig holds the phase order used for phase yield.
type DefectsConfig struct {
	PhaseOrder []stage.Phase `koanf:"phase_order"`
}

// BootstrapConfig lists the capabilities tracked for graduation.
type BootstrapConfig struct {
	Capabilities []bootstrap.Capability `koanf:"capabilities"`
}

// ExecutorConfig configures the remote stage executors.
type ExecutorConfig struct {
	// Endpoints maps a non-review phase to its executor URL.
	Endpoints map[string]string `koanf:"endpoints"`
	// Reviewers maps a specialist id to its reviewer URL.
	Reviewers map[string]string `koanf:"reviewers"`
	Token     Secret            `koanf:"token"`
	Timeout   Duration          `koanf:"timeout"`
	RateLimit RateLimitConfig   `koanf:"rate_limit"`
}

// RateLimitConfig is a token bucket shared by every remote executor.
// Zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Pipeline: orchestrator.DefaultConfig(),
		Repair:   repair.DefaultConfig(),
		Review:   review.DefaultConfig(),
		Approval: approval.DefaultConfig(),
		Estimation: EstimationConfig{
			Bands: estimation.DefaultBands(),
		},
		Store:     store.DefaultConfig(),
		Events:    events.DefaultNATSConfig(),
		Server:    httpapi.DefaultConfig(),
		Temporal:  workflows.DefaultConfig(),
		Executor:  ExecutorConfig{RateLimit: RateLimitConfig{Burst: 1}},
		Secrets:   secrets.DefaultConfig(),
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
}

// PipelineConfig returns the orchestrator configuration with the repair,
// review and estimation sections folded in.
func (c *Config) PipelineConfig() orchestrator.Config {
	pc := c.Pipeline
	pc.Repair = c.Repair
	pc.Review = c.Review
	pc.Bands = c.Estimation.Bands
	pc.Rates = c.Estimation.Rates
	return pc
}

// SecretsConfig returns the scrubber configuration with the executor token
// added as a literal rule.
func (c *Config) SecretsConfig() secrets.Config {
	sc := c.Secrets
	if !c.Executor.Token.IsSet() {
		return sc
	}
	rules := sc.Rules
	if len(rules) == 0 {
		rules = secrets.DefaultRules()
	}
	sc.Rules = append(append([]secrets.Rule(nil), rules...), c.Executor.Token.Rule("executor-token"))
	return sc
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	add("pipeline", c.PipelineConfig().Validate())
	add("approval", c.Approval.Validate())
	add("defects", c.Defects.Validate())
	add("bootstrap", c.Bootstrap.Validate())
	add("store", c.Store.Validate())
	add("server", c.Server.Validate())
	add("temporal", c.Temporal.Validate())
	add("executor", c.Executor.Validate())
	add("secrets", c.Secrets.Validate())
	add("logging", c.Logging.Validate())
	add("telemetry", c.Telemetry.Validate())
	if c.Events.Enabled() {
		add("events", validateURL(c.Events.URL, "nats", "tls"))
	}

	return errors.Join(errs...)
}

// Validate checks that every phase is known and listed once.
func (c DefectsConfig) Validate() error {
	seen := make(map[stage.Phase]bool, len(c.PhaseOrder))
	for _, p := range c.PhaseOrder {
		if !p.Valid() {
			return fmt.Errorf("unknown phase %q in phase_order", p)
		}
		if seen[p] {
			return fmt.Errorf("phase %q listed twice in phase_order", p)
		}
		seen[p] = true
	}
	return nil
}

// Validate checks each capability and rejects duplicates.
func (c BootstrapConfig) Validate() error {
	seen := make(map[string]bool, len(c.Capabilities))
	for _, capability := range c.Capabilities {
		if err := capability.Validate(); err != nil {
			return err
		}
		if seen[capability.Name] {
			return fmt.Errorf("duplicate capability %q", capability.Name)
		}
		seen[capability.Name] = true
	}
	return nil
}

// Validate checks endpoint phases and URLs and the rate limit.
func (c ExecutorConfig) Validate() error {
	for phase, endpoint := range c.Endpoints {
		p := stage.Phase(phase)
		if !p.Valid() || p.IsReview() || p == stage.PhaseCompleted {
			return fmt.Errorf("endpoint configured for %q, which is not an executor phase", phase)
		}
		if err := validateURL(endpoint, "http", "https"); err != nil {
			return fmt.Errorf("endpoint %s: %w", phase, err)
		}
	}
	for specialist, endpoint := range c.Reviewers {
		if specialist == "" {
			return errors.New("reviewer specialist id cannot be empty")
		}
		if err := validateURL(endpoint, "http", "https"); err != nil {
			return fmt.Errorf("reviewer %s: %w", specialist, err)
		}
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit.rps cannot be negative, got %f", c.RateLimit.RPS)
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be >= 1 when rps is set, got %d", c.RateLimit.Burst)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("url %q must use one of %v", raw, schemes)
}

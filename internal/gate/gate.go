// Package gate turns an aggregated review report into a pipeline decision.
//
// Decide is a pure function of the report, the retry count and the policy:
//
//	Pass            -> Continue
//	ConditionalPass -> Continue, one defect candidate per High finding
//	Fail            -> LocalRetry while retryCount < MaxLocalRetries, else Escalate
package gate

import (
	"fmt"

	"github.com/fyrsmithlabs/phasegate/internal/defects"
	"github.com/fyrsmithlabs/phasegate/internal/review"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

// Action is what the orchestrator does after a review phase.
type Action string

const (
	ActionContinue   Action = "continue"
	ActionLocalRetry Action = "local_retry"
	ActionEscalate   Action = "escalate"
)

// Policy configures the gate.
type Policy struct {
	MaxLocalRetries int `koanf:"max_local_retries"`
}

// DefaultPolicy allows one local retry before escalation.
func DefaultPolicy() Policy {
	return Policy{MaxLocalRetries: 1}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.MaxLocalRetries < 0 {
		return fmt.Errorf("max_local_retries must be >= 0, got %d", p.MaxLocalRetries)
	}
	return nil
}

// Verdict is the gate's decision.
type Verdict struct {
	Action Action `json:"action"`
	// RetryPhase is the originating phase to re-run on LocalRetry.
	RetryPhase stage.Phase `json:"retry_phase,omitempty"`
	// Defects are candidates for the defect ledger. They have no id yet.
	Defects []defects.Defect `json:"defects,omitempty"`
	Reason  string           `json:"reason"`
}

// Decide evaluates report for taskID.
func Decide(p Policy, taskID string, report *review.Report, retryCount int) Verdict {
	origin, _ := report.Phase.Originating()

	switch report.OverallStatus {
	case review.StatusPass:
		return Verdict{Action: ActionContinue, Reason: "review passed"}

	case review.StatusConditionalPass:
		high := report.HighFindings()
		out := make([]defects.Defect, 0, len(high))
		for _, f := range high {
			out = append(out, defects.Defect{
				TaskID:         taskID,
				Type:           defects.TypeFunction,
				Severity:       defects.SeverityHigh,
				PhaseInjected:  origin,
				PhaseRemoved:   report.Phase,
				FlaggedByAgent: true,
				Description:    f.SpecialistID + ": " + f.Description,
			})
		}
		return Verdict{
			Action:  ActionContinue,
			Defects: out,
			Reason:  fmt.Sprintf("conditional pass with %d high findings", len(high)),
		}

	default:
		if retryCount < p.MaxLocalRetries {
			return Verdict{
				Action:     ActionLocalRetry,
				RetryPhase: origin,
				Reason:     fmt.Sprintf("review failed with %d critical findings; local retry %d of %d", report.CriticalCount, retryCount+1, p.MaxLocalRetries),
			}
		}
		return Verdict{
			Action: ActionEscalate,
			Reason: fmt.Sprintf("review failed with %d critical findings after %d local retries", report.CriticalCount, retryCount),
		}
	}
}

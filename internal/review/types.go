package review

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities; higher is more severe. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Status is the aggregated verdict of a review phase.
type Status string

const (
	StatusPass            Status = "pass"
	StatusConditionalPass Status = "conditional_pass"
	StatusFail            Status = "fail"
)

// Finding is one specialist's observation.
type Finding struct {
	SpecialistID string   `json:"specialist_id"`
	Severity     Severity `json:"severity"`
	Description  string   `json:"description"`
}

// ReviewerFailure records a reviewer that contributed no findings.
type ReviewerFailure struct {
	SpecialistID string `json:"specialist_id"`
	Error        string `json:"error"`
}

// Report is the aggregated result of one review phase.
type Report struct {
	Phase         stage.Phase       `json:"phase"`
	OverallStatus Status            `json:"overall_status"`
	Findings      []Finding         `json:"findings"`
	CriticalCount int               `json:"critical_count"`
	HighCount     int               `json:"high_count"`
	Reviewers     []string          `json:"reviewers"`
	Degraded      []ReviewerFailure `json:"degraded,omitempty"`
}

// HighFindings returns the report's High severity findings.
func (r *Report) HighFindings() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			out = append(out, f)
		}
	}
	return out
}

// Feedback renders findings as one line each for a retry of the
// originating phase.
func (r *Report) Feedback() []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, fmt.Sprintf("[%s] %s: %s", f.Severity, f.SpecialistID, f.Description))
	}
	return out
}

// Aggregate merges findings into a report. Status is Fail on any Critical,
// ConditionalPass on any High without Critical, otherwise Pass.
func Aggregate(phase stage.Phase, findings []Finding) *Report {
	sorted := append([]Finding(nil), findings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.SpecialistID != b.SpecialistID {
			return a.SpecialistID < b.SpecialistID
		}
		return a.Description < b.Description
	})

	report := &Report{Phase: phase, Findings: sorted}
	for _, f := range sorted {
		switch f.Severity {
		case SeverityCritical:
			report.CriticalCount++
		case SeverityHigh:
			report.HighCount++
		}
	}

	switch {
	case report.CriticalCount > 0:
		report.OverallStatus = StatusFail
	case report.HighCount > 0:
		report.OverallStatus = StatusConditionalPass
	default:
		report.OverallStatus = StatusPass
	}
	return report
}

// reviewOutput is the artifact shape a reviewer returns.
type reviewOutput struct {
	Findings []Finding `json:"findings"`
}

// ParseFindings decodes a reviewer artifact and stamps each finding with the
// specialist id. Unknown severities and empty descriptions are structural
// errors.
func ParseFindings(specialist string, artifact json.RawMessage) ([]Finding, error) {
	var out reviewOutput
	if err := json.Unmarshal(artifact, &out); err != nil {
		return nil, &stage.StructuralValidationError{Reason: "decode review findings", Output: artifact, Err: err}
	}
	for i := range out.Findings {
		f := &out.Findings[i]
		f.Severity = Severity(strings.ToLower(string(f.Severity)))
		if !f.Severity.Valid() {
			return nil, &stage.StructuralValidationError{
				Reason: fmt.Sprintf("finding %d has unknown severity %q", i, f.Severity),
				Output: artifact,
			}
		}
		if strings.TrimSpace(f.Description) == "" {
			return nil, &stage.StructuralValidationError{
				Reason: fmt.Sprintf("finding %d has no description", i),
				Output: artifact,
			}
		}
		f.SpecialistID = specialist
	}
	return out.Findings, nil
}

// ValidateArtifact is a repair validator for reviewer output.
func ValidateArtifact(artifact json.RawMessage) error {
	_, err := ParseFindings("", artifact)
	return err
}

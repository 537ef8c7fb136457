// Package defects records defects with their injection and removal phases
// and derives process metrics from them: defect density per unit of
// complexity and removal yield per phase.
//
// Defects are never deleted. After human review they are annotated as
// validated or as false positives; false positives are excluded from every
// metric.
package defects

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

// Defect errors.
var (
	ErrInvalidDefect = errors.New("invalid defect")
	ErrSamePhase     = errors.New("defect removed in the phase it was injected")
	ErrNotFound      = errors.New("defect not found")
	ErrAlreadyClosed = errors.New("defect already removed")
	ErrNotComputable = errors.New("metric not computable")
)

// Type is a defect taxonomy code.
type Type string

const (
	TypeDocumentation Type = "documentation"
	TypeSyntax        Type = "syntax"
	TypeBuild         Type = "build"
	TypeAssignment    Type = "assignment"
	TypeInterface     Type = "interface"
	TypeChecking      Type = "checking"
	TypeData          Type = "data"
	TypeFunction      Type = "function"
	TypeSystem        Type = "system"
	TypeEnvironment   Type = "environment"
)

var typeCodes = map[Type]int{
	TypeDocumentation: 10,
	TypeSyntax:        20,
	TypeBuild:         30,
	TypeAssignment:    40,
	TypeInterface:     50,
	TypeChecking:      60,
	TypeData:          70,
	TypeFunction:      80,
	TypeSystem:        90,
	TypeEnvironment:   100,
}

// Code returns the numeric taxonomy code, or 0 for unknown types.
func (t Type) Code() int {
	return typeCodes[t]
}

// Valid reports whether t is in the taxonomy.
func (t Type) Valid() bool {
	_, ok := typeCodes[t]
	return ok
}

// Severity of a defect.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Defect is one recorded problem. An empty PhaseRemoved means the defect is
// still open.
type Defect struct {
	ID               string        `json:"defect_id"`
	TaskID           string        `json:"task_id"`
	Type             Type          `json:"defect_type"`
	Severity         Severity      `json:"severity"`
	PhaseInjected    stage.Phase   `json:"phase_injected"`
	PhaseRemoved     stage.Phase   `json:"phase_removed,omitempty"`
	EffortToFix      time.Duration `json:"effort_to_fix"`
	FlaggedByAgent   bool          `json:"flagged_by_agent"`
	ValidatedByHuman bool          `json:"validated_by_human"`
	FalsePositive    bool          `json:"false_positive"`
	Description      string        `json:"description,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Open reports whether the defect has not been removed yet.
func (d Defect) Open() bool {
	return d.PhaseRemoved == ""
}

// Validate checks required fields and the differing-phase rule.
func (d Defect) Validate() error {
	if d.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidDefect)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown defect type %q", ErrInvalidDefect, d.Type)
	}
	if !d.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidDefect, d.Severity)
	}
	if !d.PhaseInjected.Valid() {
		return fmt.Errorf("%w: invalid phase_injected %q", ErrInvalidDefect, d.PhaseInjected)
	}
	if d.PhaseRemoved != "" {
		if !d.PhaseRemoved.Valid() {
			return fmt.Errorf("%w: invalid phase_removed %q", ErrInvalidDefect, d.PhaseRemoved)
		}
		if d.PhaseRemoved == d.PhaseInjected {
			return fmt.Errorf("%w: %s", ErrSamePhase, d.PhaseInjected)
		}
	}
	if d.EffortToFix < 0 {
		return fmt.Errorf("%w: effort_to_fix cannot be negative", ErrInvalidDefect)
	}
	return nil
}

// Annotation is a human review of a defect. Nil fields are left unchanged.
type Annotation struct {
	ValidatedByHuman *bool `json:"validated_by_human,omitempty"`
	FalsePositive    *bool `json:"false_positive,omitempty"`
}

// Apply returns d with a applied.
func (a Annotation) Apply(d Defect) Defect {
	if a.ValidatedByHuman != nil {
		d.ValidatedByHuman = *a.ValidatedByHuman
	}
	if a.FalsePositive != nil {
		d.FalsePositive = *a.FalsePositive
	}
	return d
}

// Filter selects defects. Zero fields match everything.
type Filter struct {
	TaskID string
}

package stage

import "fmt"

// Phase is one ordered stage of the pipeline.
type Phase string

const (
	PhasePlan            Phase = "plan"
	PhaseDesign          Phase = "design"
	PhaseDesignReview    Phase = "design_review"
	PhaseImplement       Phase = "implement"
	PhaseImplementReview Phase = "implement_review"
	PhaseValidate        Phase = "validate"
	PhaseRetrospective   Phase = "retrospective"

	// PhaseCompleted is the state after Retrospective finishes.
	PhaseCompleted Phase = "completed"
)

// AllPhases returns the executable phases in pipeline order.
func AllPhases() []Phase {
	return []Phase{
		PhasePlan,
		PhaseDesign,
		PhaseDesignReview,
		PhaseImplement,
		PhaseImplementReview,
		PhaseValidate,
		PhaseRetrospective,
	}
}

// IsReview reports whether the phase is a quality-gated review phase.
func (p Phase) IsReview() bool {
	return p == PhaseDesignReview || p == PhaseImplementReview
}

// Valid reports whether p is a known pipeline phase.
func (p Phase) Valid() bool {
	if p == PhaseCompleted {
		return true
	}
	for _, known := range AllPhases() {
		if p == known {
			return true
		}
	}
	return false
}

// Next returns the phase that follows p. Retrospective is followed by
// PhaseCompleted.
func (p Phase) Next() (Phase, error) {
	phases := AllPhases()
	for i, known := range phases {
		if known != p {
			continue
		}
		if i == len(phases)-1 {
			return PhaseCompleted, nil
		}
		return phases[i+1], nil
	}
	return "", fmt.Errorf("no phase follows %q", p)
}

// Originating returns the generation phase whose artifact a review phase
// inspects. It returns false for non-review phases.
func (p Phase) Originating() (Phase, bool) {
	switch p {
	case PhaseDesignReview:
		return PhaseDesign, true
	case PhaseImplementReview:
		return PhaseImplement, true
	default:
		return "", false
	}
}

// Index returns the position of p in pipeline order, or -1 if unknown.
func (p Phase) Index() int {
	for i, known := range AllPhases() {
		if known == p {
			return i
		}
	}
	if p == PhaseCompleted {
		return len(AllPhases())
	}
	return -1
}

func (p Phase) String() string {
	return string(p)
}

// Package approval implements the human-in-the-loop escalation gateway.
//
// A Request is persisted Pending when a quality gate escalates. Decisions
// arrive later through Decide; the first decision to reach the store wins and
// any later one is rejected with ErrDuplicateDecision. A Deferred decision
// keeps the request open for exactly one later Approved or Rejected
// decision. Requests past their expiry are moved to Expired, which callers
// treat like Rejected.
package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/review"
)

// Protocol errors. Each wraps ErrProtocol.
var (
	ErrProtocol           = errors.New("approval protocol error")
	ErrDuplicateDecision  = fmt.Errorf("%w: request already decided", ErrProtocol)
	ErrUnknownRequest     = fmt.Errorf("%w: unknown request", ErrProtocol)
	ErrEmptyJustification = fmt.Errorf("%w: justification is required", ErrProtocol)
	ErrInvalidDecision    = fmt.Errorf("%w: invalid decision", ErrProtocol)
)

// ErrConflict is returned by a Store when a conditional transition finds the
// request in an unexpected status.
var ErrConflict = errors.New("request status changed concurrently")

// Status of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusDeferred Status = "deferred"
	StatusExpired  Status = "expired"
)

// Open reports whether s still accepts a decision.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusDeferred
}

// Verdict is a reviewer's choice.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	VerdictDeferred Verdict = "deferred"
)

// ParseVerdict parses a verdict name case-insensitively.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(strings.ToLower(strings.TrimSpace(s))); v {
	case VerdictApproved, VerdictRejected, VerdictDeferred:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
}

// Status returns the request status the verdict transitions to, or the
// empty Status for a verdict that ParseVerdict would reject.
func (v Verdict) Status() Status {
	switch v {
	case VerdictApproved:
		return StatusApproved
	case VerdictRejected:
		return StatusRejected
	case VerdictDeferred:
		return StatusDeferred
	default:
		return ""
	}
}

// Request is a pending escalation.
type Request struct {
	ID            string         `json:"request_id"`
	TaskID        string         `json:"task_id"`
	GateType      string         `json:"gate_type"`
	QualityReport *review.Report `json:"quality_report,omitempty"`
	RequestedAt   time.Time      `json:"requested_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Status        Status         `json:"status"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Due reports whether r is open and past its expiry at now.
func (r Request) Due(now time.Time) bool {
	return r.Status.Open() && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Decision is an immutable reviewer decision.
type Decision struct {
	RequestID     string    `json:"request_id"`
	Verdict       Verdict   `json:"decision"`
	Reviewer      string    `json:"reviewer"`
	Justification string    `json:"justification"`
	DecidedAt     time.Time `json:"decided_at"`
}

// Filter selects requests. Zero fields match everything.
type Filter struct {
	TaskID   string
	Statuses []Status
}

// Matches reports whether r satisfies f.
func (f Filter) Matches(r Request) bool {
	if f.TaskID != "" && r.TaskID != f.TaskID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

package stage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Executor produces a phase artifact from its input. Implementations live
// outside the pipeline; the core only calls this contract.
type Executor interface {
	// Identity names the executor (agent or specialist id) for records and logs.
	Identity() string

	// Execute runs the stage. It returns a StructuralValidationError when its
	// own output fails shape checks, a TransientError for retryable failures
	// and a FatalError when the failure is unrecoverable.
	Execute(ctx context.Context, in Input) (*Result, error)
}

// Scope controls how much output an executor is asked to produce at once.
type Scope string

const (
	// ScopeFull requests the complete artifact in one response.
	ScopeFull Scope = "full"
	// ScopeIncremental requests one unit of output at a time. Used when a
	// monolithic response came back malformed.
	ScopeIncremental Scope = "incremental"
)

// Input is everything an executor receives for one invocation.
type Input struct {
	TaskID       string                    `json:"task_id"`
	Phase        Phase                     `json:"phase"`
	Description  string                    `json:"description"`
	Requirements []string                  `json:"requirements"`
	Attempt      int                       `json:"attempt"`
	Scope        Scope                     `json:"scope"`
	Specialist   string                    `json:"specialist,omitempty"`
	Artifacts    map[Phase]json.RawMessage `json:"artifacts,omitempty"`
	Feedback     []string                  `json:"feedback,omitempty"`
}

// Usage is the cost of one executor invocation.
type Usage struct {
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
	Cost      float64       `json:"cost"`
	Latency   time.Duration `json:"latency"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		TokensIn:  u.TokensIn + o.TokensIn,
		TokensOut: u.TokensOut + o.TokensOut,
		Cost:      u.Cost + o.Cost,
		Latency:   u.Latency + o.Latency,
	}
}

// Tokens returns total tokens consumed.
func (u Usage) Tokens() int {
	return u.TokensIn + u.TokensOut
}

// Result is a successful executor response.
type Result struct {
	Artifact json.RawMessage `json:"artifact"`
	Usage    Usage           `json:"usage"`
}

// Invoke calls e with a per-call timeout. A deadline hit inside the call is
// reported as a TransientError. The measured wall time fills Usage.Latency
// when the executor did not report it.
func Invoke(ctx context.Context, e Executor, in Input, timeout time.Duration) (*Result, time.Duration, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := e.Execute(callCtx, in)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, elapsed, &TransientError{Reason: "executor timed out after " + timeout.String(), Err: err}
		}
		return nil, elapsed, err
	}
	if res == nil {
		return nil, elapsed, &StructuralValidationError{Reason: "executor returned no result"}
	}
	if res.Usage.Latency == 0 {
		res.Usage.Latency = elapsed
	}
	return res, elapsed, nil
}

// Func adapts a function into an Executor.
type Func struct {
	ID string
	Fn func(ctx context.Context, in Input) (*Result, error)
}

// Identity returns f.ID.
func (f Func) Identity() string {
	return f.ID
}

// Execute calls f.Fn.
func (f Func) Execute(ctx context.Context, in Input) (*Result, error) {
	return f.Fn(ctx, in)
}

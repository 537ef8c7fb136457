// Package stage defines the contract between the pipeline and the external
// stage executors that generate each phase's artifact.
//
// # Overview
//
// A stage executor is an opaque capability: given an Input for one phase it
// returns a Result (the raw artifact plus token/cost usage) or a typed error.
// The pipeline never looks inside an executor; it only classifies failures:
//
//	StructuralValidationError  output failed shape checks, repairable
//	TransientError             timeout or provider unavailability, retryable
//	FatalError                 executor signalled an unrecoverable failure
//
// Unclassified errors are treated as transient. Context deadlines that expire
// while an executor runs are reported as TransientError by Invoke.
//
// # Registry
//
// Executors are registered by phase for generation phases and by specialist
// id for reviewers:
//
//	reg := stage.NewRegistry()
//	reg.Register(stage.PhasePlan, planner)
//	reg.RegisterReviewer("security", securityReviewer)
//
// # Execution records
//
// Every executor invocation is recorded as an ExecutionRecord. Records are
// append-only; the full sequence for a task is its execution history.
package stage

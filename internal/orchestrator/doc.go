// Package orchestrator drives tasks through the phase state machine.
//
// A task moves through
//
//	plan -> design -> design_review -> implement -> implement_review -> validate -> retrospective -> completed
//
// one transition per Advance call. Generation phases run their executor
// through the repair engine. Review phases fan out to specialist reviewers
// and hand the aggregated report to the quality gate, which continues,
// rewinds to the originating phase with feedback, or escalates to the
// approval gateway.
//
// An escalated task is Suspended and holds no goroutine. A later Advance
// re-reads the approval request: Approved resumes at the next phase,
// Rejected or Expired fails the task, Pending or Deferred leaves it waiting.
//
// Advance calls for the same task are serialized. Distinct tasks run
// concurrently and share only the stores.
package orchestrator

// Package review runs independent specialist reviewers against one artifact
// and aggregates their findings into a single quality-gate report.
//
// Reviewers are dispatched concurrently through a bounded worker pool. A
// failing reviewer is isolated: it contributes no findings and is listed as
// degraded on the report. The review as a whole fails only when the share of
// failed reviewers exceeds the configured fraction (default: more than half).
//
// Aggregation is commutative. Findings are sorted by severity (descending),
// then specialist and description, so arrival order never changes the report.
package review

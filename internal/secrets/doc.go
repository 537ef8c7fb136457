// Package secrets redacts credentials from executor output before it is
// persisted or logged.
//
// Remote executors echo response bodies into their errors, and those errors
// end up in execution records, terminal reports and logs. A Scrubber
// replaces every rule match with a fixed marker and counts matches per rule.
package secrets

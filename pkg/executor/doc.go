// Package executor runs individual stages of an ExecutionPlan on a worker:
// dispatch by StageType, progress reporting, and cancellation.
package executor

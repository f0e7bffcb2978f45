// Package types defines the core data structures shared by the coordinator
// and worker processes: the query/stage/worker domain model, chunk wire
// layout, and the progress/result messages exchanged between them.
package types

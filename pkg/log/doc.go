// Package log provides structured logging via zerolog: a global logger,
// JSON or console output, and component/worker/query/stage child-logger
// helpers used across the coordinator and worker processes.
package log

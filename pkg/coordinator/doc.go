// Package coordinator dispatches ExecutionPlans across the worker fleet:
// admission, DAG-ordered stage release, retry, progress fan-out, and result
// collection.
package coordinator

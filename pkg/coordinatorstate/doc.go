// Package coordinatorstate replicates coordinator control state (worker
// membership, query lifecycle) across a Raft group for coordinator HA.
package coordinatorstate

// Package launcher defines WorkerLauncher, the Autoscaler's external
// collaborator for starting and stopping worker processes, plus a
// containerd-backed implementation for the containerized deployment mode.
package launcher

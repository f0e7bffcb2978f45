// Package autoscaler evaluates cluster load on a fixed interval and drives
// a launcher.WorkerLauncher to keep worker count within configured bounds.
package autoscaler

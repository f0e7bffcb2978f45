// Package registry tracks worker membership, status, and resources for the
// control plane, and exposes the placement helpers the coordinator and
// autoscaler use to pick workers.
package registry

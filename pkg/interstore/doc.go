// Package interstore holds stage output partitions at the worker that
// produced them until the query completes or is cleaned up.
package interstore

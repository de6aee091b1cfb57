// Package observability provides logging and Prometheus metrics for the
// squarelet billing core.
package observability

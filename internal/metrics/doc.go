// Package fvtmetrics exposes gofvt traffic and verdict counters to
// Prometheus.
package fvtmetrics

// Package observability provides structured logging and metrics for the
// execution gateway.
//
// This package implements:
//   - Context-aware logging that carries the request id (zap-based)
//   - Prometheus metrics for executions, tokens, cost and limiter denials
package observability

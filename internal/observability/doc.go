// Package observability provides structured logging and in-process route
// metrics.
//
// Loggers are zap based; the context-aware Logger adds the chi request id
// to every entry. Metrics are kept in memory and exposed through the
// route metrics endpoint.
package observability

// Package logger provides structured logging with configurable log levels.
// It wraps the standard log/slog package: text output for dev and staging,
// JSON output for prod, and a bridge for libraries that still want a *log.Logger.
package logger

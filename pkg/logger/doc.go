// Package logger builds the process-wide slog logger: JSON output in prod
// for log shippers, text elsewhere, with an environment attribute on every
// line. WithComponent tags a logger with the subsystem it belongs to.
package logger

// Package logging provides structured logging for VoxBridge Core.
//
// It wraps Go's standard log/slog package to provide consistent, structured
// logging across the application: JSON output for production, text for
// development, default service/version fields, and level-based filtering.
//
// Never log secrets: bearer tokens, authorization codes, the client secret,
// and the controller token must not appear in log output.
package logging

// Package logx is a thin zerolog wrapper with runtime-reconfigurable sinks.
//
// Outputs:
//   - console (human-friendly writer)
//   - append-only log file
//   - Telegram chat (rate-limited, best-effort, never blocks callers)
//
// The Service owns sink configuration and can Apply() a new Config at any
// time; Loggers derived from it stay live across reconfiguration. The zero
// Logger value is a safe no-op.
package logx

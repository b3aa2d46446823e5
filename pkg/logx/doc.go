// Package logx configures meridian's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level/output swaps at runtime without replacing loggers held by callers
package logx

// Package logx configures lunchbot's structured logging.
//
// Logger is a small value type over zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON
//   - An optional chat sink forwards warnings to a log group (min-level + rate limited)
package logx

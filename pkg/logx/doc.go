// Package logx configures dare's structured logging.
//
// Logger is a small wrapper on top of zerolog:
//   - Console output stays readable (short timestamp, short caller)
//   - File output is JSON
//   - WithFile tees one job's records into its own file
package logx

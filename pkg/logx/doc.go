// Package logx configures the relay's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller), or JSON for containers
//   - File output JSON-structured
//   - Levels and sinks swappable at runtime (config hot reload)
package logx

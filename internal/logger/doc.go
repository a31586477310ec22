// Package logger provides a small wrapper around zap to offer:
//   - a session logger that writes to the interactive stream and a log file at once,
//   - color decoration only when the stream is a terminal,
//   - context helpers (ToContext/FromContext/WithName/WithKV/WithFields),
//   - level parsing utilities and convenience functions (Infof, ErrorKV, Die, etc.).
//
// Components never reach for a process-wide logger: they accept a context and
// extract the session logger from it.
package logger

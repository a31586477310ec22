// Package session owns the scoped lifetime of one installer run.
//
// A Session has a unique id built from the start time and the process id,
// an exclusive temporary working directory, the paths of the session log and
// the persistent error log, and the phase ledger. Close releases the temporary
// directory exactly once, on every exit path, unless it is retained.
package session

// Package recovery implements the error and recovery controller.
//
// Failures are classified into a fixed taxonomy, each category mapped to a
// process exit code. The Controller persists an Error Report for every
// failure that reaches the process boundary, runs the category recovery
// probe and, unless the probe clears the condition, drains the RollbackStack
// in reverse registration order.
//
// Probes only prepare conditions. Work that should be retried is wrapped by
// the caller in Retry; nothing here re-invokes a failed operation.
package recovery

// Package orchestrator sequences the install, update, uninstall and check
// workflows.
//
// Run is the single boundary of a session: it loads the configuration, opens
// the session (working directory, log file, phase ledger), executes the phase
// plan of the action and hands any escaping failure to the recovery
// controller, which persists the error report, runs the recovery probe and
// drains the rollback stack. Every collaborator is an interface so tests can
// replace it.
package orchestrator

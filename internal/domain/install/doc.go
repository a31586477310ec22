// Package install contains the core domain types of an installer session.
//
// It defines the requested Action, the Phase steps each action is made of,
// their PhaseStatus, and the Ledger recording how every phase of a session ended.
package install

// Package state implements persistence for the install state.
//
// The FileRepository stores and loads the InstallState as YAML on disk and
// exposes a Repository interface the orchestrator depends on. The state
// records what was installed, from which session, and how that session's
// phases ended, so a later update or uninstall can pick up from it.
package state

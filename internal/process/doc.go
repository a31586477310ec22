// Package process runs external collaborators (package managers, build and
// integration tools) through structured argument lists.
//
// Commands are never assembled into shell strings: a Command carries the
// program name and its arguments separately, so nothing is re-parsed or
// evaluated. Every call goes through the Runner interface, which lets the
// orchestrator swap in DryRunner for --dry-run and tests swap in Recorder.
package process

package install

import (
	"errors"
	"fmt"
)

// PhaseName identifies one step of a workflow.
type PhaseName string

// Phases of the install, update, uninstall and check workflows.
const (
	PhaseValidate           PhaseName = "validate"
	PhaseDependencies       PhaseName = "install_dependencies"
	PhaseDownload           PhaseName = "download"
	PhaseBuild              PhaseName = "build"
	PhaseOptimize           PhaseName = "optimize"
	PhasePackageInstall     PhaseName = "package_install"
	PhaseIntegrate          PhaseName = "integrate"
	PhaseRemovePackage      PhaseName = "remove_package"
	PhaseConfigRemoval      PhaseName = "config_removal"
	PhaseIntegrationCleanup PhaseName = "integration_cleanup"
	PhaseExistenceProbe     PhaseName = "existence_probe"
)

// PhaseStatus is the lifecycle state of a phase within a session.
type PhaseStatus string

// Phase statuses.
const (
	StatusPending PhaseStatus = "pending"
	StatusRunning PhaseStatus = "running"
	StatusSuccess PhaseStatus = "success"
	StatusFailed  PhaseStatus = "failed"
	StatusSkipped PhaseStatus = "skipped"
)

// errInvalidStatus is returned for statuses outside the supported set.
var errInvalidStatus = errors.New("invalid phase status")

// Validate reports whether the status is known.
func (s PhaseStatus) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusSkipped:
		return nil
	default:
		return fmt.Errorf("%w: %q", errInvalidStatus, string(s))
	}
}

// IsTerminal reports whether the phase will not change status anymore.
func (s PhaseStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// Phase describes one step of a workflow.
type Phase struct {
	// Name identifies the phase.
	Name PhaseName
	// Optional phases only log a warning on failure; required ones abort the session.
	Optional bool
	// Mutating phases change system state and are skipped in dry-run mode.
	Mutating bool
}

// Plan returns the ordered phase list of an action.
func Plan(action Action) ([]Phase, error) {
	switch action {
	case ActionInstall, ActionUpdate:
		// Update re-enters the install path; the orchestrator records the version transition.
		return []Phase{
			{Name: PhaseValidate},
			{Name: PhaseDependencies, Mutating: true},
			{Name: PhaseDownload, Mutating: true},
			{Name: PhaseBuild, Mutating: true},
			{Name: PhaseOptimize, Optional: true, Mutating: true},
			{Name: PhasePackageInstall, Mutating: true},
			{Name: PhaseIntegrate, Optional: true, Mutating: true},
		}, nil
	case ActionUninstall:
		return []Phase{
			{Name: PhaseRemovePackage, Mutating: true},
			{Name: PhaseConfigRemoval, Optional: true, Mutating: true},
			{Name: PhaseIntegrationCleanup, Optional: true, Mutating: true},
		}, nil
	case ActionCheck:
		return []Phase{
			{Name: PhaseValidate},
			{Name: PhaseExistenceProbe},
		}, nil
	default:
		return nil, action.Validate()
	}
}

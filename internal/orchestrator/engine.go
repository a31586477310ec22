package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/oshokin/app-installer/internal/domain/install"
	"github.com/oshokin/app-installer/internal/logger"
	"github.com/oshokin/app-installer/internal/recovery"
	"github.com/oshokin/app-installer/internal/repository/state"
)

// errUnknownPhase is returned for a phase without a handler.
var errUnknownPhase = errors.New("no handler for phase")

// phaseFunc runs one phase.
type phaseFunc func(ctx context.Context) error

// execute runs the phases in order. A required phase failure stops the plan
// and is returned with the phase name; an optional phase failure is a warning.
func (r *runner) execute(ctx context.Context, phases []install.Phase) (install.PhaseName, error) {
	ledger := r.session.Ledger

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return phase.Name, fmt.Errorf("before phase %s: %w", phase.Name, err)
		}

		phaseCtx := logger.WithKV(ctx, "phase", phase.Name)
		started := r.deps.Now()

		ledger.Start(phase.Name, started)

		if r.opts.DryRun && phase.Mutating {
			logger.Info(phaseCtx, "Dry run, phase skipped")
			ledger.Finish(phase.Name, install.StatusSkipped, nil, r.deps.Now())

			continue
		}

		logger.Info(phaseCtx, "Phase started")

		err := r.handler(phase.Name)(phaseCtx)
		finished := r.deps.Now()

		if err == nil {
			ledger.Finish(phase.Name, install.StatusSuccess, nil, finished)
			logger.InfoKV(phaseCtx, "Phase succeeded", "duration", finished.Sub(started))

			continue
		}

		ledger.Finish(phase.Name, install.StatusFailed, err, finished)

		if phase.Optional && recovery.Classify(err) != recovery.CategoryUserAbort {
			logger.WarnKV(phaseCtx, "Optional phase failed, continuing", "error", err)
			continue
		}

		logger.ErrorKV(phaseCtx, "Phase failed", "duration", finished.Sub(started), "error", err)

		return phase.Name, err
	}

	return "", nil
}

// handler returns the function of the phase.
func (r *runner) handler(name install.PhaseName) phaseFunc {
	switch name {
	case install.PhaseValidate:
		return r.validate
	case install.PhaseDependencies:
		return r.installDependencies
	case install.PhaseDownload:
		return r.download
	case install.PhaseBuild:
		return r.build
	case install.PhaseOptimize:
		return r.optimize
	case install.PhasePackageInstall:
		return r.installPackage
	case install.PhaseIntegrate:
		return r.integrate
	case install.PhaseRemovePackage:
		return r.removePackage
	case install.PhaseConfigRemoval:
		return r.removeConfiguration
	case install.PhaseIntegrationCleanup:
		return r.cleanupIntegration
	case install.PhaseExistenceProbe:
		return r.probeExistence
	default:
		return func(context.Context) error {
			return recovery.Errorf(recovery.CategoryGeneral, "run phase", "%w: %s", errUnknownPhase, name)
		}
	}
}

// loadPrevious reads the install state left by an earlier session.
func (r *runner) loadPrevious(ctx context.Context) {
	previous, err := r.deps.State.Load(ctx)

	switch {
	case errors.Is(err, state.ErrNotFound):
		logger.Debug(ctx, "No previous install state")
	case err != nil:
		logger.WarnKV(ctx, "Previous install state is unreadable, ignoring it", "error", err)
	default:
		r.previous = previous
		logger.DebugKV(ctx, "Previous install state loaded",
			"version", previous.Version,
			"installed_at", previous.InstalledAt,
			"session", previous.SessionID)
	}
}

// logTransition reports how the resolved version relates to the installed one.
func (r *runner) logTransition(ctx context.Context) {
	if r.previous == nil || r.previous.Version == "" {
		logger.InfoKV(ctx, "Installing version", "version", r.resolved.Version, "source", r.resolved.Source)
		return
	}

	kvs := []any{"from", r.previous.Version, "to", r.resolved.Version}

	previous, prevErr := goversion.NewVersion(r.previous.Version)
	next, nextErr := goversion.NewVersion(r.resolved.Version)

	switch {
	case prevErr != nil || nextErr != nil:
		logger.InfoKV(ctx, "Replacing installed version", kvs...)
	case next.GreaterThan(previous):
		logger.InfoKV(ctx, "Upgrading", kvs...)
	case next.Equal(previous):
		logger.InfoKV(ctx, "Reinstalling the installed version", kvs...)
	default:
		logger.WarnKV(ctx, "Downgrading", kvs...)
	}
}

// finish persists the outcome of a successful plan.
func (r *runner) finish(ctx context.Context) error {
	if r.opts.DryRun {
		logger.Info(ctx, "Dry run, install state not written")
		return nil
	}

	switch r.opts.Action {
	case install.ActionInstall, install.ActionUpdate:
		record := &state.InstallState{
			Package:     r.settings.App.Package,
			Version:     r.resolved.Version,
			PackagePath: r.packagePath,
			InstalledAt: r.deps.Now().UTC().Truncate(time.Second),
			SessionID:   r.session.ID,
			Action:      r.opts.Action,
			Phases:      r.session.Ledger.Records(),
		}

		if err := r.deps.State.Save(ctx, record); err != nil {
			return recovery.Wrap(classifyLocal(err), "save install state", err)
		}

		logger.DebugKV(ctx, "Install state saved", "version", record.Version)
	case install.ActionUninstall:
		if err := r.deps.State.Delete(ctx); err != nil {
			return recovery.Wrap(classifyLocal(err), "delete install state", err)
		}
	case install.ActionCheck:
	}

	return nil
}

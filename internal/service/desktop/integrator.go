package desktop

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/app-installer/internal/logger"
	"github.com/oshokin/app-installer/internal/process"
)

// Options configures an Integrator.
type Options struct {
	// Install lists the command templates run after the package is installed.
	Install [][]string
	// Cleanup lists the command templates run after the package is removed.
	Cleanup [][]string
	// Runner executes commands.
	Runner process.Runner
}

// Integrator runs integration hooks.
type Integrator struct {
	// opts is the integrator configuration.
	opts Options
}

// New creates an integrator.
func New(opts Options) *Integrator {
	return &Integrator{opts: opts}
}

// Integrate runs every install hook. All hooks are attempted; the failures are joined.
func (i *Integrator) Integrate(ctx context.Context, vars map[string]string) error {
	return i.runAll(ctx, "integrate", i.opts.Install, vars)
}

// Cleanup runs every cleanup hook. All hooks are attempted; the failures are joined.
func (i *Integrator) Cleanup(ctx context.Context, vars map[string]string) error {
	return i.runAll(ctx, "cleanup", i.opts.Cleanup, vars)
}

// runAll executes the templates in order.
func (i *Integrator) runAll(ctx context.Context, stage string, templates [][]string, vars map[string]string) error {
	if len(templates) == 0 {
		logger.DebugKV(ctx, "No desktop hooks configured", "stage", stage)

		return nil
	}

	var errs []error

	for _, template := range templates {
		if len(template) == 0 {
			continue
		}

		cmd := process.Command{
			Name:     template[0],
			Args:     process.Expand(template[1:], vars),
			Mutating: true,
		}

		if _, err := i.opts.Runner.Run(ctx, cmd); err != nil {
			logger.WarnKV(ctx, "Desktop hook failed", "stage", stage, "command", cmd.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s hook %s: %w", stage, cmd.Name, err))

			continue
		}

		logger.DebugKV(ctx, "Desktop hook finished", "stage", stage, "command", cmd.String())
	}

	return errors.Join(errs...)
}

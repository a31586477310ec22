package recovery

import (
	"context"
	"os"
	"time"

	"github.com/oshokin/app-installer/internal/logger"
)

// Outcome describes how a failure was handled.
type Outcome struct {
	// Category is the failure classification.
	Category Category
	// ExitCode is the code the process should terminate with.
	ExitCode int
	// Report is the persisted Error Report; nil on success.
	Report *Report
	// Cleared reports whether the recovery probe cleared the condition.
	Cleared bool
	// RolledBack reports whether the rollback stack was drained.
	RolledBack bool
	// RollbackErrors are the compensations that failed during the drain.
	RollbackErrors []error
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	// Reports is the persistent error log; reports are only logged when nil.
	Reports *ReportLog
	// Rollback is drained when recovery cannot clear the condition.
	Rollback *RollbackStack
	// Probes maps categories to their recovery probe.
	Probes map[Category]Probe
	// Enabled turns the recovery probes on.
	Enabled bool
	// SessionID is copied into every report.
	SessionID string
	// Environ returns the process environment; os.Environ when nil.
	Environ func() []string
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Controller handles every failure that escapes a workflow.
type Controller struct {
	// opts holds the configured collaborators.
	opts ControllerOptions
}

// NewController creates a controller. A nil rollback stack is replaced with an empty one.
func NewController(opts ControllerOptions) *Controller {
	if opts.Rollback == nil {
		opts.Rollback = NewRollbackStack()
	}

	if opts.Environ == nil {
		opts.Environ = os.Environ
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Controller{opts: opts}
}

// Rollback returns the stack compensations are registered on.
func (c *Controller) Rollback() *RollbackStack {
	return c.opts.Rollback
}

// Handle captures an Error Report, runs the category probe and, when the
// condition is not cleared, drains the rollback stack. The returned outcome
// carries the exit code mapped from the category.
func (c *Controller) Handle(ctx context.Context, err error, phase string) Outcome {
	if err == nil {
		c.opts.Rollback.Discard()
		return Outcome{Category: CategorySuccess, ExitCode: ExitSuccess}
	}

	report := NewReport(err, c.opts.SessionID, phase, c.opts.Environ(), c.opts.Now())
	outcome := Outcome{
		Category: report.Category,
		ExitCode: report.ExitCode,
		Report:   report,
	}

	logger.ErrorKV(ctx, "Session failed",
		"phase", phase,
		"category", report.Category,
		"exit_code", report.ExitCode,
		"report_id", report.ID,
		"command", report.Command,
		"location", report.Location,
		"error", err)

	if c.opts.Reports != nil {
		if appendErr := c.opts.Reports.Append(report); appendErr != nil {
			logger.ErrorKV(ctx, "Failed to persist error report", "path", c.opts.Reports.Path(), "error", appendErr)
		}
	}

	outcome.Cleared = c.probe(ctx, report.Category, err)
	if outcome.Cleared {
		logger.WarnKV(ctx, "Recovery cleared the condition, rollback skipped; re-run to resume",
			"category", report.Category,
			"pending_compensations", c.opts.Rollback.Len())

		return outcome
	}

	outcome.RollbackErrors = c.opts.Rollback.Drain(ctx)
	outcome.RolledBack = true

	return outcome
}

// probe runs the recovery probe of the category, if any.
func (c *Controller) probe(ctx context.Context, category Category, cause error) bool {
	if !c.opts.Enabled || category == CategoryUserAbort {
		return false
	}

	probe, ok := c.opts.Probes[category]
	if !ok || probe == nil {
		logger.DebugKV(ctx, "No recovery probe for category", "category", category)
		return false
	}

	logger.InfoKV(ctx, "Running recovery probe", "category", category)

	cleared, err := probe.Probe(context.WithoutCancel(ctx), cause)
	if err != nil {
		logger.WarnKV(ctx, "Recovery probe failed", "category", category, "error", err)
		return false
	}

	return cleared
}

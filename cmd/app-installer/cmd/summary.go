package cmd

import (
	"io"

	"github.com/fatih/color"

	"github.com/oshokin/app-installer/internal/domain/install"
	"github.com/oshokin/app-installer/internal/orchestrator"
)

// printSummary writes the final colored lines of a session.
func printSummary(w io.Writer, result *orchestrator.Result) {
	var (
		success = color.New(color.FgGreen, color.Bold)
		warning = color.New(color.FgYellow, color.Bold)
		failure = color.New(color.FgRed, color.Bold)
		faint   = color.New(color.Faint)
	)

	switch {
	case result.Err != nil:
		_, _ = failure.Fprintf(w, "%s failed (%s, exit code %d): %v\n",
			result.Action, result.Category, result.ExitCode, result.Err)
	case result.Action == install.ActionCheck && result.Installed:
		_, _ = success.Fprintf(w, "Application is installed (version %s)\n", result.Version)
	case result.Action == install.ActionCheck:
		_, _ = warning.Fprintln(w, "Application is not installed")
	default:
		_, _ = success.Fprintf(w, "%s completed\n", result.Action)
	}

	if result.Outcome.Cleared {
		_, _ = warning.Fprintln(w, "The condition was cleared, re-run the command to resume")
	}

	if result.SessionLog != "" {
		_, _ = faint.Fprintf(w, "Session log: %s\n", result.SessionLog)
	}

	if result.Err != nil && result.ErrorLog != "" {
		_, _ = faint.Fprintf(w, "Error log: %s\n", result.ErrorLog)
	}

	if result.RetainedDir != "" {
		_, _ = faint.Fprintf(w, "Temporary files kept in: %s\n", result.RetainedDir)
	}
}

package cmd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/app-installer/internal/domain/install"
	"github.com/oshokin/app-installer/internal/orchestrator"
	"github.com/oshokin/app-installer/internal/recovery"
)

// TestPrintSummary_Failure names both logs and the exit code.
func TestPrintSummary_Failure(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	printSummary(&out, &orchestrator.Result{
		Action:     install.ActionInstall,
		ExitCode:   recovery.ExitNetwork,
		Category:   recovery.CategoryNetwork,
		Err:        errors.New("connection refused"),
		SessionLog: "/logs/session-1.log",
		ErrorLog:   "/logs/error.log",
	})

	require.Contains(t, out.String(), "install failed (network, exit code 3): connection refused")
	require.Contains(t, out.String(), "Session log: /logs/session-1.log")
	require.Contains(t, out.String(), "Error log: /logs/error.log")
}

// TestPrintSummary_Success names the session log and the retained directory only.
func TestPrintSummary_Success(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	printSummary(&out, &orchestrator.Result{
		Action:      install.ActionUpdate,
		SessionLog:  "/logs/session-1.log",
		ErrorLog:    "/logs/error.log",
		RetainedDir: "/tmp/app-installer-1",
	})

	require.Contains(t, out.String(), "update completed")
	require.Contains(t, out.String(), "Temporary files kept in: /tmp/app-installer-1")
	require.NotContains(t, out.String(), "Error log")
}

// TestPrintSummary_Check reports presence and absence.
func TestPrintSummary_Check(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	printSummary(&out, &orchestrator.Result{Action: install.ActionCheck, Installed: true, Version: "2.0.0"})
	printSummary(&out, &orchestrator.Result{Action: install.ActionCheck, ExitCode: recovery.ExitGeneral})

	require.Contains(t, out.String(), "Application is installed (version 2.0.0)")
	require.Contains(t, out.String(), "Application is not installed")
}

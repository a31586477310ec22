package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/oshokin/app-installer/internal/domain/install"
	"github.com/oshokin/app-installer/internal/logger"
	"github.com/oshokin/app-installer/internal/orchestrator"
	"github.com/oshokin/app-installer/internal/version"
)

var (
	// flags stores the values of the persistent flags.
	flags orchestrator.Options
	// exitCode is the process exit code of the executed action.
	exitCode int

	// rootCmd represents the base command of the installer.
	rootCmd = &cobra.Command{
		Use:   version.Name,
		Short: "Install, update or remove a packaged desktop application.",
		Long: `Downloads the upstream installer of the application, turns it into a native
package and registers it with the operating system.

Every run is a session with its own temporary directory and log file. When a
step fails, an error report is appended to the error log, recovery is attempted
and the completed steps are rolled back. Exit codes: 0 success, 1 general,
2 permission, 3 network, 4 dependency, 5 build, 6 configuration, 130 interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// newActionCommand creates the subcommand that runs one workflow.
func newActionCommand(action install.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			ctx, closeLog := bootstrapLogger(ctx)
			defer closeLog()

			options := flags
			options.Action = action

			result := orchestrator.Run(ctx, &options)
			printSummary(cmd.ErrOrStderr(), result)

			exitCode = result.ExitCode

			return nil
		},
	}
}

// bootstrapLogger attaches a stream-only logger used until the session log is open.
func bootstrapLogger(ctx context.Context) (context.Context, func()) {
	level := zapcore.InfoLevel
	if parsed, ok := logger.ParseLogLevel(flags.LogLevel); ok {
		level = parsed
	}

	log, closeLog, err := logger.New(logger.Options{
		Level: logger.VerbosityLevel(flags.Verbose, flags.Quiet, level),
	})
	if err != nil {
		return ctx, func() {}
	}

	return logger.ToContext(ctx, log), func() { _ = closeLog() }
}

// Execute runs the installer CLI and exits with the code of the action.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		ctx, _ := bootstrapLogger(context.Background())
		logger.Die(ctx, "Command failed", "error", err)
	}

	os.Exit(exitCode)
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	persistent := rootCmd.PersistentFlags()
	persistent.StringVarP(&flags.ConfigPath, "config", "c", "", "path to configuration file merged over the defaults")
	persistent.StringVar(&flags.SchemaPath, "schema", "", "path to JSON schema the configuration is checked against")
	persistent.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	persistent.StringVar(&flags.LogDir, "log-dir", "", "directory for session logs and the error log")
	persistent.CountVarP(&flags.Verbose, "verbose", "v", "verbose output (debug level)")
	persistent.BoolVarP(&flags.Quiet, "quiet", "q", false, "only print errors")
	persistent.BoolVar(&flags.DryRun, "dry-run", false, "validate and log without changing the system")
	persistent.BoolVar(&flags.RetainTemp, "retain-temp", false, "keep the session temporary directory")
	persistent.BoolVarP(&flags.AssumeYes, "yes", "y", false, "answer yes to confirmations")

	rootCmd.AddCommand(
		newActionCommand(install.ActionInstall, "Download, build and install the application."),
		newActionCommand(install.ActionUpdate, "Install the latest version over the installed one."),
		newActionCommand(install.ActionUninstall, "Remove the application and its integration."),
		newActionCommand(install.ActionCheck, "Report whether the application is installed (exit 0) or not (exit 1)."),
	)
}

package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/oshokin/app-installer/internal/config"
	"github.com/oshokin/app-installer/internal/domain/install"
	"github.com/oshokin/app-installer/internal/download"
	"github.com/oshokin/app-installer/internal/logger"
	"github.com/oshokin/app-installer/internal/process"
	"github.com/oshokin/app-installer/internal/recovery"
	"github.com/oshokin/app-installer/internal/repository/state"
	"github.com/oshokin/app-installer/internal/service/build"
	"github.com/oshokin/app-installer/internal/service/desktop"
	"github.com/oshokin/app-installer/internal/service/packages"
	"github.com/oshokin/app-installer/internal/service/prompt"
	"github.com/oshokin/app-installer/internal/session"
	"github.com/oshokin/app-installer/internal/sysinfo"
	"github.com/oshokin/app-installer/internal/version"
)

const (
	// finishPhase names the state bookkeeping after the plan in error reports.
	finishPhase = "finish"
	// startupPhase names failures that happen before the session opens.
	startupPhase = "startup"
)

// Options are inputs accepted by the orchestrator entry point.
type Options struct {
	// Action is the requested workflow.
	Action install.Action
	// ConfigPath is the optional configuration file merged over the defaults.
	ConfigPath string
	// SchemaPath is the optional JSON schema the configuration is checked against.
	SchemaPath string
	// LogLevel overrides the configured log level.
	LogLevel string
	// LogDir overrides the configured log directory. It also receives the
	// error report when the configuration cannot be loaded.
	LogDir string
	// Verbose is the count of -v flags.
	Verbose int
	// Quiet only shows errors.
	Quiet bool
	// DryRun skips mutating phases.
	DryRun bool
	// RetainTemp keeps the session directory after exit.
	RetainTemp bool
	// AssumeYes answers confirmations with yes.
	AssumeYes bool
	// Stream is the interactive log output; stderr when nil.
	Stream *os.File
	// LoadOptions adjust how the configuration files are found.
	LoadOptions []config.LoadOption
	// Lookup reads environment variables; os.LookupEnv when nil.
	Lookup config.LookupFunc
	// Dependencies replace the collaborators built from the configuration.
	Dependencies Dependencies
}

// Result is what the CLI reports after a session.
type Result struct {
	// Action is the executed workflow.
	Action install.Action
	// ExitCode is the process exit code.
	ExitCode int
	// Category classifies the failure; success otherwise.
	Category recovery.Category
	// Err is the failure, if any.
	Err error
	// FailedPhase is the phase that aborted the session.
	FailedPhase string
	// SessionID identifies the session.
	SessionID string
	// SessionLog is the session log file.
	SessionLog string
	// ErrorLog is the persistent error log.
	ErrorLog string
	// RetainedDir is the kept session directory.
	RetainedDir string
	// Version is the version installed or found.
	Version string
	// Installed reports presence for the check action.
	Installed bool
	// Ledger is the phase ledger of the session.
	Ledger []install.PhaseRecord
	// Outcome is the recovery controller decision.
	Outcome recovery.Outcome
}

// runner holds the state of a single session.
type runner struct {
	// opts are the entry point inputs.
	opts *Options
	// settings is the typed configuration.
	settings *config.Settings
	// session owns the working directory and ledger.
	session *session.Session
	// controller handles escaping failures.
	controller *recovery.Controller
	// deps are the collaborators with defaults filled in.
	deps Dependencies
	// closeLog flushes and closes the session log.
	closeLog func() error

	// previous is the install state before the session.
	previous *state.InstallState
	// resolved is the version picked by the download phase.
	resolved download.Resolution
	// artifact is the downloaded installer.
	artifact string
	// packagePath is the built native package.
	packagePath string
	// installed reports presence found by the existence probe.
	installed bool
	// installedVersion is the version found by the existence probe.
	installedVersion string
}

// Run executes the session lifecycle and is the public entry point for the CLI.
// It never returns nil.
func Run(ctx context.Context, opts *Options) *Result {
	ctx = logger.WithName(ctx, version.Name)
	result := &Result{Action: opts.Action, Category: recovery.CategorySuccess}

	if err := opts.Action.Validate(); err != nil {
		return fail(ctx, opts, result, recovery.Wrap(recovery.CategoryConfiguration, "parse action", err), "")
	}

	settings, err := loadSettings(ctx, opts)
	if err != nil {
		return fail(ctx, opts, result, recovery.Wrap(recovery.CategoryConfiguration, "load configuration", err), "")
	}

	r, ctx, err := newRunner(ctx, opts, settings)
	if err != nil {
		return fail(ctx, opts, result, err, settings.Log.Dir)
	}

	result.SessionID = r.session.ID
	result.SessionLog = r.session.LogPath
	result.ErrorLog = r.session.ErrorLogPath

	defer r.cleanup(ctx, result)

	r.run(ctx, result)

	return result
}

// fail fills the result of a session that could not start and appends an
// error report to the error log of logDir, or of the fallback log directory
// when logDir is empty.
func fail(ctx context.Context, opts *Options, result *Result, err error, logDir string) *Result {
	result.Err = err
	result.FailedPhase = startupPhase
	result.Category = recovery.Classify(err)
	result.ExitCode = result.Category.ExitCode()

	logger.ErrorKV(ctx, "Session could not start", "category", result.Category, "error", err)

	if logDir == "" {
		logDir = fallbackLogDir(opts)
	}

	if logDir == "" {
		return result
	}

	environ, now := opts.Dependencies.Environ, opts.Dependencies.Now
	if environ == nil {
		environ = os.Environ
	}

	if now == nil {
		now = time.Now
	}

	reports := recovery.NewReportLog(filepath.Join(logDir, session.ErrorLogName))
	if appendErr := reports.Append(recovery.NewReport(err, "", startupPhase, environ(), now())); appendErr != nil {
		logger.WarnKV(ctx, "Failed to persist error report", "path", reports.Path(), "error", appendErr)
		return result
	}

	result.ErrorLog = reports.Path()

	return result
}

// fallbackLogDir is the log directory used when the configuration is unusable:
// the --log-dir override, otherwise the built-in default.
func fallbackLogDir(opts *Options) string {
	if opts.LogDir != "" {
		return config.ExpandPath(opts.LogDir)
	}

	defaults, err := config.Defaults()
	if err != nil {
		return ""
	}

	return config.ExpandPath(defaults.GetString("log.dir", ""))
}

// loadSettings merges the configuration sources and applies overrides:
// files first, then environment variables, then flags.
func loadSettings(ctx context.Context, opts *Options) (*config.Settings, error) {
	store, err := config.Load(ctx, opts.ConfigPath, opts.SchemaPath, opts.LoadOptions...)
	if err != nil {
		return nil, err
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if applied := store.ApplyEnvironment(ctx, lookup); len(applied) > 0 {
		logger.DebugKV(ctx, "Environment overrides applied", "variables", applied)
	}

	if opts.LogLevel != "" {
		store.Set("log.level", opts.LogLevel)
	}

	if opts.LogDir != "" {
		store.Set("log.dir", opts.LogDir)
	}

	if opts.RetainTemp {
		store.Set("session.retain_temp", true)
	}

	return store.Settings()
}

// newRunner opens the session, the session logger and the collaborators.
// The returned context carries the session logger.
func newRunner(ctx context.Context, opts *Options, settings *config.Settings) (*runner, context.Context, error) {
	sess, err := session.Open(session.Options{
		TempRoot:   settings.Session.TempRoot,
		LogDir:     settings.Log.Dir,
		LogFile:    settings.Log.File,
		RetainTemp: settings.Session.RetainTemp,
		Now:        opts.Dependencies.Now,
	})
	if err != nil {
		return nil, ctx, recovery.Wrap(classifyLocal(err), "open session", err)
	}

	level, ok := logger.ParseLogLevel(settings.Log.Level)
	if !ok {
		logger.WarnKV(ctx, "Unknown log level, using info", "level", settings.Log.Level)
	}

	log, closeLog, err := logger.New(logger.Options{
		Level:  logger.VerbosityLevel(opts.Verbose, opts.Quiet, level),
		Format: settings.Log.Format,
		Stream: opts.Stream,
		File:   sess.LogPath,
	})
	if err != nil {
		_, _ = sess.Close(ctx)
		return nil, ctx, recovery.Wrap(recovery.CategoryConfiguration, "open session log", err)
	}

	ctx = logger.WithFields(logger.ToContext(ctx, log.Named(version.Name)), "session", sess.ID, "action", opts.Action)

	r := &runner{
		opts:     opts,
		settings: settings,
		session:  sess,
		deps:     opts.Dependencies,
		closeLog: closeLog,
	}

	r.fillDependencies()

	r.controller = recovery.NewController(recovery.ControllerOptions{
		Reports:   recovery.NewReportLog(sess.ErrorLogPath),
		Probes:    r.probes(),
		Enabled:   settings.Recovery.Enabled && !opts.DryRun,
		SessionID: sess.ID,
		Environ:   r.deps.Environ,
		Now:       r.deps.Now,
	})

	logger.InfoKV(ctx, "Session started",
		"version", version.Short(),
		"temp_dir", sess.TempDir,
		"log", sess.LogPath,
		"dry_run", opts.DryRun)

	return r, ctx, nil
}

// fillDependencies builds every collaborator that was not injected.
func (r *runner) fillDependencies() {
	s := r.settings

	if r.deps.Now == nil {
		r.deps.Now = time.Now
	}

	if r.deps.Environ == nil {
		r.deps.Environ = os.Environ
	}

	if r.deps.Runner == nil {
		r.deps.Runner = process.NewExecRunner()
	}

	if r.opts.DryRun {
		r.deps.Runner = process.NewDryRunner(r.deps.Runner)
	}

	if r.deps.Packages == nil {
		r.deps.Packages = packages.New(packages.Options{
			Backend: s.Packages.Backend,
			Sudo:    s.Packages.Sudo,
			Runner:  r.deps.Runner,
		})
	}

	if r.deps.Validator == nil {
		r.deps.Validator = sysinfo.NewDetector(sysinfo.DefaultProbes(r.deps.Runner))
	}

	if r.deps.Downloader == nil {
		r.deps.Downloader = download.NewManager(download.Options{
			CacheDir:    s.Cache.Dir,
			StrictHTTPS: s.Download.StrictHTTPS,
			Verify:      s.Download.Verify,
			Retries:     s.Download.Retries,
			RetryDelay:  s.Download.RetryDelay,
			Timeout:     s.Download.Timeout,
			Lock:        s.Cache.Lock,
			Transport:   download.NewHTTPTransport(r.deps.HTTPClient, s.Download.MaxBytes),
			Version: download.VersionOptions{
				URL:     s.Download.VersionURL,
				Field:   s.Download.VersionField,
				PageURL: s.Download.VersionPageURL,
				Pattern: s.Download.VersionPattern,
				Default: s.Download.DefaultVersion,
			},
			Sleep: r.deps.Sleep,
			Now:   r.deps.Now,
		})
	}

	if r.deps.Builder == nil {
		r.deps.Builder = build.New(build.Options{
			Command:    s.Build.Command,
			Optimize:   s.Build.Optimize,
			OutputGlob: s.Build.OutputGlob,
			Runner:     r.deps.Runner,
		})
	}

	if r.deps.Integrator == nil {
		r.deps.Integrator = desktop.New(desktop.Options{
			Install: s.Integration.Install,
			Cleanup: s.Integration.Cleanup,
			Runner:  r.deps.Runner,
		})
	}

	if r.deps.Confirmer == nil {
		r.deps.Confirmer = prompt.New(prompt.Options{AssumeYes: r.opts.AssumeYes})
	}

	if r.deps.State == nil {
		r.deps.State = state.NewFileRepository(filepath.Join(s.StateDir, state.FileName))
	}
}

// probes returns the recovery probe of every category that has one.
func (r *runner) probes() map[recovery.Category]recovery.Probe {
	if r.deps.Probes != nil {
		return r.deps.Probes
	}

	s := r.settings

	return map[recovery.Category]recovery.Probe{
		recovery.CategoryNetwork: &recovery.NetworkProbe{
			URL:    s.Recovery.ConnectivityURL,
			Client: r.httpClient(),
			Delay:  s.Recovery.Delay,
			Sleep:  r.deps.Sleep,
		},
		recovery.CategoryPermission: &recovery.PermissionProbe{
			Paths: []string{s.StateDir, s.Cache.Dir},
		},
		recovery.CategoryDependency: &recovery.DependencyProbe{
			Fix: r.deps.Packages.FixBroken,
		},
		recovery.CategoryBuild: &recovery.DiskSpaceProbe{
			Path:      filepath.Dir(r.session.TempDir),
			MinFreeMB: s.Recovery.MinFreeMB,
		},
	}
}

// httpClient returns the injected client or nil for the default one.
func (r *runner) httpClient() recovery.Doer {
	if r.deps.HTTPClient == nil {
		return nil
	}

	return r.deps.HTTPClient
}

// run executes the plan and lets the controller decide the exit code.
func (r *runner) run(ctx context.Context, result *Result) {
	action := r.opts.Action

	phases, err := install.Plan(action)
	if err != nil {
		r.conclude(ctx, result, recovery.Wrap(recovery.CategoryConfiguration, "plan", err), "plan")
		return
	}

	r.session.Ledger = install.NewLedger(phases)
	r.loadPrevious(ctx)

	failed, err := r.execute(ctx, phases)
	if err != nil {
		r.conclude(ctx, result, err, string(failed))
		return
	}

	// The plan succeeded: nothing below may undo it.
	r.controller.Rollback().Discard()

	if err = r.finish(ctx); err != nil {
		r.conclude(ctx, result, err, finishPhase)
		return
	}

	r.conclude(ctx, result, nil, "")

	if action == install.ActionCheck && !r.installed {
		result.ExitCode = recovery.ExitGeneral
		result.Category = recovery.CategoryGeneral
	}
}

// conclude hands the session outcome to the controller and fills the result.
func (r *runner) conclude(ctx context.Context, result *Result, err error, phase string) {
	outcome := r.controller.Handle(ctx, err, phase)

	result.Outcome = outcome
	result.Err = err
	result.FailedPhase = phase
	result.Category = outcome.Category
	result.ExitCode = outcome.ExitCode
	result.Installed = r.installed
	result.Ledger = r.session.Ledger.Records()

	result.Version = r.resolved.Version
	if r.opts.Action == install.ActionCheck {
		result.Version = r.installedVersion
	}

	if err == nil {
		logger.InfoKV(ctx, "Session completed", "phases", r.session.Ledger.Summary())
		return
	}

	for _, rollbackErr := range outcome.RollbackErrors {
		logger.WarnKV(ctx, "Compensation failed", "error", rollbackErr)
	}
}

// cleanup closes the session exactly once and flushes the log.
func (r *runner) cleanup(ctx context.Context, result *Result) {
	retained, err := r.session.Close(ctx)
	if err != nil {
		logger.WarnKV(ctx, "Session cleanup failed", "error", err)
	}

	result.RetainedDir = retained

	if closeErr := r.closeLog(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		logger.WarnKV(ctx, "Failed to close session log", "error", closeErr)
	}
}

// classifyLocal maps a local filesystem failure to its category.
func classifyLocal(err error) recovery.Category {
	if errors.Is(err, os.ErrPermission) {
		return recovery.CategoryPermission
	}

	return recovery.CategoryGeneral
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/oshokin/app-installer/internal/logger"
	"github.com/oshokin/app-installer/internal/recovery"
	"github.com/oshokin/app-installer/internal/service/build"
)

const (
	// versionPlaceholder is substituted in download URLs and file names.
	versionPlaceholder = "{version}"
	// packagesDir holds built packages inside the cache directory.
	packagesDir = "packages"
)

// errAppRunning is returned when the application must be closed first.
var errAppRunning = errors.New("application is running, close it first")

// classified keeps an explicit or chain-derived category and assigns the
// fallback category to everything else.
func classified(category recovery.Category, op string, err error) error {
	if err == nil {
		return nil
	}

	if _, ok := recovery.Details(err); ok {
		return err
	}

	if derived := recovery.Classify(err); derived != recovery.CategoryGeneral {
		return recovery.Wrap(derived, op, err)
	}

	return recovery.Wrap(category, op, err)
}

// validate checks the system requirements and logs the detected facts.
func (r *runner) validate(ctx context.Context) error {
	logger.DebugKV(ctx, "System facts", "facts", r.deps.Validator.Summary(ctx))

	if err := r.deps.Validator.Require(ctx, r.settings.Requirements); err != nil {
		return classified(recovery.CategoryDependency, "check requirements", err)
	}

	return nil
}

// installDependencies installs missing required and optional packages.
// Optional packages that fail only produce a warning.
func (r *runner) installDependencies(ctx context.Context) error {
	deps := r.settings.Dependencies

	missing, err := r.deps.Packages.Missing(ctx, deps.Required)
	if err != nil {
		return classified(recovery.CategoryDependency, "query dependencies", err)
	}

	if len(missing) > 0 {
		r.controller.Rollback().Push("remove dependencies "+strings.Join(missing, " "), func(ctx context.Context) error {
			return r.deps.Packages.Remove(ctx, missing)
		})

		err = r.retrier().Do(ctx, "install dependencies", func(ctx context.Context) error {
			return r.deps.Packages.Install(ctx, missing)
		})
		if err != nil {
			return classified(recovery.CategoryDependency, "install dependencies", err)
		}
	} else {
		logger.Debug(ctx, "Required dependencies already installed")
	}

	optional, err := r.deps.Packages.Missing(ctx, deps.Optional)
	if err != nil {
		logger.WarnKV(ctx, "Cannot query optional dependencies", "error", err)
		return nil
	}

	for _, name := range optional {
		if err = r.deps.Packages.Install(ctx, []string{name}); err != nil {
			logger.WarnKV(ctx, "Optional dependency not installed", "package", name, "error", err)
			continue
		}

		r.controller.Rollback().Push("remove optional dependency "+name, func(ctx context.Context) error {
			return r.deps.Packages.Remove(ctx, []string{name})
		})
	}

	return nil
}

// retrier returns the bounded retry primitive configured for the session.
func (r *runner) retrier() recovery.Retrier {
	return recovery.Retrier{
		Attempts:  r.settings.Recovery.Retries,
		BaseDelay: r.settings.Recovery.Delay,
		Sleep:     r.deps.Sleep,
	}
}

// download resolves the version and fetches the vendor installer into the cache.
func (r *runner) download(ctx context.Context) error {
	r.resolved = r.deps.Downloader.ResolveVersion(ctx)
	r.logTransition(ctx)

	d := r.settings.Download
	url := strings.ReplaceAll(d.URL, versionPlaceholder, r.resolved.Version)
	dest := filepath.Join(r.settings.Cache.Dir, strings.ReplaceAll(d.Filename, versionPlaceholder, r.resolved.Version))

	record, err := r.deps.Downloader.Fetch(ctx, url, dest, d.Checksum, d.Algorithm)
	if err != nil {
		return classified(recovery.CategoryGeneral, "download installer", err)
	}

	r.artifact = record.Path

	logger.InfoKV(ctx, "Installer available", "path", record.Path, "bytes", record.Size, "from_cache", record.FromCache)

	return nil
}

// buildRequest describes the build of the resolved version.
func (r *runner) buildRequest() build.Request {
	workdir := r.settings.Build.Workdir
	if workdir == "" {
		workdir = r.session.Path("build")
	}

	return build.Request{
		Installer: r.artifact,
		Version:   r.resolved.Version,
		Workdir:   workdir,
		Output:    filepath.Join(r.settings.Cache.Dir, packagesDir, r.resolved.Version),
	}
}

// build turns the installer into a native package.
func (r *runner) build(ctx context.Context) error {
	packagePath, err := r.deps.Builder.Build(ctx, r.buildRequest())
	if err != nil {
		return classified(recovery.CategoryBuild, "build package", err)
	}

	r.packagePath = packagePath

	logger.InfoKV(ctx, "Package built", "package", packagePath)

	return nil
}

// optimize runs the optional post-build step.
func (r *runner) optimize(ctx context.Context) error {
	if !r.deps.Builder.HasOptimizer() {
		logger.Debug(ctx, "No optimizer configured")
		return nil
	}

	return classified(recovery.CategoryBuild, "optimize package",
		r.deps.Builder.Optimize(ctx, r.buildRequest(), r.packagePath))
}

// installPackage installs the built package. The compensation restores the
// previous package, or removes the new one on a fresh install.
func (r *runner) installPackage(ctx context.Context) error {
	if running, err := r.deps.Packages.Running(ctx, r.settings.App.Process); err == nil && running {
		logger.WarnKV(ctx, "Application is running, restart it after the install", "process", r.settings.App.Process)
	}

	r.controller.Rollback().Push("restore package "+r.settings.App.Package, r.restorePackage)

	if err := r.deps.Packages.InstallPackage(ctx, r.packagePath); err != nil {
		return classified(recovery.CategoryDependency, "install package", err)
	}

	installed, installedVersion, err := r.deps.Packages.IsInstalled(ctx, r.settings.App.Package)
	if err != nil {
		logger.WarnKV(ctx, "Cannot confirm the package install", "error", err)
		return nil
	}

	if !installed {
		return recovery.Errorf(recovery.CategoryDependency, "install package",
			"package %s is not registered after install", r.settings.App.Package)
	}

	logger.InfoKV(ctx, "Package installed", "package", r.settings.App.Package, "package_version", installedVersion)

	return nil
}

// restorePackage compensates installPackage.
func (r *runner) restorePackage(ctx context.Context) error {
	if r.previous != nil {
		if _, err := os.Stat(r.previous.PackagePath); r.previous.PackagePath == "" || err != nil {
			logger.WarnKV(ctx, "Previous package is gone, leaving the package as is", "path", r.previous.PackagePath)
			return nil
		}

		logger.InfoKV(ctx, "Reinstalling previous package", "version", r.previous.Version)

		return r.deps.Packages.InstallPackage(ctx, r.previous.PackagePath)
	}

	installed, _, err := r.deps.Packages.IsInstalled(ctx, r.settings.App.Package)
	if err != nil {
		return err
	}

	if !installed {
		return nil
	}

	return r.deps.Packages.RemovePackage(ctx, r.settings.App.Package)
}

// integrate runs the desktop integration hooks.
func (r *runner) integrate(ctx context.Context) error {
	return classified(recovery.CategoryGeneral, "integrate", r.deps.Integrator.Integrate(ctx, r.hookVars()))
}

// hookVars are the placeholders available to integration commands.
func (r *runner) hookVars() map[string]string {
	installedVersion := r.resolved.Version
	if installedVersion == "" && r.previous != nil {
		installedVersion = r.previous.Version
	}

	home, err := homedir.Dir()
	if err != nil {
		home = ""
	}

	return map[string]string{
		"name":         r.settings.App.Name,
		"package":      r.settings.App.Package,
		"version":      installedVersion,
		"package_path": r.packagePath,
		"session_dir":  r.session.TempDir,
		"home":         home,
	}
}

// removePackage uninstalls the application. A missing package is not an error.
func (r *runner) removePackage(ctx context.Context) error {
	pkg := r.settings.App.Package

	installed, installedVersion, err := r.deps.Packages.IsInstalled(ctx, pkg)
	if err != nil {
		return classified(recovery.CategoryDependency, "query package", err)
	}

	if !installed {
		logger.InfoKV(ctx, "Package is not installed, nothing to remove", "package", pkg)
		return nil
	}

	running, err := r.deps.Packages.Running(ctx, r.settings.App.Process)
	if err != nil {
		logger.WarnKV(ctx, "Cannot list processes", "error", err)
	}

	if running {
		return recovery.Errorf(recovery.CategoryGeneral, "remove package", "%w: %s", errAppRunning, r.settings.App.Process)
	}

	if err = r.deps.Packages.RemovePackage(ctx, pkg); err != nil {
		return classified(recovery.CategoryDependency, "remove package", err)
	}

	logger.InfoKV(ctx, "Package removed", "package", pkg, "package_version", installedVersion)

	return nil
}

// removeConfiguration deletes the user configuration after confirmation.
func (r *runner) removeConfiguration(ctx context.Context) error {
	var existing []string

	for _, dir := range r.settings.App.ConfigDirs {
		if _, err := os.Stat(dir); err == nil {
			existing = append(existing, dir)
		}
	}

	if len(existing) == 0 {
		logger.Debug(ctx, "No configuration to remove")
		return nil
	}

	question := fmt.Sprintf("Remove the configuration of %s (%s)?", r.settings.App.Name, strings.Join(existing, ", "))

	confirmed, err := r.deps.Confirmer.Confirm(ctx, question)
	if err != nil {
		return err
	}

	if !confirmed {
		logger.InfoKV(ctx, "Configuration kept", "paths", existing)
		return nil
	}

	var errs []error

	for _, dir := range existing {
		if err = os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}

		logger.InfoKV(ctx, "Configuration removed", "path", dir)
	}

	return classified(recovery.CategoryGeneral, "remove configuration", errors.Join(errs...))
}

// cleanupIntegration runs the desktop cleanup hooks.
func (r *runner) cleanupIntegration(ctx context.Context) error {
	return classified(recovery.CategoryGeneral, "cleanup integration", r.deps.Integrator.Cleanup(ctx, r.hookVars()))
}

// probeExistence checks whether the application package is installed.
func (r *runner) probeExistence(ctx context.Context) error {
	installed, installedVersion, err := r.deps.Packages.IsInstalled(ctx, r.settings.App.Package)
	if err != nil {
		return classified(recovery.CategoryDependency, "query package", err)
	}

	r.installed = installed
	r.installedVersion = installedVersion

	if installed {
		logger.InfoKV(ctx, "Application is installed", "package", r.settings.App.Package, "package_version", installedVersion)
	} else {
		logger.InfoKV(ctx, "Application is not installed", "package", r.settings.App.Package)
	}

	return nil
}

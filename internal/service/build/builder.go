package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oshokin/app-installer/internal/logger"
	"github.com/oshokin/app-installer/internal/process"
)

// Template placeholders.
const (
	VarInstaller = "installer"
	VarVersion   = "version"
	VarWorkdir   = "workdir"
	VarOutput    = "output"
	VarPackage   = "package"
)

var (
	// errNoOutput is returned when the build produced no package matching the glob.
	errNoOutput = errors.New("build produced no package")
	// errBadGlob is returned for a malformed output pattern.
	errBadGlob = errors.New("invalid output pattern")
)

// Options configures a Builder.
type Options struct {
	// Command is the build command template; the installer itself is the package when empty.
	Command []string
	// Optimize is the optional post-build command template.
	Optimize []string
	// OutputGlob selects the produced package inside the output directory.
	OutputGlob string
	// Runner executes commands.
	Runner process.Runner
}

// Request describes one build.
type Request struct {
	// Installer is the path of the downloaded vendor installer.
	Installer string
	// Version is the resolved application version.
	Version string
	// Workdir is the scratch directory of the build tool.
	Workdir string
	// Output is the directory the package is written to.
	Output string
}

// vars returns the placeholder values of the request.
func (r Request) vars() map[string]string {
	return map[string]string{
		VarInstaller: r.Installer,
		VarVersion:   r.Version,
		VarWorkdir:   r.Workdir,
		VarOutput:    r.Output,
	}
}

// Builder runs the external build and optimization tools.
type Builder struct {
	// opts is the builder configuration.
	opts Options
}

// New creates a builder.
func New(opts Options) *Builder {
	if opts.OutputGlob == "" {
		opts.OutputGlob = "*.deb"
	}

	return &Builder{opts: opts}
}

// HasOptimizer reports whether an optimize command is configured.
func (b *Builder) HasOptimizer() bool {
	return len(b.opts.Optimize) > 0
}

// Build runs the build command and returns the path of the produced package.
func (b *Builder) Build(ctx context.Context, req Request) (string, error) {
	if len(b.opts.Command) == 0 {
		logger.InfoKV(ctx, "No build command configured, installing the download as is",
			"package", req.Installer)

		return req.Installer, nil
	}

	for _, dir := range []string{req.Workdir, req.Output} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create build directory: %w", err)
		}
	}

	cmd := process.Command{
		Name:     b.opts.Command[0],
		Args:     process.Expand(b.opts.Command[1:], req.vars()),
		Dir:      req.Workdir,
		Mutating: true,
	}

	started := time.Now()

	result, err := b.opts.Runner.Run(ctx, cmd)
	if err != nil {
		return "", fmt.Errorf("build command: %w", err)
	}

	logger.DebugKV(ctx, "Build tool finished",
		"command", cmd.String(),
		"duration", time.Since(started),
		"stdout_bytes", len(result.Stdout))

	return b.locate(req.Output)
}

// Optimize runs the optimize command against a built package.
func (b *Builder) Optimize(ctx context.Context, req Request, packagePath string) error {
	if !b.HasOptimizer() {
		return nil
	}

	vars := req.vars()
	vars[VarPackage] = packagePath

	cmd := process.Command{
		Name:     b.opts.Optimize[0],
		Args:     process.Expand(b.opts.Optimize[1:], vars),
		Dir:      req.Workdir,
		Mutating: true,
	}

	if _, err := b.opts.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("optimize command: %w", err)
	}

	return nil
}

// locate returns the newest file matching the output glob.
func (b *Builder) locate(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, b.opts.OutputGlob))
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", errBadGlob, b.opts.OutputGlob, err)
	}

	var (
		newest   string
		newestAt time.Time
	)

	for _, match := range matches {
		info, statErr := os.Stat(match)
		if statErr != nil || !info.Mode().IsRegular() {
			continue
		}

		if newest == "" || info.ModTime().After(newestAt) {
			newest, newestAt = match, info.ModTime()
		}
	}

	if newest == "" {
		return "", fmt.Errorf("%w: no %s in %s", errNoOutput, b.opts.OutputGlob, dir)
	}

	return newest, nil
}

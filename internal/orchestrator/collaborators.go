package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/oshokin/app-installer/internal/download"
	"github.com/oshokin/app-installer/internal/process"
	"github.com/oshokin/app-installer/internal/recovery"
	"github.com/oshokin/app-installer/internal/repository/state"
	"github.com/oshokin/app-installer/internal/service/build"
	"github.com/oshokin/app-installer/internal/sysinfo"
)

// PackageManager installs and removes system packages.
type PackageManager interface {
	Missing(ctx context.Context, names []string) ([]string, error)
	Install(ctx context.Context, names []string) error
	Remove(ctx context.Context, names []string) error
	InstallPackage(ctx context.Context, path string) error
	RemovePackage(ctx context.Context, name string) error
	IsInstalled(ctx context.Context, name string) (bool, string, error)
	FixBroken(ctx context.Context) error
	Running(ctx context.Context, executable string) (bool, error)
}

// Downloader resolves the upstream version and fetches artifacts.
type Downloader interface {
	ResolveVersion(ctx context.Context) download.Resolution
	Fetch(ctx context.Context, rawURL, dest, checksum, algorithm string) (*download.Record, error)
}

// Builder turns the downloaded installer into a native package.
type Builder interface {
	Build(ctx context.Context, req build.Request) (string, error)
	Optimize(ctx context.Context, req build.Request, packagePath string) error
	HasOptimizer() bool
}

// Integrator runs desktop integration hooks.
type Integrator interface {
	Integrate(ctx context.Context, vars map[string]string) error
	Cleanup(ctx context.Context, vars map[string]string) error
}

// Confirmer asks yes/no questions.
type Confirmer interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Validator checks system requirements.
type Validator interface {
	Require(ctx context.Context, tokens []string) error
	Summary(ctx context.Context) map[sysinfo.Fact]string
}

// Dependencies replaces collaborators; nil fields are built from the configuration.
type Dependencies struct {
	// Runner executes external commands.
	Runner process.Runner
	// Packages is the system package manager.
	Packages PackageManager
	// Downloader fetches artifacts.
	Downloader Downloader
	// Builder builds the native package.
	Builder Builder
	// Integrator runs desktop hooks.
	Integrator Integrator
	// Confirmer answers interactive questions.
	Confirmer Confirmer
	// Validator checks requirements.
	Validator Validator
	// State persists the install state.
	State state.Repository
	// Probes replace the recovery probes per category.
	Probes map[recovery.Category]recovery.Probe
	// HTTPClient is used for downloads and the connectivity probe.
	HTTPClient *http.Client
	// Sleep waits between retries.
	Sleep recovery.SleepFunc
	// Environ returns the environment captured in error reports.
	Environ func() []string
	// Now is the clock.
	Now func() time.Time
}

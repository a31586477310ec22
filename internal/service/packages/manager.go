package packages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/app-installer/internal/logger"
	"github.com/oshokin/app-installer/internal/process"
)

const (
	// dpkgQuery answers installation status questions.
	dpkgQuery = "dpkg-query"
	// installedStatus is the dpkg status of an installed package.
	installedStatus = "install ok installed"
	// noninteractive keeps debconf from prompting.
	noninteractive = "DEBIAN_FRONTEND=noninteractive"
)

var (
	// errNoBackend is returned when no supported package manager is on PATH.
	errNoBackend = errors.New("no supported package manager found")
	// errUnsupportedBackend is returned for a forced backend outside the APT family.
	errUnsupportedBackend = errors.New("unsupported package manager")
)

// Backends lists the supported package managers in detection order.
func Backends() []string {
	return []string{"apt-get", "apt", "nala"}
}

// Options configures a Manager.
type Options struct {
	// Backend forces a package manager; detected from PATH when empty.
	Backend string
	// Sudo prefixes privileged commands with sudo when not running as root.
	Sudo bool
	// Runner executes commands.
	Runner process.Runner
	// LookPath resolves programs; exec.LookPath when nil.
	LookPath func(file string) (string, error)
	// Euid returns the effective user id; os.Geteuid when nil.
	Euid func() int
	// Processes lists running processes; ps.Processes when nil.
	Processes func() ([]ps.Process, error)
}

// Manager runs package manager operations.
type Manager struct {
	// opts holds the configuration with defaults applied.
	opts Options

	// backendOnce resolves the backend on first use.
	backendOnce sync.Once
	// backend is the resolved package manager.
	backend string
	// backendErr is the resolution failure.
	backendErr error
}

// New creates a manager. The backend is resolved lazily so read-only
// queries work on systems without a supported package manager.
func New(opts Options) *Manager {
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}

	if opts.Euid == nil {
		opts.Euid = os.Geteuid
	}

	if opts.Processes == nil {
		opts.Processes = ps.Processes
	}

	return &Manager{opts: opts}
}

// Backend returns the package manager in use.
func (m *Manager) Backend() (string, error) {
	m.backendOnce.Do(func() {
		m.backend, m.backendErr = m.resolveBackend()
	})

	return m.backend, m.backendErr
}

// resolveBackend validates the forced backend or picks the first one on PATH.
func (m *Manager) resolveBackend() (string, error) {
	forced := strings.ToLower(strings.TrimSpace(m.opts.Backend))
	if forced != "" {
		if !isSupported(forced) {
			return "", fmt.Errorf("%w: %q", errUnsupportedBackend, forced)
		}

		if _, err := m.opts.LookPath(forced); err != nil {
			return "", fmt.Errorf("forced package manager %s: %w", forced, err)
		}

		return forced, nil
	}

	for _, candidate := range Backends() {
		if _, err := m.opts.LookPath(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (tried %s)", errNoBackend, strings.Join(Backends(), ", "))
}

// isSupported reports whether the backend belongs to the APT family.
func isSupported(backend string) bool {
	for _, candidate := range Backends() {
		if candidate == backend {
			return true
		}
	}

	return false
}

// IsInstalled reports whether the package is installed and its version.
func (m *Manager) IsInstalled(ctx context.Context, name string) (bool, string, error) {
	result, err := m.opts.Runner.Run(ctx, process.Command{
		Name: dpkgQuery,
		Args: []string{"-W", "-f=${Status}\t${Version}", name},
	})
	if err != nil {
		// dpkg-query exits with 1 for packages it has never heard of.
		if exitErr, ok := process.IsExitError(err); ok && exitErr.ExitCode == 1 {
			return false, "", nil
		}

		return false, "", fmt.Errorf("query package %s: %w", name, err)
	}

	status, version, _ := strings.Cut(strings.TrimSpace(string(result.Stdout)), "\t")
	if status != installedStatus {
		return false, "", nil
	}

	return true, strings.TrimSpace(version), nil
}

// Missing returns the packages that are not installed, in input order.
func (m *Manager) Missing(ctx context.Context, names []string) ([]string, error) {
	var missing []string

	for _, name := range names {
		installed, _, err := m.IsInstalled(ctx, name)
		if err != nil {
			return nil, err
		}

		if !installed {
			missing = append(missing, name)
		}
	}

	return missing, nil
}

// Install installs packages from the repositories.
func (m *Manager) Install(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	logger.InfoKV(ctx, "Installing packages", "packages", names)

	return m.privileged(ctx, append([]string{"install", "-y"}, names...)...)
}

// Remove uninstalls packages.
func (m *Manager) Remove(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	logger.InfoKV(ctx, "Removing packages", "packages", names)

	return m.privileged(ctx, append([]string{"remove", "-y"}, names...)...)
}

// InstallPackage installs a local package file.
func (m *Manager) InstallPackage(ctx context.Context, path string) error {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve package path: %w", err)
	}

	logger.InfoKV(ctx, "Installing package file", "path", absolute)

	return m.privileged(ctx, "install", "-y", absolute)
}

// RemovePackage uninstalls one package by name.
func (m *Manager) RemovePackage(ctx context.Context, name string) error {
	return m.Remove(ctx, []string{name})
}

// FixBroken asks the package manager to repair interrupted installs.
func (m *Manager) FixBroken(ctx context.Context) error {
	logger.Info(ctx, "Fixing broken packages")

	return m.privileged(ctx, "install", "--fix-broken", "-y")
}

// Running reports whether a process with the executable name is running.
func (m *Manager) Running(_ context.Context, executable string) (bool, error) {
	if executable == "" {
		return false, nil
	}

	processes, err := m.opts.Processes()
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}

	self := os.Getpid()

	for _, p := range processes {
		if p.Pid() != self && p.Executable() == executable {
			return true, nil
		}
	}

	return false, nil
}

// privileged runs a mutating backend command, through sudo when needed.
func (m *Manager) privileged(ctx context.Context, args ...string) error {
	backend, err := m.Backend()
	if err != nil {
		return err
	}

	cmd := process.Command{Mutating: true}

	if m.opts.Sudo && m.opts.Euid() != 0 {
		cmd.Name = "sudo"
		cmd.Args = append([]string{noninteractive, backend}, args...)
	} else {
		cmd.Name = backend
		cmd.Args = args
		cmd.Env = []string{noninteractive}
	}

	if _, err = m.opts.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("%s %s: %w", backend, args[0], err)
	}

	return nil
}

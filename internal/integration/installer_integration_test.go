package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mitchellh/go-ps"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/app-installer/internal/config"
	"github.com/oshokin/app-installer/internal/domain/install"
	"github.com/oshokin/app-installer/internal/orchestrator"
	"github.com/oshokin/app-installer/internal/process"
	"github.com/oshokin/app-installer/internal/recovery"
	"github.com/oshokin/app-installer/internal/repository/state"
	"github.com/oshokin/app-installer/internal/service/packages"
)

// appPackage is the package name of the test application.
const appPackage = "example-app"

// systemRunner emulates dpkg and apt-get in memory and executes everything
// else for real.
type systemRunner struct {
	// mu guards installed and lines.
	mu sync.Mutex
	// installed maps package names to versions.
	installed map[string]string
	// lines records every command.
	lines []string
	// exec runs the commands that are not emulated.
	exec process.Runner
}

// newSystemRunner creates a runner with wget installed.
func newSystemRunner() *systemRunner {
	return &systemRunner{
		installed: map[string]string{"wget": "1.21"},
		exec:      process.NewExecRunner(),
	}
}

// Run implements process.Runner.
func (s *systemRunner) Run(ctx context.Context, cmd process.Command) (*process.Result, error) {
	s.mu.Lock()
	s.lines = append(s.lines, cmd.String())
	s.mu.Unlock()

	switch cmd.Name {
	case "dpkg-query":
		s.mu.Lock()
		defer s.mu.Unlock()

		v, ok := s.installed[cmd.Args[len(cmd.Args)-1]]
		if !ok {
			return &process.Result{ExitCode: 1}, &process.ExitError{Command: cmd.String(), ExitCode: 1}
		}

		return &process.Result{Stdout: []byte("install ok installed\t" + v)}, nil
	case "apt-get":
		s.mu.Lock()
		defer s.mu.Unlock()

		for _, arg := range cmd.Args[1:] {
			if strings.HasPrefix(arg, "-") {
				continue
			}

			name := arg
			if strings.HasSuffix(arg, ".deb") {
				name = appPackage
			}

			if cmd.Args[0] == "remove" {
				delete(s.installed, name)
			} else {
				s.installed[name] = "1:" + strings.TrimSuffix(filepath.Base(arg), ".deb")
			}
		}

		return &process.Result{}, nil
	case "lspci":
		return &process.Result{}, nil
	default:
		return s.exec.Run(ctx, cmd)
	}
}

// Lines returns the recorded commands.
func (s *systemRunner) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.lines...)
}

// upstream serves the version document and the installer over TLS.
type upstream struct {
	// server is the TLS test server.
	server *httptest.Server
	// body is the installer content.
	body []byte
	// downloads counts installer transfers.
	downloads atomic.Int32
}

// newUpstream starts the server.
func newUpstream(t *testing.T) *upstream {
	t.Helper()

	u := &upstream{body: []byte("vendor installer for 3.1.4")}

	mux := http.NewServeMux()
	mux.HandleFunc("/version.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"release":{"version":"3.1.4","date":"2026-10-01"}}`))
	})
	mux.HandleFunc("/dl/3.1.4/setup.exe", func(w http.ResponseWriter, _ *http.Request) {
		u.downloads.Add(1)
		_, _ = w.Write(u.body)
	})

	u.server = httptest.NewTLSServer(mux)
	t.Cleanup(u.server.Close)

	return u
}

// checksum returns the sha256 of the installer.
func (u *upstream) checksum() string {
	sum := sha256.Sum256(u.body)

	return hex.EncodeToString(sum[:])
}

// environment is one installer workspace.
type environment struct {
	// root is the temporary directory.
	root string
	// configPath is the configuration file.
	configPath string
	// runner emulates the system.
	runner *systemRunner
	// upstream is the download server.
	upstream *upstream
	// probes replaces the recovery probes; none run when empty.
	probes map[recovery.Category]recovery.Probe
}

// newEnvironment writes a configuration that points at the upstream server.
func newEnvironment(t *testing.T, checksum string) *environment {
	t.Helper()

	root := t.TempDir()
	up := newUpstream(t)

	if checksum == "" {
		checksum = up.checksum()
	}

	marker := filepath.Join(root, "integrated-{version}")

	document := map[string]any{
		"app": map[string]any{
			"name":        "Example App",
			"package":     appPackage,
			"process":     appPackage,
			"config_dirs": []string{filepath.Join(root, "app-config")},
		},
		"log":          map[string]any{"dir": filepath.Join(root, "logs")},
		"session":      map[string]any{"temp_root": filepath.Join(root, "tmp")},
		"state":        map[string]any{"dir": filepath.Join(root, "state")},
		"cache":        map[string]any{"dir": filepath.Join(root, "cache"), "lock": true},
		"requirements": []string{"os:" + runtime.GOOS},
		"dependencies": map[string]any{"required": []string{"wget"}, "optional": []string{"icoutils"}},
		"download": map[string]any{
			"url":           up.server.URL + "/dl/{version}/setup.exe",
			"filename":      "setup-{version}.exe",
			"checksum":      checksum,
			"algorithm":     "sha256",
			"retries":       2,
			"retry_delay":   "1ms",
			"version_url":   up.server.URL + "/version.json",
			"version_field": "release.version",
		},
		"recovery": map[string]any{"retries": 1, "delay": "1ms"},
		"packages": map[string]any{"backend": "apt-get", "sudo": true},
		"build": map[string]any{
			"command":     []string{"cp", "{installer}", "{output}/example-app_{version}.deb"},
			"output_glob": "example-app_*.deb",
		},
		"integration": map[string]any{
			"install": [][]string{{"touch", marker}},
			"cleanup": [][]string{{"rm", "-f", marker}},
		},
	}

	contents, err := json.Marshal(document)
	require.NoError(t, err)

	configPath := filepath.Join(root, "config.json")
	require.NoError(t, os.WriteFile(configPath, contents, 0o600))

	return &environment{
		root:       root,
		configPath: configPath,
		runner:     newSystemRunner(),
		upstream:   up,
		probes:     map[recovery.Category]recovery.Probe{},
	}
}

// run executes one action against the environment.
func (e *environment) run(t *testing.T, action install.Action) *orchestrator.Result {
	t.Helper()

	stream, err := os.OpenFile(filepath.Join(e.root, "stream.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)

	defer func() {
		_ = stream.Close()
	}()

	manager := packages.New(packages.Options{
		Backend:   "apt-get",
		Sudo:      true,
		Runner:    e.runner,
		LookPath:  func(file string) (string, error) { return "/usr/bin/" + file, nil },
		Euid:      func() int { return 0 },
		Processes: func() ([]ps.Process, error) { return nil, nil },
	})

	return orchestrator.Run(context.Background(), &orchestrator.Options{
		Action:      action,
		ConfigPath:  e.configPath,
		AssumeYes:   true,
		Stream:      stream,
		LoadOptions: []config.LoadOption{config.WithSiteFile(""), config.WithUserFile("")},
		Lookup:      func(string) (string, bool) { return "", false },
		Dependencies: orchestrator.Dependencies{
			Runner:     e.runner,
			Packages:   manager,
			HTTPClient: e.upstream.server.Client(),
			Probes:     e.probes,
			Sleep:      func(context.Context, time.Duration) error { return nil },
		},
	})
}

// TestInstaller_FullLifecycle installs, checks, reinstalls from cache and uninstalls.
//
//nolint:funlen // Integration test requires comprehensive setup and verification.
func TestInstaller_FullLifecycle(t *testing.T) {
	t.Parallel()

	env := newEnvironment(t, "")

	// Check before anything is installed.
	result := env.run(t, install.ActionCheck)
	require.Equal(t, recovery.ExitGeneral, result.ExitCode)
	require.NoError(t, result.Err)

	// Install downloads, builds with cp, installs and integrates.
	result = env.run(t, install.ActionInstall)
	require.NoError(t, result.Err)
	require.Equal(t, recovery.ExitSuccess, result.ExitCode)
	require.Equal(t, "3.1.4", result.Version)
	require.Equal(t, int32(1), env.upstream.downloads.Load())

	built := filepath.Join(env.root, "cache", "packages", "3.1.4", "example-app_3.1.4.deb")
	contents, err := os.ReadFile(built)
	require.NoError(t, err)
	require.Equal(t, env.upstream.body, contents)
	require.FileExists(t, filepath.Join(env.root, "integrated-3.1.4"))
	require.Contains(t, env.runner.Lines(), "apt-get install -y icoutils")
	require.Contains(t, env.runner.Lines(), "apt-get install -y "+built)

	saved, err := state.NewFileRepository(filepath.Join(env.root, "state", state.FileName)).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "3.1.4", saved.Version)
	require.Equal(t, built, saved.PackagePath)
	require.Len(t, saved.Phases, 7)

	// Check now finds the package.
	result = env.run(t, install.ActionCheck)
	require.Equal(t, recovery.ExitSuccess, result.ExitCode)
	require.True(t, result.Installed)

	// Update reuses the fresh cached installer.
	result = env.run(t, install.ActionUpdate)
	require.NoError(t, result.Err)
	require.Equal(t, int32(1), env.upstream.downloads.Load())

	// Uninstall removes the package, the integration and the state.
	result = env.run(t, install.ActionUninstall)
	require.NoError(t, result.Err)
	require.Equal(t, recovery.ExitSuccess, result.ExitCode)
	require.NoFileExists(t, filepath.Join(env.root, "integrated-3.1.4"))

	_, err = state.NewFileRepository(filepath.Join(env.root, "state", state.FileName)).Load(context.Background())
	require.ErrorIs(t, err, state.ErrNotFound)

	result = env.run(t, install.ActionCheck)
	require.Equal(t, recovery.ExitGeneral, result.ExitCode)

	sessions, err := filepath.Glob(filepath.Join(env.root, "tmp", "app-installer-*"))
	require.NoError(t, err)
	require.Empty(t, sessions)
}

// TestInstaller_ChecksumMismatch fails with the network code and leaves no artifact behind.
func TestInstaller_ChecksumMismatch(t *testing.T) {
	t.Parallel()

	env := newEnvironment(t, strings.Repeat("0", 64))

	result := env.run(t, install.ActionInstall)
	require.Equal(t, recovery.ExitNetwork, result.ExitCode)
	require.Equal(t, string(install.PhaseDownload), result.FailedPhase)
	require.NoFileExists(t, filepath.Join(env.root, "cache", "setup-3.1.4.exe"))

	reports, err := recovery.NewReportLog(result.ErrorLog).ReadAll()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, recovery.CategoryNetwork, reports[0].Category)

	// The optional dependency installed in this session was rolled back.
	require.Contains(t, env.runner.Lines(), "apt-get remove -y icoutils")
}

// TestInstaller_ChecksumMismatchRollsBackWhenOnline verifies a reachable network
// does not clear a checksum mismatch, so the session is still rolled back.
func TestInstaller_ChecksumMismatchRollsBackWhenOnline(t *testing.T) {
	t.Parallel()

	env := newEnvironment(t, strings.Repeat("0", 64))
	env.probes = map[recovery.Category]recovery.Probe{
		recovery.CategoryNetwork: &recovery.NetworkProbe{
			URL:    env.upstream.server.URL + "/version.json",
			Client: env.upstream.server.Client(),
			Sleep:  func(context.Context, time.Duration) error { return nil },
		},
	}

	result := env.run(t, install.ActionInstall)
	require.Equal(t, recovery.ExitNetwork, result.ExitCode)
	require.False(t, result.Outcome.Cleared)
	require.True(t, result.Outcome.RolledBack)
	require.Contains(t, env.runner.Lines(), "apt-get remove -y icoutils")
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/app-installer/internal/config"
	"github.com/oshokin/app-installer/internal/domain/install"
	"github.com/oshokin/app-installer/internal/download"
	"github.com/oshokin/app-installer/internal/recovery"
	"github.com/oshokin/app-installer/internal/repository/state"
	"github.com/oshokin/app-installer/internal/service/build"
	"github.com/oshokin/app-installer/internal/sysinfo"
)

// testPackage is the package name used by the test configuration.
const testPackage = "example-app"

// fakePackages is an in-memory package manager.
type fakePackages struct {
	// mu guards the fields below.
	mu sync.Mutex
	// installed maps package names to versions.
	installed map[string]string
	// calls lists the mutating operations in order.
	calls []string
	// installErr fails Install.
	installErr error
	// installPackageErr fails InstallPackage.
	installPackageErr error
	// removeErr fails Remove.
	removeErr error
	// running reports the application as running.
	running bool
}

// newFakePackages creates a package manager with the given packages installed.
func newFakePackages(installed map[string]string) *fakePackages {
	if installed == nil {
		installed = make(map[string]string)
	}

	return &fakePackages{installed: installed}
}

// record appends a call.
func (f *fakePackages) record(call string) {
	f.calls = append(f.calls, call)
}

// Calls returns the recorded calls.
func (f *fakePackages) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

// Missing implements PackageManager.
func (f *fakePackages) Missing(_ context.Context, names []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var missing []string

	for _, name := range names {
		if _, ok := f.installed[name]; !ok {
			missing = append(missing, name)
		}
	}

	return missing, nil
}

// Install implements PackageManager.
func (f *fakePackages) Install(_ context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("install " + strings.Join(names, " "))

	if f.installErr != nil {
		return f.installErr
	}

	for _, name := range names {
		f.installed[name] = "1.0"
	}

	return nil
}

// Remove implements PackageManager. It fails on a canceled context.
func (f *fakePackages) Remove(ctx context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("remove " + strings.Join(names, " "))

	if err := ctx.Err(); err != nil {
		return err
	}

	if f.removeErr != nil {
		return f.removeErr
	}

	for _, name := range names {
		delete(f.installed, name)
	}

	return nil
}

// InstallPackage implements PackageManager.
func (f *fakePackages) InstallPackage(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("install-package " + filepath.Base(path))

	if f.installPackageErr != nil {
		return f.installPackageErr
	}

	f.installed[testPackage] = strings.TrimSuffix(filepath.Base(path), ".deb")

	return nil
}

// RemovePackage implements PackageManager.
func (f *fakePackages) RemovePackage(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("remove-package " + name)
	delete(f.installed, name)

	return nil
}

// IsInstalled implements PackageManager.
func (f *fakePackages) IsInstalled(_ context.Context, name string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.installed[name]

	return ok, v, nil
}

// FixBroken implements PackageManager.
func (f *fakePackages) FixBroken(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("fix-broken")

	return nil
}

// Running implements PackageManager.
func (f *fakePackages) Running(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.running, nil
}

// fakeDownloader returns a fixed version and pretends to fetch.
type fakeDownloader struct {
	// version is the resolved version.
	version string
	// fetchErr fails Fetch.
	fetchErr error
	// fetched lists the fetched URLs.
	fetched []string
}

// ResolveVersion implements Downloader.
func (f *fakeDownloader) ResolveVersion(context.Context) download.Resolution {
	return download.Resolution{Version: f.version, Source: download.SourceStructured}
}

// Fetch implements Downloader.
func (f *fakeDownloader) Fetch(_ context.Context, rawURL, dest, checksum, algorithm string) (*download.Record, error) {
	f.fetched = append(f.fetched, rawURL)

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	return &download.Record{URL: rawURL, Path: dest, Checksum: checksum, Algorithm: algorithm, Size: 42}, nil
}

// fakeBuilder produces a package named after the version.
type fakeBuilder struct {
	// buildErr fails Build.
	buildErr error
	// optimizeErr fails Optimize.
	optimizeErr error
	// optimizer reports an optimize command.
	optimizer bool
	// onBuild runs at the start of Build.
	onBuild func()
	// requests lists the build requests.
	requests []build.Request
	// optimized counts Optimize calls.
	optimized int
}

// Build implements Builder.
func (f *fakeBuilder) Build(ctx context.Context, req build.Request) (string, error) {
	f.requests = append(f.requests, req)

	if f.onBuild != nil {
		f.onBuild()
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if f.buildErr != nil {
		return "", f.buildErr
	}

	return filepath.Join(req.Output, req.Version+".deb"), nil
}

// Optimize implements Builder.
func (f *fakeBuilder) Optimize(context.Context, build.Request, string) error {
	f.optimized++

	return f.optimizeErr
}

// HasOptimizer implements Builder.
func (f *fakeBuilder) HasOptimizer() bool {
	return f.optimizer
}

// fakeIntegrator counts hook runs.
type fakeIntegrator struct {
	// integrated lists the vars of Integrate calls.
	integrated []map[string]string
	// cleaned lists the vars of Cleanup calls.
	cleaned []map[string]string
	// err fails both operations.
	err error
}

// Integrate implements Integrator.
func (f *fakeIntegrator) Integrate(_ context.Context, vars map[string]string) error {
	f.integrated = append(f.integrated, vars)

	return f.err
}

// Cleanup implements Integrator.
func (f *fakeIntegrator) Cleanup(_ context.Context, vars map[string]string) error {
	f.cleaned = append(f.cleaned, vars)

	return f.err
}

// fakeConfirmer answers with a fixed value.
type fakeConfirmer struct {
	// answer is returned for every question.
	answer bool
	// err fails every question.
	err error
	// asked lists the questions.
	asked []string
}

// Confirm implements Confirmer.
func (f *fakeConfirmer) Confirm(_ context.Context, question string) (bool, error) {
	f.asked = append(f.asked, question)

	return f.answer, f.err
}

// fakeValidator fails with a fixed error.
type fakeValidator struct {
	// err fails Require.
	err error
}

// Require implements Validator.
func (f *fakeValidator) Require(context.Context, []string) error {
	return f.err
}

// Summary implements Validator.
func (f *fakeValidator) Summary(context.Context) map[sysinfo.Fact]string {
	return map[sysinfo.Fact]string{sysinfo.FactOS: "linux"}
}

// memoryRepository keeps the install state in memory.
type memoryRepository struct {
	// mu guards current.
	mu sync.Mutex
	// current is the stored state.
	current *state.InstallState
	// deleted counts Delete calls.
	deleted int
}

// Load implements state.Repository.
func (m *memoryRepository) Load(context.Context) (*state.InstallState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, state.ErrNotFound
	}

	return m.current.Clone(), nil
}

// Save implements state.Repository.
func (m *memoryRepository) Save(_ context.Context, s *state.InstallState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = s.Clone()

	return nil
}

// Delete implements state.Repository.
func (m *memoryRepository) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = nil
	m.deleted++

	return nil
}

// fixture wires a session against fakes inside a temporary directory.
type fixture struct {
	// root is the temporary directory of the test.
	root string
	// configPath is the written configuration file.
	configPath string
	// packages is the fake package manager.
	packages *fakePackages
	// downloader is the fake downloader.
	downloader *fakeDownloader
	// builder is the fake builder.
	builder *fakeBuilder
	// integrator is the fake integrator.
	integrator *fakeIntegrator
	// confirmer is the fake confirmer.
	confirmer *fakeConfirmer
	// validator is the fake validator.
	validator *fakeValidator
	// state is the in-memory install state.
	state *memoryRepository
	// probes replaces the recovery probes.
	probes map[recovery.Category]recovery.Probe
}

// newFixture writes a configuration rooted in a temp dir and creates the fakes.
func newFixture(t *testing.T, overrides map[string]any) *fixture {
	t.Helper()

	root := t.TempDir()

	document := map[string]any{
		"app": map[string]any{
			"package":     testPackage,
			"config_dirs": []string{filepath.Join(root, "app-config")},
		},
		"log":          map[string]any{"dir": filepath.Join(root, "logs")},
		"session":      map[string]any{"temp_root": filepath.Join(root, "tmp")},
		"state":        map[string]any{"dir": filepath.Join(root, "state")},
		"cache":        map[string]any{"dir": filepath.Join(root, "cache")},
		"requirements": []string{"os:linux"},
		"dependencies": map[string]any{
			"required": []string{"p7zip-full", "wget"},
			"optional": []string{"icoutils"},
		},
		"recovery":     map[string]any{"retries": 2, "delay": "1ms"},
	}

	for key, value := range overrides {
		document[key] = value
	}

	contents, err := json.Marshal(document)
	require.NoError(t, err)

	configPath := filepath.Join(root, "config.json")
	require.NoError(t, os.WriteFile(configPath, contents, 0o600))

	return &fixture{
		root:       root,
		configPath: configPath,
		packages:   newFakePackages(map[string]string{"wget": "1.21"}),
		downloader: &fakeDownloader{version: "2.0.0"},
		builder:    &fakeBuilder{},
		integrator: &fakeIntegrator{},
		confirmer:  &fakeConfirmer{},
		validator:  &fakeValidator{},
		state:      &memoryRepository{},
		probes:     map[recovery.Category]recovery.Probe{},
	}
}

// options builds the orchestrator options of the action.
func (f *fixture) options(t *testing.T, action install.Action) *Options {
	t.Helper()

	stream, err := os.Create(filepath.Join(f.root, "stream.log"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = stream.Close() })

	return &Options{
		Action:      action,
		ConfigPath:  f.configPath,
		LogDir:      filepath.Join(f.root, "logs"),
		Stream:      stream,
		LoadOptions: []config.LoadOption{config.WithSiteFile(""), config.WithUserFile("")},
		Lookup:      func(string) (string, bool) { return "", false },
		Dependencies: Dependencies{
			Packages:   f.packages,
			Downloader: f.downloader,
			Builder:    f.builder,
			Integrator: f.integrator,
			Confirmer:  f.confirmer,
			Validator:  f.validator,
			State:      f.state,
			Probes:     f.probes,
			Sleep:      func(context.Context, time.Duration) error { return nil },
			Environ:    func() []string { return []string{"PATH=/usr/bin"} },
		},
	}
}

// sessionDirs lists the session directories left in the temp root.
func (f *fixture) sessionDirs(t *testing.T) []string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(f.root, "tmp", "app-installer-*"))
	require.NoError(t, err)

	return matches
}

// statuses maps the ledger to phase statuses.
func statuses(records []install.PhaseRecord) map[install.PhaseName]install.PhaseStatus {
	result := make(map[install.PhaseName]install.PhaseStatus, len(records))
	for _, record := range records {
		result[record.Name] = record.Status
	}

	return result
}

// errBoom is a generic collaborator failure.
var errBoom = errors.New("boom")

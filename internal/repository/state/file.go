package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/app-installer/internal/config"
	"github.com/oshokin/app-installer/internal/domain/install"
)

// FileName is the state file name inside the state directory.
const FileName = "state.yaml"

// InstallState is what the installer remembers between runs.
type InstallState struct {
	// Package is the native package name.
	Package string `yaml:"package"`
	// Version is the installed upstream version.
	Version string `yaml:"version"`
	// PackagePath is the built package that was installed.
	PackagePath string `yaml:"package_path,omitempty"`
	// InstalledAt is when the package was installed.
	InstalledAt time.Time `yaml:"installed_at"`
	// SessionID is the session that wrote the state.
	SessionID string `yaml:"session_id"`
	// Action is the action of that session.
	Action install.Action `yaml:"action"`
	// Phases is the ledger of that session.
	Phases []install.PhaseRecord `yaml:"phases,omitempty"`
}

// Clone returns a copy of the state to avoid leaking internal references.
func (s *InstallState) Clone() *InstallState {
	if s == nil {
		return nil
	}

	cloned := *s
	cloned.Phases = append([]install.PhaseRecord(nil), s.Phases...)

	return &cloned
}

// Repository defines persistence operations for the install state.
type Repository interface {
	Load(ctx context.Context) (*InstallState, error)
	Save(ctx context.Context, state *InstallState) error
	Delete(ctx context.Context) error
}

// FileRepository persists the install state to a YAML file on disk.
type FileRepository struct {
	// path is the filesystem location of the YAML state file.
	path string
	// mu protects concurrent access to the state file.
	mu sync.Mutex
}

// ErrNotFound is returned when the state file does not exist yet.
var ErrNotFound = errors.New("state not found")

// NewFileRepository creates a repository that reads/writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Path returns the state file location.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the state from disk.
func (r *FileRepository) Load(_ context.Context) (*InstallState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state InstallState
	if err = yaml.Unmarshal(contents, &state); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}

	return &state, nil
}

// Save writes the state to disk, replacing the previous file through a rename.
func (r *FileRepository) Save(_ context.Context, state *InstallState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(r.path), config.DefaultDirPermissions); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	temporary := r.path + ".tmp"
	if err = os.WriteFile(temporary, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	if err = os.Rename(temporary, r.path); err != nil {
		_ = os.Remove(temporary)
		return fmt.Errorf("write state file: %w", err)
	}

	return nil
}

// Delete removes the state file. A missing file is not an error.
func (r *FileRepository) Delete(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete state file: %w", err)
	}

	return nil
}

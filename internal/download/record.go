package download

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// recordSuffix is appended to an artifact path to get its sidecar record.
	recordSuffix = ".record.yaml"
	// versionCacheName is the version probe cache file inside the cache directory.
	versionCacheName = "version.yaml"
	// cacheFilePermissions is used for records and the version cache.
	cacheFilePermissions = 0o600
	// cacheDirPermissions is used when the cache directory must be created.
	cacheDirPermissions = 0o750
)

// Record describes a cached artifact.
type Record struct {
	// URL is where the artifact was downloaded from.
	URL string `yaml:"url"`
	// Path is the local artifact path.
	Path string `yaml:"path"`
	// Checksum is the hex digest of the artifact.
	Checksum string `yaml:"checksum,omitempty"`
	// Algorithm is the digest algorithm of Checksum.
	Algorithm string `yaml:"algorithm,omitempty"`
	// Size is the artifact size in bytes.
	Size int64 `yaml:"size"`
	// CachedAt is when the artifact was committed.
	CachedAt time.Time `yaml:"cached_at"`
	// FromCache is set when Fetch reused the artifact without downloading.
	FromCache bool `yaml:"-"`
}

// RecordPath returns the sidecar record path of an artifact.
func RecordPath(artifact string) string {
	return artifact + recordSuffix
}

// ReadRecord loads the sidecar record of an artifact.
func ReadRecord(artifact string) (*Record, error) {
	var record Record
	if err := readYAML(RecordPath(artifact), &record); err != nil {
		return nil, err
	}

	return &record, nil
}

// writeRecord stores the sidecar record of an artifact.
func writeRecord(record *Record) error {
	return writeYAML(RecordPath(record.Path), record)
}

// VersionCache is the last resolved upstream version.
type VersionCache struct {
	// Version is the resolved version.
	Version string `yaml:"version"`
	// Source names the lookup that produced it.
	Source string `yaml:"source"`
	// ResolvedAt is when it was resolved.
	ResolvedAt time.Time `yaml:"resolved_at"`
}

// readYAML decodes a YAML file into out.
func readYAML(path string, out any) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}

	if err = yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	return nil
}

// writeYAML encodes value into a file, replacing it through a rename.
func writeYAML(path string, value any) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	if err = os.MkdirAll(filepath.Dir(path), cacheDirPermissions); err != nil {
		return err
	}

	temporary := path + ".tmp"
	if err = os.WriteFile(temporary, data, cacheFilePermissions); err != nil {
		return err
	}

	if err = os.Rename(temporary, path); err != nil {
		_ = os.Remove(temporary)
		return err
	}

	return nil
}

// removeIfExists deletes a file, ignoring a missing one.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

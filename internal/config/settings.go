package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults used when a typed setting is missing from every document.
const (
	defaultRetries       = 3
	defaultRetryDelay    = 5 * time.Second
	defaultRecoveryDelay = 2 * time.Second
	defaultTimeout       = 10 * time.Minute
	defaultMinFreeMB     = 2048
)

// errInvalidSettings is returned when the merged configuration breaks a hard invariant.
var errInvalidSettings = errors.New("invalid configuration")

// Settings is the typed view of the configuration handed to other components.
type Settings struct {
	// App describes the application being installed.
	App AppSettings
	// Log configures the session logger.
	Log LogSettings
	// Session configures the temporary working directory.
	Session SessionSettings
	// StateDir holds the install state file.
	StateDir string `validate:"required"`
	// Requirements are the system requirement tokens checked before mutating anything.
	Requirements []string
	// Dependencies are the system packages the build needs.
	Dependencies DependencySettings
	// Download configures the installer artifact and version lookup.
	Download DownloadSettings
	// Cache configures the shared artifact cache.
	Cache CacheSettings
	// Recovery configures the error recovery controller.
	Recovery RecoverySettings
	// Packages configures the system package manager backend.
	Packages PackageSettings
	// Build configures the external package builder.
	Build BuildSettings
	// Integration lists desktop integration commands.
	Integration IntegrationSettings
}

// AppSettings describes the installed application.
type AppSettings struct {
	// Name is the human-readable application name.
	Name string `validate:"required"`
	// Package is the native package name registered with the OS.
	Package string `validate:"required"`
	// Process is the executable name used to detect a running instance.
	Process string
	// ConfigDirs are removed on uninstall after confirmation.
	ConfigDirs []string
}

// LogSettings configures the session logger.
type LogSettings struct {
	// Level is the minimum level written.
	Level string `validate:"oneof=debug info warn warning error fatal"`
	// Format is the interactive stream format.
	Format string `validate:"oneof=console json"`
	// File overrides the session log file path.
	File string
	// Dir is where session logs and the error log are written.
	Dir string `validate:"required"`
}

// SessionSettings configures the temporary working directory.
type SessionSettings struct {
	// TempRoot is the parent of the session directory; the system temp dir when empty.
	TempRoot string
	// RetainTemp keeps the session directory after exit.
	RetainTemp bool
}

// DependencySettings lists system packages.
type DependencySettings struct {
	// Required packages abort the install when they cannot be installed.
	Required []string
	// Optional packages only produce a warning.
	Optional []string
}

// DownloadSettings configures the installer artifact download.
type DownloadSettings struct {
	// URL is the artifact location; {version} is substituted.
	URL string `validate:"required"`
	// Filename is the cached artifact name; {version} is substituted.
	Filename string `validate:"required"`
	// Checksum is the expected hex digest; empty skips verification.
	Checksum string `validate:"omitempty,hexadecimal"`
	// Algorithm is the digest algorithm of Checksum.
	Algorithm string `validate:"oneof=md5 sha1 sha256 sha512"`
	// Verify enables checksum verification.
	Verify bool
	// StrictHTTPS rejects non-HTTPS URLs.
	StrictHTTPS bool
	// Retries is the number of transfer attempts.
	Retries int `validate:"min=1"`
	// RetryDelay is the linear backoff step between attempts.
	RetryDelay time.Duration `validate:"min=0"`
	// Timeout bounds a single transfer attempt.
	Timeout time.Duration `validate:"min=0"`
	// MaxBytes rejects larger responses; zero disables the limit.
	MaxBytes int64 `validate:"min=0"`
	// VersionURL returns a JSON document holding the latest version.
	VersionURL string `validate:"omitempty,url"`
	// VersionField is the dotted path of the version inside the VersionURL document.
	VersionField string
	// VersionPageURL is scraped with VersionPattern when the structured lookup fails.
	VersionPageURL string `validate:"omitempty,url"`
	// VersionPattern is a regular expression whose first group is the version.
	VersionPattern string
	// DefaultVersion is used when every lookup fails.
	DefaultVersion string `validate:"required"`
}

// CacheSettings configures the shared artifact cache.
type CacheSettings struct {
	// Dir holds cached artifacts and the version cache.
	Dir string `validate:"required"`
	// Lock takes an exclusive file lock around fetches.
	Lock bool
}

// RecoverySettings configures the error recovery controller.
type RecoverySettings struct {
	// Enabled turns the category recovery probes on.
	Enabled bool
	// Retries is the attempt count of the bounded retry primitive.
	Retries int `validate:"min=1"`
	// Delay seeds the exponential backoff and the network probe pause.
	Delay time.Duration `validate:"min=0"`
	// ConnectivityURL is probed by the network recovery.
	ConnectivityURL string `validate:"omitempty,url"`
	// MinFreeMB is the free space the build probe expects in the temp root.
	MinFreeMB int `validate:"min=0"`
}

// PackageSettings configures the package manager backend.
type PackageSettings struct {
	// Backend forces apt-get, apt or nala; detected from PATH when empty.
	Backend string `validate:"omitempty,oneof=apt-get apt nala"`
	// Sudo prefixes privileged commands with sudo when not running as root.
	Sudo bool
}

// BuildSettings configures the external package builder.
type BuildSettings struct {
	// Command is the build argument list with placeholders.
	Command []string
	// Workdir is the build directory; the session temp dir when empty.
	Workdir string
	// OutputGlob locates the produced package inside the build output directory.
	OutputGlob string `validate:"required"`
	// Optimize is an optional post-build command with placeholders.
	Optimize []string
}

// IntegrationSettings lists desktop integration commands.
type IntegrationSettings struct {
	// Install commands run after the package is installed.
	Install [][]string
	// Cleanup commands run after the package is removed.
	Cleanup [][]string
}

// Settings builds the typed view of the store and validates its hard invariants.
func (s *Store) Settings() (*Settings, error) {
	settings := &Settings{
		App: AppSettings{
			Name:       s.GetString("app.name", ""),
			Package:    s.GetString("app.package", ""),
			Process:    s.GetString("app.process", ""),
			ConfigDirs: expandAll(s.GetArray("app.config_dirs", nil)),
		},
		Log: LogSettings{
			Level:  strings.ToLower(s.GetString("log.level", "info")),
			Format: strings.ToLower(s.GetString("log.format", "console")),
			File:   ExpandPath(s.GetString("log.file", "")),
			Dir:    ExpandPath(s.GetString("log.dir", "")),
		},
		Session: SessionSettings{
			TempRoot:   ExpandPath(s.GetString("session.temp_root", "")),
			RetainTemp: s.GetBool("session.retain_temp", false),
		},
		StateDir:     ExpandPath(s.GetString("state.dir", "")),
		Requirements: s.GetArray("requirements", nil),
		Dependencies: DependencySettings{
			Required: s.GetArray("dependencies.required", nil),
			Optional: s.GetArray("dependencies.optional", nil),
		},
		Download: DownloadSettings{
			URL:            s.GetString("download.url", ""),
			Filename:       s.GetString("download.filename", ""),
			Checksum:       strings.ToLower(s.GetString("download.checksum", "")),
			Algorithm:      strings.ToLower(s.GetString("download.algorithm", "sha256")),
			Verify:         s.GetBool("download.verify", true),
			StrictHTTPS:    s.GetBool("download.strict_https", true),
			Retries:        s.GetInt("download.retries", defaultRetries),
			RetryDelay:     s.GetDuration("download.retry_delay", defaultRetryDelay),
			Timeout:        s.GetDuration("download.timeout", defaultTimeout),
			MaxBytes:       int64(s.GetInt("download.max_bytes", 0)),
			VersionURL:     s.GetString("download.version_url", ""),
			VersionField:   s.GetString("download.version_field", "version"),
			VersionPageURL: s.GetString("download.version_page_url", ""),
			VersionPattern: s.GetString("download.version_pattern", ""),
			DefaultVersion: s.GetString("download.default_version", ""),
		},
		Cache: CacheSettings{
			Dir:  ExpandPath(s.GetString("cache.dir", "")),
			Lock: s.GetBool("cache.lock", false),
		},
		Recovery: RecoverySettings{
			Enabled:         s.GetBool("recovery.enabled", true),
			Retries:         s.GetInt("recovery.retries", defaultRetries),
			Delay:           s.GetDuration("recovery.delay", defaultRecoveryDelay),
			ConnectivityURL: s.GetString("recovery.connectivity_url", ""),
			MinFreeMB:       s.GetInt("recovery.min_free_mb", defaultMinFreeMB),
		},
		Packages: PackageSettings{
			Backend: strings.ToLower(s.GetString("packages.backend", "")),
			Sudo:    s.GetBool("packages.sudo", true),
		},
		Build: BuildSettings{
			Command:    s.GetArray("build.command", nil),
			Workdir:    ExpandPath(s.GetString("build.workdir", "")),
			OutputGlob: s.GetString("build.output_glob", "*.deb"),
			Optimize:   s.GetArray("build.optimize", nil),
		},
		Integration: IntegrationSettings{
			Install: s.GetCommands("integration.install"),
			Cleanup: s.GetCommands("integration.cleanup"),
		},
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// ValidateSettings checks the struct tags of the typed settings.
func ValidateSettings(settings *Settings) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	err := validate.Struct(settings)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %w", errInvalidSettings, err)
	}

	problems := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		problems = append(problems, fmt.Sprintf("%s fails %q (value %v)",
			fieldErr.Namespace(), fieldErr.ActualTag(), fieldErr.Value()))
	}

	return fmt.Errorf("%w: %s", errInvalidSettings, strings.Join(problems, "; "))
}

// IsInvalidSettings reports whether err was produced by settings validation.
func IsInvalidSettings(err error) bool {
	return errors.Is(err, errInvalidSettings)
}

// expandAll applies ExpandPath to every element.
func expandAll(paths []string) []string {
	expanded := make([]string, 0, len(paths))
	for _, path := range paths {
		expanded = append(expanded, ExpandPath(path))
	}

	return expanded
}

package recovery

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// reportFilePermissions restricts the error log to the invoking user.
	reportFilePermissions = 0o600
	// reportDirPermissions is used when the error log directory must be created.
	reportDirPermissions = 0o750
	// envPrefix selects the installer's own variables for the snapshot.
	envPrefix = "APP_INSTALLER_"
)

// snapshotVariables are the environment variables copied into every report.
//
//nolint:gochecknoglobals // Read-only allowlist.
var snapshotVariables = map[string]struct{}{
	"PATH":                {},
	"HOME":                {},
	"USER":                {},
	"SHELL":               {},
	"LANG":                {},
	"SUDO_USER":           {},
	"DISPLAY":             {},
	"WAYLAND_DISPLAY":     {},
	"XDG_CURRENT_DESKTOP": {},
	"XDG_SESSION_TYPE":    {},
	"DESKTOP_SESSION":     {},
}

// Report is the persisted description of one failure.
type Report struct {
	// ID identifies the report in the error log.
	ID string `yaml:"id"`
	// Timestamp is when the failure was handled.
	Timestamp time.Time `yaml:"timestamp"`
	// SessionID links the report to the session log.
	SessionID string `yaml:"session_id,omitempty"`
	// Phase is the workflow phase that failed.
	Phase string `yaml:"phase,omitempty"`
	// Category is the failure classification.
	Category Category `yaml:"category"`
	// ExitCode is the code the process terminates with.
	ExitCode int `yaml:"exit_code"`
	// Message is the full error text.
	Message string `yaml:"message"`
	// Op is the failed operation, when known.
	Op string `yaml:"op,omitempty"`
	// Command is the failing external command line, when one failed.
	Command string `yaml:"command,omitempty"`
	// Location is the source file:line that classified the failure.
	Location string `yaml:"location,omitempty"`
	// Function is the function that classified the failure.
	Function string `yaml:"function,omitempty"`
	// Environment is a filtered snapshot of the process environment.
	Environment map[string]string `yaml:"environment,omitempty"`
}

// NewReport captures the failure details of err.
func NewReport(err error, sessionID, phase string, environ []string, now time.Time) *Report {
	category := Classify(err)

	report := &Report{
		ID:          uuid.NewString(),
		Timestamp:   now.UTC(),
		SessionID:   sessionID,
		Phase:       phase,
		Category:    category,
		ExitCode:    category.ExitCode(),
		Environment: EnvironmentSnapshot(environ),
	}

	if err != nil {
		report.Message = err.Error()
	}

	if details, ok := Details(err); ok {
		report.Op = details.Op
		report.Command = details.Command
		report.Location = details.Location
		report.Function = details.Function
	}

	return report
}

// EnvironmentSnapshot keeps the allowlisted and installer-specific variables.
func EnvironmentSnapshot(environ []string) map[string]string {
	snapshot := make(map[string]string)

	for _, entry := range environ {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}

		if _, allowed := snapshotVariables[key]; allowed || strings.HasPrefix(key, envPrefix) {
			snapshot[key] = value
		}
	}

	return snapshot
}

// ReportLog is the persistent, append-only error log.
// Reports are stored as a stream of YAML documents.
type ReportLog struct {
	// path is the error log location.
	path string
	// mu serializes appends within the process.
	mu sync.Mutex
}

// NewReportLog creates a log writer for the path.
func NewReportLog(path string) *ReportLog {
	return &ReportLog{
		path: filepath.Clean(path),
	}
}

// Path returns the error log location.
func (l *ReportLog) Path() string {
	return l.path
}

// Append writes the report at the end of the log. Existing content is never rewritten.
func (l *ReportLog) Append(report *Report) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buffer bytes.Buffer

	buffer.WriteString("---\n")

	encoder := yaml.NewEncoder(&buffer)
	encoder.SetIndent(2) //nolint:mnd // Two spaces match the rest of the installer YAML files.

	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("encode error report: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("encode error report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), reportDirPermissions); err != nil {
		return fmt.Errorf("create error log directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, reportFilePermissions)
	if err != nil {
		return fmt.Errorf("open error log: %w", err)
	}

	if _, err = file.Write(buffer.Bytes()); err != nil {
		_ = file.Close()
		return fmt.Errorf("write error log: %w", err)
	}

	return file.Close()
}

// ReadAll returns every report in the log, oldest first.
// A missing log yields no reports.
func (l *ReportLog) ReadAll() ([]*Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("open error log: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	var (
		reports []*Report
		decoder = yaml.NewDecoder(file)
	)

	for {
		var report Report

		err = decoder.Decode(&report)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return reports, fmt.Errorf("decode error log: %w", err)
		}

		reports = append(reports, &report)
	}

	return reports, nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/app-installer/internal/domain/install"
	"github.com/oshokin/app-installer/internal/logger"
)

const (
	// dirPrefix prefixes every session temporary directory.
	dirPrefix = "app-installer-"
	// tempDirPermissions keeps the working directory private to the invoking user.
	tempDirPermissions = 0o700
	// logDirPermissions is used when the log directory must be created.
	logDirPermissions = 0o750
	// ErrorLogName is the file name of the persistent error log inside the log directory.
	ErrorLogName = "error.log"
)

// errLogDirRequired is returned when Open has nowhere to put logs.
var errLogDirRequired = errors.New("log directory is required")

// Options configures a new session.
type Options struct {
	// TempRoot is the parent of the working directory; the system temp dir when empty.
	TempRoot string
	// LogDir holds the session log and the error log.
	LogDir string
	// LogFile overrides the session log path.
	LogFile string
	// RetainTemp keeps the working directory after Close.
	RetainTemp bool
	// Now is the clock; time.Now when nil.
	Now func() time.Time
	// PID is the process id in the session id; os.Getpid when zero.
	PID int
	// Suffix returns the random part of the session id; a short uuid when nil.
	Suffix func() string
}

// Session is the scoped state of one orchestrator run.
type Session struct {
	// ID is unique per run: <unix-timestamp>-<pid>-<random>.
	ID string
	// TempDir is the exclusive working directory of the run.
	TempDir string
	// LogPath is the session log file.
	LogPath string
	// ErrorLogPath is the persistent, append-only error log.
	ErrorLogPath string
	// StartedAt is when the session was opened.
	StartedAt time.Time
	// Ledger records the phase statuses of the run.
	Ledger *install.Ledger

	// retain keeps TempDir on Close.
	retain bool
	// closeOnce makes Close idempotent.
	closeOnce sync.Once
	// retained is the path reported by Close when the directory was kept.
	retained string
	// closeErr is the result of the first Close.
	closeErr error
}

// Open creates the working directory and resolves the log paths.
func Open(opts Options) (*Session, error) {
	if opts.LogDir == "" && opts.LogFile == "" {
		return nil, errLogDirRequired
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}

	root := opts.TempRoot
	if root == "" {
		root = os.TempDir()
	}

	suffix := opts.Suffix
	if suffix == nil {
		suffix = randomSuffix
	}

	startedAt := now()
	id := fmt.Sprintf("%d-%d-%s", startedAt.Unix(), pid, suffix())

	if err := os.MkdirAll(root, logDirPermissions); err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}

	tempDir := filepath.Join(root, dirPrefix+id)

	// Mkdir, not MkdirAll: an existing directory means another run owns it.
	if err := os.Mkdir(tempDir, tempDirPermissions); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	logDir := opts.LogDir
	if logDir == "" {
		logDir = filepath.Dir(opts.LogFile)
	}

	if err := os.MkdirAll(logDir, logDirPermissions); err != nil {
		_ = os.RemoveAll(tempDir)
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	logPath := opts.LogFile
	if logPath == "" {
		logPath = filepath.Join(logDir, "session-"+id+".log")
	}

	return &Session{
		ID:           id,
		TempDir:      tempDir,
		LogPath:      logPath,
		ErrorLogPath: filepath.Join(logDir, ErrorLogName),
		StartedAt:    startedAt,
		Ledger:       install.NewLedger(nil),
		retain:       opts.RetainTemp,
	}, nil
}

// randomSuffix returns the first group of a random uuid.
func randomSuffix() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Path joins elements below the session working directory.
func (s *Session) Path(elem ...string) string {
	return filepath.Join(append([]string{s.TempDir}, elem...)...)
}

// Retain changes whether Close keeps the working directory.
func (s *Session) Retain(retain bool) {
	s.retain = retain
}

// Close removes the working directory unless it is retained.
// Only the first call does work; later calls return the same outcome.
// The returned path is non-empty when the directory was kept.
func (s *Session) Close(ctx context.Context) (string, error) {
	s.closeOnce.Do(func() {
		if s.retain {
			s.retained = s.TempDir
			logger.InfoKV(ctx, "Temporary files retained", "path", s.TempDir)

			return
		}

		if err := os.RemoveAll(s.TempDir); err != nil {
			s.closeErr = fmt.Errorf("remove session directory: %w", err)
			logger.WarnKV(ctx, "Failed to remove temporary files", "path", s.TempDir, "error", err)

			return
		}

		logger.DebugKV(ctx, "Temporary files removed", "path", s.TempDir)
	})

	return s.retained, s.closeErr
}

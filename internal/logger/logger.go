package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

const (
	// FormatConsole renders human-readable lines on the interactive stream.
	FormatConsole = "console"
	// FormatJSON renders one JSON object per line on the interactive stream.
	FormatJSON = "json"

	// logFilePermissions restricts session log files to the invoking user.
	logFilePermissions = 0o600
	// logDirPermissions is used when the log file directory must be created.
	logDirPermissions = 0o750
)

// errUnknownFormat is returned when the stream format is neither console nor json.
var errUnknownFormat = errors.New("unknown log format")

// Options controls how a session logger is assembled.
type Options struct {
	// Level is the minimum level for messages to be encoded at all.
	Level zapcore.Level
	// Format selects the interactive stream encoder (console or json).
	Format string
	// Stream is the interactive output; stderr is used when nil.
	Stream *os.File
	// File is an optional path of a structured (JSON) log file sink.
	File string
	// ZapOptions are passed through to zap.New, e.g. a fatal hook in tests.
	ZapOptions []zap.Option
}

// New builds a sugared logger that writes to the interactive stream and,
// when configured, to a log file at the same time.
// The returned closer flushes buffered entries and closes the file sink.
func New(opts Options) (*zap.SugaredLogger, func() error, error) {
	stream := opts.Stream
	if stream == nil {
		stream = os.Stderr
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = FormatConsole
	}

	level := zap.NewAtomicLevelAt(opts.Level)

	streamEncoder, err := newStreamEncoder(format, isTerminal(stream))
	if err != nil {
		return nil, nil, err
	}

	cores := []zapcore.Core{
		zapcore.NewCore(streamEncoder, zapcore.Lock(stream), level),
	}

	var file *os.File

	if opts.File != "" {
		if err = os.MkdirAll(filepath.Dir(opts.File), logDirPermissions); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}

		file, err = os.OpenFile(filepath.Clean(opts.File), os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}

		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig(zapcore.CapitalLevelEncoder)),
			zapcore.AddSync(file),
			level,
		))
	}

	options := append([]zap.Option{zap.AddCaller()}, opts.ZapOptions...)
	log := zap.New(zapcore.NewTee(cores...), options...).Sugar()

	closer := func() error {
		//nolint:errcheck // Sync on terminals returns EINVAL on Linux, nothing to act on.
		_ = log.Sync()

		if file == nil {
			return nil
		}

		return file.Close()
	}

	return log, closer, nil
}

// newStreamEncoder picks the encoder of the interactive stream.
// Color decoration is only applied when the stream is a terminal.
func newStreamEncoder(format string, colored bool) (zapcore.Encoder, error) {
	levelEncoder := zapcore.CapitalLevelEncoder
	if colored {
		levelEncoder = zapcore.CapitalColorLevelEncoder
	}

	switch format {
	case FormatConsole:
		cfg := encoderConfig(levelEncoder)
		cfg.ConsoleSeparator = ", "

		return zapcore.NewConsoleEncoder(cfg), nil
	case FormatJSON:
		return zapcore.NewJSONEncoder(encoderConfig(zapcore.CapitalLevelEncoder)), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFormat, format)
	}
}

//nolint:exhaustruct // I'm okay with default encoder configuration values.
func encoderConfig(levelEncoder zapcore.LevelEncoder) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		MessageKey:     "message",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    levelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

// isTerminal reports whether the file is attached to an interactive terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // Fd fits into int on supported platforms.
}

// ParseLogLevel converts string input to zap log level.
func ParseLogLevel(s string) (zapcore.Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return zapcore.DebugLevel, true
	case "info":
		return zapcore.InfoLevel, true
	case "warn", "warning":
		return zapcore.WarnLevel, true
	case "error":
		return zapcore.ErrorLevel, true
	case "fatal":
		return zapcore.FatalLevel, true
	default:
		return zapcore.InfoLevel, false
	}
}

// VerbosityLevel maps the count of -v flags and the quiet flag to a level.
// Zero verbosity keeps the fallback level.
func VerbosityLevel(verbose int, quiet bool, fallback zapcore.Level) zapcore.Level {
	switch {
	case quiet:
		return zapcore.ErrorLevel
	case verbose >= 1:
		return zapcore.DebugLevel
	default:
		return fallback
	}
}

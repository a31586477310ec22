package logger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestVerbosityLevel checks that quiet wins over verbose and zero keeps the fallback.
func TestVerbosityLevel(t *testing.T) {
	t.Parallel()

	require.Equal(t, zapcore.WarnLevel, VerbosityLevel(0, false, zapcore.WarnLevel))
	require.Equal(t, zapcore.DebugLevel, VerbosityLevel(2, false, zapcore.InfoLevel))
	require.Equal(t, zapcore.ErrorLevel, VerbosityLevel(2, true, zapcore.InfoLevel))
}

// TestNew_WritesStreamAndFile ensures both sinks receive entries at or above the threshold only.
func TestNew_WritesStreamAndFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	stream, err := os.Create(filepath.Join(dir, "stream.log"))
	require.NoError(t, err)

	defer func() {
		_ = stream.Close()
	}()

	filePath := filepath.Join(dir, "nested", "session.log")

	log, closer, err := New(Options{
		Level:  zapcore.InfoLevel,
		Stream: stream,
		File:   filePath,
	})
	require.NoError(t, err)

	log.Debugw("hidden entry")
	log.Infow("visible entry", "phase", "download")
	require.NoError(t, closer())

	streamContents, err := os.ReadFile(stream.Name())
	require.NoError(t, err)
	require.Contains(t, string(streamContents), "visible entry")
	require.NotContains(t, string(streamContents), "hidden entry")

	// A file stream is not a terminal, so no ANSI escapes are written.
	require.NotContains(t, string(streamContents), "\x1b[")

	fileContents, err := os.ReadFile(filePath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(fileContents)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "visible entry", entry["message"])
	require.Equal(t, "download", entry["phase"])
}

// TestNew_UnknownFormat rejects unsupported stream formats.
func TestNew_UnknownFormat(t *testing.T) {
	t.Parallel()

	_, _, err := New(Options{Format: "xml"})
	require.ErrorIs(t, err, errUnknownFormat)
}

// TestFromContext_FallsBackToNop verifies helpers are safe without an attached logger.
func TestFromContext_FallsBackToNop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	require.NotNil(t, FromContext(ctx))

	Info(ctx, "no logger attached")

	attached := zap.NewExample().Sugar()
	ctx = ToContext(ctx, attached)
	require.Same(t, attached, FromContext(ctx))
}

// TestDie_UsesFatalHook confirms Die logs at fatal level and hands off to the fatal hook.
func TestDie_UsesFatalHook(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	stream, err := os.Create(filepath.Join(dir, "stream.log"))
	require.NoError(t, err)

	defer func() {
		_ = stream.Close()
	}()

	log, closer, err := New(Options{
		Level:      zapcore.InfoLevel,
		Stream:     stream,
		ZapOptions: []zap.Option{zap.WithFatalHook(zapcore.WriteThenGoexit)},
	})
	require.NoError(t, err)

	done := make(chan struct{})

	go func() {
		defer close(done)

		Die(ToContext(context.Background(), log), "cannot continue", "reason", "test")
	}()

	<-done
	require.NoError(t, closer())

	contents, err := os.ReadFile(stream.Name())
	require.NoError(t, err)
	require.Contains(t, string(contents), "FATAL")
	require.Contains(t, string(contents), "cannot continue")
}

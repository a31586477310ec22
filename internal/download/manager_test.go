package download

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/app-installer/internal/recovery"
)

// payload is the artifact served by the fake transport.
const payload = "vendor installer bytes"

// errTransfer simulates a broken connection.
var errTransfer = errors.New("connection reset")

// fakeTransport serves canned responses and counts transfers.
type fakeTransport struct {
	// mu guards the counters.
	mu sync.Mutex
	// downloads counts Download calls.
	downloads int
	// gets counts Get calls.
	gets int
	// bodies are returned by successive Download calls; the last one repeats.
	bodies []string
	// errs are returned by successive Download calls; nil entries mean success.
	errs []error
	// pages maps URLs to Get responses.
	pages map[string]string
}

// Download implements Transport.
func (f *fakeTransport) Download(_ context.Context, _ string, w io.Writer) (int64, error) {
	f.mu.Lock()
	call := f.downloads
	f.downloads++
	f.mu.Unlock()

	if call < len(f.errs) && f.errs[call] != nil {
		return 0, f.errs[call]
	}

	body := payload
	if len(f.bodies) > 0 {
		body = f.bodies[min(call, len(f.bodies)-1)]
	}

	n, err := io.WriteString(w, body)

	return int64(n), err
}

// Get implements Transport.
func (f *fakeTransport) Get(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.gets++
	f.mu.Unlock()

	page, ok := f.pages[url]
	if !ok {
		return nil, errTransfer
	}

	return []byte(page), nil
}

// sleepRecorder records backoff delays without waiting.
type sleepRecorder struct {
	// delays lists the requested waits.
	delays []time.Duration
}

// sleep implements recovery.SleepFunc.
func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

// sha256Hex returns the hex SHA-256 of s.
func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// newTestManager builds a manager over the fake transport.
func newTestManager(t *testing.T, transport Transport, sleeper *sleepRecorder) *Manager {
	t.Helper()

	return NewManager(Options{
		CacheDir:    t.TempDir(),
		StrictHTTPS: true,
		Verify:      true,
		Retries:     3,
		RetryDelay:  5 * time.Second,
		Transport:   transport,
		Sleep:       sleeper.sleep,
	})
}

// TestFetch_RejectsPlainHTTP verifies strict HTTPS fails before any transfer.
func TestFetch_RejectsPlainHTTP(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	manager := newTestManager(t, transport, &sleepRecorder{})

	_, err := manager.Fetch(context.Background(), "http://example.com/app.exe",
		filepath.Join(t.TempDir(), "app.exe"), "", "sha256")
	require.ErrorIs(t, err, errInsecureURL)
	require.Equal(t, recovery.CategoryConfiguration, recovery.Classify(err))
	require.Zero(t, transport.downloads)
}

// TestFetch_DownloadsAndCommits verifies a verified artifact lands at dest with a record.
func TestFetch_DownloadsAndCommits(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	manager := newTestManager(t, transport, &sleepRecorder{})
	dest := filepath.Join(t.TempDir(), "cache", "app.exe")

	record, err := manager.Fetch(context.Background(), "https://example.com/app.exe", dest, sha256Hex(payload), "SHA256")
	require.NoError(t, err)
	require.False(t, record.FromCache)
	require.Equal(t, int64(len(payload)), record.Size)
	require.Equal(t, "sha256", record.Algorithm)
	require.Equal(t, sha256Hex(payload), record.Checksum)

	contents, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, payload, string(contents))

	stored, err := ReadRecord(dest)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/app.exe", stored.URL)

	partials, err := filepath.Glob(dest + ".*" + partialSuffix)
	require.NoError(t, err)
	require.Empty(t, partials)
}

// TestFetch_CacheHitSkipsTransfer verifies a fresh artifact causes zero transfers.
func TestFetch_CacheHitSkipsTransfer(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	manager := newTestManager(t, transport, &sleepRecorder{})
	dest := filepath.Join(t.TempDir(), "app.exe")

	require.NoError(t, os.WriteFile(dest, []byte(payload), 0o600))

	record, err := manager.Fetch(context.Background(), "https://example.com/app.exe", dest, sha256Hex(payload), "sha256")
	require.NoError(t, err)
	require.True(t, record.FromCache)
	require.Zero(t, transport.downloads)
}

// TestFetch_StaleCacheDownloadsAgain verifies the freshness window.
func TestFetch_StaleCacheDownloadsAgain(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{bodies: []string{"new bytes"}}
	manager := newTestManager(t, transport, &sleepRecorder{})
	dest := filepath.Join(t.TempDir(), "app.exe")

	require.NoError(t, os.WriteFile(dest, []byte("old bytes"), 0o600))

	old := time.Now().Add(-ArtifactFreshness - time.Minute)
	require.NoError(t, os.Chtimes(dest, old, old))

	record, err := manager.Fetch(context.Background(), "https://example.com/app.exe", dest, "", "sha256")
	require.NoError(t, err)
	require.False(t, record.FromCache)
	require.Equal(t, 1, transport.downloads)

	contents, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "new bytes", string(contents))
}

// TestFetch_ChecksumMismatchLeavesNoArtifact verifies a bad digest fails without a final file.
func TestFetch_ChecksumMismatchLeavesNoArtifact(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	manager := newTestManager(t, transport, &sleepRecorder{})
	dir := t.TempDir()
	dest := filepath.Join(dir, "app.exe")

	_, err := manager.Fetch(context.Background(), "https://example.com/app.exe", dest, sha256Hex("something else"), "sha256")
	require.ErrorIs(t, err, errChecksumMismatch)
	require.Equal(t, recovery.CategoryNetwork, recovery.Classify(err))

	_, err = os.Stat(dest)
	require.ErrorIs(t, err, os.ErrNotExist)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestFetch_LinearRetry verifies failed and empty transfers are retried with linear backoff.
func TestFetch_LinearRetry(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{
		errs:   []error{errTransfer, nil, nil},
		bodies: []string{"", "", payload},
	}

	var sleeper sleepRecorder

	manager := newTestManager(t, transport, &sleeper)
	dest := filepath.Join(t.TempDir(), "app.exe")

	_, err := manager.Fetch(context.Background(), "https://example.com/app.exe", dest, "", "")
	require.NoError(t, err)
	require.Equal(t, 3, transport.downloads)
	require.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, sleeper.delays)
}

// TestFetch_RetriesExhausted verifies the last error is reported as a network failure.
func TestFetch_RetriesExhausted(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{errs: []error{errTransfer, errTransfer, errTransfer}}
	manager := newTestManager(t, transport, &sleepRecorder{})

	_, err := manager.Fetch(context.Background(), "https://example.com/app.exe",
		filepath.Join(t.TempDir(), "app.exe"), "", "sha256")
	require.ErrorIs(t, err, errTransfer)
	require.Equal(t, recovery.CategoryNetwork, recovery.Classify(err))
	require.Equal(t, 3, transport.downloads)
}

// TestFetch_WithCacheLock verifies the opt-in lock does not change the outcome.
func TestFetch_WithCacheLock(t *testing.T) {
	t.Parallel()

	manager := NewManager(Options{
		CacheDir:  t.TempDir(),
		Verify:    true,
		Retries:   1,
		Lock:      true,
		Transport: &fakeTransport{},
	})

	_, err := manager.Fetch(context.Background(), "https://example.com/app.exe",
		filepath.Join(t.TempDir(), "app.exe"), "", "sha512")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(manager.opts.CacheDir, lockFileName))
	require.NoError(t, err)
}

// TestHTTPTransport verifies status handling and the size limit against a real server.
func TestHTTPTransport(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.UserAgent(), "app-installer/") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch r.URL.Path {
		case "/ok":
			_, _ = io.WriteString(w, payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.Client(), 0)

	var buffer writerCounter

	n, err := transport.Download(context.Background(), server.URL+"/ok", &buffer)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)

	_, err = transport.Download(context.Background(), server.URL+"/missing", &buffer)
	require.ErrorIs(t, err, errBadHTTPStatus)

	limited := NewHTTPTransport(server.Client(), 4)
	_, err = limited.Download(context.Background(), server.URL+"/ok", &buffer)
	require.ErrorIs(t, err, errTooLarge)

	body, err := transport.Get(context.Background(), server.URL+"/ok")
	require.NoError(t, err)
	require.Equal(t, payload, string(body))
}

// writerCounter discards writes and counts bytes.
type writerCounter struct {
	// n is the number of bytes written.
	n int
}

// Write implements io.Writer.
func (w *writerCounter) Write(p []byte) (int, error) {
	w.n += len(p)
	return len(p), nil
}

// TestHashFor verifies supported and unsupported algorithms.
func TestHashFor(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]crypto.Hash{
		"md5": crypto.MD5, "sha1": crypto.SHA1, "": crypto.SHA256, "SHA512": crypto.SHA512,
	} {
		got, err := HashFor(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := HashFor("crc32")
	require.ErrorIs(t, err, errUnknownAlgorithm)
}

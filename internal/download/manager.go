package download

import (
	"context"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/app-installer/internal/logger"
	"github.com/oshokin/app-installer/internal/recovery"
)

const (
	// ArtifactFreshness is how long a cached artifact is reused.
	ArtifactFreshness = 24 * time.Hour
	// VersionFreshness is how long a cached version probe result is reused.
	VersionFreshness = time.Hour
	// artifactMode is the permission of committed artifacts.
	artifactMode = 0o644
	// partialSuffix marks temporary download files.
	partialSuffix = ".part"
	// stalePartialAge is the age after which leftover partial files are removed.
	stalePartialAge = time.Hour
)

var (
	// errInsecureURL is returned for non-HTTPS URLs under strict enforcement.
	errInsecureURL = errors.New("refusing non-HTTPS URL")
	// errEmptyDownload is returned when a transfer produced no bytes.
	errEmptyDownload = errors.New("downloaded file is empty")
	// errNoAttempts is returned when the retry budget is not positive.
	errNoAttempts = errors.New("download needs at least one attempt")
)

// Options configures a Manager.
type Options struct {
	// CacheDir holds the version cache and the lock file.
	CacheDir string
	// StrictHTTPS rejects every URL that is not HTTPS.
	StrictHTTPS bool
	// Verify enables checksum verification when a checksum is supplied.
	Verify bool
	// Retries is the number of transfer attempts.
	Retries int
	// RetryDelay is multiplied by the attempt number between attempts.
	RetryDelay time.Duration
	// Timeout bounds each attempt; zero means no limit.
	Timeout time.Duration
	// Lock takes an exclusive lock on CacheDir around Fetch.
	Lock bool
	// Transport performs transfers.
	Transport Transport
	// Version configures ResolveVersion.
	Version VersionOptions
	// Sleep waits between attempts; recovery.Sleep when nil.
	Sleep recovery.SleepFunc
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// Manager fetches and caches artifacts.
type Manager struct {
	// opts holds the configuration with defaults applied.
	opts Options
}

// NewManager creates a manager, applying defaults for unset collaborators.
func NewManager(opts Options) *Manager {
	if opts.Transport == nil {
		opts.Transport = NewHTTPTransport(nil, 0)
	}

	if opts.Sleep == nil {
		opts.Sleep = recovery.Sleep
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{opts: opts}
}

// Fetch makes the artifact at rawURL available at dest.
// A fresh cached artifact is reused without any transfer. Otherwise the
// artifact is downloaded to a temporary sibling, verified when a checksum is
// supplied, and atomically moved into place.
func (m *Manager) Fetch(ctx context.Context, rawURL, dest, checksum, algorithm string) (*Record, error) {
	ctx = logger.WithFields(ctx, "url", rawURL, "dest", dest)

	if err := m.checkURL(rawURL); err != nil {
		return nil, err
	}

	hash, err := HashFor(algorithm)
	if err != nil {
		return nil, recovery.Wrap(recovery.CategoryConfiguration, "fetch", err)
	}

	if m.opts.Lock {
		var lock *cacheLock

		lock, err = acquireCacheLock(ctx, m.opts.CacheDir)
		if err != nil {
			return nil, err
		}

		defer func() {
			if releaseErr := lock.release(); releaseErr != nil {
				logger.WarnKV(ctx, "Failed to release cache lock", "error", releaseErr)
			}
		}()
	}

	if record, hit := m.cached(ctx, rawURL, dest, checksum, hash); hit {
		return record, nil
	}

	if err = os.MkdirAll(filepath.Dir(dest), cacheDirPermissions); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}

	m.removeStalePartials(ctx, dest)

	started := m.opts.Now()

	partial, size, err := m.downloadWithRetry(ctx, rawURL, dest)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = removeIfExists(partial)
	}()

	digest, err := m.verify(ctx, partial, checksum, hash)
	if err != nil {
		return nil, err
	}

	if err = commit(partial, dest, digest, hash); err != nil {
		return nil, err
	}

	record := &Record{
		URL:       rawURL,
		Path:      dest,
		Checksum:  hex.EncodeToString(digest),
		Algorithm: AlgorithmName(algorithm),
		Size:      size,
		CachedAt:  m.opts.Now().UTC(),
	}

	if err = writeRecord(record); err != nil {
		logger.WarnKV(ctx, "Failed to write download record", "error", err)
	}

	logger.InfoKV(ctx, "Artifact downloaded", "bytes", size, "duration", m.opts.Now().Sub(started))

	return record, nil
}

// checkURL rejects unusable URLs before anything touches the network.
func (m *Manager) checkURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return recovery.Wrap(recovery.CategoryConfiguration, "parse download url", err)
	}

	if m.opts.StrictHTTPS && !strings.EqualFold(parsed.Scheme, "https") {
		return recovery.Errorf(recovery.CategoryConfiguration, "fetch", "%w: %s", errInsecureURL, rawURL)
	}

	return nil
}

// cached reports whether dest is a fresh artifact from rawURL.
// A failed checksum turns a would-be hit into a miss.
func (m *Manager) cached(ctx context.Context, rawURL, dest, checksum string, hash crypto.Hash) (*Record, bool) {
	info, err := os.Stat(dest)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, false
	}

	cachedAt := info.ModTime()

	record, err := ReadRecord(dest)
	if err == nil {
		if record.URL != "" && record.URL != rawURL {
			logger.DebugKV(ctx, "Cached artifact came from another URL", "cached_url", record.URL)
			return nil, false
		}

		if !record.CachedAt.IsZero() {
			cachedAt = record.CachedAt
		}
	} else {
		record = &Record{URL: rawURL, Path: dest}
	}

	age := m.opts.Now().Sub(cachedAt)
	if age >= ArtifactFreshness {
		logger.DebugKV(ctx, "Cached artifact is stale", "age", age)
		return nil, false
	}

	if checksum != "" && m.opts.Verify {
		if _, err = VerifyFile(dest, checksum, hash); err != nil {
			logger.WarnKV(ctx, "Cached artifact failed verification, downloading again", "error", err)
			return nil, false
		}
	}

	record.Path = dest
	record.Size = info.Size()
	record.CachedAt = cachedAt
	record.FromCache = true

	logger.InfoKV(ctx, "Using cached artifact", "bytes", record.Size, "age", age.Round(time.Second))

	return record, true
}

// downloadWithRetry transfers the artifact into a partial file.
// The delay before attempt n+1 is n times RetryDelay.
func (m *Manager) downloadWithRetry(ctx context.Context, rawURL, dest string) (string, int64, error) {
	if m.opts.Retries < 1 {
		return "", 0, recovery.Wrap(recovery.CategoryConfiguration, "fetch", errNoAttempts)
	}

	var lastErr error

	for attempt := 1; attempt <= m.opts.Retries; attempt++ {
		partial, size, err := m.downloadOnce(ctx, rawURL, dest)
		if err == nil {
			return partial, size, nil
		}

		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", 0, ctxErr
		}

		logger.WarnKV(ctx, "Download attempt failed", "attempt", attempt, "max_attempts", m.opts.Retries, "error", err)

		if attempt == m.opts.Retries {
			break
		}

		if err = m.opts.Sleep(ctx, time.Duration(attempt)*m.opts.RetryDelay); err != nil {
			return "", 0, err
		}
	}

	return "", 0, recovery.Wrap(recovery.CategoryNetwork, "download",
		fmt.Errorf("%s failed after %d attempts: %w", rawURL, m.opts.Retries, lastErr))
}

// downloadOnce performs one transfer into a new partial file next to dest.
func (m *Manager) downloadOnce(ctx context.Context, rawURL, dest string) (string, int64, error) {
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	file, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*"+partialSuffix)
	if err != nil {
		return "", 0, fmt.Errorf("create partial file: %w", err)
	}

	partial := file.Name()
	started := time.Now()

	size, err := m.opts.Transport.Download(ctx, rawURL, file)

	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}

	if err == nil && size == 0 {
		err = errEmptyDownload
	}

	if err != nil {
		_ = removeIfExists(partial)
		return "", 0, err
	}

	logger.DebugKV(ctx, "Transfer finished", "bytes", size, "duration", time.Since(started), "partial", partial)

	return partial, size, nil
}

// verify computes the digest of the partial file and compares it when requested.
// A mismatching partial file is removed.
func (m *Manager) verify(ctx context.Context, partial, checksum string, hash crypto.Hash) ([]byte, error) {
	if checksum == "" || !m.opts.Verify {
		if checksum == "" {
			logger.Debug(ctx, "No checksum supplied, skipping verification")
		}

		return FileDigest(partial, hash)
	}

	digest, err := VerifyFile(partial, checksum, hash)
	if err != nil {
		_ = removeIfExists(partial)

		if errors.Is(err, errChecksumMismatch) {
			return nil, recovery.Wrap(recovery.CategoryNetwork, "verify checksum", err)
		}

		return nil, err
	}

	logger.InfoKV(ctx, "Checksum verified", "algorithm", hash.String())

	return digest, nil
}

// commit atomically replaces dest with the partial file.
func commit(partial, dest string, digest []byte, hash crypto.Hash) error {
	file, err := os.Open(filepath.Clean(partial))
	if err != nil {
		return err
	}

	defer func() {
		_ = file.Close()
	}()

	// The target must exist before it can be swapped.
	createdPlaceholder := false

	if _, err = os.Stat(dest); errors.Is(err, os.ErrNotExist) {
		placeholder, createErr := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, artifactMode)
		if createErr != nil {
			return fmt.Errorf("create artifact placeholder: %w", createErr)
		}

		_ = placeholder.Close()
		createdPlaceholder = true
	}

	err = goupdate.Apply(file, goupdate.Options{
		TargetPath: dest,
		TargetMode: artifactMode,
		Checksum:   digest,
		Hash:       hash,
	})
	if err != nil {
		if createdPlaceholder {
			_ = removeIfExists(dest)
		}

		return fmt.Errorf("commit artifact: %w", err)
	}

	return nil
}

// removeStalePartials deletes partial files left behind by interrupted runs.
func (m *Manager) removeStalePartials(ctx context.Context, dest string) {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(dest), globEscape(filepath.Base(dest))+".*"+partialSuffix))
	if err != nil {
		return
	}

	for _, match := range matches {
		info, statErr := os.Stat(match)
		if statErr != nil || m.opts.Now().Sub(info.ModTime()) < stalePartialAge {
			continue
		}

		if removeErr := removeIfExists(match); removeErr == nil {
			logger.DebugKV(ctx, "Removed stale partial download", "path", match)
		}
	}
}

// globEscape escapes glob metacharacters of a literal file name.
func globEscape(name string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return replacer.Replace(name)
}

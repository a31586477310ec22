package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/oshokin/app-installer/internal/logger"
	"github.com/oshokin/app-installer/internal/version"
)

const (
	// probeTimeout bounds the connectivity request of the network probe.
	probeTimeout = 10 * time.Second
	// bytesPerMB converts the configured free space threshold.
	bytesPerMB = 1 << 20
)

// errUnreachable is returned when the connectivity endpoint answers with a server error.
var errUnreachable = errors.New("connectivity endpoint unavailable")

// Probe prepares conditions after a failure of its category.
// It reports whether the condition is cleared; it never retries the failed work.
type Probe interface {
	Probe(ctx context.Context, cause error) (bool, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, cause error) (bool, error)

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context, cause error) (bool, error) {
	return f(ctx, cause)
}

// Doer sends HTTP requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NetworkProbe checks connectivity and waits a backoff interval when it is back.
type NetworkProbe struct {
	// URL is requested with HEAD.
	URL string
	// Client sends the request; http.DefaultClient when nil.
	Client Doer
	// Delay is waited after connectivity is confirmed.
	Delay time.Duration
	// Sleep waits Delay; Sleep from this package when nil.
	Sleep SleepFunc
}

// Probe confirms connectivity, then sleeps the backoff interval.
// Only transport failures are cleared; HTTP status and checksum failures are not.
func (p *NetworkProbe) Probe(ctx context.Context, cause error) (bool, error) {
	if !isTransportFailure(cause) {
		logger.InfoKV(ctx, "Failure is not a connectivity problem, nothing to clear", "error", cause)
		return false, nil
	}

	if p.URL == "" {
		return false, nil
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	requestCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodHead, p.URL, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("build connectivity request: %w", err)
	}

	request.Header.Set("User-Agent", version.UserAgent())

	response, err := client.Do(request)
	if err != nil {
		logger.WarnKV(ctx, "Network still unreachable", "url", p.URL, "error", err)
		return false, nil
	}

	_ = response.Body.Close()

	if response.StatusCode >= http.StatusInternalServerError {
		return false, fmt.Errorf("%w: %s", errUnreachable, response.Status)
	}

	logger.InfoKV(ctx, "Network reachable, backing off before resuming", "url", p.URL, "delay", p.Delay)

	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	if err = sleep(ctx, p.Delay); err != nil {
		return false, err
	}

	return true, nil
}

// isTransportFailure reports whether the chain holds a connection level error.
func isTransportFailure(err error) bool {
	var netErr net.Error

	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// PermissionProbe checks write access to the path that was denied and to the
// directories the installer writes to.
type PermissionProbe struct {
	// Paths must all be writable for the condition to clear.
	Paths []string
	// Access checks one path; unix.Access when nil.
	Access func(path string, mode uint32) error
}

// Probe reports whether the denied path and every configured path, or their
// nearest existing parents, are writable. A cause without a path is never cleared.
func (p *PermissionProbe) Probe(ctx context.Context, cause error) (bool, error) {
	denied, ok := deniedPath(cause)
	if !ok {
		logger.InfoKV(ctx, "Denied path is unknown, nothing to clear", "error", cause)
		return false, nil
	}

	access := p.Access
	if access == nil {
		access = unix.Access
	}

	paths := append([]string{denied}, p.Paths...)

	logger.InfoKV(ctx, "Checking write access", "euid", os.Geteuid(), "paths", paths)

	cleared := true

	for _, path := range paths {
		target := nearestExisting(path)
		if err := access(target, unix.W_OK); err != nil {
			logger.WarnKV(ctx, "Path is not writable", "path", target, "error", err)

			cleared = false
		}
	}

	return cleared, nil
}

// deniedPath extracts the path of the failed filesystem operation.
func deniedPath(err error) (string, bool) {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return linkErr.New, true
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Path != "" {
		return pathErr.Path, true
	}

	return "", false
}

// nearestExisting walks up until an existing path is found.
func nearestExisting(path string) string {
	current := filepath.Clean(path)

	for {
		if _, err := os.Stat(current); err == nil {
			return current
		}

		parent := filepath.Dir(current)
		if parent == current {
			return current
		}

		current = parent
	}
}

// DependencyProbe runs the package manager repair operation.
type DependencyProbe struct {
	// Fix repairs broken package state, e.g. apt-get --fix-broken install.
	Fix func(ctx context.Context) error
}

// Probe clears the condition when the repair succeeds.
func (p *DependencyProbe) Probe(ctx context.Context, _ error) (bool, error) {
	if p.Fix == nil {
		return false, nil
	}

	logger.Info(ctx, "Repairing package manager state")

	if err := p.Fix(ctx); err != nil {
		return false, err
	}

	return true, nil
}

// DiskSpaceProbe reports free space in the build area. It never clears the condition.
type DiskSpaceProbe struct {
	// Path is the filesystem to inspect.
	Path string
	// MinFreeMB is the expected free space.
	MinFreeMB int
	// Statfs reads filesystem statistics; unix.Statfs when nil.
	Statfs func(path string, buf *unix.Statfs_t) error
}

// Probe logs whether the build area has enough free space.
func (p *DiskSpaceProbe) Probe(ctx context.Context, _ error) (bool, error) {
	statfs := p.Statfs
	if statfs == nil {
		statfs = unix.Statfs
	}

	var stat unix.Statfs_t
	if err := statfs(nearestExisting(p.Path), &stat); err != nil {
		return false, fmt.Errorf("statfs %s: %w", p.Path, err)
	}

	freeMB := stat.Bavail * uint64(stat.Bsize) / bytesPerMB //nolint:gosec // Block size is never negative.

	//nolint:gosec // MinFreeMB is validated as non-negative.
	if freeMB < uint64(p.MinFreeMB) {
		logger.WarnKV(ctx, "Not enough free space for the build", "path", p.Path, "free_mb", freeMB, "required_mb", p.MinFreeMB)
	} else {
		logger.InfoKV(ctx, "Free space is sufficient, the build failure has another cause", "path", p.Path, "free_mb", freeMB)
	}

	return false, nil
}

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/oshokin/app-installer/internal/version"
)

// pageBodyLimit caps the size of version documents and scraped pages.
const pageBodyLimit = 4 << 20

var (
	// errBadHTTPStatus is returned for any non-200 response.
	errBadHTTPStatus = errors.New("unexpected http status")
	// errTooLarge is returned when a response exceeds the configured limit.
	errTooLarge = errors.New("response exceeds size limit")
)

// Transport is the transfer primitive used by the Manager.
type Transport interface {
	// Download streams the body of url into w and returns the byte count.
	Download(ctx context.Context, url string, w io.Writer) (int64, error)
	// Get returns a small response body, e.g. a version document.
	Get(ctx context.Context, url string) ([]byte, error)
}

// HTTPTransport implements Transport over net/http.
type HTTPTransport struct {
	// client sends the requests.
	client *http.Client
	// maxBytes rejects larger downloads; zero disables the limit.
	maxBytes int64
}

// NewHTTPTransport creates a transport. A nil client means http.DefaultClient.
func NewHTTPTransport(client *http.Client, maxBytes int64) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}

	return &HTTPTransport{
		client:   client,
		maxBytes: maxBytes,
	}
}

// Download implements Transport.
func (t *HTTPTransport) Download(ctx context.Context, url string, w io.Writer) (int64, error) {
	response, err := t.get(ctx, url)
	if err != nil {
		return 0, err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if t.maxBytes > 0 && response.ContentLength > t.maxBytes {
		return 0, fmt.Errorf("%w: %d > %d bytes", errTooLarge, response.ContentLength, t.maxBytes)
	}

	body := io.Reader(response.Body)
	if t.maxBytes > 0 {
		body = io.LimitReader(response.Body, t.maxBytes+1)
	}

	written, err := io.Copy(w, body)
	if err != nil {
		return written, fmt.Errorf("read %s: %w", url, err)
	}

	if t.maxBytes > 0 && written > t.maxBytes {
		return written, fmt.Errorf("%w: more than %d bytes", errTooLarge, t.maxBytes)
	}

	return written, nil
}

// Get implements Transport.
func (t *HTTPTransport) Get(ctx context.Context, url string) ([]byte, error) {
	response, err := t.get(ctx, url)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(response.Body, pageBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}

	return data, nil
}

// get sends a GET request and rejects non-200 responses.
func (t *HTTPTransport) get(ctx context.Context, url string) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}

	request.Header.Set("User-Agent", version.UserAgent())

	response, err := t.client.Do(request)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		_ = response.Body.Close()
		return nil, fmt.Errorf("%s, %s: %w", url, response.Status, errBadHTTPStatus)
	}

	return response, nil
}

package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	goversion "github.com/hashicorp/go-version"

	"github.com/oshokin/app-installer/internal/logger"
)

// Sources of a resolved version.
const (
	SourceStructured = "structured"
	SourceScrape     = "scrape"
	SourceCache      = "cache"
	SourceDefault    = "default"
)

var (
	// errVersionNotFound is returned when a lookup produced no usable version.
	errVersionNotFound = errors.New("version not found")
	// errLookupDisabled is returned when a lookup has no URL configured.
	errLookupDisabled = errors.New("lookup not configured")
)

// VersionOptions configures ResolveVersion.
type VersionOptions struct {
	// URL returns a JSON document holding the version.
	URL string
	// Field is the dotted path of the version in the JSON document.
	Field string
	// PageURL is scraped when the structured lookup fails.
	PageURL string
	// Pattern extracts versions from the page; its first group is the version.
	Pattern string
	// Default is used when every lookup fails.
	Default string
}

// Resolution is the outcome of ResolveVersion.
type Resolution struct {
	// Version is the resolved version string.
	Version string
	// Source names the lookup that produced it.
	Source string
}

// ResolveVersion tries the structured lookup, the page scrape, then the
// version cache (while younger than VersionFreshness), and falls back to
// the default version with a warning. It never fails.
func (m *Manager) ResolveVersion(ctx context.Context) Resolution {
	lookups := []struct {
		source string
		lookup func(context.Context) (string, error)
	}{
		{SourceStructured, m.structuredVersion},
		{SourceScrape, m.scrapedVersion},
	}

	for _, candidate := range lookups {
		found, err := candidate.lookup(ctx)
		if err != nil {
			if !errors.Is(err, errLookupDisabled) {
				logger.WarnKV(ctx, "Version lookup failed", "source", candidate.source, "error", err)
			}

			continue
		}

		m.storeVersion(ctx, found, candidate.source)
		logger.InfoKV(ctx, "Resolved upstream version", "version", found, "source", candidate.source)

		return Resolution{Version: found, Source: candidate.source}
	}

	if cached, ok := m.cachedVersion(ctx); ok {
		logger.InfoKV(ctx, "Using cached upstream version", "version", cached)
		return Resolution{Version: cached, Source: SourceCache}
	}

	logger.WarnKV(ctx, "Could not resolve the upstream version, using the default", "version", m.opts.Version.Default)

	return Resolution{Version: m.opts.Version.Default, Source: SourceDefault}
}

// structuredVersion reads the version field from a JSON document.
func (m *Manager) structuredVersion(ctx context.Context) (string, error) {
	opts := m.opts.Version
	if opts.URL == "" {
		return "", errLookupDisabled
	}

	if err := m.checkURL(opts.URL); err != nil {
		return "", err
	}

	body, err := m.opts.Transport.Get(ctx, opts.URL)
	if err != nil {
		return "", err
	}

	var document any
	if err = json.Unmarshal(body, &document); err != nil {
		return "", fmt.Errorf("decode version document: %w", err)
	}

	field := opts.Field
	if field == "" {
		field = "version"
	}

	value, ok := lookupField(document, field)
	if !ok {
		return "", fmt.Errorf("%w: field %q", errVersionNotFound, field)
	}

	return normalizeVersion(value)
}

// lookupField follows a dotted path through decoded JSON; numeric segments index arrays.
func lookupField(document any, field string) (string, bool) {
	current := document

	for _, segment := range strings.Split(field, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return "", false
			}

			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return "", false
			}

			current = node[index]
		default:
			return "", false
		}
	}

	switch value := current.(type) {
	case string:
		return value, true
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), true
	default:
		return "", false
	}
}

// scrapedVersion extracts the highest version matched on a web page.
func (m *Manager) scrapedVersion(ctx context.Context) (string, error) {
	opts := m.opts.Version
	if opts.PageURL == "" || opts.Pattern == "" {
		return "", errLookupDisabled
	}

	if err := m.checkURL(opts.PageURL); err != nil {
		return "", err
	}

	pattern, err := regexp.Compile(opts.Pattern)
	if err != nil {
		return "", fmt.Errorf("compile version pattern: %w", err)
	}

	body, err := m.opts.Transport.Get(ctx, opts.PageURL)
	if err != nil {
		return "", err
	}

	return HighestVersion(pattern, string(body))
}

// HighestVersion returns the highest parseable version captured by the
// pattern's first group (or the whole match when it has no group).
func HighestVersion(pattern *regexp.Regexp, text string) (string, error) {
	var (
		best    *goversion.Version
		bestRaw string
	)

	for _, match := range pattern.FindAllStringSubmatch(text, -1) {
		raw := match[0]
		if len(match) > 1 {
			raw = match[1]
		}

		parsed, err := goversion.NewVersion(raw)
		if err != nil {
			continue
		}

		if best == nil || parsed.GreaterThan(best) {
			best, bestRaw = parsed, raw
		}
	}

	if best == nil {
		return "", fmt.Errorf("%w: no match for %q", errVersionNotFound, pattern.String())
	}

	return bestRaw, nil
}

// normalizeVersion trims the value and checks that it parses as a version.
func normalizeVersion(value string) (string, error) {
	value = strings.TrimSpace(value)
	if _, err := goversion.NewVersion(value); err != nil {
		return "", fmt.Errorf("%w: %q: %w", errVersionNotFound, value, err)
	}

	return value, nil
}

// versionCachePath returns the version cache file location.
func (m *Manager) versionCachePath() string {
	return filepath.Join(m.opts.CacheDir, versionCacheName)
}

// cachedVersion returns the cached version while it is fresh.
func (m *Manager) cachedVersion(ctx context.Context) (string, bool) {
	if m.opts.CacheDir == "" {
		return "", false
	}

	var cache VersionCache
	if err := readYAML(m.versionCachePath(), &cache); err != nil {
		logger.DebugKV(ctx, "No usable version cache", "error", err)
		return "", false
	}

	age := m.opts.Now().Sub(cache.ResolvedAt)
	if cache.Version == "" || age < 0 || age > VersionFreshness {
		logger.DebugKV(ctx, "Version cache expired", "age", age)
		return "", false
	}

	return cache.Version, true
}

// storeVersion remembers a resolved version for later runs.
func (m *Manager) storeVersion(ctx context.Context, resolved, source string) {
	if m.opts.CacheDir == "" {
		return
	}

	cache := &VersionCache{
		Version:    resolved,
		Source:     source,
		ResolvedAt: m.opts.Now().UTC(),
	}

	if err := writeYAML(m.versionCachePath(), cache); err != nil {
		logger.WarnKV(ctx, "Failed to write version cache", "error", err)
	}
}

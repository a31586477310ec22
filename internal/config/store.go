package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oshokin/app-installer/internal/logger"
)

const (
	// DefaultSiteFile is the machine-wide override document.
	DefaultSiteFile = "/etc/app-installer/config.json"

	// DefaultUserFile is the per-user override document, relative to the home directory.
	DefaultUserFile = "~/.config/app-installer/config.json"

	// DefaultFilePermissions is the permission used for files the installer writes.
	DefaultFilePermissions = 0o600

	// DefaultDirPermissions is the permission used for directories the installer creates.
	DefaultDirPermissions = 0o750
)

// defaultDocument is the built-in configuration every store starts from.
//
//go:embed default.json
var defaultDocument []byte

// errConfigNotFound is returned when the explicitly requested file does not exist.
var errConfigNotFound = errors.New("configuration file not found")

// Store holds the merged configuration of one session.
// It is built once at session start; Set only changes the in-memory copy.
type Store struct {
	// doc is the merged flattened document.
	doc *Document
	// log receives debug messages about defaulted keys.
	log *zap.SugaredLogger
	// sources lists the files merged into the document, in merge order.
	sources []string
	// warnings keeps the schema validation warnings of the last load.
	warnings []string
}

// LoadOption customizes Load.
type LoadOption func(*loadOptions)

// loadOptions holds the override file locations used by Load.
type loadOptions struct {
	// siteFile is the machine-wide override document.
	siteFile string
	// userFile is the per-user override document.
	userFile string
}

// WithSiteFile overrides the site-level document location; empty disables it.
func WithSiteFile(path string) LoadOption {
	return func(o *loadOptions) {
		o.siteFile = path
	}
}

// WithUserFile overrides the user-level document location; empty disables it.
func WithUserFile(path string) LoadOption {
	return func(o *loadOptions) {
		o.userFile = path
	}
}

// New wraps an existing document into a store.
func New(doc *Document, log *zap.SugaredLogger) *Store {
	if doc == nil {
		doc = NewDocument()
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Store{doc: doc, log: log}
}

// Defaults returns a store holding only the embedded default document.
func Defaults() (*Store, error) {
	doc, err := ParseDocument(defaultDocument)
	if err != nil {
		return nil, fmt.Errorf("parse default configuration: %w", err)
	}

	return New(doc, nil), nil
}

// Load builds the session configuration: defaults, then the optional site and
// user documents, then the document at path. A missing or malformed explicit
// file is fatal; a missing site or user file is skipped. When schemaPath is
// set the merged document is validated and violations are logged as warnings.
func Load(ctx context.Context, path, schemaPath string, opts ...LoadOption) (*Store, error) {
	options := &loadOptions{
		siteFile: DefaultSiteFile,
		userFile: DefaultUserFile,
	}

	for _, opt := range opts {
		opt(options)
	}

	store, err := Defaults()
	if err != nil {
		return nil, err
	}

	store.log = logger.FromContext(ctx)
	store.sources = append(store.sources, "embedded defaults")

	for _, optional := range []string{options.siteFile, options.userFile} {
		if optional == "" {
			continue
		}

		if err = store.mergeFile(optional, false); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err = store.mergeFile(path, true); err != nil {
			return nil, err
		}
	}

	if schemaPath != "" {
		store.warnings = ValidateFile(store.doc, ExpandPath(schemaPath))
		for _, warning := range store.warnings {
			logger.WarnKV(ctx, "Configuration does not match schema, continuing", "schema", schemaPath, "warning", warning)
		}
	}

	logger.DebugKV(ctx, "Configuration loaded", "sources", store.sources, "keys", store.doc.Len())

	return store, nil
}

// mergeFile parses the file and merges it over the current document.
func (s *Store) mergeFile(path string, required bool) error {
	resolved := ExpandPath(path)

	contents, err := os.ReadFile(filepath.Clean(resolved))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if !required {
				return nil
			}

			return fmt.Errorf("%w: %s", errConfigNotFound, resolved)
		}

		return fmt.Errorf("read configuration %s: %w", resolved, err)
	}

	override, err := ParseDocument(contents)
	if err != nil {
		return fmt.Errorf("parse configuration %s: %w", resolved, err)
	}

	s.doc = Merge(s.doc, override)
	s.sources = append(s.sources, resolved)

	return nil
}

// Sources lists the documents merged into the store, in merge order.
func (s *Store) Sources() []string {
	return append([]string(nil), s.sources...)
}

// Warnings returns the schema warnings produced by Load.
func (s *Store) Warnings() []string {
	return append([]string(nil), s.warnings...)
}

// Document returns a copy of the merged document.
func (s *Store) Document() *Document {
	return s.doc.Clone()
}

// Set overrides a key for the rest of the session. Nothing is written to disk.
func (s *Store) Set(key string, value any) {
	s.doc.Set(key, value)
}

// Has reports whether the key or any key below it is set.
func (s *Store) Has(key string) bool {
	if _, ok := s.doc.Get(key); ok {
		return true
	}

	prefix := key + keySeparator
	for _, k := range s.doc.keys {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}

	return false
}

// Get returns the raw value of the key or def when it is not set.
func (s *Store) Get(key string, def any) any {
	value, ok := s.doc.Get(key)
	if !ok {
		s.log.Debugw("Configuration key not set, using default", "key", key, "default", def)
		return def
	}

	return value
}

// GetString returns the key as a string or def when it is not set.
func (s *Store) GetString(key, def string) string {
	value, ok := s.doc.Get(key)
	if !ok || value == nil {
		s.log.Debugw("Configuration key not set, using default", "key", key, "default", def)
		return def
	}

	if str, isString := value.(string); isString {
		return str
	}

	return fmt.Sprint(value)
}

// GetBool returns the key as a boolean or def when it is unset or not a boolean.
func (s *Store) GetBool(key string, def bool) bool {
	value, ok := s.doc.Get(key)
	if !ok {
		s.log.Debugw("Configuration key not set, using default", "key", key, "default", def)
		return def
	}

	switch v := value.(type) {
	case bool:
		return v
	case string:
		if parsed, parsedOK := ParseBool(v); parsedOK {
			return parsed
		}
	}

	s.log.Debugw("Configuration key is not a boolean, using default", "key", key, "value", value)

	return def
}

// GetInt returns the key as an integer or def when it is unset or not an integer.
func (s *Store) GetInt(key string, def int) int {
	value, ok := s.doc.Get(key)
	if !ok {
		s.log.Debugw("Configuration key not set, using default", "key", key, "default", def)
		return def
	}

	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		if v <= math.MaxInt {
			return int(v)
		}
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}

	s.log.Debugw("Configuration key is not an integer, using default", "key", key, "value", value)

	return def
}

// GetDuration returns the key parsed with time.ParseDuration.
// Bare integers are read as seconds.
func (s *Store) GetDuration(key string, def time.Duration) time.Duration {
	value, ok := s.doc.Get(key)
	if !ok {
		s.log.Debugw("Configuration key not set, using default", "key", key, "default", def)
		return def
	}

	switch v := value.(type) {
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return parsed
		}

		if seconds, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	s.log.Debugw("Configuration key is not a duration, using default", "key", key, "value", value)

	return def
}

// GetArray collects every key matching key.N, ordered numerically by N.
// Only direct scalar children are returned. An explicitly empty array yields an empty slice.
func (s *Store) GetArray(key string, def []string) []string {
	indexes := s.childIndexes(key, true)
	if len(indexes) == 0 {
		if value, ok := s.doc.Get(key); ok {
			if items, isArray := value.([]any); isArray && len(items) == 0 {
				return []string{}
			}
		}

		s.log.Debugw("Configuration array not set, using default", "key", key, "default", def)

		return def
	}

	result := make([]string, 0, len(indexes))
	for _, index := range indexes {
		value, _ := s.doc.Get(joinKey(key, strconv.Itoa(index)))
		if value == nil {
			result = append(result, "")
			continue
		}

		result = append(result, fmt.Sprint(value))
	}

	return result
}

// GetCommands reads an array of argument lists (key.N.M) as commands.
func (s *Store) GetCommands(key string) [][]string {
	indexes := s.childIndexes(key, false)

	commands := make([][]string, 0, len(indexes))
	for _, index := range indexes {
		args := s.GetArray(joinKey(key, strconv.Itoa(index)), nil)
		if len(args) == 0 {
			continue
		}

		commands = append(commands, args)
	}

	return commands
}

// childIndexes lists the numeric child segments of key in ascending order.
// With scalarsOnly set only direct leaf children are reported.
func (s *Store) childIndexes(key string, scalarsOnly bool) []int {
	prefix := key + keySeparator
	seen := make(map[int]struct{})

	for _, k := range s.doc.keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}

		rest := strings.TrimPrefix(k, prefix)
		segment, _, hasNested := strings.Cut(rest, keySeparator)
		if scalarsOnly && hasNested {
			continue
		}

		index, err := strconv.Atoi(segment)
		if err != nil || index < 0 {
			continue
		}

		seen[index] = struct{}{}
	}

	indexes := make([]int, 0, len(seen))
	for index := range seen {
		indexes = append(indexes, index)
	}

	sort.Ints(indexes)

	return indexes
}

// ParseBool accepts the usual spellings of booleans found in files and environment.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on", "y":
		return true, true
	case "0", "false", "no", "off", "n":
		return false, true
	default:
		return false, false
	}
}

package config

import (
	"context"
	"strconv"
	"strings"

	"github.com/oshokin/app-installer/internal/logger"
)

// Environment variables consumed by the installer.
const (
	EnvLogLevel   = "APP_INSTALLER_LOG_LEVEL"
	EnvLogFile    = "APP_INSTALLER_LOG_FILE"
	EnvRecovery   = "APP_INSTALLER_RECOVERY"
	EnvRetryCount = "APP_INSTALLER_RETRY_COUNT"
	EnvRetryDelay = "APP_INSTALLER_RETRY_DELAY"
	EnvBackend    = "APP_INSTALLER_BACKEND"
	EnvDebug      = "APP_INSTALLER_DEBUG"
)

// LookupFunc reads one environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnvironment copies recognized environment variables into the store
// and returns the names of the variables that were applied.
// Values that cannot be parsed are ignored with a warning.
func (s *Store) ApplyEnvironment(ctx context.Context, lookup LookupFunc) []string {
	var applied []string

	set := func(env, key string, value any) {
		s.Set(key, value)
		applied = append(applied, env)
	}

	if value, ok := nonEmpty(lookup, EnvLogLevel); ok {
		set(EnvLogLevel, "log.level", strings.ToLower(value))
	}

	if value, ok := nonEmpty(lookup, EnvLogFile); ok {
		set(EnvLogFile, "log.file", value)
	}

	if value, ok := nonEmpty(lookup, EnvRecovery); ok {
		if enabled, parsed := ParseBool(value); parsed {
			set(EnvRecovery, "recovery.enabled", enabled)
		} else {
			logger.WarnKV(ctx, "Ignoring invalid boolean", "variable", EnvRecovery, "value", value)
		}
	}

	if value, ok := nonEmpty(lookup, EnvRetryCount); ok {
		if count, err := strconv.Atoi(value); err == nil && count > 0 {
			set(EnvRetryCount, "recovery.retries", count)
			s.Set("download.retries", count)
		} else {
			logger.WarnKV(ctx, "Ignoring invalid retry count", "variable", EnvRetryCount, "value", value)
		}
	}

	if value, ok := nonEmpty(lookup, EnvRetryDelay); ok {
		set(EnvRetryDelay, "recovery.delay", value)
	}

	if value, ok := nonEmpty(lookup, EnvBackend); ok {
		set(EnvBackend, "packages.backend", strings.ToLower(value))
	}

	if value, ok := nonEmpty(lookup, EnvDebug); ok {
		if enabled, parsed := ParseBool(value); parsed && enabled {
			set(EnvDebug, "log.level", "debug")
		}
	}

	return applied
}

// nonEmpty returns the trimmed variable when it is set to something.
func nonEmpty(lookup LookupFunc, key string) (string, bool) {
	value, ok := lookup(key)
	if !ok {
		return "", false
	}

	value = strings.TrimSpace(value)

	return value, value != ""
}

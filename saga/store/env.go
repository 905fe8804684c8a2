package store

import (
	"os"
	"strconv"
	"time"
)

// Environment variables tuning the GC liveness window. Values are integer
// milliseconds.
const (
	EnvGCLookbackMS = "SAGA_WORKFLOW_GC_LOOKBACK_MS"
	EnvGCCutoffMS   = "SAGA_WORKFLOW_GC_CUTOFF_MS"
)

const (
	defaultGCLookbackMS = 5_000
	defaultGCCutoffMS   = 7_200_000 // 2 hours
)

// DefaultGCLookback returns the GC lookback from SAGA_WORKFLOW_GC_LOOKBACK_MS,
// defaulting to 5 seconds.
func DefaultGCLookback() time.Duration {
	return envMillis(EnvGCLookbackMS, defaultGCLookbackMS)
}

// DefaultGCCutoff returns the GC cutoff from SAGA_WORKFLOW_GC_CUTOFF_MS,
// defaulting to 2 hours.
func DefaultGCCutoff() time.Duration {
	return envMillis(EnvGCCutoffMS, defaultGCCutoffMS)
}

// envMillis parses an integer-millisecond environment variable. Unset,
// empty, or malformed values fall back to the default.
func envMillis(name string, def int64) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return time.Duration(def) * time.Millisecond
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return time.Duration(def) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

// Package config loads Echo's runtime configuration from environment
// variables, in the same style as the teacher's env-var driven Config:
// LoadFromEnv() never fails, Validate() catches bad values afterward.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RetentionKind selects a worldline retention policy.
type RetentionKind string

const (
	RetentionKeepAll         RetentionKind = "keep_all"
	RetentionCheckpointEvery RetentionKind = "checkpoint_every"
	RetentionKeepRecent      RetentionKind = "keep_recent"
	RetentionArchiveWormhole RetentionKind = "archive_wormhole"
)

// RetentionConfig configures the worldline store's retention policy. N is
// the checkpoint interval for CheckpointEvery; for KeepRecent and
// ArchiveToWormhole it is both the retained tick window and the checkpoint
// interval. N is ignored for KeepAll.
type RetentionConfig struct {
	Kind RetentionKind
	N    int
}

// Config holds Echo's process-wide configuration, loaded once at startup.
type Config struct {
	// Workers is the BOAW executor's fixed worker-pool size. 0 means "use
	// GOMAXPROCS, capped at NUM_SHARDS".
	Workers int

	// PolicyID names the rule-set policy. It is loaded and validated here;
	// commits carry the numeric policy id passed to engine.New, not this
	// value.
	PolicyID string

	// DataDir is the root directory for the Badger-backed worldline store.
	DataDir string

	Retention RetentionConfig

	// LogLevel controls the structured logger's verbosity: debug, info,
	// warn, error.
	LogLevel string

	// WALSyncMode names a write-ahead-log sync mode: always, interval,
	// never. It is loaded and validated here; the worldline stores do not
	// read it (BadgerStore takes BadgerOptions.SyncWrites instead).
	WALSyncMode string
}

// LoadFromEnv loads configuration from the process environment. All values
// have defaults, so LoadFromEnv never fails; call Validate afterward.
func LoadFromEnv() *Config {
	c := &Config{
		Workers:     getEnvInt("ECHO_WORKERS", 0),
		PolicyID:    getEnv("ECHO_POLICY_ID", "default"),
		DataDir:     getEnv("ECHO_DATA_DIR", "./data/echo"),
		Retention:   parseRetention(getEnv("ECHO_RETENTION", "keep_all")),
		LogLevel:    getEnv("ECHO_LOG_LEVEL", "info"),
		WALSyncMode: getEnv("ECHO_WAL_SYNC_MODE", "interval"),
	}
	return c
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("ECHO_WORKERS must be >= 0, got %d", c.Workers)
	}
	if c.PolicyID == "" {
		return fmt.Errorf("ECHO_POLICY_ID must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("ECHO_DATA_DIR must not be empty")
	}
	switch c.Retention.Kind {
	case RetentionKeepAll, RetentionCheckpointEvery, RetentionKeepRecent, RetentionArchiveWormhole:
	default:
		return fmt.Errorf("unknown retention policy %q", c.Retention.Kind)
	}
	if (c.Retention.Kind == RetentionCheckpointEvery || c.Retention.Kind == RetentionKeepRecent || c.Retention.Kind == RetentionArchiveWormhole) && c.Retention.N <= 0 {
		return fmt.Errorf("retention policy %q requires a positive N, got %d", c.Retention.Kind, c.Retention.N)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.WALSyncMode {
	case "always", "interval", "never":
	default:
		return fmt.Errorf("unknown wal sync mode %q", c.WALSyncMode)
	}
	return nil
}

// String returns a representation safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Workers: %d, PolicyID: %s, DataDir: %s, Retention: %s/%d, LogLevel: %s}",
		c.Workers, c.PolicyID, c.DataDir, c.Retention.Kind, c.Retention.N, c.LogLevel)
}

// parseRetention parses the "kind" or "kind:N" form of ECHO_RETENTION.
func parseRetention(s string) RetentionConfig {
	parts := strings.SplitN(s, ":", 2)
	rc := RetentionConfig{Kind: RetentionKind(parts[0])}
	if len(parts) == 2 {
		if n, err := strconv.Atoi(parts[1]); err == nil {
			rc.N = n
		}
	}
	switch rc.Kind {
	case RetentionCheckpointEvery:
		if rc.N == 0 {
			rc.N = 100
		}
	case RetentionKeepRecent:
		if rc.N == 0 {
			rc.N = 1000
		}
	}
	return rc
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

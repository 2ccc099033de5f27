package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"ECHO_WORKERS", "ECHO_POLICY_ID", "ECHO_DATA_DIR", "ECHO_RETENTION", "ECHO_LOG_LEVEL", "ECHO_WAL_SYNC_MODE"} {
		os.Unsetenv(k)
	}

	c := LoadFromEnv()
	require.NoError(t, c.Validate())
	assert.Equal(t, 0, c.Workers)
	assert.Equal(t, "default", c.PolicyID)
	assert.Equal(t, RetentionKeepAll, c.Retention.Kind)
	assert.Equal(t, "info", c.LogLevel)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("ECHO_WORKERS", "8")
	t.Setenv("ECHO_POLICY_ID", "v2")
	t.Setenv("ECHO_RETENTION", "keep_recent:500")
	t.Setenv("ECHO_LOG_LEVEL", "debug")

	c := LoadFromEnv()
	require.NoError(t, c.Validate())
	assert.Equal(t, 8, c.Workers)
	assert.Equal(t, "v2", c.PolicyID)
	assert.Equal(t, RetentionKeepRecent, c.Retention.Kind)
	assert.Equal(t, 500, c.Retention.N)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		mut  func(c *Config)
	}{
		{"negative workers", func(c *Config) { c.Workers = -1 }},
		{"empty policy id", func(c *Config) { c.PolicyID = "" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"unknown retention", func(c *Config) { c.Retention.Kind = "bogus" }},
		{"checkpoint every needs N", func(c *Config) { c.Retention = RetentionConfig{Kind: RetentionCheckpointEvery} }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
		{"unknown wal sync mode", func(c *Config) { c.WALSyncMode = "sometimes" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := LoadFromEnv()
			tt.mut(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestParseRetentionDefaultsN(t *testing.T) {
	assert.Equal(t, RetentionConfig{Kind: RetentionCheckpointEvery, N: 100}, parseRetention("checkpoint_every"))
	assert.Equal(t, RetentionConfig{Kind: RetentionKeepRecent, N: 1000}, parseRetention("keep_recent"))
	assert.Equal(t, RetentionConfig{Kind: RetentionKeepAll}, parseRetention("keep_all"))
}

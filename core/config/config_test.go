package config

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfig_Defaults(t *testing.T) {
	t.Setenv("TENSORAGE_IDENTITY", "miner-1")

	cfg, err := GetConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "miner-1", cfg.Identity)
	assert.Equal(t, uint64(DefaultChunkSize), cfg.Allocation.ChunkSize)
	assert.Equal(t, runtime.NumCPU(), cfg.Allocation.Workers)
	assert.Equal(t, ByteSize(100<<30), cfg.Allocation.Capacity)
	assert.Equal(t, 10*time.Minute, cfg.Allocation.ReallocInterval)
	assert.Equal(t, 0.9, cfg.Proof.ScoreAlpha)
	assert.Equal(t, 8091, cfg.Server.Port)
}

func TestGetConfig_Overrides(t *testing.T) {
	t.Setenv("TENSORAGE_IDENTITY", "validator-1")
	t.Setenv("TENSORAGE_CAPACITY", "4MB")
	t.Setenv("TENSORAGE_CHUNK_SIZE", "1024")
	t.Setenv("TENSORAGE_WORKERS", "3")
	t.Setenv("TENSORAGE_DISABLE_PROMPT", "true")
	t.Setenv("TENSORAGE_CHALLENGE_TIMEOUT", "2s")

	cfg, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, ByteSize(4_000_000), cfg.Allocation.Capacity)
	assert.Equal(t, uint64(1024), cfg.Allocation.ChunkSize)
	assert.Equal(t, 3, cfg.Allocation.Workers)
	assert.True(t, cfg.Allocation.DisablePrompt)
	assert.Equal(t, 2*time.Second, cfg.Proof.Timeout)
}

func TestValidate(t *testing.T) {
	t.Setenv("TENSORAGE_IDENTITY", "x")

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"missing identity", func(c *Config) { c.Identity = "" }, ErrMissingIdentity},
		{"zero chunk size", func(c *Config) { c.Allocation.ChunkSize = 0 }, ErrInvalidChunkSize},
		{"zero workers", func(c *Config) { c.Allocation.Workers = 0 }, ErrInvalidWorkers},
		{"sample rate too high", func(c *Config) { c.Allocation.VerifySampleRate = 1.5 }, ErrInvalidSampleRate},
		{"alpha of one", func(c *Config) { c.Proof.ScoreAlpha = 1 }, ErrInvalidAlpha},
		{"min above max", func(c *Config) {
			c.Allocation.MinChunks = 10
			c.Allocation.MaxChunks = 5
		}, ErrInvalidChunkRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := GetConfig()
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestDataRoot_ExpandsHome(t *testing.T) {
	t.Setenv("TENSORAGE_IDENTITY", "x")
	t.Setenv("TENSORAGE_DB_ROOT", "/var/lib/tensorage")

	cfg, err := GetConfig()
	require.NoError(t, err)

	root, err := cfg.DataRoot()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tensorage", root)
}

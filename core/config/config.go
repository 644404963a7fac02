package config

import (
	"errors"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// DefaultChunkSize is 4 MiB.
const DefaultChunkSize = 1 << 22

var (
	ErrInvalidChunkSize  = errors.New("chunk size must be positive")
	ErrInvalidWorkers    = errors.New("workers must be positive")
	ErrInvalidSampleRate = errors.New("verify sample rate must be in (0, 1]")
	ErrInvalidAlpha      = errors.New("score alpha must be in [0, 1)")
	ErrMissingIdentity   = errors.New("identity must be set")
	ErrInvalidChunkRange = errors.New("min chunks must not exceed max chunks")
)

// ByteSize decodes human readable sizes such as "100GB" or "4MiB".
type ByteSize uint64

func (b *ByteSize) Decode(value string) error {
	v, err := humanize.ParseBytes(value)
	if err != nil {
		return err
	}

	*b = ByteSize(v)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

type Config struct {
	Identity string `envconfig:"TENSORAGE_IDENTITY"`

	Server struct {
		Host string `envconfig:"TENSORAGE_SERVER_HOST" default:"0.0.0.0"`
		Port int    `envconfig:"TENSORAGE_SERVER_PORT" default:"8091"`
	}
	Store struct {
		Root string `envconfig:"TENSORAGE_DB_ROOT" default:"~/tensorage-db"`
	}
	Stake struct {
		Path         string        `envconfig:"TENSORAGE_STAKE_FILE" default:"stake.toml"`
		PollInterval time.Duration `envconfig:"TENSORAGE_STAKE_POLL_INTERVAL" default:"30s"`
	}
	Allocation struct {
		Capacity         ByteSize      `envconfig:"TENSORAGE_CAPACITY" default:"100GiB"`
		ChunkSize        uint64        `envconfig:"TENSORAGE_CHUNK_SIZE"`
		Workers          int           `envconfig:"TENSORAGE_WORKERS"`
		PartitionWorkers int           `envconfig:"TENSORAGE_PARTITION_WORKERS" default:"2"`
		MinChunks        uint64        `envconfig:"TENSORAGE_MIN_CHUNKS" default:"1"`
		MaxChunks        uint64        `envconfig:"TENSORAGE_MAX_CHUNKS"`
		Restart          bool          `envconfig:"TENSORAGE_RESTART"`
		DisablePrompt    bool          `envconfig:"TENSORAGE_DISABLE_PROMPT"`
		DisableVerify    bool          `envconfig:"TENSORAGE_DISABLE_VERIFY"`
		VerifySampleRate float64       `envconfig:"TENSORAGE_VERIFY_SAMPLE_RATE" default:"0.01"`
		ReallocInterval  time.Duration `envconfig:"TENSORAGE_REALLOCATE_INTERVAL" default:"10m"`
		MaxChunkRetries  int           `envconfig:"TENSORAGE_MAX_CHUNK_RETRIES" default:"3"`
		CheckpointEvery  uint64        `envconfig:"TENSORAGE_CHECKPOINT_EVERY" default:"64"`
	}
	Proof struct {
		Interval           time.Duration `envconfig:"TENSORAGE_VERIFY_INTERVAL" default:"60s"`
		Timeout            time.Duration `envconfig:"TENSORAGE_CHALLENGE_TIMEOUT" default:"12s"`
		Retries            int           `envconfig:"TENSORAGE_CHALLENGE_RETRIES" default:"2"`
		ChallengesPerRound int           `envconfig:"TENSORAGE_CHALLENGES_PER_ROUND" default:"1"`
		Concurrency        int           `envconfig:"TENSORAGE_VERIFY_CONCURRENCY" default:"8"`
		ScoreAlpha         float64       `envconfig:"TENSORAGE_SCORE_ALPHA" default:"0.9"`
	}
	Metrics struct {
		Enabled bool `envconfig:"TENSORAGE_METRICS_ENABLED" default:"true"`
	}
}

// GetConfig reads the TENSORAGE_* environment.
func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Allocation.ChunkSize == 0 {
		c.Allocation.ChunkSize = DefaultChunkSize
	}
	if c.Allocation.Workers == 0 {
		c.Allocation.Workers = runtime.NumCPU()
	}
}

// DataRoot returns the store root with a leading ~ expanded.
func (c *Config) DataRoot() (string, error) {
	return homedir.Expand(c.Store.Root)
}

func (c *Config) Validate() error {
	if c.Identity == "" {
		return ErrMissingIdentity
	}
	if c.Allocation.ChunkSize == 0 {
		return ErrInvalidChunkSize
	}
	if c.Allocation.Workers <= 0 || c.Allocation.PartitionWorkers <= 0 {
		return xerrors.Errorf("allocation: %w", ErrInvalidWorkers)
	}
	if c.Proof.Concurrency <= 0 {
		return xerrors.Errorf("proof: %w", ErrInvalidWorkers)
	}
	if c.Allocation.VerifySampleRate <= 0 || c.Allocation.VerifySampleRate > 1 {
		return ErrInvalidSampleRate
	}
	if c.Proof.ScoreAlpha < 0 || c.Proof.ScoreAlpha >= 1 {
		return ErrInvalidAlpha
	}
	if c.Allocation.MaxChunks != 0 && c.Allocation.MinChunks > c.Allocation.MaxChunks {
		return ErrInvalidChunkRange
	}

	return nil
}

package main

import (
	"bytes"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/pyropy/tensorage/core/allocator"
	"github.com/pyropy/tensorage/core/config"
	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/core/partition"
)

func contextWith(t *testing.T, args ...string) *cli.Context {
	t.Helper()

	set := flag.NewFlagSet("allocate", flag.ContinueOnError)
	for _, f := range flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))

	return cli.NewContext(&cli.App{Writer: &bytes.Buffer{}}, set, nil)
}

func TestApplyFlags(t *testing.T) {
	t.Setenv("TENSORAGE_IDENTITY", "from-env")
	t.Setenv("TENSORAGE_WORKERS", "3")

	cfg, err := config.GetConfig()
	require.NoError(t, err)

	c := contextWith(t, "--capacity", "2GiB", "--chunk-size", "1024", "--restart", "--disable-prompt", "--db-root", "/tmp/x")
	require.NoError(t, applyFlags(c, cfg))

	assert.Equal(t, config.ByteSize(2<<30), cfg.Allocation.Capacity)
	assert.Equal(t, uint64(1024), cfg.Allocation.ChunkSize)
	assert.True(t, cfg.Allocation.Restart)
	assert.True(t, cfg.Allocation.DisablePrompt)
	assert.False(t, cfg.Allocation.DisableVerify)
	assert.Equal(t, "/tmp/x", cfg.Store.Root)

	// unset flags leave the environment alone
	assert.Equal(t, "from-env", cfg.Identity)
	assert.Equal(t, 3, cfg.Allocation.Workers)
}

func TestApplyFlags_Invalid(t *testing.T) {
	t.Setenv("TENSORAGE_IDENTITY", "m")

	cfg, err := config.GetConfig()
	require.NoError(t, err)
	require.Error(t, applyFlags(contextWith(t, "--capacity", "lots"), cfg))

	cfg, err = config.GetConfig()
	require.NoError(t, err)
	require.ErrorIs(t, applyFlags(contextWith(t, "--identity", ""), cfg), config.ErrMissingIdentity)
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer

	report := allocator.Report{
		Plan: allocator.Plan{Changes: []allocator.Change{
			{Counterparty: "c", Action: allocator.ActionKeep, State: model.PartitionIncomplete},
		}},
		Results: []allocator.ChangeResult{{
			Change:    allocator.Change{Counterparty: "a", Action: allocator.ActionCreate},
			Partition: model.Partition{State: model.PartitionComplete, Checkpoint: 3},
			Build:     &partition.BuildResult{Generated: 4},
			Verify:    &model.VerificationReport{Sampled: 2},
		}},
	}

	require.NoError(t, printReport(&buf, report))

	out := buf.String()
	assert.Contains(t, out, "create")
	assert.Contains(t, out, "2/2 ok")
	assert.Contains(t, out, "rerun with --restart: [c]")
}

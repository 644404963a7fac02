package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/allocator"
	"github.com/pyropy/tensorage/core/config"
	"github.com/pyropy/tensorage/core/model"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "db-root",
		Usage: "Directory holding chunk stores and the manifest",
	},
	&cli.StringFlag{
		Name:  "identity",
		Usage: "Local peer identity partitions are derived from",
	},
	&cli.StringFlag{
		Name:  "capacity",
		Usage: "Total bytes to commit, e.g. 500GiB",
	},
	&cli.Uint64Flag{
		Name:  "chunk-size",
		Usage: "Chunk size in bytes",
	},
	&cli.IntFlag{
		Name:  "workers",
		Usage: "Concurrent chunk writers per partition",
	},
	&cli.StringFlag{
		Name:  "stake-file",
		Usage: "TOML stake table",
	},
	&cli.BoolFlag{
		Name:  "restart",
		Usage: "Discard existing chunks and rebuild every partition",
	},
	&cli.BoolFlag{
		Name:  "disable-prompt",
		Usage: "Do not ask before allocating for new counterparties",
	},
	&cli.BoolFlag{
		Name:  "disable-verify",
		Usage: "Skip sampled verification after building",
	},
}

// applyFlags overlays flags that were set on the environment config.
func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("db-root") {
		cfg.Store.Root = c.String("db-root")
	}
	if c.IsSet("identity") {
		cfg.Identity = c.String("identity")
	}
	if c.IsSet("capacity") {
		if err := cfg.Allocation.Capacity.Decode(c.String("capacity")); err != nil {
			return xerrors.Errorf("--capacity: %w", err)
		}
	}
	if c.IsSet("chunk-size") {
		cfg.Allocation.ChunkSize = c.Uint64("chunk-size")
	}
	if c.IsSet("workers") {
		cfg.Allocation.Workers = c.Int("workers")
	}
	if c.IsSet("stake-file") {
		cfg.Stake.Path = c.String("stake-file")
	}
	if c.IsSet("restart") {
		cfg.Allocation.Restart = c.Bool("restart")
	}
	if c.IsSet("disable-prompt") {
		cfg.Allocation.DisablePrompt = c.Bool("disable-prompt")
	}
	if c.IsSet("disable-verify") {
		cfg.Allocation.DisableVerify = c.Bool("disable-verify")
	}

	return cfg.Validate()
}

func printReport(w io.Writer, report allocator.Report) error {
	tw := tabwriter.NewWriter(w, 6, 6, 2, ' ', 0)
	fmt.Fprintf(tw, "COUNTERPARTY\tACTION\tSTATE\tCHECKPOINT\tWRITTEN\tVERIFIED\tERROR\n")

	for _, r := range report.Results {
		written, verified, errStr := "-", "-", ""
		if r.Build != nil {
			written = humanize.Comma(int64(r.Build.Generated))
		}
		if r.Verify != nil {
			verified = fmt.Sprintf("%d/%d ok", r.Verify.Sampled-len(r.Verify.Missing)-len(r.Verify.Mismatched), r.Verify.Sampled)
		}
		if r.Err != nil {
			errStr = r.Err.Error()
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", r.Change.Counterparty, r.Change.Action,
			r.Partition.State, r.Partition.Checkpoint, written, verified, errStr)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	if inc := report.Incomplete(); len(inc) > 0 {
		fmt.Fprintf(w, "incomplete partitions, rerun with --restart: %v\n", inc)
	}
	return nil
}

func printPartitions(w io.Writer, partitions []model.Partition) error {
	tw := tabwriter.NewWriter(w, 6, 6, 2, ' ', 0)
	fmt.Fprintf(tw, "COUNTERPARTY\tSEED\tSIZE\tCHUNKS\tCHECKPOINT\tSTATE\tLAST VERIFIED\n")

	var total uint64
	for _, p := range partitions {
		total += p.SizeBytes

		verified := "never"
		if !p.LastVerified.IsZero() {
			verified = humanize.Time(p.LastVerified)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n", p.Counterparty, p.Seed.Short(), humanize.IBytes(p.SizeBytes),
			p.NChunks, p.Checkpoint, p.State, verified)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "%d partitions, %s committed\n", len(partitions), humanize.IBytes(total))
	return nil
}

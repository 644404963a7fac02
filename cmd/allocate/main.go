package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/tensorage/core/allocator"
	"github.com/pyropy/tensorage/core/config"
	"github.com/pyropy/tensorage/core/miner"
	"github.com/pyropy/tensorage/core/stake"
	"github.com/pyropy/tensorage/lib/logger"
)

var log, _ = logger.New("allocate")

func main() {
	app := &cli.App{
		Name:   "allocate",
		Usage:  "Size local partitions to the stake table and fill them",
		Flags:  flags,
		Action: allocate,
		Commands: []*cli.Command{
			statusCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalw("allocate", "ERROR", err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}

	return cfg, applyFlags(c, cfg)
}

func allocate(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	snap, err := stake.LoadFile(cfg.Stake.Path)
	if err != nil {
		return err
	}

	m, err := miner.NewMiner(ctx, cfg, miner.NewPromptConfirmer())
	if err != nil {
		return err
	}
	defer m.Close()

	plan := m.Allocator.Plan(snap)
	if cfg.Allocation.DisablePrompt || len(plan.NewCounterparties()) == 0 {
		fmt.Fprint(c.App.Writer, plan)
	}

	report, err := m.Allocator.Apply(ctx, plan)
	switch {
	case errors.Is(err, allocator.ErrAllocationRejected):
		fmt.Fprintln(c.App.Writer, "allocation cancelled")
		return nil
	case errors.Is(err, context.Canceled):
		log.Warnw("allocate", "status", "interrupted, progress is checkpointed")
	case err != nil:
		return err
	}

	return printReport(c.App.Writer, report)
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "List the partitions in the manifest",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		m, err := miner.NewMiner(context.Background(), cfg, nil)
		if err != nil {
			return err
		}
		defer m.Close()

		return printPartitions(c.App.Writer, m.Manifest.Snapshot())
	},
}

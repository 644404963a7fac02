package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	fp "path/filepath"
	"syscall"

	"github.com/pyropy/tensorage/core/config"
	"github.com/pyropy/tensorage/core/metrics"
	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/core/partition"
	"github.com/pyropy/tensorage/core/proof"
	"github.com/pyropy/tensorage/core/stake"
	"github.com/pyropy/tensorage/lib/logger"
)

var log, _ = logger.New("validator")

func main() {
	if err := run(); err != nil {
		log.Fatalw("startup", "ERROR", err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		log.Errorw("startup", "error", "config error")
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	root, err := cfg.DataRoot()
	if err != nil {
		return err
	}

	board, err := proof.OpenScoreboard(fp.Join(root, "validator", "standings.db"), cfg.Proof.ScoreAlpha)
	if err != nil {
		return err
	}
	defer board.Close()

	gen, err := partition.NewGenerator(cfg.Allocation.ChunkSize)
	if err != nil {
		return err
	}

	transport := proof.NewRPCTransport(cfg.Identity)
	verifier := proof.NewVerifier(cfg.Identity, gen, transport, board, proof.VerifierConfig{
		Timeout:            cfg.Proof.Timeout,
		Retries:            cfg.Proof.Retries,
		ChallengesPerRound: cfg.Proof.ChallengesPerRound,
		Concurrency:        cfg.Proof.Concurrency,
	})

	provider := stake.NewFileProvider(cfg.Stake.Path, cfg.Stake.PollInterval)
	monitor := proof.NewMonitor(verifier, provider, cfg.Proof.Interval, func(snap model.StakeSnapshot) {
		transport.SetAddresses(snap)
	})

	if cfg.Metrics.Enabled {
		exporter, err := metrics.Exporter("tensorage_validator", metrics.ValidatorViews...)
		if err != nil {
			return err
		}
		http.Handle("/metrics", exporter)

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			log.Errorw("startup", "error", "net listen failed")
			return err
		}
		defer l.Close()

		log.Infow("startup", "status", "metrics server started", "address", l.Addr().String())
		go http.Serve(l, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		monitor.Start(ctx)
	}()

	go func() {
		for results := range monitor.Results() {
			for _, r := range results {
				if r.Outcome == model.OutcomeInvalid || r.Outcome == model.OutcomeTimeout {
					log.Warnw("verify", "status", "holder failed round", "counterparty", r.Counterparty,
						"outcome", r.Outcome, "misses", r.Standing.ConsecutiveMisses)
				}
			}
		}
	}()

	log.Infow("startup", "status", "verifier started", "identity", cfg.Identity, "interval", cfg.Proof.Interval)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	log.Infow("shutdown", "status", "verifier stopping")
	cancel()
	<-stopped

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"os/signal"
	"syscall"

	"github.com/pyropy/tensorage/core/allocator"
	"github.com/pyropy/tensorage/core/config"
	"github.com/pyropy/tensorage/core/metrics"
	"github.com/pyropy/tensorage/core/miner"
	"github.com/pyropy/tensorage/core/scheduler"
	"github.com/pyropy/tensorage/core/stake"
	"github.com/pyropy/tensorage/lib/logger"
	holderRPC "github.com/pyropy/tensorage/rpc/holder"
)

var log, _ = logger.New("miner-rpc")

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := miner.NewMiner(ctx, cfg, miner.LogConfirmer{})
	if err != nil {
		return err
	}
	defer m.Close()

	if err := rpc.RegisterName(holderRPC.Service, NewHolderAPI(m.Holder)); err != nil {
		return err
	}
	rpc.HandleHTTP()

	if cfg.Metrics.Enabled {
		exporter, err := metrics.Exporter("tensorage_miner", metrics.MinerViews...)
		if err != nil {
			return err
		}
		http.Handle("/metrics", exporter)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorw("startup", "error", "net listen failed")
		return err
	}

	listenAddr := l.Addr().String()

	log.Infow("startup", "status", "holder rpc server started", "address", listenAddr)
	defer log.Infow("shutdown", "status", "holder rpc server stopped", "address", listenAddr)
	go http.Serve(l, nil)

	provider := stake.NewFileProvider(cfg.Stake.Path, cfg.Stake.PollInterval)
	sched := scheduler.New(m.Allocator, provider, cfg.Allocation.ReallocInterval)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for res := range sched.Results() {
			if errors.Is(res.Err, allocator.ErrAllocationRejected) {
				log.Warnw("reallocate", "status", "plan rejected, keeping current partitions", "reason", res.Reason)
			}
		}
	}()

	log.Infow("startup", "status", "starting reallocation scheduler", "interval", cfg.Allocation.ReallocInterval)
	go sched.Start(ctx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-shutdown:
	case <-stopped:
		return errors.New("scheduler exited")
	}

	log.Infow("shutdown", "status", "holder rpc server stopping", "address", listenAddr)
	cancel()
	<-stopped
	_ = l.Close()

	return nil
}

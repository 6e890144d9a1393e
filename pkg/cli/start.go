// Copyright 2026 The ApplyStream Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/applystream/applystream/pkg/apply"
	"github.com/applystream/applystream/pkg/base"
	"github.com/applystream/applystream/pkg/position"
	"github.com/applystream/applystream/pkg/stream"
	"github.com/applystream/applystream/pkg/util/log"
)

var startCtx = struct {
	configPath string
	output     string
	cfg        base.Config
}{
	cfg: base.DefaultConfig(),
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start applying the event stream",
	Long: `Starts the applier: recovers from the durable position record, then
consumes the relay file and applies it with the configured worker pool
until the stream ends, an until-position is reached, or a signal arrives.
The first SIGINT/SIGTERM stops gracefully (dispatched work drains); a
second one stops immediately.`,
	RunE: runStart,
}

func init() {
	f := startCmd.Flags()
	f.StringVar(&startCtx.configPath, "config", "", "YAML config file; flags override it")
	f.StringVar(&startCtx.output, "output", "applied.out", "apply output file")
	f.IntVar(&startCtx.cfg.Workers, "workers", startCtx.cfg.Workers, "apply worker pool size")
	f.StringVar((*string)(&startCtx.cfg.Policy), "policy", string(startCtx.cfg.Policy),
		"assignment policy: dependency or key-partitioned")
	f.StringVar(&startCtx.cfg.RelayFile, "relay-file", "", "relay log to consume")
	f.StringVar(&startCtx.cfg.StoreDir, "store-dir", "", "directory for the position store")
	f.StringVar(&startCtx.cfg.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.IntVar(&startCtx.cfg.MaxPendingGroups, "max-pending-groups", startCtx.cfg.MaxPendingGroups,
		"bound on undispatched groups")
	f.IntVar(&startCtx.cfg.WorkerQueueLen, "worker-queue-len", startCtx.cfg.WorkerQueueLen,
		"per-worker queue length")
	f.StringVar(&startCtx.cfg.WorkerQueueMem, "worker-queue-mem", startCtx.cfg.WorkerQueueMem,
		"per-worker queue memory cap, e.g. 16MiB")
	f.IntVar(&startCtx.cfg.UnderrunLevel, "underrun-level", startCtx.cfg.UnderrunLevel,
		"percentage of worker-queue-len below which a worker counts as hungry")
	f.DurationVar(&startCtx.cfg.BasicNap, "basic-nap", startCtx.cfg.BasicNap,
		"unit of the coordinator's adaptive sleep")
	f.IntVar(&startCtx.cfg.CheckpointGroup, "checkpoint-group", startCtx.cfg.CheckpointGroup,
		"max in-flight groups past the durable low-water mark")
	f.DurationVar(&startCtx.cfg.CheckpointInterval, "checkpoint-interval", startCtx.cfg.CheckpointInterval,
		"periodic checkpoint interval")
	f.IntVar(&startCtx.cfg.SkipGroups, "skip-groups", 0,
		"number of groups to skip after recovery (operator override)")
	f.StringVar(&startCtx.cfg.UntilSourceFile, "until-source-file", "",
		"stop once the group position reaches this source file")
	f.Uint64Var(&startCtx.cfg.UntilSourceOffset, "until-source-offset", 0,
		"stop once the group position reaches this source offset")
}

// resolveConfig merges the config file (if any) under the flags: any flag the
// user set explicitly wins over the file value.
func resolveConfig(cmd *cobra.Command) (base.Config, error) {
	if startCtx.configPath == "" {
		cfg := startCtx.cfg
		return cfg, cfg.Validate()
	}
	cfg, err := base.LoadConfig(startCtx.configPath)
	if err != nil {
		return cfg, err
	}
	flagged := startCtx.cfg
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "workers":
			cfg.Workers = flagged.Workers
		case "policy":
			cfg.Policy = flagged.Policy
		case "relay-file":
			cfg.RelayFile = flagged.RelayFile
		case "store-dir":
			cfg.StoreDir = flagged.StoreDir
		case "metrics-addr":
			cfg.MetricsAddr = flagged.MetricsAddr
		case "max-pending-groups":
			cfg.MaxPendingGroups = flagged.MaxPendingGroups
		case "worker-queue-len":
			cfg.WorkerQueueLen = flagged.WorkerQueueLen
		case "worker-queue-mem":
			cfg.WorkerQueueMem = flagged.WorkerQueueMem
		case "underrun-level":
			cfg.UnderrunLevel = flagged.UnderrunLevel
		case "basic-nap":
			cfg.BasicNap = flagged.BasicNap
		case "checkpoint-group":
			cfg.CheckpointGroup = flagged.CheckpointGroup
		case "checkpoint-interval":
			cfg.CheckpointInterval = flagged.CheckpointInterval
		case "skip-groups":
			cfg.SkipGroups = flagged.SkipGroups
		case "until-source-file":
			cfg.UntilSourceFile = flagged.UntilSourceFile
		case "until-source-offset":
			cfg.UntilSourceOffset = flagged.UntilSourceOffset
		}
	})
	return cfg, cfg.Validate()
}

func runStart(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.RelayFile == "" {
		return errors.New("--relay-file is required")
	}
	if cfg.StoreDir == "" {
		return errors.New("--store-dir is required")
	}

	store, err := position.OpenPebble(cfg.StoreDir, nil)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// The source must start at the oldest possibly-incomplete group, which
	// is where the persisted record points.
	rec, _, err := store.Load(ctx)
	if err != nil {
		return err
	}
	src, err := stream.OpenFile(cfg.RelayFile, rec.Coords.GroupRelay)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	exec, err := apply.OpenFileExecutor(startCtx.output)
	if err != nil {
		return err
	}
	defer func() { _ = exec.Close() }()

	reg := prometheus.NewRegistry()
	sched, err := apply.NewScheduler(cfg, src, exec, store, reg)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	stopSignals := make(chan struct{})

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(stopSignals)
		err := sched.Wait(ctx)
		if srv != nil {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}
		return err
	})
	if srv != nil {
		g.Go(func() error {
			log.Infof(ctx, "serving metrics on %s", log.Safe(cfg.MetricsAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		immediate := false
		for {
			select {
			case <-stopSignals:
				return nil
			case sig := <-sigCh:
				mode := "graceful"
				if immediate {
					mode = "immediate"
				}
				log.Warningf(ctx, "received %s; requesting %s stop", log.Safe(sig.String()), log.Safe(mode))
				go func(immediate bool) { _ = sched.Stop(ctx, immediate) }(immediate)
				immediate = true
			}
		}
	})
	return g.Wait()
}

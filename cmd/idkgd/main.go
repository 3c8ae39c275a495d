// Copyright 2025 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// idkgd runs a simulated IDKG subnet in one process: N replicas, a gossip
// fabric ranked by the priority oracle, and a block maker splicing finished
// transcripts and signatures. Useful for protocol debugging and for watching
// the metrics of the consensus core under churn.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/erigontech/idkg/config"
	"github.com/erigontech/idkg/sim"
)

func main() {
	app := &cli.App{
		Name:  "idkgd",
		Usage: "run a simulated IDKG subnet",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML config file"},
			&cli.IntFlag{Name: "rounds", Value: 256, Usage: "max simulation rounds per run"},
			&cli.StringFlag{Name: "metrics.addr", Usage: "prometheus endpoint (overrides config)"},
			&cli.BoolFlag{Name: "log.json", Usage: "JSON log output"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(json bool) (*zap.Logger, error) {
	if json {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(cliCtx *cli.Context) error {
	cfg := config.Default()
	if path := cliCtx.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	if addr := cliCtx.String("metrics.addr"); addr != "" {
		cfg.MetricsAddr = addr
	}
	logger, err := newLogger(cliCtx.Bool("log.json") || cfg.LogJson)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop()
		// Each attempt is a fresh subnet; attempts back off exponentially so
		// a misconfigured run does not spin.
		policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		firstAttempt := true
		return backoff.Retry(func() error {
			// The registry only tolerates one registration of each metric;
			// retries run unregistered.
			var reg prometheus.Registerer
			if firstAttempt {
				reg = registry
				firstAttempt = false
			}
			subnet := sim.NewSubnet(cfg, reg, logger)
			start := time.Now()
			sig, err := subnet.Run(ctx, cliCtx.Int("rounds"))
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				logger.Warn("simulation run failed, retrying", zap.Error(err))
				return err
			}
			logger.Info("subnet produced a threshold signature",
				zap.Stringer("request", sig.RequestId),
				zap.Duration("elapsed", time.Since(start)),
				zap.Duration("tick_interval", cfg.TickInterval()))
			return nil
		}, policy)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/engine"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/util/stopper"
)

// shutdownGrace is how long serve waits for in-flight claims to
// finish after receiving a shutdown signal before abandoning them.
const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler tick and worker loop as a long-lived process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, cleanup, err := engine.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		sc := stopper.WithContext(ctx)

		sc.Go(func() error {
			return stopper.Every(sc, cfg.SchedulerInterval, func(tickCtx context.Context) error {
				if err := eng.Scheduler.Tick(tickCtx); err != nil {
					log.WithError(err).Error("dtengine: scheduler tick failed")
				}
				return nil
			})
		})

		sc.Go(func() error {
			return eng.Worker.Run(sc)
		})

		mux := http.NewServeMux()
		mux.Handle("/healthz", eng.Diagnostics.Handler())
		mux.Handle("/metrics", promhttp.HandlerFor(eng.Registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		sc.Go(func() error {
			<-sc.Stopping()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		log.WithField("addr", cfg.MetricsAddr).Info("dtengine: serving metrics and health checks")
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("dtengine: metrics server stopped unexpectedly")
			}
		}()

		<-ctx.Done()
		sc.Stop(shutdownGrace)
		return sc.Err()
	},
}

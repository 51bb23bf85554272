/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vllm-project/fleet-controlplane/internal/config"
	"github.com/vllm-project/fleet-controlplane/internal/leaderelection"
	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/scheduler"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

func main() {
	var cfgPath string
	var workers int
	var debug bool
	var cfg config.SchedulerConfig

	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Runs the fleet placement scheduler.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(cfgPath, &cfg); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	cmd.Flags().IntVar(&workers, "workers", 0, "reconcile worker count")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.SchedulerConfig) error {
	log := logging.New("scheduler", cfg.Debug)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logging.IntoContext(ctx, log)

	s, err := store.NewEtcdStore(clientv3.Config{
		Endpoints:   cfg.Store.Endpoints,
		DialTimeout: cfg.Store.DialTimeout,
		Username:    cfg.Store.Username,
		Password:    cfg.Store.Password,
	})
	if err != nil {
		return fmt.Errorf("dial store: %w", err)
	}
	defer s.Close()

	etcdCli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Store.Endpoints,
		DialTimeout: cfg.Store.DialTimeout,
		Username:    cfg.Store.Username,
		Password:    cfg.Store.Password,
	})
	if err != nil {
		return fmt.Errorf("dial leader-election client: %w", err)
	}
	defer etcdCli.Close()

	ctrl := scheduler.New(s, scheduler.Config{
		HeartbeatThreshold: cfg.HeartbeatThreshold,
		ReconcileInterval:  cfg.ReconcileInterval,
		MaxCASAttempts:     cfg.MaxCASAttempts,
	})

	go serveMetrics(ctx, cfg.MetricsAddr)

	identity := uuid.NewString()
	return leaderelection.Run(ctx, etcdCli, leaderelection.Config{
		Name:            "scheduler",
		Identity:        identity,
		LeaseTTLSeconds: cfg.LeaderLeaseSeconds,
		OnStartedLeading: func(leadCtx context.Context) {
			log.Info("became scheduler leader", "identity", identity)
			ctrl.Run(leadCtx, cfg.Workers)
		},
		OnStoppedLeading: func() {
			log.Info("stepped down as scheduler leader", "identity", identity)
		},
	})
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	_ = srv.ListenAndServe()
}

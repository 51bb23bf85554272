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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/vllm-project/fleet-controlplane/internal/config"
	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/router"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

func main() {
	var cfgPath string
	var listenAddr, strategy string
	var debug bool
	var cfg config.RouterConfig

	cmd := &cobra.Command{
		Use:   "router",
		Short: "Serves the OpenAI-compatible inference proxy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(cfgPath, &cfg); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("strategy") {
				cfg.Strategy = strategy
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "address to serve the inference proxy on")
	cmd.Flags().StringVar(&strategy, "strategy", "", "least_pending | least_kv_cache | prefix_cache_aware")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.RouterConfig) error {
	log := logging.New("router", cfg.Debug)
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

	idx := router.NewIndex(s)
	idx.SetDrainGrace(cfg.DrainGracePeriod)
	go idx.Run(ctx)

	r := router.New(idx, router.Config{
		StaleAfter:         cfg.StaleAfter,
		OverloadKvFraction: cfg.OverloadKvThreshold,
		Strategy:           strategyFor(cfg.Strategy),
	})
	proxy := &router.Proxy{Router: r}

	go serveMetrics(ctx, cfg.MetricsAddr)

	mux := http.NewServeMux()
	mux.Handle("/", otelhttp.NewHandler(proxy, "inference-proxy", otelhttp.WithTracerProvider(otel.GetTracerProvider())))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving inference proxy", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func strategyFor(name string) router.Strategy {
	switch name {
	case "least_kv_cache":
		return router.LeastKvCache{}
	case "prefix_cache_aware":
		return router.PrefixCacheAware{}
	default:
		return router.LeastPending{}
	}
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

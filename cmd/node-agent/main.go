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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vllm-project/fleet-controlplane/internal/cache"
	"github.com/vllm-project/fleet-controlplane/internal/config"
	"github.com/vllm-project/fleet-controlplane/internal/engine"
	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/node"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

func main() {
	var cfgPath string
	var noGPU, debug bool
	var nodeID, address string
	var cfg config.NodeAgentConfig

	cmd := &cobra.Command{
		Use:   "node-agent",
		Short: "Runs the per-node replica reconciler, cache manager and heartbeat loop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(cfgPath, &cfg); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("node-id") {
				cfg.NodeID = nodeID
			}
			if cmd.Flags().Changed("address") {
				cfg.Address = address
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			return run(cfg, noGPU)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "unique identity of this node")
	cmd.Flags().StringVar(&address, "address", "", "address reachable from the router")
	cmd.Flags().BoolVar(&noGPU, "no-gpu", false, "report no GPUs instead of shelling out to nvidia-smi")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.NodeAgentConfig, noGPU bool) error {
	log := logging.New("node-agent", cfg.Debug).WithValues("node_id", cfg.NodeID)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logging.IntoContext(ctx, log)

	if cfg.NodeID == "" {
		return fmt.Errorf("node.id is required")
	}
	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		return fmt.Errorf("create cache root: %w", err)
	}

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

	cacheMgr := cache.NewManager(s, cache.Config{
		NodeID:          cfg.NodeID,
		Root:            cfg.CacheRoot,
		ScanInterval:    cfg.CacheScanInterval,
		DiskWarningPct:  cfg.DiskWarningPct,
		DiskCriticalPct: cfg.DiskCriticalPct,
		DownloadTimeout: cfg.DownloadTimeout,
	})

	runtime, err := engine.NewDockerEngine(cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("connect docker: %w", err)
	}
	prober := engine.NewProber(engine.DefaultProbeTimeouts().LivenessTimeout)
	scraper := engine.NewMetricsScraper(5 * time.Second)

	var gpus node.GPUInventory = node.NvidiaSMIInventory{}
	if noGPU {
		gpus = node.NoGPUInventory{}
	}

	ctrl := node.New(s, cacheMgr, runtime, prober, scraper, gpus, node.Config{
		NodeID:              cfg.NodeID,
		Address:             cfg.Address,
		PortBase:            cfg.PortBase,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatTTL:        cfg.HeartbeatTTL,
		HealthFailThreshold: cfg.HealthFailThreshold,
		HealthCooldown:      cfg.HealthCooldown,
		GracefulStopTimeout: cfg.GracefulStopTimeout,
	})

	go serveMetrics(ctx, cfg.MetricsAddr)
	go cacheMgr.RunScanLoop(ctx, func() []string { return knownModelNames(ctx, s) })

	ctrl.Run(ctx, cfg.Workers)
	return nil
}

// knownModelNames lists every model name the fleet currently declares, so
// the cache scan loop records those found on disk and deletes this node's
// cache records for any other name.
func knownModelNames(ctx context.Context, s store.Store) []string {
	kvs, err := s.ListPrefix(ctx, model.PrefixSpecs)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		var spec model.Spec
		if err := json.Unmarshal(kv.Value, &spec); err != nil {
			continue
		}
		names = append(names, spec.Name)
	}
	return names
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

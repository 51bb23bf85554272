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

// Command fleetctl is the operator CLI over the Store: legacy-request
// migration, read-only model/alert inspection, and a fetch-model debug
// subcommand that exercises the node-agent's cache manager directly
// without standing up a whole node.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vllm-project/fleet-controlplane/internal/aggregation"
	"github.com/vllm-project/fleet-controlplane/internal/api"
	"github.com/vllm-project/fleet-controlplane/internal/cache"
	"github.com/vllm-project/fleet-controlplane/internal/config"
	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/migration"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

var (
	cfgPath string
	debug   bool
	cfg     config.FleetctlConfig
)

func main() {
	root := &cobra.Command{
		Use:   "fleetctl",
		Short: "Operate the fleet control plane.",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(migrateLegacyCmd(), listModelsCmd(), getModelCmd(), listAlertsCmd(), fetchModelCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func dialStore(cmd *cobra.Command) (store.Store, error) {
	if err := config.Load(cfgPath, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cmd.Root().PersistentFlags().Changed("debug") {
		cfg.Debug = debug
	}
	return store.NewEtcdStore(clientv3.Config{
		Endpoints:   cfg.Store.Endpoints,
		DialTimeout: cfg.Store.DialTimeout,
		Username:    cfg.Store.Username,
		Password:    cfg.Store.Password,
	})
}

func migrateLegacyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-legacy",
		Short: "Convert every /legacy_requests/ record with no existing Spec into a Spec+Deployment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dialStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := migration.Run(cmd.Context(), s)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func listModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-models",
		Short: "List every model and its aggregated state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dialStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			svc := api.New(s, aggregation.Config{})
			summaries, err := svc.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(summaries)
		},
	}
}

func getModelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-model [uid]",
		Short: "Show one model's full aggregated detail.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dialStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			svc := api.New(s, aggregation.Config{})
			detail, err := svc.GetModel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(detail)
		},
	}
}

func listAlertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-alerts",
		Short: "List every active disk alert fleet-wide.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dialStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			svc := api.New(s, aggregation.Config{})
			alerts, err := svc.ListAlerts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(alerts)
		},
	}
}

func fetchModelCmd() *cobra.Command {
	var (
		uid, replicaID, modelName, source, cacheRoot, explicitPath string
	)
	cmd := &cobra.Command{
		Use:   "fetch-model",
		Short: "Debug: run the node-agent's cache manager Ensure() for one model and print its result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := dialStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			mgr := cache.NewManager(s, cache.Config{NodeID: "fleetctl-debug", Root: cacheRoot})
			ctx := logging.IntoContext(cmd.Context(), logging.New("fleetctl", cfg.Debug))

			result := mgr.Ensure(ctx, uid, replicaID, modelName, model.Source(source), explicitPath)
			if result.Status == cache.EnsureDownloading {
				result = watchDownload(ctx, s, uid, replicaID)
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&uid, "uid", "debug", "model uid to tag the download under")
	cmd.Flags().StringVar(&replicaID, "replica-id", "0", "replica id to tag the download under")
	cmd.Flags().StringVar(&modelName, "model-name", "", "model name to fetch, e.g. meta-llama/Llama-3-8B")
	cmd.Flags().StringVar(&source, "source", string(model.SourceHuggingFace), "huggingface | modelscope | local")
	cmd.Flags().StringVar(&cacheRoot, "cache-root", "/tmp/fleet-controlplane-cache", "local cache directory")
	cmd.Flags().StringVar(&explicitPath, "model-path", "", "path to use directly when source=local")
	return cmd
}

// watchDownload polls /download_progress/{uid}/{replica} and renders it
// with a progress bar until the record disappears (cache manager cleared
// it on completion) or reports Failed.
func watchDownload(ctx context.Context, s store.Store, uid, replicaID string) cache.EnsureResult {
	bar := progressbar.DefaultBytes(-1, "downloading")
	defer bar.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return cache.EnsureResult{Status: cache.EnsureFailed, Reason: ctx.Err().Error()}
		case <-ticker.C:
			kv, exists, err := s.Get(ctx, model.DownloadProgressKey(uid, replicaID))
			if err != nil {
				return cache.EnsureResult{Status: cache.EnsureFailed, Reason: err.Error()}
			}
			if !exists {
				return cache.EnsureResult{Status: cache.EnsureReady}
			}
			var dp model.DownloadProgress
			if err := json.Unmarshal(kv.Value, &dp); err != nil {
				continue
			}
			if dp.TotalBytes > 0 {
				_ = bar.ChangeMax64(dp.TotalBytes)
			}
			_ = bar.Set64(dp.DownloadedBytes)
			if dp.Phase == model.PhaseFailed {
				return cache.EnsureResult{Status: cache.EnsureFailed, Reason: dp.Error}
			}
			if dp.Phase == model.PhaseComplete {
				return cache.EnsureResult{Status: cache.EnsureReady}
			}
		}
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

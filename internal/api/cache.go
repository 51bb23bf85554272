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

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// GetNodeCache returns every cached model on one node, ordered by
// model_name.
func (svc *Service) GetNodeCache(ctx context.Context, nodeID string) ([]model.CacheEntry, error) {
	kvs, err := svc.Store.ListPrefix(ctx, model.ModelCachePrefix(nodeID))
	if err != nil {
		return nil, err
	}
	entries := make([]model.CacheEntry, 0, len(kvs))
	for _, kv := range kvs {
		var ce model.CacheEntry
		if err := json.Unmarshal(kv.Value, &ce); err != nil {
			continue
		}
		entries = append(entries, ce)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ModelName < entries[j].ModelName })
	return entries, nil
}

// GetNodeDisk returns one node's disk-usage record.
func (svc *Service) GetNodeDisk(ctx context.Context, nodeID string) (model.DiskStatus, error) {
	kv, exists, err := svc.Store.Get(ctx, model.NodeDiskKey(nodeID))
	if err != nil {
		return model.DiskStatus{}, err
	}
	if !exists {
		return model.DiskStatus{}, fmt.Errorf("%w: node %s has no disk report yet", apierrors.ErrNotFound, nodeID)
	}
	var ds model.DiskStatus
	if err := json.Unmarshal(kv.Value, &ds); err != nil {
		return model.DiskStatus{}, err
	}
	return ds, nil
}

// CacheSummary aggregates cache usage across every node the fleet knows
// about.
type CacheSummary struct {
	TotalModels     int   `json:"total_models"`
	TotalSizeBytes  int64 `json:"total_size_bytes"`
	NodesReporting  int   `json:"nodes_reporting"`
	IncompleteCount int   `json:"incomplete_count"`
}

// GetCacheSummary scans every /model_cache/ entry fleet-wide and totals
// size, model count, and distinct reporting nodes.
func (svc *Service) GetCacheSummary(ctx context.Context) (CacheSummary, error) {
	kvs, err := svc.Store.ListPrefix(ctx, model.PrefixModelCache)
	if err != nil {
		return CacheSummary{}, err
	}
	var sum CacheSummary
	nodes := map[string]struct{}{}
	for _, kv := range kvs {
		var ce model.CacheEntry
		if err := json.Unmarshal(kv.Value, &ce); err != nil {
			continue
		}
		sum.TotalModels++
		sum.TotalSizeBytes += ce.SizeBytes
		if !ce.Complete {
			sum.IncompleteCount++
		}
		nodes[ce.NodeID] = struct{}{}
	}
	sum.NodesReporting = len(nodes)
	return sum, nil
}

// ListAlerts returns every active disk alert fleet-wide, ordered by
// node_id then type.
func (svc *Service) ListAlerts(ctx context.Context) ([]model.Alert, error) {
	kvs, err := svc.Store.ListPrefix(ctx, model.PrefixAlerts)
	if err != nil {
		return nil, err
	}
	alerts := make([]model.Alert, 0, len(kvs))
	for _, kv := range kvs {
		var a model.Alert
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].NodeID != alerts[j].NodeID {
			return alerts[i].NodeID < alerts[j].NodeID
		}
		return alerts[i].Type < alerts[j].Type
	})
	return alerts, nil
}

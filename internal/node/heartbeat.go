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

package node

import (
	"context"
	"encoding/json"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/vllm-project/fleet-controlplane/internal/engine"
	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

// heartbeatLoop implements spec.md §4.4's ~3s heartbeat: refresh this
// node's leased status record (GPU inventory), its disk-usage record, and
// scrape+publish live stats for every Ready replica.
func (c *Controller) heartbeatLoop(ctx context.Context) {
	log := logging.FromContext(ctx)
	var leaseID store.LeaseID
	var haveLease bool

	_ = wait.PollUntilContextCancel(ctx, c.cfg.HeartbeatInterval, true, func(ctx context.Context) (bool, error) {
		gpuCtx, cancel := context.WithTimeout(ctx, gpuInventoryTimeout)
		gpus, err := c.gpus.Inventory(gpuCtx)
		cancel()
		if err != nil {
			log.Error(err, "gpu inventory failed")
			gpus = nil
		}

		status := model.NodeStatus{NodeID: c.cfg.NodeID, GPUs: gpus, LastHeartbeat: time.Now().UTC()}
		data, err := json.Marshal(status)
		if err != nil {
			log.Error(err, "marshal node status")
			return false, nil
		}

		key := model.NodeStatusKey(c.cfg.NodeID)
		if haveLease {
			if err := c.s.Renew(ctx, leaseID); err != nil {
				log.Info("lease expired, re-acquiring", "error", err.Error())
				haveLease = false
			}
		}
		if !haveLease {
			lease, _, err := c.s.PutWithLease(ctx, key, data, c.cfg.HeartbeatTTL)
			if err != nil {
				log.Error(err, "publish node status")
				return false, nil
			}
			leaseID = lease
			haveLease = true
		} else {
			if _, err := store.Upsert(ctx, c.s, key, data); err != nil {
				log.Error(err, "refresh node status")
			}
		}

		if _, err := c.ReportDisk(ctx); err != nil {
			log.Error(err, "report disk")
		}
		c.publishReadyStats(ctx)
		c.checkGPUShrinkage(ctx, gpus)
		return false, nil
	})
}

// checkGPUShrinkage implements spec.md §9's suggested safest design for a
// node whose GPU inventory shrinks below what its current assignments
// need: any Ready/Starting/Unhealthy replica holding a GPU index no longer
// present is marked Failed immediately, rather than left running against
// a device that may no longer exist, and the endpoint is withdrawn so the
// router stops sending it traffic. The scheduler's sweep does not re-plan
// it, since the model's PlacementPlan still exists; the replica stays
// Failed until a new plan version for the model reaches this node.
func (c *Controller) checkGPUShrinkage(ctx context.Context, gpus []model.GPUInfo) {
	present := make(map[int]bool, len(gpus))
	for _, g := range gpus {
		present[g.Index] = true
	}

	c.mu.Lock()
	var stale []*replica
	for _, r := range c.replicas {
		if r.state != StateReady && r.state != StateStarting && r.state != StateUnhealthy {
			continue
		}
		for _, idx := range r.assignment.assignment.GPUIndices {
			if !present[idx] {
				stale = append(stale, r)
				break
			}
		}
	}
	c.mu.Unlock()

	log := logging.FromContext(ctx)
	for _, r := range stale {
		log.Info("gpu no longer present, failing replica", "uid", r.key.uid, "replica", r.key.replicaID)
		if r.containerID != "" {
			_ = c.runtime.Stop(ctx, r.containerID, c.cfg.GracefulStopTimeout)
			r.containerID = ""
		}
		if err := c.deleteEndpoint(ctx, r.key); err != nil {
			log.Error(err, "withdraw endpoint for failed replica", "uid", r.key.uid, "replica", r.key.replicaID)
		}
		c.mu.Lock()
		r.state = StateFailed
		r.failureReason = "assigned gpu no longer present in node inventory"
		r.address = ""
		c.mu.Unlock()
	}
}

// ReportDisk delegates to the cache manager's disk measurement + alert
// hysteresis, called once per heartbeat tick.
func (c *Controller) ReportDisk(ctx context.Context) (model.DiskStatus, error) {
	return c.cache.ReportDisk(ctx)
}

// publishReadyStats scrapes engine metrics for every Ready replica and
// upserts /stats/{uid}/{replica}.
func (c *Controller) publishReadyStats(ctx context.Context) {
	log := logging.FromContext(ctx)

	c.mu.Lock()
	type target struct {
		uid, replicaID, address string
	}
	var targets []target
	for _, r := range c.replicas {
		if r.state == StateReady && r.address != "" {
			targets = append(targets, target{r.key.uid, r.key.replicaID, r.address})
		}
	}
	c.mu.Unlock()

	for _, t := range targets {
		pending, kv, prefix, err := c.scraper.Scrape(ctx, "http://"+t.address)
		if err != nil {
			log.Error(err, "scrape engine metrics", "uid", t.uid, "replica", t.replicaID)
			continue
		}
		stats := engine.StatsFromScrape(t.uid, t.replicaID, pending, kv, prefix)
		stats.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(stats)
		if err != nil {
			continue
		}
		if _, err := store.Upsert(ctx, c.s, model.StatsKey(t.uid, t.replicaID), data); err != nil {
			log.Error(err, "publish stats", "uid", t.uid, "replica", t.replicaID)
		}
	}
}

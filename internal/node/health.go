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
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/vllm-project/fleet-controlplane/internal/logging"
)

// healthProbeLoop implements spec.md §4.4's health-probe loop: for every
// Ready replica, periodically hit its readiness endpoint. Failures only
// increment a counter here; the threshold -> Unhealthy transition itself
// happens inside reconcile (see transitionToUnhealthy) so state changes
// stay serialized through the workqueue.
func (c *Controller) healthProbeLoop(ctx context.Context) {
	interval := c.probeInterval()
	_ = wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		c.probeReadyReplicas(ctx)
		return false, nil
	})
}

func (c *Controller) probeInterval() time.Duration {
	if c.cfg.HeartbeatInterval > 0 {
		return c.cfg.HeartbeatInterval
	}
	return 3 * time.Second
}

func (c *Controller) probeReadyReplicas(ctx context.Context) {
	log := logging.FromContext(ctx)

	c.mu.Lock()
	var keys []replicaKey
	addresses := make(map[replicaKey]string)
	for key, r := range c.replicas {
		if r.state == StateReady && r.address != "" {
			keys = append(keys, key)
			addresses[key] = r.address
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		err := c.prober.Probe(ctx, "http://"+addresses[key])

		c.mu.Lock()
		r, ok := c.replicas[key]
		if ok && r.state == StateReady {
			if err != nil {
				r.consecutiveFails++
				if r.consecutiveFails >= c.cfg.HealthFailThreshold {
					log.Info("probe failures crossed threshold", "uid", key.uid, "replica", key.replicaID, "fails", r.consecutiveFails)
				}
			} else {
				r.consecutiveFails = 0
			}
		}
		c.mu.Unlock()

		if err != nil {
			c.queue.Add(key)
		}
	}
}

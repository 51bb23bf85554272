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
	"fmt"
	"os"
	"time"

	"github.com/vllm-project/fleet-controlplane/internal/cache"
	"github.com/vllm-project/fleet-controlplane/internal/engine"
	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

// resolveHFToken looks up a HuggingFace token by secret name in this
// node-agent process's own environment. There is no Kubernetes Secret
// object backing Spec.HFTokenSecret here — the node daemon resolves the
// name to a value from whatever local secret source it was started with,
// environment variables being the simplest and the one every orchestrator
// (Docker, systemd, Kubernetes env-from-secret) can feed uniformly.
func resolveHFToken(secretName string) string {
	if secretName == "" {
		return ""
	}
	return os.Getenv(secretName)
}

// reconcile drives one local replica one step through the state machine in
// state.go. The workqueue guarantees no two workers process the same key
// concurrently, so every handle* below may read and mutate its replica
// without additional locking; only the shared maps (c.replicas, c.specs)
// need Controller.mu.
func (c *Controller) reconcile(ctx context.Context, key replicaKey) error {
	c.mu.Lock()
	r, ok := c.replicas[key]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	log := logging.FromContext(ctx).WithValues("uid", key.uid, "replica", key.replicaID)
	versionBump := r.state != StateAbsent && r.assignment.planVersion > r.planVersion

	switch {
	case !r.assigned && r.state != StateAbsent:
		log.Info("assignment removed, stopping")
		return c.transitionToStopping(ctx, r)

	case versionBump:
		log.Info("plan version bumped, restarting", "old", r.planVersion, "new", r.assignment.planVersion)
		return c.transitionToStopping(ctx, r)

	case r.assigned && r.state == StateAbsent:
		r.planVersion = r.assignment.planVersion
		r.state = StatePreparing
		c.queue.Add(key)
		return nil

	case r.state == StatePreparing:
		return c.handlePreparing(ctx, r)

	case r.state == StateStarting:
		return c.handleStarting(ctx, r)

	case r.state == StateReady && r.consecutiveFails >= c.cfg.HealthFailThreshold:
		return c.transitionToUnhealthy(ctx, r)

	case r.state == StateUnhealthy:
		return c.handleUnhealthy(ctx, r)

	case r.state == StateStopping:
		return c.handleStopping(ctx, r)
	}
	return nil
}

// handlePreparing calls cache.Manager.Ensure — the cache-before-engine
// invariant: the engine container is never started before the model
// weights are confirmed complete on disk.
func (c *Controller) handlePreparing(ctx context.Context, r *replica) error {
	spec := c.specFor(r.key.uid)

	result := c.cache.Ensure(ctx, r.key.uid, r.key.replicaID, spec.Name, spec.Source, spec.ModelPath)
	switch result.Status {
	case cache.EnsureReady:
		r.state = StateStarting
		r.failureReason = ""
		c.queue.Add(r.key)
		return nil
	case cache.EnsureDownloading:
		// still in flight; singleflight dedups concurrent Ensure calls,
		// so this just rechecks on the next tick.
		c.queue.AddAfter(r.key, 3*time.Second)
		return nil
	default:
		r.state = StateFailed
		r.failureReason = result.Reason
		logging.FromContext(ctx).Error(fmt.Errorf("%s", result.Reason), "cache ensure failed", "uid", r.key.uid, "replica", r.key.replicaID)
		return nil
	}
}

func (c *Controller) handleStarting(ctx context.Context, r *replica) error {
	a := r.assignment.assignment
	spec := c.specFor(r.key.uid)
	log := logging.FromContext(ctx).WithValues("uid", r.key.uid, "replica", r.key.replicaID)

	if r.containerID == "" {
		port := c.allocatePort()
		address := fmt.Sprintf("%s:%d", c.cfg.Address, port)
		engSpec := engine.Spec{
			UID:             r.key.uid,
			ReplicaID:       r.key.replicaID,
			ModelName:       spec.Name,
			ModelPath:       spec.ModelPath,
			EngineType:      a.EngineType,
			DockerImage:     a.DockerImage,
			ImagePullPolicy: spec.ImagePullPolicy,
			Port:            port,
			GPUIndices:      a.GPUIndices,
			Config:          a.Config,
			HFToken:         resolveHFToken(spec.HFTokenSecret),
		}
		containerID, err := c.runtime.Start(ctx, engSpec)
		if err != nil {
			r.state = StateFailed
			r.failureReason = err.Error()
			log.Error(err, "engine start failed")
			return nil
		}
		r.containerID = containerID
		r.address = address
	}

	if err := c.prober.Probe(ctx, "http://"+r.address); err != nil {
		c.queue.AddAfter(r.key, 2*time.Second)
		return nil
	}

	endpoint := model.Endpoint{
		UID: r.key.uid, ReplicaID: r.key.replicaID, NodeID: c.cfg.NodeID,
		Address: r.address, Status: model.EndpointStatusReady,
		PlanVersion: r.assignment.planVersion, LastHeartbeat: time.Now().UTC(),
	}
	if err := c.publishEndpoint(ctx, endpoint); err != nil {
		return err
	}
	r.state = StateReady
	r.consecutiveFails = 0
	log.Info("replica ready")
	return nil
}

// transitionToUnhealthy is reached once the health-probe loop has
// recorded HealthFailThreshold consecutive failures against a Ready
// replica. Publishes the unhealthy status (spec.md §4.4: "Ready fail for
// N probes -> Unhealthy (publish status)") before entering the cooldown.
func (c *Controller) transitionToUnhealthy(ctx context.Context, r *replica) error {
	endpoint := model.Endpoint{
		UID: r.key.uid, ReplicaID: r.key.replicaID, NodeID: c.cfg.NodeID,
		Address: r.address, Status: model.EndpointStatusUnhealthy,
		PlanVersion: r.assignment.planVersion, LastHeartbeat: time.Now().UTC(),
	}
	if err := c.publishEndpoint(ctx, endpoint); err != nil {
		return err
	}
	r.state = StateUnhealthy
	r.lastFailureAt = time.Now().UTC()
	logging.FromContext(ctx).Info("replica unhealthy", "uid", r.key.uid, "replica", r.key.replicaID)
	c.queue.AddAfter(r.key, c.cfg.HealthCooldown)
	return nil
}

// handleUnhealthy waits out the restart cooldown, then stops the old
// container (if any) and transitions back to Starting — never mutating
// the running container in place.
func (c *Controller) handleUnhealthy(ctx context.Context, r *replica) error {
	if time.Since(r.lastFailureAt) < c.cfg.HealthCooldown {
		c.queue.AddAfter(r.key, c.cfg.HealthCooldown)
		return nil
	}
	logging.FromContext(ctx).Info("restarting after cooldown", "uid", r.key.uid, "replica", r.key.replicaID)
	if r.containerID != "" {
		_ = c.runtime.Stop(ctx, r.containerID, c.cfg.GracefulStopTimeout)
		r.containerID = ""
	}
	r.lastRestartAt = time.Now().UTC()
	r.consecutiveFails = 0
	r.state = StateStarting
	c.queue.Add(r.key)
	return nil
}

// transitionToStopping begins graceful shutdown. Per spec.md §4.4 the
// endpoint record is always deleted last so the router stops routing to
// this replica before the engine process disappears.
func (c *Controller) transitionToStopping(ctx context.Context, r *replica) error {
	r.state = StateStopping
	return c.handleStopping(ctx, r)
}

func (c *Controller) handleStopping(ctx context.Context, r *replica) error {
	log := logging.FromContext(ctx).WithValues("uid", r.key.uid, "replica", r.key.replicaID)
	if r.containerID != "" {
		if err := c.runtime.Stop(ctx, r.containerID, c.cfg.GracefulStopTimeout); err != nil {
			log.Error(err, "engine stop failed, will retry")
			c.queue.AddAfter(r.key, 2*time.Second)
			return nil
		}
		r.containerID = ""
	}
	if err := c.deleteEndpoint(ctx, r.key); err != nil {
		return err
	}
	r.address = ""

	if r.assigned {
		r.planVersion = r.assignment.planVersion
		r.state = StatePreparing
		r.consecutiveFails = 0
		log.Info("restarting on new plan version")
		c.queue.Add(r.key)
		return nil
	}

	r.state = StateAbsent
	c.mu.Lock()
	delete(c.replicas, r.key)
	c.mu.Unlock()
	log.Info("replica torn down")
	return nil
}

func (c *Controller) publishEndpoint(ctx context.Context, ep model.Endpoint) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	_, err = store.Upsert(ctx, c.s, model.EndpointKey(ep.UID, ep.ReplicaID), data)
	return err
}

func (c *Controller) deleteEndpoint(ctx context.Context, key replicaKey) error {
	return c.s.Delete(ctx, model.EndpointKey(key.uid, key.replicaID))
}

func (c *Controller) allocatePort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.nextPort
	c.nextPort++
	return p
}

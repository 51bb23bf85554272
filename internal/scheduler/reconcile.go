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

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/migration"
	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// reconcile brings /placements/{uid} in line with the current
// deployment/legacy signal for uid. A Deployment always wins over a
// legacy request for the same uid.
func (c *Controller) reconcile(ctx context.Context, uid string) error {
	c.mu.Lock()
	dep, hasDep := c.deployments[uid]
	lr, hasLegacy := c.legacy[uid]
	c.mu.Unlock()

	switch {
	case hasDep:
		return c.reconcileDeployment(ctx, uid, dep)
	case hasLegacy:
		return c.reconcileLegacy(ctx, uid, lr)
	default:
		return c.deletePlacement(ctx, uid)
	}
}

func (c *Controller) reconcileDeployment(ctx context.Context, uid string, dep model.Deployment) error {
	if dep.DesiredState != model.DesiredStateRunning {
		return c.deletePlacement(ctx, uid)
	}

	kv, ok, err := c.s.Get(ctx, model.SpecKey(uid))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: uid %s", apierrors.ErrSpecNotFound, uid)
	}
	var spec model.Spec
	if err := json.Unmarshal(kv.Value, &spec); err != nil {
		return fmt.Errorf("decode spec %s: %w", uid, err)
	}

	cfg := mergeConfigOverrides(spec.Config, dep.ConfigOverrides)
	return c.planAndWrite(ctx, uid, Request{
		Replicas:           dep.Replicas,
		TensorParallelSize: cfg.TensorParallelSize,
		NodeAffinity:       dep.NodeAffinity,
		GPUAffinity:        dep.GPUAffinity,
		EngineType:         spec.EngineType,
		DockerImage:        spec.DockerImage,
		Config:             cfg,
	})
}

func (c *Controller) reconcileLegacy(ctx context.Context, uid string, lr model.LegacyRequest) error {
	if migration.DesiredStateFor(lr.Status) != model.DesiredStateRunning {
		return c.deletePlacement(ctx, uid)
	}
	return c.planAndWrite(ctx, uid, Request{
		Replicas:    lr.Replicas,
		EngineType:  lr.EngineType,
		DockerImage: lr.DockerImage,
		Config:      lr.Config,
	})
}

// planAndWrite runs the IdleFirst planner and writes the result to
// /placements/{uid} under CAS, retrying a small bound of times on
// conflict before surfacing apierrors.ErrPlacementContention.
func (c *Controller) planAndWrite(ctx context.Context, uid string, req Request) error {
	nodes, err := c.listNodes(ctx)
	if err != nil {
		return err
	}
	reserved, err := c.reservedByOtherModels(ctx, uid)
	if err != nil {
		return err
	}

	assignments, err := Plan(Input{
		Nodes:              nodes,
		Now:                time.Now().UTC(),
		HeartbeatThreshold: c.cfg.HeartbeatThreshold,
		Reserved:           reserved,
	}, req)
	if err != nil {
		return err
	}

	backoff := wait.Backoff{Steps: c.cfg.MaxCASAttempts, Duration: 10 * time.Millisecond, Factor: 2.0, Jitter: 0.1}
	attempts := 0
	retriable := func(err error) bool { return errors.Is(err, apierrors.ErrConflict) }
	writeErr := retry.OnError(backoff, retriable, func() error {
		attempts++
		kv, existed, err := c.s.Get(ctx, model.PlacementKey(uid))
		if err != nil {
			return err
		}
		var prevVersion int64
		expectedRevision := int64(0)
		if existed {
			expectedRevision = kv.Revision
			var prev model.PlacementPlan
			if err := json.Unmarshal(kv.Value, &prev); err == nil {
				prevVersion = prev.Version
			}
		}
		version := time.Now().UTC().UnixMilli()
		if version <= prevVersion {
			version = prevVersion + 1
		}
		now := time.Now().UTC()
		plan := model.PlacementPlan{
			UID:         uid,
			Version:     version,
			Assignments: assignments,
			UpdatedAt:   now,
		}
		if !existed {
			plan.CreatedAt = now
		}
		data, err := json.Marshal(plan)
		if err != nil {
			return err
		}
		_, err = c.s.Put(ctx, model.PlacementKey(uid), data, expectedRevision)
		return err
	})
	if writeErr != nil {
		if errors.Is(writeErr, apierrors.ErrConflict) {
			return fmt.Errorf("%w: uid %s after %d attempts", apierrors.ErrPlacementContention, uid, attempts)
		}
		return writeErr
	}
	logging.FromContext(ctx).Info("placement updated", "uid", uid, "replicas", len(assignments))
	return nil
}

func (c *Controller) deletePlacement(ctx context.Context, uid string) error {
	return c.s.Delete(ctx, model.PlacementKey(uid))
}

func (c *Controller) listNodes(ctx context.Context) ([]model.NodeStatus, error) {
	kvs, err := c.s.ListPrefix(ctx, model.PrefixNodes)
	if err != nil {
		return nil, err
	}
	nodes := make([]model.NodeStatus, 0, len(kvs))
	for _, kv := range kvs {
		var n model.NodeStatus
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// reservedByOtherModels accounts for GPU memory claimed by every current
// PlacementPlan except excludeUID's own, so replanning a model does not
// see its own prior reservation as occupying capacity.
func (c *Controller) reservedByOtherModels(ctx context.Context, excludeUID string) (map[string]map[int]int64, error) {
	kvs, err := c.s.ListPrefix(ctx, model.PrefixPlacements)
	if err != nil {
		return nil, err
	}
	reserved := make(map[string]map[int]int64)
	for _, kv := range kvs {
		var plan model.PlacementPlan
		if err := json.Unmarshal(kv.Value, &plan); err != nil {
			continue
		}
		if plan.UID == excludeUID {
			continue
		}
		for _, a := range plan.Assignments {
			byGPU := reserved[a.NodeID]
			if byGPU == nil {
				byGPU = make(map[int]int64)
				reserved[a.NodeID] = byGPU
			}
			for _, idx := range a.GPUIndices {
				byGPU[idx] += reservedGPUMemory(a)
			}
		}
	}
	return reserved, nil
}

// reservedGPUMemory marks a GPU fully claimed by an existing assignment.
// The planner only needs to know a GPU is unavailable, not by how much,
// since NodeStatus.GPUs already reports live used memory independently;
// a large sentinel guarantees freeMB never reads this GPU as free.
func reservedGPUMemory(a model.Assignment) int64 {
	_ = a
	const fullyReservedMB = 1 << 40
	return fullyReservedMB
}

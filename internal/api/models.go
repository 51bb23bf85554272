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
	"time"

	"github.com/google/uuid"

	"github.com/vllm-project/fleet-controlplane/internal/aggregation"
	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// CreateModel validates req, assigns a uid if none was given, and writes
// a Spec plus a Deployment (running unless replicas==0 or AutoStart is
// false, per DESIGN.md's decision that replicas=0 normalizes to stopped
// at this boundary rather than inside the scheduler).
func (svc *Service) CreateModel(ctx context.Context, req model.CreateModelRequest) (model.Spec, error) {
	if req.UID == "" {
		req.UID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return model.Spec{}, err
	}

	if _, exists, err := svc.Store.Get(ctx, model.SpecKey(req.UID)); err != nil {
		return model.Spec{}, err
	} else if exists {
		return model.Spec{}, fmt.Errorf("%w: model %s already exists", apierrors.ErrInvalid, req.UID)
	}

	now := time.Now().UTC()
	spec := model.Spec{
		UID:         req.UID,
		Name:        req.ModelName,
		Source:      req.Source,
		ModelPath:   req.ModelPath,
		EngineType:  req.EngineType,
		DockerImage: req.DockerImage,
		Config:      req.Config,
		Labels:      req.Labels,
		CreatedAt:   now,
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return model.Spec{}, err
	}
	if _, err := svc.Store.Put(ctx, model.SpecKey(req.UID), data, 0); err != nil {
		return model.Spec{}, err
	}

	desired := model.DesiredStateRunning
	if !req.AutoStart || req.Replicas == 0 {
		desired = model.DesiredStateStopped
	}
	dep := model.Deployment{
		UID:          req.UID,
		DesiredState: desired,
		Replicas:     req.Replicas,
		NodeAffinity: req.NodeAffinity,
		GPUAffinity:  req.GPUAffinity,
		Version:      1,
		UpdatedAt:    now,
	}
	depData, err := json.Marshal(dep)
	if err != nil {
		return model.Spec{}, err
	}
	if _, err := svc.Store.Put(ctx, model.DeploymentKey(req.UID), depData, 0); err != nil {
		return model.Spec{}, err
	}
	return spec, nil
}

// ListModels returns the aggregated summary of every model, delegating
// to internal/aggregation's pure snapshot computation.
func (svc *Service) ListModels(ctx context.Context) ([]aggregation.ModelSummary, error) {
	return aggregation.ListModels(ctx, svc.Store, svc.AggregationConfig)
}

// GetModel returns the full aggregated detail for uid.
func (svc *Service) GetModel(ctx context.Context, uid string) (aggregation.ModelDetail, error) {
	return aggregation.GetModel(ctx, svc.Store, uid, svc.AggregationConfig)
}

// UpdateModel patches a Spec's config/labels in place. The
// uid, name, and source never change after creation (spec.md §3
// invariant 1); callers that need those changed must delete and
// recreate.
func (svc *Service) UpdateModel(ctx context.Context, uid string, configOverrides map[string]any, labels map[string]string) (model.Spec, error) {
	kv, exists, err := svc.Store.Get(ctx, model.SpecKey(uid))
	if err != nil {
		return model.Spec{}, err
	}
	if !exists {
		return model.Spec{}, fmt.Errorf("%w: model %s", apierrors.ErrNotFound, uid)
	}
	var spec model.Spec
	if err := json.Unmarshal(kv.Value, &spec); err != nil {
		return model.Spec{}, err
	}

	if len(configOverrides) > 0 {
		spec.Config = mergeEngineConfig(spec.Config, configOverrides)
	}
	if labels != nil {
		spec.Labels = labels
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return model.Spec{}, err
	}
	if _, err := svc.Store.Put(ctx, model.SpecKey(uid), data, kv.Revision); err != nil {
		return model.Spec{}, err
	}
	return spec, nil
}

// DeleteModel removes a model's Spec, Deployment, and PlacementPlan. Live
// Endpoint/stats/download-progress records are left for their owning
// node to clean up as the replica winds down, matching spec.md's
// ownership rule that each prefix has exactly one writer.
func (svc *Service) DeleteModel(ctx context.Context, uid string) error {
	if _, exists, err := svc.Store.Get(ctx, model.SpecKey(uid)); err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%w: model %s", apierrors.ErrNotFound, uid)
	}
	if err := svc.Store.Delete(ctx, model.SpecKey(uid)); err != nil {
		return err
	}
	if err := svc.Store.Delete(ctx, model.DeploymentKey(uid)); err != nil {
		return err
	}
	return svc.Store.Delete(ctx, model.PlacementKey(uid))
}

// mergeEngineConfig overlays overrides onto base via a JSON round-trip,
// covering every EngineConfig field without per-field plumbing.
func mergeEngineConfig(base model.EngineConfig, overrides map[string]any) model.EngineConfig {
	merged := map[string]any{}
	baseBytes, err := json.Marshal(base)
	if err == nil {
		_ = json.Unmarshal(baseBytes, &merged)
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := model.EngineConfig{}
	mergedBytes, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	if err := json.Unmarshal(mergedBytes, &out); err != nil {
		return base
	}
	return out
}

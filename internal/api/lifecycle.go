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

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// Start sets a model's Deployment to running. A no-op if it is already
// running. Returns apierrors.ErrNotFound if the model has no Deployment
// yet (CreateModel always writes one, so this only happens for a uid
// that was never created or was deleted).
func (svc *Service) Start(ctx context.Context, uid string) (model.Deployment, error) {
	kv, exists, err := svc.Store.Get(ctx, model.DeploymentKey(uid))
	if err != nil {
		return model.Deployment{}, err
	}
	if exists {
		var dep model.Deployment
		if err := json.Unmarshal(kv.Value, &dep); err == nil && dep.DesiredState == model.DesiredStateRunning {
			return dep, nil
		}
	}
	return svc.setDesiredState(ctx, uid, model.DesiredStateRunning, nil)
}

// Stop sets a model's Deployment to stopped.
func (svc *Service) Stop(ctx context.Context, uid string) (model.Deployment, error) {
	return svc.setDesiredState(ctx, uid, model.DesiredStateStopped, nil)
}

// Scale changes a running model's replica count. replicas==0 normalizes
// desired_state to stopped at this boundary (DESIGN.md decision),
// matching CreateModel's rule.
func (svc *Service) Scale(ctx context.Context, uid string, replicas int) (model.Deployment, error) {
	if replicas < 0 {
		return model.Deployment{}, fmt.Errorf("%w: replicas must be >= 0", apierrors.ErrInvalid)
	}
	desired := model.DesiredStateRunning
	if replicas == 0 {
		desired = model.DesiredStateStopped
	}
	return svc.setDesiredState(ctx, uid, desired, &replicas)
}

func (svc *Service) setDesiredState(ctx context.Context, uid string, desired model.DesiredState, replicas *int) (model.Deployment, error) {
	kv, exists, err := svc.Store.Get(ctx, model.DeploymentKey(uid))
	if err != nil {
		return model.Deployment{}, err
	}
	if !exists {
		return model.Deployment{}, fmt.Errorf("%w: deployment %s", apierrors.ErrNotFound, uid)
	}
	var dep model.Deployment
	if err := json.Unmarshal(kv.Value, &dep); err != nil {
		return model.Deployment{}, err
	}

	dep.DesiredState = desired
	if replicas != nil {
		dep.Replicas = *replicas
	}
	dep.Version++
	dep.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(dep)
	if err != nil {
		return model.Deployment{}, err
	}
	if _, err := svc.Store.Put(ctx, model.DeploymentKey(uid), data, kv.Revision); err != nil {
		return model.Deployment{}, err
	}
	return dep, nil
}

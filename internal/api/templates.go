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
	"time"

	"github.com/google/uuid"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// ListTemplates returns every saved Template, ordered by id.
func (svc *Service) ListTemplates(ctx context.Context) ([]model.Template, error) {
	kvs, err := svc.Store.ListPrefix(ctx, model.PrefixTemplates)
	if err != nil {
		return nil, err
	}
	templates := make([]model.Template, 0, len(kvs))
	for _, kv := range kvs {
		var tpl model.Template
		if err := json.Unmarshal(kv.Value, &tpl); err != nil {
			continue
		}
		templates = append(templates, tpl)
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })
	return templates, nil
}

// GetTemplate returns one Template by id.
func (svc *Service) GetTemplate(ctx context.Context, id string) (model.Template, error) {
	kv, exists, err := svc.Store.Get(ctx, model.TemplateKey(id))
	if err != nil {
		return model.Template{}, err
	}
	if !exists {
		return model.Template{}, fmt.Errorf("%w: template %s", apierrors.ErrNotFound, id)
	}
	var tpl model.Template
	if err := json.Unmarshal(kv.Value, &tpl); err != nil {
		return model.Template{}, err
	}
	return tpl, nil
}

// CreateTemplate validates req, assigns an id if none was given, and
// writes a new Template.
func (svc *Service) CreateTemplate(ctx context.Context, req model.UpdateTemplateRequest) (model.Template, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return model.Template{}, err
	}
	if _, exists, err := svc.Store.Get(ctx, model.TemplateKey(req.ID)); err != nil {
		return model.Template{}, err
	} else if exists {
		return model.Template{}, fmt.Errorf("%w: template %s already exists", apierrors.ErrInvalid, req.ID)
	}

	now := time.Now().UTC()
	tpl := model.Template{
		ID:          req.ID,
		Name:        req.Name,
		EngineType:  req.EngineType,
		DockerImage: req.DockerImage,
		Config:      req.Config,
		Replicas:    req.Replicas,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	data, err := json.Marshal(tpl)
	if err != nil {
		return model.Template{}, err
	}
	if _, err := svc.Store.Put(ctx, model.TemplateKey(req.ID), data, 0); err != nil {
		return model.Template{}, err
	}
	return tpl, nil
}

// UpdateTemplate overwrites an existing Template's fields.
func (svc *Service) UpdateTemplate(ctx context.Context, req model.UpdateTemplateRequest) (model.Template, error) {
	if err := req.Validate(); err != nil {
		return model.Template{}, err
	}
	kv, exists, err := svc.Store.Get(ctx, model.TemplateKey(req.ID))
	if err != nil {
		return model.Template{}, err
	}
	if !exists {
		return model.Template{}, fmt.Errorf("%w: template %s", apierrors.ErrNotFound, req.ID)
	}
	var tpl model.Template
	if err := json.Unmarshal(kv.Value, &tpl); err != nil {
		return model.Template{}, err
	}
	tpl.Name = req.Name
	tpl.EngineType = req.EngineType
	tpl.DockerImage = req.DockerImage
	tpl.Config = req.Config
	tpl.Replicas = req.Replicas
	tpl.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(tpl)
	if err != nil {
		return model.Template{}, err
	}
	if _, err := svc.Store.Put(ctx, model.TemplateKey(req.ID), data, kv.Revision); err != nil {
		return model.Template{}, err
	}
	return tpl, nil
}

// DeleteTemplate removes a Template. Models already created from it are
// unaffected; Template is a preset, not a live reference.
func (svc *Service) DeleteTemplate(ctx context.Context, id string) error {
	if _, exists, err := svc.Store.Get(ctx, model.TemplateKey(id)); err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%w: template %s", apierrors.ErrNotFound, id)
	}
	return svc.Store.Delete(ctx, model.TemplateKey(id))
}

// DeployFromTemplate creates a new model from a Template's engine_type/
// docker_image/config/replicas, overlaying name/source/model_path/uid
// from the caller since a Template carries no identity of its own.
func (svc *Service) DeployFromTemplate(ctx context.Context, templateID string, req model.CreateModelRequest) (model.Spec, error) {
	tpl, err := svc.GetTemplate(ctx, templateID)
	if err != nil {
		return model.Spec{}, err
	}
	req.EngineType = tpl.EngineType
	req.DockerImage = tpl.DockerImage
	req.Config = tpl.Config
	req.Replicas = tpl.Replicas
	req.AutoStart = true
	return svc.CreateModel(ctx, req)
}

// SaveModelAsTemplate snapshots an existing model's engine_type/
// docker_image/config/replicas into a new reusable Template.
func (svc *Service) SaveModelAsTemplate(ctx context.Context, uid, templateName string) (model.Template, error) {
	kv, exists, err := svc.Store.Get(ctx, model.SpecKey(uid))
	if err != nil {
		return model.Template{}, err
	}
	if !exists {
		return model.Template{}, fmt.Errorf("%w: model %s", apierrors.ErrNotFound, uid)
	}
	var spec model.Spec
	if err := json.Unmarshal(kv.Value, &spec); err != nil {
		return model.Template{}, err
	}

	replicas := 0
	if depKV, depExists, err := svc.Store.Get(ctx, model.DeploymentKey(uid)); err != nil {
		return model.Template{}, err
	} else if depExists {
		var dep model.Deployment
		if err := json.Unmarshal(depKV.Value, &dep); err == nil {
			replicas = dep.Replicas
		}
	}

	return svc.CreateTemplate(ctx, model.UpdateTemplateRequest{
		Name:        templateName,
		EngineType:  spec.EngineType,
		DockerImage: spec.DockerImage,
		Config:      spec.Config,
		Replicas:    replicas,
	})
}

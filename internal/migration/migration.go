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

// Package migration converts the legacy request-driven records under
// /legacy_requests/ into this module's Spec + Deployment shape. It is
// idempotent: a uid that already has a Spec is left untouched, so the
// utility can be re-run safely (e.g. from a cron, or by hand after a
// partial failure) without clobbering a model that has since been
// edited through the new API.
package migration

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

// Result summarizes one migration run.
type Result struct {
	Total    int      `json:"total"`
	Migrated int      `json:"migrated"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Run lists every /legacy_requests/ record and converts each one that
// has no existing Spec into a Spec + Deployment pair. Conversion of a
// single record never aborts the whole run; failures are counted and
// recorded in Result.Errors, and Run continues with the next uid.
func Run(ctx context.Context, s store.Store) (Result, error) {
	log := logging.FromContext(ctx)
	kvs, err := s.ListPrefix(ctx, model.PrefixLegacyRequests)
	if err != nil {
		return Result{}, err
	}

	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })

	res := Result{Total: len(kvs)}
	for _, kv := range kvs {
		var lr model.LegacyRequest
		if err := json.Unmarshal(kv.Value, &lr); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, kv.Key+": "+err.Error())
			continue
		}

		migrated, err := migrateOne(ctx, s, lr)
		switch {
		case err != nil:
			res.Failed++
			res.Errors = append(res.Errors, lr.UID+": "+err.Error())
			log.Error(err, "migrate legacy request", "uid", lr.UID)
		case migrated:
			res.Migrated++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

// migrateOne converts a single legacy record, returning migrated=false
// (not an error) when a Spec already exists for its uid.
func migrateOne(ctx context.Context, s store.Store, lr model.LegacyRequest) (bool, error) {
	_, exists, err := s.Get(ctx, model.SpecKey(lr.UID))
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	now := time.Now().UTC()
	spec := model.Spec{
		UID:         lr.UID,
		Name:        lr.ModelName,
		Source:      lr.Source,
		ModelPath:   lr.ModelPath,
		EngineType:  lr.EngineType,
		DockerImage: lr.DockerImage,
		Config:      lr.Config,
		Labels:      lr.Labels,
		CreatedAt:   now,
	}
	specData, err := json.Marshal(spec)
	if err != nil {
		return false, err
	}
	if _, err := s.Put(ctx, model.SpecKey(lr.UID), specData, 0); err != nil {
		return false, err
	}

	dep := model.Deployment{
		UID:          lr.UID,
		DesiredState: DesiredStateFor(lr.Status),
		Replicas:     lr.Replicas,
		Version:      1,
		UpdatedAt:    now,
	}
	depData, err := json.Marshal(dep)
	if err != nil {
		return false, err
	}
	if _, err := s.Put(ctx, model.DeploymentKey(lr.UID), depData, 0); err != nil {
		return false, err
	}
	return true, nil
}

// DesiredStateFor maps spec.md §9's legacy phase onto the new binary
// desired_state: Running and Scheduled are "on their way to running" and
// map to running; every other phase (Pending never started running,
// Failed, Unloading/Unloaded already torn down) maps to stopped so the
// scheduler doesn't try to (re)place something the legacy system had
// already given up on or wound down. Exported so internal/scheduler can
// use this as the single source of truth for the mapping instead of
// keeping its own duplicate case list.
func DesiredStateFor(status model.LegacyStatus) model.DesiredState {
	switch status.Phase {
	case model.LegacyPhaseRunning, model.LegacyPhaseScheduled:
		return model.DesiredStateRunning
	default:
		return model.DesiredStateStopped
	}
}

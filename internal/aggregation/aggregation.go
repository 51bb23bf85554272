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

// Package aggregation computes the read-only aggregated view spec.md
// §4.6 defines: no record in the Store ever holds an "actual" state, so
// list_models/get_model join the seven prefixes on every call. Pure
// functions, no background goroutines — two calls over the same Store
// snapshot return equal results.
package aggregation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

// Config tunes the Failed-state detection window.
type Config struct {
	// FailureThreshold bounds how long a plan may exist with no
	// endpoint record at all before the model is reported Failed rather than
	// Starting.
	FailureThreshold time.Duration
}

func (c *Config) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 2 * time.Minute
	}
}

// ReplicaCounts is spec.md §4.6's desired/ready/unhealthy summary.
type ReplicaCounts struct {
	Desired   int `json:"desired"`
	Ready     int `json:"ready"`
	Unhealthy int `json:"unhealthy"`
}

// ModelSummary is one list_models() entry.
type ModelSummary struct {
	UID       string               `json:"uid"`
	Name      string               `json:"name"`
	Engine    string               `json:"engine"`
	State     model.AggregatedState `json:"state"`
	Replicas  ReplicaCounts        `json:"replicas"`
	Labels    map[string]string    `json:"labels,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at,omitempty"`
}

// ModelDetail is get_model(uid)'s full view.
type ModelDetail struct {
	ModelSummary
	Deployment       *model.Deployment        `json:"deployment,omitempty"`
	Plan             *model.PlacementPlan     `json:"plan,omitempty"`
	Endpoints        []model.Endpoint         `json:"endpoints,omitempty"`
	DownloadProgress []model.DownloadProgress `json:"download_progress,omitempty"`
	CacheEntries     []model.CacheEntry       `json:"cache_entries,omitempty"`
}

// snapshot is every record this package needs for one uid, read once so
// the state computation and the replica counts agree with each other.
type snapshot struct {
	spec       model.Spec
	hasSpec    bool
	deployment model.Deployment
	hasDep     bool
	plan       model.PlacementPlan
	hasPlan    bool
	endpoints  []model.Endpoint
	downloads  []model.DownloadProgress
	cache      []model.CacheEntry
}

// ListModels returns one summary per Spec, joining deployment/plan/
// endpoint/download state for each.
func ListModels(ctx context.Context, s store.Store, cfg Config) ([]ModelSummary, error) {
	cfg.setDefaults()
	specKVs, err := s.ListPrefix(ctx, model.PrefixSpecs)
	if err != nil {
		return nil, err
	}
	summaries := make([]ModelSummary, 0, len(specKVs))
	for _, kv := range specKVs {
		var spec model.Spec
		if err := json.Unmarshal(kv.Value, &spec); err != nil {
			continue
		}
		snap, err := loadSnapshot(ctx, s, spec.UID, spec.Name)
		if err != nil {
			return nil, err
		}
		snap.spec, snap.hasSpec = spec, true
		summaries = append(summaries, summarize(snap, cfg))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].UID < summaries[j].UID })
	return summaries, nil
}

// GetModel returns the full detail view for uid, or apierrors.ErrNotFound
// if no Spec exists.
func GetModel(ctx context.Context, s store.Store, uid string, cfg Config) (ModelDetail, error) {
	cfg.setDefaults()
	kv, ok, err := s.Get(ctx, model.SpecKey(uid))
	if err != nil {
		return ModelDetail{}, err
	}
	if !ok {
		return ModelDetail{}, fmt.Errorf("%w: uid %s", apierrors.ErrNotFound, uid)
	}
	var spec model.Spec
	if err := json.Unmarshal(kv.Value, &spec); err != nil {
		return ModelDetail{}, fmt.Errorf("decode spec %s: %w", uid, err)
	}
	snap, err := loadSnapshot(ctx, s, uid, spec.Name)
	if err != nil {
		return ModelDetail{}, err
	}
	snap.spec, snap.hasSpec = spec, true

	detail := ModelDetail{
		ModelSummary:     summarize(snap, cfg),
		Endpoints:        snap.endpoints,
		DownloadProgress: snap.downloads,
		CacheEntries:     snap.cache,
	}
	if snap.hasDep {
		dep := snap.deployment
		detail.Deployment = &dep
	}
	if snap.hasPlan {
		plan := snap.plan
		detail.Plan = &plan
	}
	return detail, nil
}

func loadSnapshot(ctx context.Context, s store.Store, uid, modelName string) (snapshot, error) {
	var snap snapshot

	if kv, ok, err := s.Get(ctx, model.DeploymentKey(uid)); err != nil {
		return snap, err
	} else if ok {
		if err := json.Unmarshal(kv.Value, &snap.deployment); err == nil {
			snap.hasDep = true
		}
	}

	if kv, ok, err := s.Get(ctx, model.PlacementKey(uid)); err != nil {
		return snap, err
	} else if ok {
		if err := json.Unmarshal(kv.Value, &snap.plan); err == nil {
			snap.hasPlan = true
		}
	}

	endpointKVs, err := s.ListPrefix(ctx, model.EndpointPrefix(uid))
	if err != nil {
		return snap, err
	}
	for _, kv := range endpointKVs {
		var ep model.Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err == nil {
			snap.endpoints = append(snap.endpoints, ep)
		}
	}

	downloadKVs, err := s.ListPrefix(ctx, model.PrefixDownloadProgress+uid+"/")
	if err != nil {
		return snap, err
	}
	for _, kv := range downloadKVs {
		var dp model.DownloadProgress
		if err := json.Unmarshal(kv.Value, &dp); err == nil {
			snap.downloads = append(snap.downloads, dp)
		}
	}

	cacheKVs, err := s.ListPrefix(ctx, model.PrefixModelCache)
	if err != nil {
		return snap, err
	}
	for _, kv := range cacheKVs {
		var ce model.CacheEntry
		if err := json.Unmarshal(kv.Value, &ce); err != nil {
			continue
		}
		if ce.ModelName == modelName {
			snap.cache = append(snap.cache, ce)
		}
	}

	return snap, nil
}

// summarize applies spec.md §4.6's first-match-wins state table.
func summarize(snap snapshot, cfg Config) ModelSummary {
	sum := ModelSummary{
		UID:       snap.spec.UID,
		Name:      snap.spec.Name,
		Engine:    snap.spec.EngineType,
		Labels:    snap.spec.Labels,
		CreatedAt: snap.spec.CreatedAt,
	}
	if snap.hasDep {
		sum.UpdatedAt = snap.deployment.UpdatedAt
		sum.Replicas.Desired = snap.deployment.Replicas
	}
	for _, ep := range snap.endpoints {
		switch ep.Status {
		case model.EndpointStatusReady:
			if !snap.hasPlan || ep.PlanVersion == snap.plan.Version {
				sum.Replicas.Ready++
			}
		case model.EndpointStatusUnhealthy:
			sum.Replicas.Unhealthy++
		}
	}

	sum.State = computeState(snap, cfg, sum.Replicas)
	return sum
}

func computeState(snap snapshot, cfg Config, replicas ReplicaCounts) model.AggregatedState {
	deploymentStopped := !snap.hasDep || snap.deployment.DesiredState != model.DesiredStateRunning
	if deploymentStopped {
		// spec.md §4.6: a Deployment that was deleted outright (not just
		// set to desired_state=stopped) while endpoints are still
		// draining gets its own Stopping state rather than Stopped.
		if !snap.hasDep && len(snap.endpoints) > 0 {
			return model.StateStopping
		}
		return model.StateStopped
	}

	for _, dp := range snap.downloads {
		if dp.Phase == model.PhaseDownloading || dp.Phase == model.PhaseVerifying {
			return model.StateDownloading
		}
	}

	for _, dp := range snap.downloads {
		if dp.Phase == model.PhaseFailed {
			return model.StateFailed
		}
	}
	if len(snap.endpoints) == 0 && snap.hasPlan && time.Since(snap.plan.CreatedAt) > cfg.FailureThreshold {
		return model.StateFailed
	}

	if !snap.hasPlan {
		return model.StateStarting
	}

	if replicas.Desired > 0 && replicas.Ready == replicas.Desired {
		return model.StateRunning
	}
	if replicas.Ready > 0 && replicas.Ready < replicas.Desired {
		return model.StateDegraded
	}
	return model.StateStarting
}

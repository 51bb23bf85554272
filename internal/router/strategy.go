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

// Package router is the stateless per-request routing layer of spec.md
// §4.7: a live in-memory index kept current via Store watches, a
// pluggable scoring Strategy, and admission control. Strategy generalizes
// src/gateway_inference_extension's kv_aware_picker/prefix_aware_picker
// onto a plain local interface, since the Gateway API Inference
// Extension's plugins.Picker/SchedulingContext/ScoredPod types this repo
// has no transport for.
package router

import "github.com/vllm-project/fleet-controlplane/internal/model"

// Candidate is one endpoint surviving the filter pipeline, paired with
// its latest stats (if any have been published yet).
type Candidate struct {
	Endpoint model.Endpoint
	Stats    model.EndpointStats
	HasStats bool
}

// Strategy picks the best candidate among survivors, assumed already
// sorted into deterministic (node_id, replica_id) order so a strategy
// only needs to break ties by keeping the first-seen minimum/maximum.
// Implementations never panic; a missing metric degrades to LeastPending.
type Strategy interface {
	Name() string
	Select(candidates []Candidate) int
}

// LeastPending is the default and fallback strategy: minimum
// pending_requests. A candidate with no stats yet is treated as having
// zero pending requests, the optimistic assumption for a replica that
// just became ready.
type LeastPending struct{}

func (LeastPending) Name() string { return "least_pending" }

func (LeastPending) Select(candidates []Candidate) int {
	best := -1
	for i, c := range candidates {
		pending := 0
		if c.HasStats {
			pending = c.Stats.PendingRequests
		}
		if best == -1 {
			best = i
			continue
		}
		bestPending := 0
		if candidates[best].HasStats {
			bestPending = candidates[best].Stats.PendingRequests
		}
		if pending < bestPending {
			best = i
		}
	}
	return best
}

// LeastKvCache picks the minimum kv_cache_used/(used+free) fraction. If
// no candidate has published stats yet it falls back to LeastPending.
type LeastKvCache struct{}

func (LeastKvCache) Name() string { return "least_kv_cache" }

func (LeastKvCache) Select(candidates []Candidate) int {
	if !anyHasStats(candidates) {
		return LeastPending{}.Select(candidates)
	}
	best := -1
	for i, c := range candidates {
		if !c.HasStats {
			continue
		}
		if best == -1 || c.Stats.KVFraction() < candidates[best].Stats.KVFraction() {
			best = i
		}
	}
	if best == -1 {
		return LeastPending{}.Select(candidates)
	}
	return best
}

// PrefixCacheAware picks the maximum prefix_cache_hit_rate, but only
// among candidates meeting MinHitRate; below that quality bar for every
// candidate, it falls back to LeastPending entirely.
type PrefixCacheAware struct {
	MinHitRate float64
}

func (PrefixCacheAware) Name() string { return "prefix_cache_aware" }

func (s PrefixCacheAware) Select(candidates []Candidate) int {
	threshold := s.MinHitRate
	if threshold <= 0 {
		threshold = 0.1
	}
	best := -1
	for i, c := range candidates {
		if !c.HasStats || c.Stats.PrefixCacheHitRate < threshold {
			continue
		}
		if best == -1 || c.Stats.PrefixCacheHitRate > candidates[best].Stats.PrefixCacheHitRate {
			best = i
		}
	}
	if best == -1 {
		return LeastPending{}.Select(candidates)
	}
	return best
}

func anyHasStats(candidates []Candidate) bool {
	for _, c := range candidates {
		if c.HasStats {
			return true
		}
	}
	return false
}

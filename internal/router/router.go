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

package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// RequestMeta is request-scoped context a Strategy may use. Empty today
// (spec.md's strategies only use published EndpointStats) but kept as a
// distinct type so a future prefix-hash-aware strategy has somewhere to
// receive the request's prompt prefix without changing Route's signature.
type RequestMeta struct{}

// Config tunes the router's staleness window and default strategy.
type Config struct {
	// StaleAfter marks a Ready endpoint stale if its last_heartbeat is
	// older than this. spec.md suggests 3x the heartbeat interval.
	StaleAfter time.Duration
	// OverloadKvFraction is the admission-control threshold: if every
	// surviving endpoint's kv fraction exceeds this, the router reports
	// Overloaded instead of picking one.
	OverloadKvFraction float64
	Strategy           Strategy
}

func (c *Config) setDefaults() {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 9 * time.Second
	}
	if c.OverloadKvFraction <= 0 {
		c.OverloadKvFraction = 0.95
	}
	if c.Strategy == nil {
		c.Strategy = LeastPending{}
	}
}

// Router implements spec.md §4.7's route(uid, request_meta) contract
// over a live Index.
type Router struct {
	idx *Index
	cfg Config
}

// New builds a Router. idx must already be running (see Index.Run).
func New(idx *Index, cfg Config) *Router {
	cfg.setDefaults()
	return &Router{idx: idx, cfg: cfg}
}

// Route picks one Ready endpoint for uid, or returns
// apierrors.ErrUnavailable (nothing survived filtering), or
// apierrors.ErrOverloaded (admission control tripped). An unknown uid
// also yields ErrUnavailable: the router has no Spec of its own.
func (r *Router) Route(ctx context.Context, uid string, meta RequestMeta) (model.Endpoint, error) {
	endpoints, plan, hasPlan, stats := r.idx.snapshotFor(uid)

	currentVersion := int64(0)
	if hasPlan {
		currentVersion = plan.Version
	}

	now := time.Now().UTC()
	survivors := make([]model.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.UID != uid {
			continue
		}
		if ep.PlanVersion < currentVersion {
			continue
		}
		if ep.Status != model.EndpointStatusReady {
			continue
		}
		if now.Sub(ep.LastHeartbeat) > r.cfg.StaleAfter {
			continue
		}
		survivors = append(survivors, ep)
	}
	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].NodeID != survivors[j].NodeID {
			return survivors[i].NodeID < survivors[j].NodeID
		}
		return survivors[i].ReplicaID < survivors[j].ReplicaID
	})

	if len(survivors) == 0 {
		return model.Endpoint{}, apierrors.ErrUnavailable
	}

	if r.allOverloaded(survivors, stats) {
		return model.Endpoint{}, fmt.Errorf("%w: uid %s", apierrors.ErrOverloaded, uid)
	}

	candidates := make([]Candidate, len(survivors))
	for i, ep := range survivors {
		st, ok := stats[ep.ReplicaID]
		candidates[i] = Candidate{Endpoint: ep, Stats: st, HasStats: ok}
	}

	idx := r.cfg.Strategy.Select(candidates)
	if idx < 0 || idx >= len(candidates) {
		idx = 0
	}
	return candidates[idx].Endpoint, nil
}

func (r *Router) allOverloaded(survivors []model.Endpoint, stats map[string]model.EndpointStats) bool {
	for _, ep := range survivors {
		st, ok := stats[ep.ReplicaID]
		if !ok || st.KVFraction() <= r.cfg.OverloadKvFraction {
			return false
		}
	}
	return true
}

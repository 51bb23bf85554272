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
	"encoding/json"
	"sync"
	"time"

	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

// defaultDrainGrace is used when NewIndex is called without SetDrainGrace.
const defaultDrainGrace = 30 * time.Second

// Index is the router's live, strictly-derived view of /endpoints/,
// /placements/ and /stats/, kept in sync by three independent watches.
// Never authoritative: always rebuildable from a cold ListPrefix, which
// is exactly what happens on every EventResync.
type Index struct {
	s          store.Store
	drainGrace time.Duration

	mu        sync.RWMutex
	endpoints map[string]map[string]model.Endpoint // uid -> replica -> endpoint
	plans     map[string]model.PlacementPlan        // uid -> current plan
	stats     map[string]map[string]model.EndpointStats
}

// NewIndex builds an empty Index. Call Run to start the watches.
func NewIndex(s store.Store) *Index {
	return &Index{
		s:          s,
		drainGrace: defaultDrainGrace,
		endpoints:  make(map[string]map[string]model.Endpoint),
		plans:      make(map[string]model.PlacementPlan),
		stats:      make(map[string]map[string]model.EndpointStats),
	}
}

// SetDrainGrace overrides how long a deleted endpoint is kept in the
// index marked Draining (filtered from new selections, but still
// resolvable by Route for a request that already has its address) before
// it is removed outright. Call before Run.
func (idx *Index) SetDrainGrace(d time.Duration) {
	if d > 0 {
		idx.drainGrace = d
	}
}

// Run starts the three watch loops and blocks until ctx is canceled.
func (idx *Index) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); idx.watchEndpoints(ctx) }()
	go func() { defer wg.Done(); idx.watchPlacements(ctx) }()
	go func() { defer wg.Done(); idx.watchStats(ctx) }()
	wg.Wait()
}

func (idx *Index) watchEndpoints(ctx context.Context) {
	log := logging.FromContext(ctx)
	events := idx.s.Watch(ctx, model.PrefixEndpoints)
	idx.resyncEndpoints(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case store.EventResync:
				idx.resyncEndpoints(ctx)
			case store.EventPut:
				var ep model.Endpoint
				if err := json.Unmarshal(ev.KV.Value, &ep); err != nil {
					log.Error(err, "decode endpoint", "key", ev.KV.Key)
					continue
				}
				idx.putEndpoint(ep)
			case store.EventDelete:
				uid, replica := splitEndpointKey(ev.KV.Key)
				idx.deleteEndpoint(ctx, uid, replica)
			}
		}
	}
}

func (idx *Index) resyncEndpoints(ctx context.Context) {
	kvs, err := idx.s.ListPrefix(ctx, model.PrefixEndpoints)
	if err != nil {
		logging.FromContext(ctx).Error(err, "resync list endpoints")
		return
	}
	endpoints := make(map[string]map[string]model.Endpoint)
	for _, kv := range kvs {
		var ep model.Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue
		}
		byReplica := endpoints[ep.UID]
		if byReplica == nil {
			byReplica = make(map[string]model.Endpoint)
			endpoints[ep.UID] = byReplica
		}
		byReplica[ep.ReplicaID] = ep
	}
	idx.mu.Lock()
	idx.endpoints = endpoints
	idx.mu.Unlock()
}

func (idx *Index) putEndpoint(ep model.Endpoint) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	byReplica := idx.endpoints[ep.UID]
	if byReplica == nil {
		byReplica = make(map[string]model.Endpoint)
		idx.endpoints[ep.UID] = byReplica
	}
	byReplica[ep.ReplicaID] = ep
}

// deleteEndpoint handles an EventDelete for /endpoints/{uid}/{replica}.
// Rather than dropping the entry immediately, it is marked Draining so
// Route's filtering (which already excludes non-Ready endpoints from new
// selections) stops picking it, while a request that grabbed its address
// moments earlier can still finish against it. The entry is actually
// removed after drainGrace, unless the node republished it first (e.g.
// restart racing the delete), in which case it is left alone.
func (idx *Index) deleteEndpoint(ctx context.Context, uid, replica string) {
	idx.mu.Lock()
	byReplica, ok := idx.endpoints[uid]
	if !ok {
		idx.mu.Unlock()
		return
	}
	ep, ok := byReplica[replica]
	if !ok {
		idx.mu.Unlock()
		return
	}
	now := time.Now()
	ep.Status = model.EndpointStatusDraining
	ep.DrainStartedAt = &now
	byReplica[replica] = ep
	idx.mu.Unlock()

	log := logging.FromContext(ctx)
	time.AfterFunc(idx.drainGrace, func() {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		if byReplica, ok := idx.endpoints[uid]; ok {
			if cur, ok := byReplica[replica]; ok && cur.Status == model.EndpointStatusDraining {
				delete(byReplica, replica)
				drained := idx.drainGrace
				if cur.DrainStartedAt != nil {
					drained = time.Since(*cur.DrainStartedAt)
				}
				log.Info("endpoint removed after drain", "uid", uid, "replica", replica, "drained_for", drained)
			}
		}
	})
}

func (idx *Index) watchPlacements(ctx context.Context) {
	log := logging.FromContext(ctx)
	events := idx.s.Watch(ctx, model.PrefixPlacements)
	idx.resyncPlacements(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case store.EventResync:
				idx.resyncPlacements(ctx)
			case store.EventPut:
				var plan model.PlacementPlan
				if err := json.Unmarshal(ev.KV.Value, &plan); err != nil {
					log.Error(err, "decode placement plan", "key", ev.KV.Key)
					continue
				}
				idx.mu.Lock()
				idx.plans[plan.UID] = plan
				idx.mu.Unlock()
			case store.EventDelete:
				uid := trimEventKey(ev.KV.Key, model.PrefixPlacements)
				idx.mu.Lock()
				delete(idx.plans, uid)
				idx.mu.Unlock()
			}
		}
	}
}

func (idx *Index) resyncPlacements(ctx context.Context) {
	kvs, err := idx.s.ListPrefix(ctx, model.PrefixPlacements)
	if err != nil {
		return
	}
	plans := make(map[string]model.PlacementPlan, len(kvs))
	for _, kv := range kvs {
		var plan model.PlacementPlan
		if err := json.Unmarshal(kv.Value, &plan); err != nil {
			continue
		}
		plans[plan.UID] = plan
	}
	idx.mu.Lock()
	idx.plans = plans
	idx.mu.Unlock()
}

func (idx *Index) watchStats(ctx context.Context) {
	log := logging.FromContext(ctx)
	events := idx.s.Watch(ctx, model.PrefixStats)
	idx.resyncStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case store.EventResync:
				idx.resyncStats(ctx)
			case store.EventPut:
				var st model.EndpointStats
				if err := json.Unmarshal(ev.KV.Value, &st); err != nil {
					log.Error(err, "decode stats", "key", ev.KV.Key)
					continue
				}
				idx.mu.Lock()
				byReplica := idx.stats[st.UID]
				if byReplica == nil {
					byReplica = make(map[string]model.EndpointStats)
					idx.stats[st.UID] = byReplica
				}
				byReplica[st.ReplicaID] = st
				idx.mu.Unlock()
			case store.EventDelete:
				uid, replica := splitStatsKey(ev.KV.Key)
				idx.mu.Lock()
				if byReplica, ok := idx.stats[uid]; ok {
					delete(byReplica, replica)
				}
				idx.mu.Unlock()
			}
		}
	}
}

func (idx *Index) resyncStats(ctx context.Context) {
	kvs, err := idx.s.ListPrefix(ctx, model.PrefixStats)
	if err != nil {
		return
	}
	stats := make(map[string]map[string]model.EndpointStats)
	for _, kv := range kvs {
		var st model.EndpointStats
		if err := json.Unmarshal(kv.Value, &st); err != nil {
			continue
		}
		byReplica := stats[st.UID]
		if byReplica == nil {
			byReplica = make(map[string]model.EndpointStats)
			stats[st.UID] = byReplica
		}
		byReplica[st.ReplicaID] = st
	}
	idx.mu.Lock()
	idx.stats = stats
	idx.mu.Unlock()
}

// snapshotFor returns uid's endpoints, its current plan (ok=false if
// absent), and the stats map, all read under one lock so Route sees a
// consistent view.
func (idx *Index) snapshotFor(uid string) (endpoints []model.Endpoint, plan model.PlacementPlan, hasPlan bool, stats map[string]model.EndpointStats) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, ep := range idx.endpoints[uid] {
		endpoints = append(endpoints, ep)
	}
	plan, hasPlan = idx.plans[uid]
	stats = idx.stats[uid]
	return endpoints, plan, hasPlan, stats
}

func splitEndpointKey(key string) (uid, replica string) {
	return splitTwoPartKey(key, model.PrefixEndpoints)
}

func splitStatsKey(key string) (uid, replica string) {
	return splitTwoPartKey(key, model.PrefixStats)
}

// splitTwoPartKey parses "{prefix}{uid}/{replica}" keys.
func splitTwoPartKey(key, prefix string) (string, string) {
	rest := trimEventKey(key, prefix)
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

func trimEventKey(key, prefix string) string {
	if len(prefix) <= len(key) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}

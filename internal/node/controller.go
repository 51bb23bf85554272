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
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/vllm-project/fleet-controlplane/internal/cache"
	"github.com/vllm-project/fleet-controlplane/internal/engine"
	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

// Config is one node-agent process's tunables, mirroring spec.md §6's
// heartbeat.*/health.* options table.
type Config struct {
	NodeID             string
	Address            string // host reachable from the router, e.g. "10.0.1.4"
	PortBase           int    // first port handed to a replica; replicas get PortBase+index
	HeartbeatInterval  time.Duration
	HeartbeatTTL       time.Duration
	HealthFailThreshold int
	HealthCooldown     time.Duration
	GracefulStopTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 10 * time.Second
	}
	if c.HealthFailThreshold <= 0 {
		c.HealthFailThreshold = 3
	}
	if c.HealthCooldown <= 0 {
		c.HealthCooldown = 15 * time.Second
	}
	if c.GracefulStopTimeout <= 0 {
		c.GracefulStopTimeout = 30 * time.Second
	}
	if c.PortBase <= 0 {
		c.PortBase = 9000
	}
}

// Controller is the node reconciler: it watches PlacementPlans, computes
// assignments_for_me, and drives each local replica through the state
// machine in state.go. One Controller per node-agent process.
type Controller struct {
	cfg     Config
	s       store.Store
	cache   *cache.Manager
	runtime engine.Runtime
	prober  engine.Prober
	scraper *engine.MetricsScraper
	gpus    GPUInventory

	mu        sync.Mutex
	replicas  map[replicaKey]*replica
	specs     map[string]model.Spec // uid -> Spec, refreshed from /models/
	nextPort  int

	queue workqueue.TypedRateLimitingInterface[replicaKey]
}

// New builds a Controller. runtime, prober and scraper are interfaces so
// tests can substitute fakes instead of a real Docker daemon and HTTP
// engine process.
func New(s store.Store, cacheMgr *cache.Manager, runtime engine.Runtime, prober engine.Prober, scraper *engine.MetricsScraper, gpus GPUInventory, cfg Config) *Controller {
	cfg.setDefaults()
	return &Controller{
		cfg:      cfg,
		s:        s,
		cache:    cacheMgr,
		runtime:  runtime,
		prober:   prober,
		scraper:  scraper,
		gpus:     gpus,
		replicas: make(map[replicaKey]*replica),
		specs:    make(map[string]model.Spec),
		nextPort: cfg.PortBase,
		queue:    workqueue.NewTypedRateLimitingQueue[replicaKey](workqueue.DefaultTypedControllerRateLimiter[replicaKey]()),
	}
}

// Run starts the watch loop, the reconcile workers, the heartbeat loop and
// the health-probe loop, blocking until ctx is canceled.
func (c *Controller) Run(ctx context.Context, workers int) {
	log := logging.FromContext(ctx).WithName("node")
	ctx = logging.IntoContext(ctx, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); c.watchPlacements(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); c.watchSpecs(ctx) }()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); c.runWorker(ctx) }()
	}

	wg.Add(1)
	go func() { defer wg.Done(); c.heartbeatLoop(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); c.healthProbeLoop(ctx) }()

	<-ctx.Done()
	c.queue.ShutDown()
	wg.Wait()
}

// watchPlacements keeps specs/assignment indexes up to date by watching
// /placements/ with resync, recomputing assignments_for_me on every event
// (put, delete, or resync) and enqueueing every key whose membership or
// plan_version changed.
func (c *Controller) watchPlacements(ctx context.Context) {
	log := logging.FromContext(ctx)
	events := c.s.Watch(ctx, model.PrefixPlacements)
	c.resyncPlacements(ctx)
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
				log.Info("placements resync")
				c.resyncPlacements(ctx)
			case store.EventPut:
				var plan model.PlacementPlan
				if err := json.Unmarshal(ev.KV.Value, &plan); err != nil {
					log.Error(err, "decode placement plan", "key", ev.KV.Key)
					continue
				}
				c.applyPlan(plan)
			case store.EventDelete:
				uid := uidFromPlacementKey(ev.KV.Key)
				c.applyPlan(model.PlacementPlan{UID: uid, Version: 0})
			}
		}
	}
}

func (c *Controller) resyncPlacements(ctx context.Context) {
	kvs, err := c.s.ListPrefix(ctx, model.PrefixPlacements)
	if err != nil {
		logging.FromContext(ctx).Error(err, "resync list placements")
		return
	}
	seen := make(map[string]bool, len(kvs))
	for _, kv := range kvs {
		var plan model.PlacementPlan
		if err := json.Unmarshal(kv.Value, &plan); err != nil {
			continue
		}
		seen[plan.UID] = true
		c.applyPlan(plan)
	}
	c.mu.Lock()
	var stale []replicaKey
	for key, r := range c.replicas {
		if !seen[key.uid] && r.state != StateAbsent {
			stale = append(stale, key)
		}
	}
	c.mu.Unlock()
	for _, key := range stale {
		c.applyPlan(model.PlacementPlan{UID: key.uid, Version: 0})
	}
}

// applyPlan updates the local replica index from plan's assignments
// targeting this node and enqueues every affected key, including replicas
// that were previously assigned but no longer appear (removal).
func (c *Controller) applyPlan(plan model.PlacementPlan) {
	c.mu.Lock()
	mine := make(map[replicaKey]model.Assignment)
	for _, a := range plan.Assignments {
		if a.NodeID == c.cfg.NodeID {
			mine[replicaKey{uid: plan.UID, replicaID: a.ReplicaID}] = a
		}
	}

	var toEnqueue []replicaKey
	for key, a := range mine {
		r, ok := c.replicas[key]
		if !ok {
			r = &replica{key: key, state: StateAbsent}
			c.replicas[key] = r
		}
		r.assignment = assignmentView{
			planVersion: plan.Version,
			assignment:  a,
		}
		r.assigned = true
		toEnqueue = append(toEnqueue, key)
	}
	for key, r := range c.replicas {
		if key.uid == plan.UID {
			if _, stillAssigned := mine[key]; !stillAssigned {
				if r.assigned {
					r.assigned = false
					toEnqueue = append(toEnqueue, key)
				}
			}
		}
	}
	c.mu.Unlock()

	for _, key := range toEnqueue {
		c.queue.Add(key)
	}
}

// watchSpecs keeps c.specs current so assignmentView.spec reflects the
// model's EngineConfig without a synchronous read per reconcile.
func (c *Controller) watchSpecs(ctx context.Context) {
	log := logging.FromContext(ctx)
	events := c.s.Watch(ctx, model.PrefixSpecs)
	c.resyncSpecs(ctx)
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
				c.resyncSpecs(ctx)
			case store.EventPut:
				var spec model.Spec
				if err := json.Unmarshal(ev.KV.Value, &spec); err != nil {
					log.Error(err, "decode spec", "key", ev.KV.Key)
					continue
				}
				c.mu.Lock()
				c.specs[spec.UID] = spec
				c.mu.Unlock()
			}
		}
	}
}

// specFor returns the current Spec for uid, or its zero value if unknown.
func (c *Controller) specFor(uid string) model.Spec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.specs[uid]
}

func (c *Controller) resyncSpecs(ctx context.Context) {
	kvs, err := c.s.ListPrefix(ctx, model.PrefixSpecs)
	if err != nil {
		return
	}
	specs := make(map[string]model.Spec, len(kvs))
	for _, kv := range kvs {
		var spec model.Spec
		if err := json.Unmarshal(kv.Value, &spec); err != nil {
			continue
		}
		specs[spec.UID] = spec
	}
	c.mu.Lock()
	c.specs = specs
	c.mu.Unlock()
}

func (c *Controller) runWorker(ctx context.Context) {
	for c.processNextItem(ctx) {
	}
}

func (c *Controller) processNextItem(ctx context.Context) bool {
	key, shutdown := c.queue.Get()
	if shutdown {
		return false
	}
	defer c.queue.Done(key)

	if err := c.reconcile(ctx, key); err != nil {
		logging.FromContext(ctx).Error(err, "reconcile failed, requeueing", "replica", key.String())
		c.queue.AddRateLimited(key)
		return true
	}
	c.queue.Forget(key)
	return true
}

func uidFromPlacementKey(key string) string {
	uid := key
	if len(model.PrefixPlacements) <= len(key) {
		uid = key[len(model.PrefixPlacements):]
	}
	return uid
}

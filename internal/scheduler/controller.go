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
	"strings"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/migration"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

// Config tunes a Controller's cadence.
type Config struct {
	HeartbeatThreshold time.Duration // max NodeStatus age to count a node as live
	ReconcileInterval  time.Duration // orphan/missing-plan sweep cadence
	MaxCASAttempts     int
}

func (c *Config) setDefaults() {
	if c.HeartbeatThreshold <= 0 {
		c.HeartbeatThreshold = 10 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.MaxCASAttempts <= 0 {
		c.MaxCASAttempts = 5
	}
}

// Controller is the single logical writer of /placements/. It is not
// itself leader-election aware: callers only invoke Run while holding
// leadership (see internal/leaderelection), which keeps this package
// testable without an etcd dependency.
type Controller struct {
	s   store.Store
	cfg Config

	mu          sync.Mutex
	deployments map[string]model.Deployment
	legacy      map[string]model.LegacyRequest

	queue workqueue.TypedRateLimitingInterface[string]
}

// New builds a Controller over s.
func New(s store.Store, cfg Config) *Controller {
	cfg.setDefaults()
	return &Controller{
		s:           s,
		cfg:         cfg,
		deployments: make(map[string]model.Deployment),
		legacy:      make(map[string]model.LegacyRequest),
		queue:       workqueue.NewTypedRateLimitingQueue[string](workqueue.DefaultTypedControllerRateLimiter[string]()),
	}
}

// Run watches /deployments/ and the legacy prefix, reconciles each
// affected uid through a workqueue, and runs the periodic orphan sweep.
// Blocks until ctx is canceled.
func (c *Controller) Run(ctx context.Context, workers int) {
	log := logging.FromContext(ctx).WithName("scheduler")
	ctx = logging.IntoContext(ctx, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); c.watchDeployments(ctx) }()
	wg.Add(1)
	go func() { defer wg.Done(); c.watchLegacy(ctx) }()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); c.runWorker(ctx) }()
	}

	wg.Add(1)
	go func() { defer wg.Done(); c.sweepLoop(ctx) }()

	<-ctx.Done()
	c.queue.ShutDown()
	wg.Wait()
}

func (c *Controller) watchDeployments(ctx context.Context) {
	log := logging.FromContext(ctx)
	events := c.s.Watch(ctx, model.PrefixDeployments)
	c.resyncDeployments(ctx)
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
				c.resyncDeployments(ctx)
			case store.EventPut:
				var dep model.Deployment
				if err := json.Unmarshal(ev.KV.Value, &dep); err != nil {
					log.Error(err, "decode deployment", "key", ev.KV.Key)
					continue
				}
				c.mu.Lock()
				c.deployments[dep.UID] = dep
				c.mu.Unlock()
				c.queue.Add(dep.UID)
			case store.EventDelete:
				uid := trimPrefix(ev.KV.Key, model.PrefixDeployments)
				c.mu.Lock()
				delete(c.deployments, uid)
				c.mu.Unlock()
				c.queue.Add(uid)
			}
		}
	}
}

func (c *Controller) resyncDeployments(ctx context.Context) {
	kvs, err := c.s.ListPrefix(ctx, model.PrefixDeployments)
	if err != nil {
		logging.FromContext(ctx).Error(err, "resync list deployments")
		return
	}
	deployments := make(map[string]model.Deployment, len(kvs))
	for _, kv := range kvs {
		var dep model.Deployment
		if err := json.Unmarshal(kv.Value, &dep); err != nil {
			continue
		}
		deployments[dep.UID] = dep
	}
	c.mu.Lock()
	c.deployments = deployments
	c.mu.Unlock()
	for uid := range deployments {
		c.queue.Add(uid)
	}
}

// watchLegacy tracks the old request-driven prefix as a second, lower
// priority signal source: a Deployment for the same uid always wins, see
// reconcile.
func (c *Controller) watchLegacy(ctx context.Context) {
	log := logging.FromContext(ctx)
	events := c.s.Watch(ctx, model.PrefixLegacyRequests)
	c.resyncLegacy(ctx)
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
				c.resyncLegacy(ctx)
			case store.EventPut:
				var lr model.LegacyRequest
				if err := json.Unmarshal(ev.KV.Value, &lr); err != nil {
					log.Error(err, "decode legacy request", "key", ev.KV.Key)
					continue
				}
				c.mu.Lock()
				c.legacy[lr.UID] = lr
				c.mu.Unlock()
				c.queue.Add(lr.UID)
			case store.EventDelete:
				uid := trimPrefix(ev.KV.Key, model.PrefixLegacyRequests)
				c.mu.Lock()
				delete(c.legacy, uid)
				c.mu.Unlock()
				c.queue.Add(uid)
			}
		}
	}
}

func (c *Controller) resyncLegacy(ctx context.Context) {
	kvs, err := c.s.ListPrefix(ctx, model.PrefixLegacyRequests)
	if err != nil {
		return
	}
	legacy := make(map[string]model.LegacyRequest, len(kvs))
	for _, kv := range kvs {
		var lr model.LegacyRequest
		if err := json.Unmarshal(kv.Value, &lr); err != nil {
			continue
		}
		legacy[lr.UID] = lr
	}
	c.mu.Lock()
	c.legacy = legacy
	c.mu.Unlock()
}

func (c *Controller) runWorker(ctx context.Context) {
	for c.processNextItem(ctx) {
	}
}

func (c *Controller) processNextItem(ctx context.Context) bool {
	uid, shutdown := c.queue.Get()
	if shutdown {
		return false
	}
	defer c.queue.Done(uid)

	if err := c.reconcile(ctx, uid); err != nil {
		logging.FromContext(ctx).Error(err, "reconcile failed, requeueing", "uid", uid)
		c.queue.AddRateLimited(uid)
		return true
	}
	c.queue.Forget(uid)
	return true
}

// sweepLoop is the ~30s safety net from spec.md §4.5: any plan whose
// deployment is missing or stopped is an orphan; any running deployment
// whose plan is missing gets re-planned. Ordinary watch events already
// cover this — the sweep exists for events a reconnect or a missed watch
// notification could have dropped.
func (c *Controller) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Controller) sweep(ctx context.Context) {
	log := logging.FromContext(ctx)
	plans, err := c.s.ListPrefix(ctx, model.PrefixPlacements)
	if err != nil {
		log.Error(err, "sweep list placements")
		return
	}

	c.mu.Lock()
	deployments := make(map[string]model.Deployment, len(c.deployments))
	for k, v := range c.deployments {
		deployments[k] = v
	}
	legacy := make(map[string]model.LegacyRequest, len(c.legacy))
	for k, v := range c.legacy {
		legacy[k] = v
	}
	c.mu.Unlock()

	planned := make(map[string]bool, len(plans))
	for _, kv := range plans {
		var plan model.PlacementPlan
		if err := json.Unmarshal(kv.Value, &plan); err != nil {
			continue
		}
		planned[plan.UID] = true
		if !shouldRun(plan.UID, deployments, legacy) {
			c.queue.Add(plan.UID) // orphan: reconcile will delete it
		}
	}
	for uid := range deployments {
		if shouldRun(uid, deployments, legacy) && !planned[uid] {
			c.queue.Add(uid) // running deployment missing its plan
		}
	}
}

func shouldRun(uid string, deployments map[string]model.Deployment, legacy map[string]model.LegacyRequest) bool {
	if dep, ok := deployments[uid]; ok {
		return dep.DesiredState == model.DesiredStateRunning
	}
	if lr, ok := legacy[uid]; ok {
		return migration.DesiredStateFor(lr.Status) == model.DesiredStateRunning
	}
	return false
}

func trimPrefix(key, prefix string) string {
	if strings.HasPrefix(key, prefix) {
		return key[len(prefix):]
	}
	return key
}

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
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

func put(t *testing.T, s store.Store, key string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	kv, ok, _ := s.Get(context.Background(), key)
	expected := int64(0)
	if ok {
		expected = kv.Revision
	}
	if _, err := s.Put(context.Background(), key, data, expected); err != nil {
		t.Fatal(err)
	}
}

func newRunningIndex(t *testing.T, s store.Store) (*Index, func()) {
	t.Helper()
	idx := NewIndex(s)
	ctx, cancel := context.WithCancel(context.Background())
	go idx.Run(ctx)
	return idx, cancel
}

func TestRouteFiltersByStaleVersion(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()

	put(t, s, model.PlacementKey("m1"), model.PlacementPlan{UID: "m1", Version: 2})
	put(t, s, model.EndpointKey("m1", "0"), model.Endpoint{
		UID: "m1", ReplicaID: "0", NodeID: "node-a", Address: "10.0.0.1:9000",
		Status: model.EndpointStatusReady, PlanVersion: 1, LastHeartbeat: time.Now(),
	})
	put(t, s, model.EndpointKey("m1", "1"), model.Endpoint{
		UID: "m1", ReplicaID: "1", NodeID: "node-a", Address: "10.0.0.2:9000",
		Status: model.EndpointStatusReady, PlanVersion: 2, LastHeartbeat: time.Now(),
	})

	idx, cancel := newRunningIndex(t, s)
	defer cancel()
	g.Eventually(func() (bool, error) {
		_, _, hasPlan, _ := idx.snapshotFor("m1")
		return hasPlan, nil
	}, time.Second, 5*time.Millisecond).Should(BeTrue())

	r := New(idx, Config{})
	var ep model.Endpoint
	g.Eventually(func() error {
		var err error
		ep, err = r.Route(context.Background(), "m1", RequestMeta{})
		return err
	}, time.Second, 5*time.Millisecond).Should(Succeed())
	g.Expect(ep.ReplicaID).To(Equal("1"))
}

func TestRouteUnavailableWhenNoEndpoints(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()
	idx, cancel := newRunningIndex(t, s)
	defer cancel()

	r := New(idx, Config{})
	_, err := r.Route(context.Background(), "missing", RequestMeta{})
	g.Expect(err).To(MatchError(apierrors.ErrUnavailable))
}

func TestRouteOverloadedWhenAllSurvivorsSaturated(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()

	put(t, s, model.EndpointKey("m1", "0"), model.Endpoint{
		UID: "m1", ReplicaID: "0", NodeID: "node-a", Address: "10.0.0.1:9000",
		Status: model.EndpointStatusReady, LastHeartbeat: time.Now(),
	})
	put(t, s, model.StatsKey("m1", "0"), model.EndpointStats{
		UID: "m1", ReplicaID: "0", KVCacheUsed: 99, KVCacheTotal: 100,
	})

	idx, cancel := newRunningIndex(t, s)
	defer cancel()

	r := New(idx, Config{})
	g.Eventually(func() error {
		_, err := r.Route(context.Background(), "m1", RequestMeta{})
		return err
	}, time.Second, 5*time.Millisecond).Should(MatchError(apierrors.ErrOverloaded))
}

func TestRouteDropsStaleHeartbeat(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()

	put(t, s, model.EndpointKey("m1", "0"), model.Endpoint{
		UID: "m1", ReplicaID: "0", NodeID: "node-a", Address: "10.0.0.1:9000",
		Status: model.EndpointStatusReady, LastHeartbeat: time.Now().Add(-time.Hour),
	})

	idx, cancel := newRunningIndex(t, s)
	defer cancel()

	r := New(idx, Config{StaleAfter: time.Second})
	g.Eventually(func() error {
		_, err := r.Route(context.Background(), "m1", RequestMeta{})
		return err
	}, time.Second, 5*time.Millisecond).Should(MatchError(apierrors.ErrUnavailable))
}

func TestDeletedEndpointDrainsBeforeRemoval(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()

	put(t, s, model.EndpointKey("m1", "0"), model.Endpoint{
		UID: "m1", ReplicaID: "0", NodeID: "node-a", Address: "10.0.0.1:9000",
		Status: model.EndpointStatusReady, LastHeartbeat: time.Now(),
	})

	idx, cancel := newRunningIndex(t, s)
	defer cancel()
	idx.SetDrainGrace(50 * time.Millisecond)

	r := New(idx, Config{})
	g.Eventually(func() error {
		_, err := r.Route(context.Background(), "m1", RequestMeta{})
		return err
	}, time.Second, 5*time.Millisecond).Should(Succeed())

	g.Expect(s.Delete(context.Background(), model.EndpointKey("m1", "0"))).To(Succeed())

	// draining: still present in the index but no longer a valid Route
	// target, since only Ready endpoints are selected.
	g.Eventually(func() error {
		_, err := r.Route(context.Background(), "m1", RequestMeta{})
		return err
	}, time.Second, 5*time.Millisecond).Should(MatchError(apierrors.ErrUnavailable))

	// after drainGrace elapses the entry is actually gone.
	g.Eventually(func() int {
		endpoints, _, _, _ := idx.snapshotFor("m1")
		return len(endpoints)
	}, time.Second, 5*time.Millisecond).Should(Equal(0))
}

func TestLeastPendingPicksLowestPending(t *testing.T) {
	g := NewWithT(t)
	candidates := []Candidate{
		{Endpoint: model.Endpoint{ReplicaID: "0"}, Stats: model.EndpointStats{PendingRequests: 5}, HasStats: true},
		{Endpoint: model.Endpoint{ReplicaID: "1"}, Stats: model.EndpointStats{PendingRequests: 1}, HasStats: true},
	}
	idx := LeastPending{}.Select(candidates)
	g.Expect(candidates[idx].Endpoint.ReplicaID).To(Equal("1"))
}

func TestPrefixCacheAwareFallsBackBelowThreshold(t *testing.T) {
	g := NewWithT(t)
	candidates := []Candidate{
		{Endpoint: model.Endpoint{ReplicaID: "0"}, Stats: model.EndpointStats{PrefixCacheHitRate: 0.05, PendingRequests: 3}, HasStats: true},
		{Endpoint: model.Endpoint{ReplicaID: "1"}, Stats: model.EndpointStats{PrefixCacheHitRate: 0.02, PendingRequests: 1}, HasStats: true},
	}
	idx := PrefixCacheAware{MinHitRate: 0.1}.Select(candidates)
	g.Expect(candidates[idx].Endpoint.ReplicaID).To(Equal("1"))
}

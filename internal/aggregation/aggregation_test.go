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

package aggregation

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

func TestGetModelNotFound(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()
	_, err := GetModel(context.Background(), s, "missing", Config{})
	g.Expect(err).To(MatchError(apierrors.ErrNotFound))
}

func TestStateStoppedWhenNoDeployment(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()
	put(t, s, model.SpecKey("m1"), model.Spec{UID: "m1", Name: "m1"})

	detail, err := GetModel(context.Background(), s, "m1", Config{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(detail.State).To(Equal(model.StateStopped))
}

func TestStateRunningWhenAllReplicasReady(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()
	put(t, s, model.SpecKey("m1"), model.Spec{UID: "m1", Name: "m1"})
	put(t, s, model.DeploymentKey("m1"), model.Deployment{UID: "m1", DesiredState: model.DesiredStateRunning, Replicas: 1})
	put(t, s, model.PlacementKey("m1"), model.PlacementPlan{UID: "m1", Version: 1, CreatedAt: time.Now()})
	put(t, s, model.EndpointKey("m1", "0"), model.Endpoint{UID: "m1", ReplicaID: "0", Status: model.EndpointStatusReady, PlanVersion: 1})

	detail, err := GetModel(context.Background(), s, "m1", Config{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(detail.State).To(Equal(model.StateRunning))
	g.Expect(detail.Replicas).To(Equal(ReplicaCounts{Desired: 1, Ready: 1}))
}

func TestStateDegradedWhenSomeReplicasReady(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()
	put(t, s, model.SpecKey("m1"), model.Spec{UID: "m1", Name: "m1"})
	put(t, s, model.DeploymentKey("m1"), model.Deployment{UID: "m1", DesiredState: model.DesiredStateRunning, Replicas: 2})
	put(t, s, model.PlacementKey("m1"), model.PlacementPlan{UID: "m1", Version: 1, CreatedAt: time.Now()})
	put(t, s, model.EndpointKey("m1", "0"), model.Endpoint{UID: "m1", ReplicaID: "0", Status: model.EndpointStatusReady, PlanVersion: 1})

	detail, err := GetModel(context.Background(), s, "m1", Config{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(detail.State).To(Equal(model.StateDegraded))
}

func TestStateDownloadingWinsOverStarting(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()
	put(t, s, model.SpecKey("m1"), model.Spec{UID: "m1", Name: "m1"})
	put(t, s, model.DeploymentKey("m1"), model.Deployment{UID: "m1", DesiredState: model.DesiredStateRunning, Replicas: 1})
	put(t, s, model.DownloadProgressKey("m1", "0"), model.DownloadProgress{UID: "m1", ReplicaID: "0", Phase: model.PhaseDownloading})

	detail, err := GetModel(context.Background(), s, "m1", Config{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(detail.State).To(Equal(model.StateDownloading))
}

func TestStateStartingWhenPlanMissing(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()
	put(t, s, model.SpecKey("m1"), model.Spec{UID: "m1", Name: "m1"})
	put(t, s, model.DeploymentKey("m1"), model.Deployment{UID: "m1", DesiredState: model.DesiredStateRunning, Replicas: 1})

	detail, err := GetModel(context.Background(), s, "m1", Config{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(detail.State).To(Equal(model.StateStarting))
}

func TestStateFailedAfterThresholdWithNoEndpoints(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()
	put(t, s, model.SpecKey("m1"), model.Spec{UID: "m1", Name: "m1"})
	put(t, s, model.DeploymentKey("m1"), model.Deployment{UID: "m1", DesiredState: model.DesiredStateRunning, Replicas: 1})
	put(t, s, model.PlacementKey("m1"), model.PlacementPlan{UID: "m1", Version: 1, CreatedAt: time.Now().Add(-time.Hour)})

	detail, err := GetModel(context.Background(), s, "m1", Config{FailureThreshold: time.Minute})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(detail.State).To(Equal(model.StateFailed))
}

func TestListModelsSortedByUID(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()
	put(t, s, model.SpecKey("zeta"), model.Spec{UID: "zeta", Name: "zeta"})
	put(t, s, model.SpecKey("alpha"), model.Spec{UID: "alpha", Name: "alpha"})

	summaries, err := ListModels(context.Background(), s, Config{})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(summaries).To(HaveLen(2))
	g.Expect(summaries[0].UID).To(Equal("alpha"))
	g.Expect(summaries[1].UID).To(Equal("zeta"))
}

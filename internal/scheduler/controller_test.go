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
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

func putNode(t *testing.T, s store.Store, n model.NodeStatus) {
	t.Helper()
	data, err := json.Marshal(n)
	if err != nil {
		t.Fatal(err)
	}
	kv, ok, _ := s.Get(context.Background(), model.NodeStatusKey(n.NodeID))
	expected := int64(0)
	if ok {
		expected = kv.Revision
	}
	if _, err := s.Put(context.Background(), model.NodeStatusKey(n.NodeID), data, expected); err != nil {
		t.Fatal(err)
	}
}

func putSpec(t *testing.T, s store.Store, spec model.Spec) {
	t.Helper()
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(context.Background(), model.SpecKey(spec.UID), data, 0); err != nil {
		t.Fatal(err)
	}
}

func putDeployment(t *testing.T, s store.Store, dep model.Deployment) {
	t.Helper()
	data, err := json.Marshal(dep)
	if err != nil {
		t.Fatal(err)
	}
	kv, ok, _ := s.Get(context.Background(), model.DeploymentKey(dep.UID))
	expected := int64(0)
	if ok {
		expected = kv.Revision
	}
	if _, err := s.Put(context.Background(), model.DeploymentKey(dep.UID), data, expected); err != nil {
		t.Fatal(err)
	}
}

func getPlan(t *testing.T, s store.Store, uid string) (model.PlacementPlan, bool) {
	t.Helper()
	kv, ok, err := s.Get(context.Background(), model.PlacementKey(uid))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return model.PlacementPlan{}, false
	}
	var plan model.PlacementPlan
	if err := json.Unmarshal(kv.Value, &plan); err != nil {
		t.Fatal(err)
	}
	return plan, true
}

func TestReconcileDeploymentWritesPlacement(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()

	putNode(t, s, model.NodeStatus{NodeID: "node-a", LastHeartbeat: time.Now(), GPUs: []model.GPUInfo{gpu(0, 24000, 0)}})
	putSpec(t, s, model.Spec{UID: "model-a", Name: "model-a", EngineType: "vllm", DockerImage: "vllm/vllm-openai:latest", Config: model.EngineConfig{TensorParallelSize: 1}})
	putDeployment(t, s, model.Deployment{UID: "model-a", DesiredState: model.DesiredStateRunning, Replicas: 1, Version: 1})

	ctrl := New(s, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx, 2)

	g.Eventually(func() bool {
		_, ok := getPlan(t, s, "model-a")
		return ok
	}, time.Second, 10*time.Millisecond).Should(BeTrue())

	plan, _ := getPlan(t, s, "model-a")
	g.Expect(plan.Assignments).To(HaveLen(1))
	g.Expect(plan.Assignments[0].NodeID).To(Equal("node-a"))
}

func TestReconcileStoppedDeploymentDeletesPlacement(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()

	putNode(t, s, model.NodeStatus{NodeID: "node-a", LastHeartbeat: time.Now(), GPUs: []model.GPUInfo{gpu(0, 24000, 0)}})
	putSpec(t, s, model.Spec{UID: "model-a", Name: "model-a", EngineType: "vllm", Config: model.EngineConfig{TensorParallelSize: 1}})
	putDeployment(t, s, model.Deployment{UID: "model-a", DesiredState: model.DesiredStateRunning, Replicas: 1, Version: 1})

	ctrl := New(s, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx, 2)

	g.Eventually(func() bool {
		_, ok := getPlan(t, s, "model-a")
		return ok
	}, time.Second, 10*time.Millisecond).Should(BeTrue())

	putDeployment(t, s, model.Deployment{UID: "model-a", DesiredState: model.DesiredStateStopped, Replicas: 1, Version: 2})

	g.Eventually(func() bool {
		_, ok := getPlan(t, s, "model-a")
		return !ok
	}, time.Second, 10*time.Millisecond).Should(BeTrue())
}

func TestDeploymentWinsOverLegacyOnOverlap(t *testing.T) {
	g := NewWithT(t)
	s := store.NewMemStore()
	defer s.Close()

	putNode(t, s, model.NodeStatus{NodeID: "node-a", LastHeartbeat: time.Now(), GPUs: []model.GPUInfo{gpu(0, 24000, 0), gpu(1, 24000, 0)}})
	putSpec(t, s, model.Spec{UID: "model-a", Name: "model-a", EngineType: "vllm", Config: model.EngineConfig{TensorParallelSize: 1}})

	legacy := model.LegacyRequest{UID: "model-a", EngineType: "legacy-engine", Replicas: 1, Status: model.LegacyStatus{Phase: model.LegacyPhaseRunning}}
	data, err := json.Marshal(legacy)
	g.Expect(err).NotTo(HaveOccurred())
	_, err = s.Put(context.Background(), model.LegacyRequestKey("model-a"), data, 0)
	g.Expect(err).NotTo(HaveOccurred())

	putDeployment(t, s, model.Deployment{UID: "model-a", DesiredState: model.DesiredStateRunning, Replicas: 1, Version: 1})

	ctrl := New(s, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx, 2)

	g.Eventually(func() bool {
		plan, ok := getPlan(t, s, "model-a")
		return ok && plan.Assignments[0].EngineType == "vllm"
	}, time.Second, 10*time.Millisecond).Should(BeTrue())
}

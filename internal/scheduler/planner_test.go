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
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/model"
)

func gpu(index int, totalMB, usedMB int64) model.GPUInfo {
	return model.GPUInfo{Index: index, TotalMemoryMB: totalMB, UsedMemoryMB: usedMB}
}

func twoNodeInput(now time.Time) Input {
	return Input{
		Now:                now,
		HeartbeatThreshold: 10 * time.Second,
		Nodes: []model.NodeStatus{
			{NodeID: "node-b", LastHeartbeat: now, GPUs: []model.GPUInfo{gpu(0, 24000, 0), gpu(1, 24000, 0)}},
			{NodeID: "node-a", LastHeartbeat: now, GPUs: []model.GPUInfo{gpu(0, 24000, 0), gpu(1, 24000, 0)}},
		},
	}
}

func TestPlanPicksLowestNodeIDFirst(t *testing.T) {
	g := NewWithT(t)
	now := time.Now()
	assignments, err := Plan(twoNodeInput(now), Request{Replicas: 1, TensorParallelSize: 1})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(assignments).To(HaveLen(1))
	g.Expect(assignments[0].NodeID).To(Equal("node-a"))
	g.Expect(assignments[0].GPUIndices).To(Equal([]int{0}))
}

func TestPlanSelectsContiguousGPUSet(t *testing.T) {
	g := NewWithT(t)
	now := time.Now()
	input := Input{
		Now:                now,
		HeartbeatThreshold: 10 * time.Second,
		Nodes: []model.NodeStatus{
			{NodeID: "node-a", LastHeartbeat: now, GPUs: []model.GPUInfo{gpu(0, 24000, 24000), gpu(1, 24000, 0), gpu(2, 24000, 0), gpu(3, 24000, 24000)}},
		},
	}
	assignments, err := Plan(input, Request{Replicas: 1, TensorParallelSize: 2})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(assignments[0].GPUIndices).To(Equal([]int{1, 2}))
}

func TestPlanExcludesStaleNodes(t *testing.T) {
	g := NewWithT(t)
	now := time.Now()
	input := Input{
		Now:                now,
		HeartbeatThreshold: 10 * time.Second,
		Nodes: []model.NodeStatus{
			{NodeID: "node-stale", LastHeartbeat: now.Add(-time.Minute), GPUs: []model.GPUInfo{gpu(0, 24000, 0)}},
		},
	}
	_, err := Plan(input, Request{Replicas: 1, TensorParallelSize: 1})
	g.Expect(err).To(MatchError(apierrors.ErrCapacityUnavailable))
}

func TestPlanFailsWhenReplicasExceedCapacity(t *testing.T) {
	g := NewWithT(t)
	now := time.Now()
	_, err := Plan(twoNodeInput(now), Request{Replicas: 5, TensorParallelSize: 1})
	g.Expect(err).To(MatchError(apierrors.ErrCapacityUnavailable))
}

func TestPlanHonorsNodeAffinityAsHardConstraint(t *testing.T) {
	g := NewWithT(t)
	now := time.Now()
	_, err := Plan(twoNodeInput(now), Request{Replicas: 1, TensorParallelSize: 1, NodeAffinity: "node-missing"})
	g.Expect(err).To(MatchError(apierrors.ErrCapacityUnavailable))

	assignments, err := Plan(twoNodeInput(now), Request{Replicas: 1, TensorParallelSize: 1, NodeAffinity: "node-b"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(assignments[0].NodeID).To(Equal("node-b"))
}

func TestPlanHonorsGPUAffinityAsHardConstraint(t *testing.T) {
	g := NewWithT(t)
	now := time.Now()
	input := Input{
		Now:                now,
		HeartbeatThreshold: 10 * time.Second,
		Nodes: []model.NodeStatus{
			{NodeID: "node-a", LastHeartbeat: now, GPUs: []model.GPUInfo{gpu(0, 24000, 0), gpu(1, 24000, 24000)}},
		},
	}
	_, err := Plan(input, Request{Replicas: 1, TensorParallelSize: 1, GPUAffinity: []int{1}})
	g.Expect(err).To(MatchError(apierrors.ErrCapacityUnavailable))

	assignments, err := Plan(input, Request{Replicas: 1, TensorParallelSize: 1, GPUAffinity: []int{0}})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(assignments[0].GPUIndices).To(Equal([]int{0}))
}

func TestPlanHonorsReservedFromOtherModels(t *testing.T) {
	g := NewWithT(t)
	now := time.Now()
	input := Input{
		Now:                now,
		HeartbeatThreshold: 10 * time.Second,
		Nodes: []model.NodeStatus{
			{NodeID: "node-a", LastHeartbeat: now, GPUs: []model.GPUInfo{gpu(0, 24000, 0)}},
		},
		Reserved: map[string]map[int]int64{"node-a": {0: 1 << 40}},
	}
	_, err := Plan(input, Request{Replicas: 1, TensorParallelSize: 1})
	g.Expect(err).To(MatchError(apierrors.ErrCapacityUnavailable))
}

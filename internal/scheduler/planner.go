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

// Package scheduler is the single logical writer of /placements/: it
// watches /deployments/ (and, at lower priority, the legacy
// request-driven prefix), runs the IdleFirst placement planner, and
// writes plans under CAS. Grounded on spec.md §4.5; the CAS-retry
// discipline generalizes client-go/util/retry, the same package the
// teacher's vllmruntime_controller.go status updates use.
package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// Request is the effective placement request for one model's deployment:
// requested replica count, hard affinity constraints, and the engine
// parameters every resulting Assignment carries.
type Request struct {
	Replicas           int
	TensorParallelSize int
	NodeAffinity       string
	GPUAffinity        []int
	EngineType         string
	DockerImage        string
	Config             model.EngineConfig
}

// Input is everything the planner needs about current cluster state.
type Input struct {
	Nodes              []model.NodeStatus
	Now                time.Time
	HeartbeatThreshold time.Duration
	// Reserved is additional GPU memory (MB), beyond what NodeStatus
	// already reports as used, claimed by other models' current
	// PlacementPlans. Keyed by node ID then GPU index. The uid being
	// replanned must not appear here — its own prior reservation is
	// being replaced, not added to.
	Reserved map[string]map[int]int64
}

// Plan runs the IdleFirst algorithm: nodes are considered in ascending ID
// order, GPUs within a node in ascending index order, giving a
// deterministic tie-break. Returns apierrors.ErrCapacityUnavailable if any
// replica cannot be placed, including when a hard node/gpu affinity
// constraint cannot be satisfied.
func Plan(input Input, req Request) ([]model.Assignment, error) {
	tp := req.TensorParallelSize
	if tp <= 0 {
		tp = 1
	}

	candidates := recentNodes(input.Nodes, input.Now, input.HeartbeatThreshold)
	if req.NodeAffinity != "" {
		candidates = filterByID(candidates, req.NodeAffinity)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].NodeID < candidates[j].NodeID })

	reserved := cloneReserved(input.Reserved)
	assignments := make([]model.Assignment, 0, req.Replicas)

	for i := 0; i < req.Replicas; i++ {
		nodeID, gpuIndices, err := selectPlacement(candidates, reserved, tp, req.GPUAffinity)
		if err != nil {
			return nil, err
		}
		reserveGPUs(candidates, reserved, nodeID, gpuIndices)
		assignments = append(assignments, model.Assignment{
			ReplicaID:   fmt.Sprintf("%d", i),
			NodeID:      nodeID,
			GPUIndices:  gpuIndices,
			EngineType:  req.EngineType,
			DockerImage: req.DockerImage,
			Config:      req.Config,
		})
	}
	return assignments, nil
}

func recentNodes(nodes []model.NodeStatus, now time.Time, threshold time.Duration) []model.NodeStatus {
	if threshold <= 0 {
		threshold = 10 * time.Second
	}
	out := make([]model.NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		if now.Sub(n.LastHeartbeat) <= threshold {
			out = append(out, n)
		}
	}
	return out
}

func filterByID(nodes []model.NodeStatus, id string) []model.NodeStatus {
	for _, n := range nodes {
		if n.NodeID == id {
			return []model.NodeStatus{n}
		}
	}
	return nil
}

func cloneReserved(in map[string]map[int]int64) map[string]map[int]int64 {
	out := make(map[string]map[int]int64, len(in))
	for node, byGPU := range in {
		cp := make(map[int]int64, len(byGPU))
		for idx, mb := range byGPU {
			cp[idx] = mb
		}
		out[node] = cp
	}
	return out
}

// freeMB returns a GPU's free memory after subtracting both its own
// reported usage and reservations from other models' current plans.
func freeMB(gpu model.GPUInfo, reserved map[int]int64) int64 {
	free := gpu.TotalMemoryMB - gpu.UsedMemoryMB - reserved[gpu.Index]
	if free < 0 {
		return 0
	}
	return free
}

// selectPlacement finds the first node (in the already-sorted candidate
// order) offering a usable GPU set: gpuAffinity if set (an exact,
// unordered set of indices, all of which must be free and present), else
// the first contiguous run of tp GPU indices with nonzero free memory.
func selectPlacement(candidates []model.NodeStatus, reserved map[string]map[int]int64, tp int, gpuAffinity []int) (string, []int, error) {
	for _, node := range candidates {
		byGPU := reserved[node.NodeID]
		sorted := append([]model.GPUInfo(nil), node.GPUs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

		if len(gpuAffinity) > 0 {
			if indices, ok := matchAffinity(sorted, byGPU, gpuAffinity); ok {
				return node.NodeID, indices, nil
			}
			continue
		}
		if indices, ok := contiguousFree(sorted, byGPU, tp); ok {
			return node.NodeID, indices, nil
		}
	}
	return "", nil, fmt.Errorf("%w: no node offers %d free GPU(s) satisfying the placement constraints", apierrors.ErrCapacityUnavailable, tp)
}

func matchAffinity(gpus []model.GPUInfo, reserved map[int]int64, want []int) ([]int, bool) {
	byIndex := make(map[int]model.GPUInfo, len(gpus))
	for _, g := range gpus {
		byIndex[g.Index] = g
	}
	indices := append([]int(nil), want...)
	sort.Ints(indices)
	for _, idx := range indices {
		gpu, ok := byIndex[idx]
		if !ok || freeMB(gpu, reserved) <= 0 {
			return nil, false
		}
	}
	return indices, true
}

func contiguousFree(gpus []model.GPUInfo, reserved map[int]int64, tp int) ([]int, bool) {
	if len(gpus) < tp {
		return nil, false
	}
	for start := 0; start+tp <= len(gpus); start++ {
		window := gpus[start : start+tp]
		if !isContiguousIndices(window) {
			continue
		}
		ok := true
		for _, g := range window {
			if freeMB(g, reserved) <= 0 {
				ok = false
				break
			}
		}
		if ok {
			indices := make([]int, tp)
			for i, g := range window {
				indices[i] = g.Index
			}
			return indices, true
		}
	}
	return nil, false
}

func isContiguousIndices(gpus []model.GPUInfo) bool {
	for i := 1; i < len(gpus); i++ {
		if gpus[i].Index != gpus[i-1].Index+1 {
			return false
		}
	}
	return true
}

// reserveGPUs marks gpuIndices on nodeID as fully occupied in reserved so
// the next replica in this same Plan call cannot double-book them.
func reserveGPUs(candidates []model.NodeStatus, reserved map[string]map[int]int64, nodeID string, gpuIndices []int) {
	byGPU := reserved[nodeID]
	if byGPU == nil {
		byGPU = make(map[int]int64)
		reserved[nodeID] = byGPU
	}
	var total model.NodeStatus
	for _, n := range candidates {
		if n.NodeID == nodeID {
			total = n
			break
		}
	}
	totalByIndex := make(map[int]int64, len(total.GPUs))
	for _, g := range total.GPUs {
		totalByIndex[g.Index] = g.TotalMemoryMB
	}
	for _, idx := range gpuIndices {
		byGPU[idx] = totalByIndex[idx]
	}
}

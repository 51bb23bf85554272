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

// Package node implements the per-node reconciler: the state machine that
// turns a PlacementPlan assignment targeting this node into a running,
// healthy engine container, and the heartbeat/health-probe loops that
// publish this node's view of the world. Grounded on
// src/inference-engine-controller/controllers/inferenceengine_controller.go's
// phase-driven Reconcile, adapted from a Kubernetes object's .Status.Phase
// to an in-memory per-replica state machine since there is no API server
// object to carry status here.
package node

import (
	"time"

	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// ReplicaState is the per-replica state machine spec.md §4.4 defines.
type ReplicaState string

const (
	StateAbsent    ReplicaState = "Absent"
	StatePreparing ReplicaState = "Preparing"
	StateStarting  ReplicaState = "Starting"
	StateReady     ReplicaState = "Ready"
	StateUnhealthy ReplicaState = "Unhealthy"
	StateStopping  ReplicaState = "Stopping"
	StateFailed    ReplicaState = "Failed"
)

// replicaKey identifies one locally-assigned replica.
type replicaKey struct {
	uid       string
	replicaID string
}

func (k replicaKey) String() string { return k.uid + "/" + k.replicaID }

// replica tracks everything the reconciler needs to remember between
// reconcile passes for one local replica. Not safe for concurrent use;
// always accessed under Controller.mu.
type replica struct {
	key         replicaKey
	state       ReplicaState
	planVersion int64
	assignment  assignmentView
	// assigned reports whether this replicaKey appears in the most
	// recently observed PlacementPlan for its uid. Set by applyPlan.
	assigned bool

	containerID string
	address     string

	consecutiveFails int
	lastFailureAt    time.Time
	lastRestartAt    time.Time
	failureReason    string
}

// assignmentView is the subset of model.Assignment plus the owning plan's
// version that the reconciler needs, copied out of the live plan index so
// reconcile logic never reads the shared index map without the lock. The
// owning Spec is looked up live via Controller.specFor instead of being
// snapshotted here, since /models/ and /placements/ are watched
// independently and either can refresh first.
type assignmentView struct {
	planVersion int64
	assignment  model.Assignment
}

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
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

func TestNodeSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Node Reconciler Suite")
}

var _ = Describe("Node Reconciler", func() {
	var (
		s       store.Store
		runtime *fakeRuntime
		ctrl    *Controller
		ctx     context.Context
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		s = store.NewMemStore()
		runtime = &fakeRuntime{}
		ctrl = newTestController(GinkgoT(), s, runtime, fakeProber{})
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		s.Close()
	})

	Context("when a replica's probe fails past the threshold", func() {
		It("publishes unhealthy then restarts after the cooldown", func() {
			spec := localModelSpec(GinkgoT(), "model-health")
			putSpec(GinkgoT(), s, spec)
			putPlan(GinkgoT(), s, model.PlacementPlan{UID: "model-health", Version: 1, Assignments: []model.Assignment{
				{ReplicaID: "0", NodeID: "node-1", EngineType: "vllm", DockerImage: spec.DockerImage},
			}})

			failingProber := &toggleProber{fail: false}
			ctrl = newTestController(GinkgoT(), s, runtime, failingProber)
			ctrl.cfg.HeartbeatInterval = 20 * time.Millisecond
			go ctrl.Run(ctx, 2)

			Eventually(func() bool {
				kv, ok, _ := s.Get(context.Background(), model.EndpointKey("model-health", "0"))
				if !ok {
					return false
				}
				var ep model.Endpoint
				_ = json.Unmarshal(kv.Value, &ep)
				return ep.Status == model.EndpointStatusReady
			}, 2*time.Second, 10*time.Millisecond).Should(BeTrue())

			failingProber.setFail(true)

			Eventually(func() bool {
				kv, ok, _ := s.Get(context.Background(), model.EndpointKey("model-health", "0"))
				if !ok {
					return false
				}
				var ep model.Endpoint
				_ = json.Unmarshal(kv.Value, &ep)
				return ep.Status == model.EndpointStatusUnhealthy
			}, 2*time.Second, 10*time.Millisecond).Should(BeTrue())

			failingProber.setFail(false)

			Eventually(func() bool {
				kv, ok, _ := s.Get(context.Background(), model.EndpointKey("model-health", "0"))
				if !ok {
					return false
				}
				var ep model.Endpoint
				_ = json.Unmarshal(kv.Value, &ep)
				return ep.Status == model.EndpointStatusReady
			}, 2*time.Second, 10*time.Millisecond).Should(BeTrue())

			Expect(runtime.startCount).To(BeNumerically(">=", 2))
		})
	})

	Context("when this node's GPU inventory shrinks below a replica's assignment", func() {
		It("fails the replica and withdraws its endpoint", func() {
			key := replicaKey{uid: "model-gpu", replicaID: "0"}
			ctrl.replicas[key] = &replica{
				key:         key,
				state:       StateReady,
				containerID: "container-1",
				address:     "127.0.0.1:9001",
				assignment: assignmentView{
					assignment: model.Assignment{ReplicaID: "0", NodeID: "node-1", GPUIndices: []int{0, 1}},
				},
			}
			data, err := json.Marshal(model.Endpoint{UID: "model-gpu", ReplicaID: "0", NodeID: "node-1", Address: "127.0.0.1:9001", Status: model.EndpointStatusReady})
			Expect(err).NotTo(HaveOccurred())
			_, err = s.Put(context.Background(), model.EndpointKey("model-gpu", "0"), data, 0)
			Expect(err).NotTo(HaveOccurred())

			ctrl.checkGPUShrinkage(context.Background(), []model.GPUInfo{{Index: 0}})

			Expect(ctrl.replicas[key].state).To(Equal(StateFailed))
			_, ok, _ := s.Get(context.Background(), model.EndpointKey("model-gpu", "0"))
			Expect(ok).To(BeFalse())
		})
	})
})

// toggleProber lets a running spec flip probe outcomes mid-test, unlike
// fakeProber's fixed fail flag.
type toggleProber struct {
	fail bool
}

func (p *toggleProber) setFail(v bool) { p.fail = v }

func (p *toggleProber) Probe(ctx context.Context, address string) error {
	if p.fail {
		return context.DeadlineExceeded
	}
	return nil
}

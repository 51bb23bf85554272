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

package api

import (
	"context"
	"encoding/json"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/vllm-project/fleet-controlplane/internal/aggregation"
	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s := store.NewMemStore()
	t.Cleanup(func() { s.Close() })
	return New(s, aggregation.Config{}), s
}

func TestCreateModelAssignsUIDAndWritesRunningDeployment(t *testing.T) {
	g := NewWithT(t)
	svc, s := newService(t)

	spec, err := svc.CreateModel(context.Background(), model.CreateModelRequest{
		ModelName: "llama-3", Source: model.SourceHuggingFace, EngineType: "vllm",
		Replicas: 2, AutoStart: true,
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(spec.UID).NotTo(BeEmpty())

	kv, exists, err := s.Get(context.Background(), model.DeploymentKey(spec.UID))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(exists).To(BeTrue())
	var dep model.Deployment
	g.Expect(json.Unmarshal(kv.Value, &dep)).To(Succeed())
	g.Expect(dep.DesiredState).To(Equal(model.DesiredStateRunning))
}

func TestCreateModelZeroReplicasNormalizesToStopped(t *testing.T) {
	g := NewWithT(t)
	svc, s := newService(t)

	spec, err := svc.CreateModel(context.Background(), model.CreateModelRequest{
		ModelName: "llama-3", Source: model.SourceHuggingFace, EngineType: "vllm",
		Replicas: 0, AutoStart: true,
	})
	g.Expect(err).NotTo(HaveOccurred())

	kv, _, _ := s.Get(context.Background(), model.DeploymentKey(spec.UID))
	var dep model.Deployment
	g.Expect(json.Unmarshal(kv.Value, &dep)).To(Succeed())
	g.Expect(dep.DesiredState).To(Equal(model.DesiredStateStopped))
}

func TestCreateModelRejectsMissingModelPathForLocalSource(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newService(t)

	_, err := svc.CreateModel(context.Background(), model.CreateModelRequest{
		ModelName: "local-model", Source: model.SourceLocal, EngineType: "vllm",
	})
	g.Expect(err).To(MatchError(apierrors.ErrInvalid))
}

func TestScaleToZeroStopsDeployment(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newService(t)

	spec, err := svc.CreateModel(context.Background(), model.CreateModelRequest{
		ModelName: "m", Source: model.SourceHuggingFace, EngineType: "vllm",
		Replicas: 3, AutoStart: true,
	})
	g.Expect(err).NotTo(HaveOccurred())

	dep, err := svc.Scale(context.Background(), spec.UID, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dep.DesiredState).To(Equal(model.DesiredStateStopped))
	g.Expect(dep.Replicas).To(Equal(0))
}

func TestStopThenStartRoundTrips(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newService(t)

	spec, err := svc.CreateModel(context.Background(), model.CreateModelRequest{
		ModelName: "m", Source: model.SourceHuggingFace, EngineType: "vllm",
		Replicas: 1, AutoStart: true,
	})
	g.Expect(err).NotTo(HaveOccurred())

	dep, err := svc.Stop(context.Background(), spec.UID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dep.DesiredState).To(Equal(model.DesiredStateStopped))

	dep, err = svc.Start(context.Background(), spec.UID)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(dep.DesiredState).To(Equal(model.DesiredStateRunning))
}

func TestDeployFromTemplateCopiesTemplateFields(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newService(t)

	tpl, err := svc.CreateTemplate(context.Background(), model.UpdateTemplateRequest{
		Name: "vllm-a100", EngineType: "vllm", DockerImage: "vllm/vllm-openai:latest",
		Replicas: 2, Config: model.EngineConfig{TensorParallelSize: 2},
	})
	g.Expect(err).NotTo(HaveOccurred())

	spec, err := svc.DeployFromTemplate(context.Background(), tpl.ID, model.CreateModelRequest{
		ModelName: "llama-3", Source: model.SourceHuggingFace,
	})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(spec.EngineType).To(Equal("vllm"))
	g.Expect(spec.Config.TensorParallelSize).To(Equal(2))
}

func TestSaveModelAsTemplateThenDeleteTemplate(t *testing.T) {
	g := NewWithT(t)
	svc, _ := newService(t)

	spec, err := svc.CreateModel(context.Background(), model.CreateModelRequest{
		ModelName: "m", Source: model.SourceHuggingFace, EngineType: "vllm",
		Replicas: 4, AutoStart: true,
	})
	g.Expect(err).NotTo(HaveOccurred())

	tpl, err := svc.SaveModelAsTemplate(context.Background(), spec.UID, "saved-preset")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(tpl.Replicas).To(Equal(4))

	g.Expect(svc.DeleteTemplate(context.Background(), tpl.ID)).To(Succeed())
	_, err = svc.GetTemplate(context.Background(), tpl.ID)
	g.Expect(err).To(MatchError(apierrors.ErrNotFound))
}

func TestDeleteModelRemovesSpecDeploymentAndPlan(t *testing.T) {
	g := NewWithT(t)
	svc, s := newService(t)

	spec, err := svc.CreateModel(context.Background(), model.CreateModelRequest{
		ModelName: "m", Source: model.SourceHuggingFace, EngineType: "vllm",
	})
	g.Expect(err).NotTo(HaveOccurred())
	_, err = s.Put(context.Background(), model.PlacementKey(spec.UID), []byte("{}"), 0)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(svc.DeleteModel(context.Background(), spec.UID)).To(Succeed())

	_, exists, _ := s.Get(context.Background(), model.SpecKey(spec.UID))
	g.Expect(exists).To(BeFalse())
	_, exists, _ = s.Get(context.Background(), model.DeploymentKey(spec.UID))
	g.Expect(exists).To(BeFalse())
	_, exists, _ = s.Get(context.Background(), model.PlacementKey(spec.UID))
	g.Expect(exists).To(BeFalse())
}

func TestGetCacheSummaryAndListAlerts(t *testing.T) {
	g := NewWithT(t)
	svc, s := newService(t)

	put := func(key string, v any) {
		data, err := json.Marshal(v)
		g.Expect(err).NotTo(HaveOccurred())
		_, err = s.Put(context.Background(), key, data, 0)
		g.Expect(err).NotTo(HaveOccurred())
	}

	put(model.ModelCacheKey("node-a", "llama-3"), model.CacheEntry{
		NodeID: "node-a", ModelName: "llama-3", SizeBytes: 1000, Complete: true,
	})
	put(model.ModelCacheKey("node-b", "mistral"), model.CacheEntry{
		NodeID: "node-b", ModelName: "mistral", SizeBytes: 500, Complete: false,
	})
	put(model.AlertKey("node-a", string(model.AlertDiskWarning)), model.Alert{
		NodeID: "node-a", Type: model.AlertDiskWarning, UsedPct: 91,
	})

	summary, err := svc.GetCacheSummary(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(summary.TotalModels).To(Equal(2))
	g.Expect(summary.TotalSizeBytes).To(Equal(int64(1500)))
	g.Expect(summary.NodesReporting).To(Equal(2))
	g.Expect(summary.IncompleteCount).To(Equal(1))

	alerts, err := svc.ListAlerts(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(alerts).To(HaveLen(1))
	g.Expect(alerts[0].NodeID).To(Equal("node-a"))
}

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

package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/vllm-project/fleet-controlplane/internal/model"
)

func TestBuildArgsIncludesEngineConfig(t *testing.T) {
	g := NewWithT(t)
	spec := Spec{
		ModelName:  "Qwen/Qwen2.5-7B",
		Port:       8000,
		GPUIndices: []int{0, 1},
		Config: model.EngineConfig{
			TensorParallelSize:   2,
			MaxModelLen:          4096,
			EnablePrefixCaching:  true,
			EnableChunkedPrefill: false,
			MaxLoras:             2,
			EnableLoRA:           true,
		},
	}
	args := BuildArgs(spec)
	g.Expect(args).To(ContainElement("Qwen/Qwen2.5-7B"))
	g.Expect(args).To(ContainElement("--enable-lora"))
	g.Expect(args).To(ContainElement("--enable-prefix-caching"))
	g.Expect(args).To(ContainElement("--no-enable-chunked-prefill"))
	g.Expect(args).To(ContainElement("--tensor-parallel-size"))
	g.Expect(args).To(ContainElement("2"))
}

func TestBuildEnvIncludesGPUAndHFToken(t *testing.T) {
	g := NewWithT(t)
	spec := Spec{
		GPUIndices: []int{0, 2},
		HFToken:    "hf_abc",
		Config:     model.EngineConfig{Env: map[string]string{"FOO": "bar"}},
	}
	env := BuildEnv(spec)
	g.Expect(env).To(ContainElement("NVIDIA_VISIBLE_DEVICES=0,2"))
	g.Expect(env).To(ContainElement("HF_TOKEN=hf_abc"))
	g.Expect(env).To(ContainElement("FOO=bar"))
}

func TestParseEngineMetrics(t *testing.T) {
	g := NewWithT(t)
	text := []byte(`
# HELP num_requests_waiting pending requests
# TYPE num_requests_waiting gauge
num_requests_waiting 4
# HELP gpu_cache_usage_perc kv cache usage
# TYPE gpu_cache_usage_perc gauge
gpu_cache_usage_perc 0.73
# HELP prefix_cache_hit_rate prefix cache hit rate
# TYPE prefix_cache_hit_rate gauge
prefix_cache_hit_rate 0.42
`)
	pending, kv, prefix, err := ParseEngineMetrics(text)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(pending).To(Equal(4.0))
	g.Expect(kv).To(Equal(0.73))
	g.Expect(prefix).To(Equal(0.42))
}

func TestProberSucceedsOn2xx(t *testing.T) {
	g := NewWithT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	g.Expect(p.Probe(context.Background(), srv.URL)).To(Succeed())
}

func TestProberFailsOn5xx(t *testing.T) {
	g := NewWithT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	g.Expect(p.Probe(context.Background(), srv.URL)).To(HaveOccurred())
}

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

// Package engine models the engine-process interface spec.md §6 consumes
// as a black box: once launched with an HTTP port and model path, it
// exposes a readiness probe, Prometheus-format metrics, and an
// OpenAI-compatible inference surface. Here that process is a Docker
// container — the natural production shape on a shared GPU host — built
// the way the teacher's deploymentForVLLMRuntime turns a VLLMConfig into
// arguments and environment, retargeted from a Kubernetes container spec
// to a docker/docker/client container config.
package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// Spec is everything needed to start one replica's engine container.
type Spec struct {
	UID             string
	ReplicaID       string
	ModelName       string
	ModelPath       string
	EngineType      string
	DockerImage     string
	ImagePullPolicy string
	Port            int
	GPUIndices      []int
	Config          model.EngineConfig
	HFToken         string
}

// BuildArgs constructs the engine command-line arguments, mirroring
// buildVLLMArgsForNode's flag-by-flag construction from EngineConfig.
func BuildArgs(spec Spec) []string {
	args := []string{
		modelArg(spec),
		"--host", "0.0.0.0",
		"--port", fmt.Sprintf("%d", spec.Port),
	}

	cfg := spec.Config
	if cfg.EnableLoRA {
		args = append(args, "--enable-lora")
	}
	if cfg.EnableChunkedPrefill {
		args = append(args, "--enable-chunked-prefill")
	} else {
		args = append(args, "--no-enable-chunked-prefill")
	}
	if cfg.EnablePrefixCaching {
		args = append(args, "--enable-prefix-caching")
	} else {
		args = append(args, "--no-enable-prefix-caching")
	}
	if cfg.MaxModelLen > 0 {
		args = append(args, "--max-model-len", fmt.Sprintf("%d", cfg.MaxModelLen))
	}
	if cfg.DType != "" {
		args = append(args, "--dtype", cfg.DType)
	}
	if len(spec.GPUIndices) > 0 {
		args = append(args, "--tensor-parallel-size", fmt.Sprintf("%d", len(spec.GPUIndices)))
	}
	if cfg.MaxNumSeqs > 0 {
		args = append(args, "--max-num-seqs", fmt.Sprintf("%d", cfg.MaxNumSeqs))
	}
	if cfg.GPUMemoryUtilization != "" {
		args = append(args, "--gpu-memory-utilization", cfg.GPUMemoryUtilization)
	}
	if cfg.MaxLoras > 0 {
		args = append(args, "--max-loras", fmt.Sprintf("%d", cfg.MaxLoras))
	}
	if cfg.ChatTemplate != "" {
		args = append(args, "--chat-template", cfg.ChatTemplate)
	}
	if cfg.KVTransfer != nil && cfg.KVTransfer.KVConnector != "" {
		args = append(args, "--kv-transfer-config", kvTransferJSON(cfg.KVTransfer))
	}
	args = append(args, cfg.ExtraArgs...)
	return args
}

func modelArg(spec Spec) string {
	if spec.ModelPath != "" {
		return spec.ModelPath
	}
	return spec.ModelName
}

func kvTransferJSON(kv *model.KVTransferConfig) string {
	raw, err := json.Marshal(kv)
	if err != nil {
		return fmt.Sprintf(`{"kv_connector":%q,"kv_role":%q}`, kv.KVConnector, kv.KVRole)
	}
	return string(raw)
}

// BuildEnv constructs the environment variables for the engine container:
// NVIDIA_VISIBLE_DEVICES from the assigned GPU set, the per-engine Env
// overrides, and HF_TOKEN if a secret is configured — mirroring the
// teacher's SecretKeyRef-sourced HF_TOKEN injection, adapted since there
// is no Kubernetes Secret object here (the token is resolved by the node
// daemon's own config before Spec is built).
func BuildEnv(spec Spec) []string {
	var env []string
	if len(spec.GPUIndices) > 0 {
		env = append(env, fmt.Sprintf("NVIDIA_VISIBLE_DEVICES=%s", joinInts(spec.GPUIndices)))
	}
	if spec.Config.KVTransfer != nil {
		env = append(env, "VLLM_USE_V1=1")
	}
	keys := make([]string, 0, len(spec.Config.Env))
	for k := range spec.Config.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, spec.Config.Env[k]))
	}
	if spec.HFToken != "" {
		env = append(env, fmt.Sprintf("HF_TOKEN=%s", spec.HFToken))
	}
	return env
}

func joinInts(xs []int) string {
	out := ""
	for i, x := range xs {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", x)
	}
	return out
}

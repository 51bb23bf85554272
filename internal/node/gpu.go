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
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// GPUInventory reports the GPU devices present on this node. A thin
// interface so the heartbeat loop is testable without a GPU-equipped host.
type GPUInventory interface {
	Inventory(ctx context.Context) ([]model.GPUInfo, error)
}

// NvidiaSMIInventory shells out to nvidia-smi, the same os/exec discipline
// internal/cache/download.go uses for huggingface-cli/modelscope: no Cgo
// binding to NVML is in the retrieval pack, so the CLI's CSV query mode is
// the idiomatic way to reach per-GPU telemetry.
type NvidiaSMIInventory struct{}

func (NvidiaSMIInventory) Inventory(ctx context.Context) ([]model.GPUInfo, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,memory.total,memory.used,temperature.gpu,utilization.gpu",
		"--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return parseNvidiaSMI(out.String()), nil
}

func parseNvidiaSMI(text string) []model.GPUInfo {
	var gpus []model.GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		total, _ := strconv.ParseInt(fields[1], 10, 64)
		used, _ := strconv.ParseInt(fields[2], 10, 64)
		temp, _ := strconv.ParseFloat(fields[3], 64)
		util, _ := strconv.ParseFloat(fields[4], 64)
		gpus = append(gpus, model.GPUInfo{
			Index:          idx,
			TotalMemoryMB:  total,
			UsedMemoryMB:   used,
			TemperatureC:   temp,
			UtilizationPct: util,
		})
	}
	return gpus
}

// NoGPUInventory always reports zero devices, for CPU-only nodes and tests.
type NoGPUInventory struct{}

func (NoGPUInventory) Inventory(context.Context) ([]model.GPUInfo, error) {
	return nil, nil
}

var _ GPUInventory = NvidiaSMIInventory{}
var _ GPUInventory = NoGPUInventory{}

// gpuInventoryTimeout bounds how long a single nvidia-smi call may block
// the heartbeat loop.
const gpuInventoryTimeout = 5 * time.Second

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

package model

import "time"

// Source identifies where a model's weights come from.
type Source string

const (
	SourceHuggingFace Source = "huggingface"
	SourceModelScope  Source = "modelscope"
	SourceLocal       Source = "local"
)

// DesiredState is the runtime intent carried by a Deployment.
type DesiredState string

const (
	DesiredStateRunning DesiredState = "running"
	DesiredStateStopped DesiredState = "stopped"
)

// EndpointStatus is the lifecycle state an Endpoint's owning node publishes.
type EndpointStatus string

const (
	EndpointStatusReady     EndpointStatus = "ready"
	EndpointStatusUnhealthy EndpointStatus = "unhealthy"
	// EndpointStatusDraining marks an endpoint that continues to serve
	// in-flight requests but must not be selected for new ones. See
	// DESIGN.md's decision on spec.md §9's open /drain question.
	EndpointStatusDraining EndpointStatus = "draining"
)

// AggregatedState is the single computed state of a model exposed by the
// aggregation service.
type AggregatedState string

const (
	StateStopped     AggregatedState = "Stopped"
	StateDownloading AggregatedState = "Downloading"
	StateStarting    AggregatedState = "Starting"
	StateRunning     AggregatedState = "Running"
	StateDegraded    AggregatedState = "Degraded"
	StateFailed      AggregatedState = "Failed"
	StateStopping    AggregatedState = "Stopping"
)

// DownloadPhase is the phase field of a DownloadProgress record.
type DownloadPhase string

const (
	PhaseDownloading DownloadPhase = "downloading"
	PhaseVerifying   DownloadPhase = "verifying"
	PhaseComplete    DownloadPhase = "complete"
	PhaseFailed      DownloadPhase = "failed"
)

// EngineConfig holds the per-engine knobs a vLLM/SGLang replica needs.
// Supplemented from the teacher's VLLMConfig/ModelSpec/LMCacheConfig
// shapes: spec.md left these implicit inside "config".
type EngineConfig struct {
	TensorParallelSize   int               `json:"tensor_parallel_size,omitempty"`
	GPUMemoryUtilization string            `json:"gpu_memory_utilization,omitempty"`
	MaxModelLen          int               `json:"max_model_len,omitempty"`
	MaxNumSeqs           int               `json:"max_num_seqs,omitempty"`
	DType                string            `json:"dtype,omitempty"`
	EnablePrefixCaching  bool              `json:"enable_prefix_caching,omitempty"`
	EnableChunkedPrefill bool              `json:"enable_chunked_prefill,omitempty"`
	EnableLoRA           bool              `json:"enable_lora,omitempty"`
	MaxLoras             int               `json:"max_loras,omitempty"`
	ChatTemplate         string            `json:"chat_template,omitempty"`
	ExtraArgs            []string          `json:"extra_args,omitempty"`
	Env                  map[string]string `json:"env,omitempty"`
	KVTransfer           *KVTransferConfig `json:"kv_transfer_config,omitempty"`
}

// KVTransferConfig is the supplemented LMCache-style configuration needed
// by the router's LeastKvCache/PrefixCacheAware strategies.
type KVTransferConfig struct {
	KVConnector            string `json:"kv_connector,omitempty"`
	KVRole                 string `json:"kv_role,omitempty"`
	CPUOffloadingBufferSize string `json:"cpu_offloading_buffer_size,omitempty"`
}

// Spec is a model's persistent identity and default config, independent
// of running state. Stored at /models/{uid}/spec.
type Spec struct {
	UID             string            `json:"uid"`
	Name            string            `json:"name"`
	Source          Source            `json:"source"`
	ModelPath       string            `json:"model_path,omitempty"`
	EngineType      string            `json:"engine_type"`
	DockerImage     string            `json:"docker_image,omitempty"`
	ImagePullPolicy string            `json:"image_pull_policy,omitempty"`
	HFTokenSecret   string            `json:"hf_token_secret_name,omitempty"`
	Config          EngineConfig      `json:"config"`
	Labels          map[string]string `json:"labels,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Deployment is the declared runtime intent for a model: run/stop,
// replicas, config overrides. Stored at /deployments/{uid}.
type Deployment struct {
	UID             string            `json:"uid"`
	DesiredState    DesiredState      `json:"desired_state"`
	Replicas        int               `json:"replicas"`
	ConfigOverrides map[string]any    `json:"config_overrides,omitempty"`
	NodeAffinity    string            `json:"node_affinity,omitempty"`
	GPUAffinity     []int             `json:"gpu_affinity,omitempty"`
	Version         int64             `json:"version"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Template is a reusable preset for creating models, independent of any
// particular model. Stored at /templates/{id}.
type Template struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	EngineType  string       `json:"engine_type"`
	DockerImage string       `json:"docker_image,omitempty"`
	Config      EngineConfig `json:"config"`
	Replicas    int          `json:"replicas"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Assignment is one replica's concrete placement within a PlacementPlan.
type Assignment struct {
	ReplicaID   string       `json:"replica_id"`
	NodeID      string       `json:"node_id"`
	GPUIndices  []int        `json:"gpu_indices"`
	EngineType  string       `json:"engine_type"`
	DockerImage string       `json:"docker_image"`
	Config      EngineConfig `json:"engine_config"`
}

// PlacementPlan is the scheduler's concrete choice of nodes and GPUs per
// replica, versioned monotonically. Stored at /placements/{uid}.
type PlacementPlan struct {
	UID         string       `json:"uid"`
	Version     int64        `json:"version"`
	Assignments []Assignment `json:"assignments"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Endpoint is one running, ready replica of a model, published by its
// owning node. Stored at /endpoints/{uid}/{replica}.
type Endpoint struct {
	UID           string         `json:"uid"`
	ReplicaID     string         `json:"replica_id"`
	NodeID        string         `json:"node_id"`
	Address       string         `json:"address"`
	Status        EndpointStatus `json:"status"`
	PlanVersion   int64          `json:"plan_version"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	DrainStartedAt *time.Time    `json:"drain_started_at,omitempty"`
}

// EndpointStats is the live load and cache metrics for one endpoint.
// Stored at /stats/{uid}/{replica}, refreshed each heartbeat.
type EndpointStats struct {
	UID                 string    `json:"uid"`
	ReplicaID           string    `json:"replica_id"`
	PendingRequests     int       `json:"pending_requests"`
	KVCacheUsed         float64   `json:"kv_cache_used"`
	KVCacheTotal        float64   `json:"kv_cache_total"`
	PrefixCacheHitRate  float64   `json:"prefix_cache_hit_rate"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// KVFraction returns kv_cache_used/(used+free) used by LeastKvCache and
// admission control. Returns 0 when no capacity has been reported yet.
func (s EndpointStats) KVFraction() float64 {
	if s.KVCacheTotal <= 0 {
		return 0
	}
	f := s.KVCacheUsed / s.KVCacheTotal
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// GPUInfo is one GPU device's inventory as reported by a node.
type GPUInfo struct {
	Index         int     `json:"index"`
	TotalMemoryMB int64   `json:"total_memory_mb"`
	UsedMemoryMB  int64   `json:"used_memory_mb"`
	TemperatureC  float64 `json:"temperature_c"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// NodeStatus is a node's heartbeat and GPU inventory. Stored at
// /nodes/{id}/status, leased, auto-expiring when the node stops
// heartbeating.
type NodeStatus struct {
	NodeID        string    `json:"node_id"`
	GPUs          []GPUInfo `json:"gpus"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// CacheEntry is one model's on-disk cache inventory on a node. Stored at
// /model_cache/{node}/{hash(name)}, rewritten on each scan.
type CacheEntry struct {
	NodeID    string    `json:"node_id"`
	ModelName string    `json:"model_name"`
	CachePath string    `json:"cache_path"`
	SizeBytes int64     `json:"size_bytes"`
	FileCount int       `json:"file_count"`
	Complete  bool      `json:"complete"`
	ScannedAt time.Time `json:"scanned_at"`
}

// DownloadProgress is in-flight download progress for one replica. Stored
// at /download_progress/{uid}/{replica} with a ~30s TTL; absence means
// "not downloading".
type DownloadProgress struct {
	UID             string        `json:"uid"`
	ReplicaID       string        `json:"replica_id"`
	DownloadedBytes int64         `json:"downloaded_bytes"`
	TotalBytes      int64         `json:"total_bytes"`
	FilesDone       int           `json:"files_done"`
	FilesTotal      int           `json:"files_total"`
	Phase           DownloadPhase `json:"phase"`
	Error           string        `json:"error,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// DiskStatus is the disk usage of a node's cache root. Stored at
// /node_disk/{node}, refreshed each heartbeat.
type DiskStatus struct {
	NodeID    string    `json:"node_id"`
	TotalBytes int64    `json:"total_bytes"`
	UsedBytes  int64    `json:"used_bytes"`
	FreeBytes  int64    `json:"free_bytes"`
	MeasuredAt time.Time `json:"measured_at"`
}

// UsedFraction returns used/total, or 0 if total is not yet known.
func (d DiskStatus) UsedFraction() float64 {
	if d.TotalBytes <= 0 {
		return 0
	}
	return float64(d.UsedBytes) / float64(d.TotalBytes)
}

// AlertType names a disk alert.
type AlertType string

const (
	AlertDiskWarning  AlertType = "disk_warning"
	AlertDiskCritical AlertType = "disk_critical"
)

// Alert is an active disk alert on a node. Stored at
// /alerts/{node}/{alert_type}, cleared when usage drops below threshold.
type Alert struct {
	NodeID    string    `json:"node_id"`
	Type      AlertType `json:"type"`
	UsedPct   float64   `json:"used_pct"`
	RaisedAt  time.Time `json:"raised_at"`
}

// LegacyRequest is the old request-driven shape the migration utility
// converts into a Spec + Deployment. Status mixes a bare string and a
// richer object in the source system, so it is modeled as a tagged
// variant below rather than a single Go field.
type LegacyRequest struct {
	UID         string            `json:"uid"`
	ModelName   string            `json:"model_name"`
	Source      Source            `json:"source"`
	ModelPath   string            `json:"model_path,omitempty"`
	EngineType  string            `json:"engine_type"`
	DockerImage string            `json:"docker_image,omitempty"`
	Config      EngineConfig      `json:"config"`
	Labels      map[string]string `json:"labels,omitempty"`
	Replicas    int               `json:"replicas"`
	Status      LegacyStatus      `json:"status"`
}

// LegacyStatus is spec.md §9's tagged variant
// (Pending | Scheduled | Running | Failed(reason) | Unloading | Unloaded),
// normalized at ingress from whatever mixed shape the legacy record used.
type LegacyStatus struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

const (
	LegacyPhasePending   = "Pending"
	LegacyPhaseScheduled = "Scheduled"
	LegacyPhaseRunning   = "Running"
	LegacyPhaseFailed    = "Failed"
	LegacyPhaseUnloading = "Unloading"
	LegacyPhaseUnloaded  = "Unloaded"
)

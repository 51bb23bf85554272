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

// Package model holds the canonical record shapes persisted in the Store,
// their key-prefix layout, and ingress validation. Every type here is a
// plain Go struct encoded with encoding/json: decoding into a struct that
// only declares known fields drops unrecognized ones automatically, which
// is the forward-compatibility guarantee the core requires.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Key prefixes, see §3 of the design: each maps 1:1 onto a Store prefix
// owned by exactly one writer.
const (
	PrefixSpecs            = "/models/"
	PrefixDeployments      = "/deployments/"
	PrefixTemplates        = "/templates/"
	PrefixPlacements       = "/placements/"
	PrefixEndpoints        = "/endpoints/"
	PrefixStats            = "/stats/"
	PrefixNodes            = "/nodes/"
	PrefixModelCache       = "/model_cache/"
	PrefixDownloadProgress = "/download_progress/"
	PrefixNodeDisk         = "/node_disk/"
	PrefixAlerts           = "/alerts/"
	PrefixLegacyRequests   = "/legacy_requests/"
	PrefixLeader           = "/leader/"
)

// SpecKey returns the key holding a model's Spec.
func SpecKey(uid string) string { return PrefixSpecs + uid + "/spec" }

// DeploymentKey returns the key holding a model's Deployment.
func DeploymentKey(uid string) string { return PrefixDeployments + uid }

// TemplateKey returns the key holding a Template.
func TemplateKey(id string) string { return PrefixTemplates + id }

// PlacementKey returns the key holding a model's PlacementPlan.
func PlacementKey(uid string) string { return PrefixPlacements + uid }

// EndpointKey returns the key holding one replica's Endpoint record.
func EndpointKey(uid, replicaID string) string {
	return fmt.Sprintf("%s%s/%s", PrefixEndpoints, uid, replicaID)
}

// EndpointPrefix returns the prefix covering every replica of uid.
func EndpointPrefix(uid string) string { return PrefixEndpoints + uid + "/" }

// StatsKey returns the key holding one replica's EndpointStats.
func StatsKey(uid, replicaID string) string {
	return fmt.Sprintf("%s%s/%s", PrefixStats, uid, replicaID)
}

// NodeStatusKey returns the key holding a node's heartbeat record.
func NodeStatusKey(nodeID string) string { return PrefixNodes + nodeID + "/status" }

// ModelCacheKey returns the key holding a node's cache entry for modelName.
func ModelCacheKey(nodeID, modelName string) string {
	return fmt.Sprintf("%s%s/%s", PrefixModelCache, nodeID, HashName(modelName))
}

// ModelCachePrefix returns the prefix covering every cache entry on nodeID.
func ModelCachePrefix(nodeID string) string { return PrefixModelCache + nodeID + "/" }

// DownloadProgressKey returns the key holding one replica's in-flight
// download progress.
func DownloadProgressKey(uid, replicaID string) string {
	return fmt.Sprintf("%s%s/%s", PrefixDownloadProgress, uid, replicaID)
}

// NodeDiskKey returns the key holding a node's disk-usage record.
func NodeDiskKey(nodeID string) string { return PrefixNodeDisk + nodeID }

// AlertKey returns the key holding one alert type on a node.
func AlertKey(nodeID, alertType string) string {
	return fmt.Sprintf("%s%s/%s", PrefixAlerts, nodeID, alertType)
}

// AlertPrefix returns the prefix covering every alert on nodeID.
func AlertPrefix(nodeID string) string { return PrefixAlerts + nodeID + "/" }

// LegacyRequestKey returns the key of a legacy request-driven record.
func LegacyRequestKey(uid string) string { return PrefixLegacyRequests + uid }

// LeaderKey returns the lease-backed key a singleton writer campaigns on.
func LeaderKey(role string) string { return PrefixLeader + role }

// HashName derives the short, filesystem- and key-safe hash used for
// /model_cache/{node}/{hash(name)} so model names containing "/" (e.g.
// "Qwen/Qwen2.5-7B") never leak path separators into a Store key.
func HashName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])[:16]
}

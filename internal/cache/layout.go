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

// Package cache is the per-node model-file cache manager: it maintains
// the truth about what is on local disk and mediates downloads (§4.3).
package cache

import (
	"os"
	"path/filepath"
	"strings"
)

// Layout names the on-disk convention a cached model uses. The chosen
// layout determines the canonical cache path and the marker files whose
// presence implies completeness.
type Layout string

const (
	LayoutHFHub      Layout = "hf-hub"
	LayoutModelScope Layout = "modelscope"
	LayoutBareDir    Layout = "bare-dir"
)

// hfMarkers is the set of files whose joint presence means an HF-hub-
// cached snapshot is complete: a config record plus a weight-index
// record (multi-shard) or a single safetensors file (small models).
var hfMarkers = []string{"config.json"}
var hfWeightMarkers = []string{
	"model.safetensors.index.json",
	"pytorch_model.bin.index.json",
	"model.safetensors",
	"pytorch_model.bin",
}

var modelScopeMarkers = []string{"configuration.json"}

// hfHubDirName mirrors huggingface_hub's cache-directory naming:
// models--{org}--{name}.
func hfHubDirName(modelName string) string {
	sanitized := strings.ReplaceAll(modelName, "/", "--")
	return "models--" + sanitized
}

// DetectLayout decides where modelName would live under root, in the
// preference order HF hub cache, ModelScope cache, bare directory — and
// whether the markers for "complete" are currently present.
func DetectLayout(root, modelName string) (path string, layout Layout, complete bool) {
	hfPath := filepath.Join(root, hfHubDirName(modelName), "snapshots")
	if snapshotDir, ok := latestSnapshot(hfPath); ok {
		if hasMarkers(snapshotDir, hfMarkers) && hasAnyMarker(snapshotDir, hfWeightMarkers) {
			return snapshotDir, LayoutHFHub, true
		}
		return snapshotDir, LayoutHFHub, false
	}

	msPath := filepath.Join(root, modelName)
	if dirExists(msPath) {
		complete := hasMarkers(msPath, modelScopeMarkers) && hasAnyMarker(msPath, hfWeightMarkers)
		return msPath, LayoutModelScope, complete
	}

	barePath := filepath.Join(root, strings.ReplaceAll(modelName, "/", "__"))
	complete = hasMarkers(barePath, hfMarkers) && hasAnyMarker(barePath, hfWeightMarkers)
	return barePath, LayoutBareDir, complete
}

func latestSnapshot(snapshotsDir string) (string, bool) {
	entries, err := os.ReadDir(snapshotsDir)
	if err != nil || len(entries) == 0 {
		return "", false
	}
	// huggingface_hub keeps one directory per commit hash; the first
	// directory in name order is returned. The refs/main pointer is not
	// consulted.
	for _, e := range entries {
		if e.IsDir() {
			return filepath.Join(snapshotsDir, e.Name()), true
		}
	}
	return "", false
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func hasMarkers(dir string, markers []string) bool {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m)); err != nil {
			return false
		}
	}
	return true
}

func hasAnyMarker(dir string, markers []string) bool {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
			return true
		}
	}
	return false
}

// measureDir walks dir, returning total size in bytes and file count. A
// missing directory is not an error: it returns zeros.
func measureDir(dir string) (sizeBytes int64, fileCount int) {
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil || info == nil {
			return nil
		}
		if !info.IsDir() {
			sizeBytes += info.Size()
			fileCount++
		}
		return nil
	})
	return sizeBytes, fileCount
}

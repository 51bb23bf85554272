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

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// expectedSizeFn looks up the total byte size of modelName's weight files
// before a download starts, so ensureRemote's pre-flight check (spec.md
// §4.3: "a pre-flight free-space check is mandatory") has something to
// compare against free bytes. The bool return is whether a size could be
// determined at all — a metadata-endpoint hiccup is "unknown", not
// "zero", so it never blocks a download that would otherwise fit.
type expectedSizeFn func(ctx context.Context, modelName string, source model.Source) (sizeBytes int64, ok bool)

const metadataLookupTimeout = 10 * time.Second

// hfModelInfo is the subset of huggingface.co/api/models/{id}?blobs=true
// this package needs: the per-file size list.
type hfModelInfo struct {
	Siblings []struct {
		Size int64 `json:"size"`
	} `json:"siblings"`
}

// modelScopeFileList is the subset of ModelScope's repo/files API response
// this package needs.
type modelScopeFileList struct {
	Data struct {
		Files []struct {
			Size int64 `json:"Size"`
		} `json:"Files"`
	} `json:"Data"`
}

// fetchExpectedSize queries the source's public model-metadata API for the
// sum of the files modelName will occupy on disk once downloaded. It is
// the default Manager.expectedSize; conservative by construction — any
// request, decode, or zero-total failure reports "unknown" rather than a
// guessed number, since an undercount would defeat the whole check.
func fetchExpectedSize(ctx context.Context, modelName string, source model.Source) (int64, bool) {
	switch source {
	case model.SourceHuggingFace:
		return fetchHFSize(ctx, modelName)
	case model.SourceModelScope:
		return fetchModelScopeSize(ctx, modelName)
	default:
		return 0, false
	}
}

func fetchHFSize(ctx context.Context, modelName string) (int64, bool) {
	url := fmt.Sprintf("https://huggingface.co/api/models/%s?blobs=true", modelName)
	var info hfModelInfo
	if !getJSON(ctx, url, &info) {
		return 0, false
	}
	var total int64
	for _, s := range info.Siblings {
		total += s.Size
	}
	if total == 0 {
		return 0, false
	}
	return total, true
}

func fetchModelScopeSize(ctx context.Context, modelName string) (int64, bool) {
	url := fmt.Sprintf("https://modelscope.cn/api/v1/models/%s/repo/files?Revision=master", modelName)
	var list modelScopeFileList
	if !getJSON(ctx, url, &list) {
		return 0, false
	}
	var total int64
	for _, f := range list.Data.Files {
		total += f.Size
	}
	if total == 0 {
		return 0, false
	}
	return total, true
}

func getJSON(ctx context.Context, url string, out any) bool {
	reqCtx, cancel := context.WithTimeout(ctx, metadataLookupTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return json.NewDecoder(resp.Body).Decode(out) == nil
}

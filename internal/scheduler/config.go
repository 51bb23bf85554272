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

package scheduler

import (
	"encoding/json"

	"github.com/vllm-project/fleet-controlplane/internal/model"
)

// mergeConfigOverrides overlays a Deployment's config_overrides onto a
// Spec's default EngineConfig, override winning per field. Both sides are
// round-tripped through their JSON shape rather than reflected over field
// by field, so a new EngineConfig field is covered automatically.
func mergeConfigOverrides(base model.EngineConfig, overrides map[string]any) model.EngineConfig {
	merged := map[string]any{}
	baseBytes, err := json.Marshal(base)
	if err == nil {
		_ = json.Unmarshal(baseBytes, &merged)
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := model.EngineConfig{}
	mergedBytes, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	if err := json.Unmarshal(mergedBytes, &out); err != nil {
		return base
	}
	return out
}

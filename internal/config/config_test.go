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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestLoadMissingFileAppliesDefaults(t *testing.T) {
	g := NewWithT(t)
	var cfg SchedulerConfig
	g.Expect(Load("", &cfg)).To(Succeed())
	g.Expect(cfg.ReconcileInterval).To(Equal(30 * time.Second))
	g.Expect(cfg.Store.Endpoints).To(Equal([]string{"127.0.0.1:2379"}))
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	g := NewWithT(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "node-agent.yaml")
	yamlContent := "node.id: node-a\nworkers: 8\nstore:\n  endpoints:\n  - etcd-0:2379\n  - etcd-1:2379\n"
	g.Expect(os.WriteFile(path, []byte(yamlContent), 0o644)).To(Succeed())

	var cfg NodeAgentConfig
	g.Expect(Load(path, &cfg)).To(Succeed())
	g.Expect(cfg.NodeID).To(Equal("node-a"))
	g.Expect(cfg.Workers).To(Equal(8))
	g.Expect(cfg.Store.Endpoints).To(Equal([]string{"etcd-0:2379", "etcd-1:2379"}))
	// untouched fields still get their defaults
	g.Expect(cfg.HeartbeatInterval).To(Equal(3 * time.Second))
}

func TestRouterConfigDefaults(t *testing.T) {
	g := NewWithT(t)
	var cfg RouterConfig
	g.Expect(Load("", &cfg)).To(Succeed())
	g.Expect(cfg.Strategy).To(Equal("least_pending"))
	g.Expect(cfg.OverloadKvThreshold).To(Equal(0.95))
}

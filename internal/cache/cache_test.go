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
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

func TestDetectLayoutBareDirComplete(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()
	modelDir := filepath.Join(root, "Qwen__Qwen2.5-7B")
	g.Expect(os.MkdirAll(modelDir, 0o755)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(modelDir, "config.json"), []byte("{}"), 0o644)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(modelDir, "model.safetensors"), []byte("x"), 0o644)).To(Succeed())

	path, layout, complete := DetectLayout(root, "Qwen/Qwen2.5-7B")
	g.Expect(layout).To(Equal(LayoutBareDir))
	g.Expect(complete).To(BeTrue())
	g.Expect(path).To(Equal(modelDir))
}

func TestDetectLayoutIncomplete(t *testing.T) {
	g := NewWithT(t)
	root := t.TempDir()
	_, _, complete := DetectLayout(root, "Qwen/Qwen2.5-7B")
	g.Expect(complete).To(BeFalse())
}

func TestEvaluateAlertHysteresis(t *testing.T) {
	g := NewWithT(t)
	g.Expect(evaluateAlert(0.86, 0.85, false)).To(BeTrue(), "raises strictly above threshold")
	g.Expect(evaluateAlert(0.85, 0.85, false)).To(BeFalse(), "does not raise exactly at threshold")
	g.Expect(evaluateAlert(0.84, 0.85, true)).To(BeTrue(), "holds within the hysteresis band")
	g.Expect(evaluateAlert(0.829, 0.85, true)).To(BeFalse(), "clears strictly below threshold minus band")
}

func TestEnsureLocalSource(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	s := store.NewMemStore()
	defer s.Close()

	dir := t.TempDir()
	g.Expect(os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644)).To(Succeed())

	mgr := NewManager(s, Config{NodeID: "n1", Root: t.TempDir()})
	res := mgr.Ensure(ctx, "uid1", "0", "whatever", model.SourceLocal, dir)
	g.Expect(res.Status).To(Equal(EnsureReady))
	g.Expect(res.Entry.Complete).To(BeTrue())

	res = mgr.Ensure(ctx, "uid1", "0", "whatever", model.SourceLocal, "/does/not/exist")
	g.Expect(res.Status).To(Equal(EnsureFailed))
}

func TestEnsureRemoteDedupsConcurrentDownloads(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	s := store.NewMemStore()
	defer s.Close()

	root := t.TempDir()
	mgr := NewManager(s, Config{NodeID: "n1", Root: root})
	mgr.expectedSize = func(ctx context.Context, modelName string, source model.Source) (int64, bool) {
		return 0, false
	}

	var calls int32
	mgr.downloadFn = func(ctx context.Context, modelName string, source model.Source, destPath string, progress progressFunc) error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(150 * time.Millisecond)
		g.Expect(os.MkdirAll(destPath, 0o755)).To(Succeed())
		g.Expect(os.WriteFile(filepath.Join(destPath, "config.json"), []byte("{}"), 0o644)).To(Succeed())
		g.Expect(os.WriteFile(filepath.Join(destPath, "model.safetensors"), []byte("x"), 0o644)).To(Succeed())
		progress(100, 100, 0, 0)
		return nil
	}

	var wg sync.WaitGroup
	results := make([]EnsureResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = mgr.Ensure(ctx, "uid1", "0", "Qwen/Qwen2.5-7B", model.SourceHuggingFace, "")
		}(i)
	}
	wg.Wait()

	g.Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)), "testable property #3: a second ensure() attaches to the first")
	for _, r := range results {
		g.Expect(r.Status).To(Equal(EnsureReady))
	}
}

func TestEnsureRemoteRefusesWhenExpectedSizeExceedsFreeBytes(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	s := store.NewMemStore()
	defer s.Close()

	root := t.TempDir()
	mgr := NewManager(s, Config{NodeID: "n1", Root: root})
	mgr.expectedSize = func(ctx context.Context, modelName string, source model.Source) (int64, bool) {
		return 1 << 62, true // far beyond any real free-byte count
	}
	var called bool
	mgr.downloadFn = func(ctx context.Context, modelName string, source model.Source, destPath string, progress progressFunc) error {
		called = true
		return nil
	}

	res := mgr.Ensure(ctx, "uid1", "0", "Qwen/Qwen2.5-7B", model.SourceHuggingFace, "")
	g.Expect(res.Status).To(Equal(EnsureFailed))
	g.Expect(res.Reason).To(ContainSubstring("insufficient disk space"))
	g.Expect(called).To(BeFalse(), "pre-flight check must refuse before downloadFn runs")
}

func TestScanOnceWritesAndPrunesStaleEntries(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	s := store.NewMemStore()
	defer s.Close()

	root := t.TempDir()
	modelDir := filepath.Join(root, "Qwen__Qwen2.5-7B")
	g.Expect(os.MkdirAll(modelDir, 0o755)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(modelDir, "config.json"), []byte("{}"), 0o644)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(modelDir, "model.safetensors"), []byte("x"), 0o644)).To(Succeed())

	mgr := NewManager(s, Config{NodeID: "n1", Root: root})

	entries, err := mgr.ScanOnce(ctx, []string{"Qwen/Qwen2.5-7B"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(entries).To(HaveLen(1))
	g.Expect(entries[0].Complete).To(BeTrue())

	kvs, err := s.ListPrefix(ctx, model.ModelCachePrefix("n1"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(kvs).To(HaveLen(1))

	// A model no longer in the known set is pruned on the next scan.
	_, err = mgr.ScanOnce(ctx, nil)
	g.Expect(err).NotTo(HaveOccurred())
	kvs, err = s.ListPrefix(ctx, model.ModelCachePrefix("n1"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(kvs).To(BeEmpty())
}

func TestReportDiskPublishesStatus(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	s := store.NewMemStore()
	defer s.Close()

	mgr := NewManager(s, Config{NodeID: "n1", Root: t.TempDir()})
	disk, err := mgr.ReportDisk(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(disk.TotalBytes).To(BeNumerically(">", 0))

	kv, ok, err := s.Get(ctx, model.NodeDiskKey("n1"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())
	g.Expect(kv.Value).NotTo(BeEmpty())
}

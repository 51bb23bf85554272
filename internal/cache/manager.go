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
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/vllm-project/fleet-controlplane/internal/apierrors"
	"github.com/vllm-project/fleet-controlplane/internal/logging"
	"github.com/vllm-project/fleet-controlplane/internal/model"
	"github.com/vllm-project/fleet-controlplane/internal/store"
)

// EnsureStatus is the outcome of Manager.Ensure, as a plain Go enum.
// Ensure blocks until any download it starts has finished, so it returns
// only EnsureReady or EnsureFailed; EnsureDownloading is never returned by
// Ensure, and in-flight progress is visible only through the
// /download_progress/ record.
type EnsureStatus string

const (
	EnsureReady       EnsureStatus = "ready"
	EnsureDownloading EnsureStatus = "downloading"
	EnsureFailed      EnsureStatus = "failed"
)

// EnsureResult is the return value of Manager.Ensure.
type EnsureResult struct {
	Status EnsureStatus
	Entry  model.CacheEntry
	Reason string
}

// Config configures a Manager.
type Config struct {
	NodeID           string
	Root             string
	ScanInterval     time.Duration
	DiskWarningPct   float64
	DiskCriticalPct  float64
	DownloadTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 60 * time.Second
	}
	if c.DiskWarningPct <= 0 {
		c.DiskWarningPct = 0.85
	}
	if c.DiskCriticalPct <= 0 {
		c.DiskCriticalPct = 0.95
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 2 * time.Hour
	}
}

// Manager is the per-node model cache manager (§4.3).
type Manager struct {
	cfg        Config
	s          store.Store
	sf         singleflight.Group
	downloadFn func(ctx context.Context, modelName string, source model.Source, destPath string, progress progressFunc) error
	// hubLimiter throttles how often this node starts a new remote
	// download, independent of the per-model singleflight dedup above —
	// it bounds how hard one node hammers the HF Hub/ModelScope API when
	// several distinct models are requested in a burst.
	hubLimiter *rate.Limiter
	// expectedSize backs the pre-flight free-space check in ensureRemote.
	// Overridable in tests; defaults to fetchExpectedSize.
	expectedSize expectedSizeFn
}

// NewManager constructs a Manager over s. cfg.Root must exist or be
// creatable; NewManager does not create it (the node daemon does, at
// startup, per its own misconfiguration-is-fatal policy).
func NewManager(s store.Store, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:          cfg,
		s:            s,
		downloadFn:   downloadWithRetry,
		hubLimiter:   rate.NewLimiter(rate.Every(2*time.Second), 1),
		expectedSize: fetchExpectedSize,
	}
}

// Ensure makes modelName present and complete in the local cache,
// downloading it if necessary, and returns once that download has
// finished or failed. Concurrent callers for the same modelName
// share one in-flight download via singleflight, directly implementing
// testable property #3.
func (m *Manager) Ensure(ctx context.Context, uid, replicaID, modelName string, source model.Source, explicitPath string) EnsureResult {
	if source == model.SourceLocal {
		return m.ensureLocal(explicitPath)
	}

	v, _, _ := m.sf.Do(modelName, func() (any, error) {
		return m.ensureRemote(ctx, uid, replicaID, modelName, source), nil
	})
	return v.(EnsureResult)
}

func (m *Manager) ensureLocal(path string) EnsureResult {
	if path == "" {
		return EnsureResult{Status: EnsureFailed, Reason: "source=local requires model_path"}
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return EnsureResult{Status: EnsureFailed, Reason: fmt.Sprintf("local model_path %q not accessible", path)}
	}
	size, files := measureDir(path)
	return EnsureResult{
		Status: EnsureReady,
		Entry: model.CacheEntry{
			NodeID: m.cfg.NodeID, ModelName: path, CachePath: path,
			SizeBytes: size, FileCount: files, Complete: true, ScannedAt: time.Now().UTC(),
		},
	}
}

func (m *Manager) ensureRemote(ctx context.Context, uid, replicaID, modelName string, source model.Source) EnsureResult {
	log := logging.FromContext(ctx).WithName("cache").WithValues("model", modelName)
	path, layout, complete := DetectLayout(m.cfg.Root, modelName)
	if complete {
		size, files := measureDir(path)
		return EnsureResult{Status: EnsureReady, Entry: model.CacheEntry{
			NodeID: m.cfg.NodeID, ModelName: modelName, CachePath: path,
			SizeBytes: size, FileCount: files, Complete: true, ScannedAt: time.Now().UTC(),
		}}
	}
	if err := m.hubLimiter.Wait(ctx); err != nil {
		return EnsureResult{Status: EnsureFailed, Reason: err.Error()}
	}

	// Pre-flight free-space check (spec.md §4.3): refuse to start a
	// download that is already known to exceed free bytes on the cache
	// root. A lookup failure reports ok=false and is treated as
	// "unknown" — a metadata hiccup must never block a download that
	// would otherwise fit.
	if expected, ok := m.expectedSize(ctx, modelName, source); ok {
		disk, err := measureDisk(m.cfg.NodeID, m.cfg.Root)
		if err != nil {
			return EnsureResult{Status: EnsureFailed, Reason: err.Error()}
		}
		if expected > disk.FreeBytes {
			err := fmt.Errorf("%w: %q needs %d bytes, %d free on %s", apierrors.ErrInsufficientDiskSpace, modelName, expected, disk.FreeBytes, m.cfg.Root)
			log.Error(err, "refusing download")
			return EnsureResult{Status: EnsureFailed, Reason: err.Error()}
		}
	}

	log.Info("starting download", "layout", layout, "path", path)

	downloadCtx, cancel := context.WithTimeout(ctx, m.cfg.DownloadTimeout)
	defer cancel()

	progress := model.DownloadProgress{UID: uid, ReplicaID: replicaID, Phase: model.PhaseDownloading}
	m.publishProgress(ctx, progress)

	lastPublish := time.Now()
	onProgress := func(downloadedBytes, totalBytes int64, filesDone, filesTotal int) {
		if downloadedBytes > progress.DownloadedBytes {
			progress.DownloadedBytes = downloadedBytes
			progress.TotalBytes = totalBytes
		}
		if filesDone > progress.FilesDone {
			progress.FilesDone = filesDone
			progress.FilesTotal = filesTotal
		}
		if time.Since(lastPublish) >= 3*time.Second {
			m.publishProgress(ctx, progress)
			lastPublish = time.Now()
		}
	}

	if err := m.downloadFn(downloadCtx, modelName, source, path, onProgress); err != nil {
		progress.Phase = model.PhaseFailed
		progress.Error = err.Error()
		m.publishProgress(ctx, progress)
		return EnsureResult{Status: EnsureFailed, Reason: err.Error()}
	}

	progress.Phase = model.PhaseVerifying
	m.publishProgress(ctx, progress)

	_, _, complete = DetectLayout(m.cfg.Root, modelName)
	if !complete {
		err := fmt.Errorf("%w: download completed but markers still missing for %q", apierrors.ErrDownloadFailed, modelName)
		progress.Phase = model.PhaseFailed
		progress.Error = err.Error()
		m.publishProgress(ctx, progress)
		return EnsureResult{Status: EnsureFailed, Reason: err.Error()}
	}

	size, files := measureDir(path)
	m.clearProgress(ctx, uid, replicaID)
	return EnsureResult{Status: EnsureReady, Entry: model.CacheEntry{
		NodeID: m.cfg.NodeID, ModelName: modelName, CachePath: path,
		SizeBytes: size, FileCount: files, Complete: true, ScannedAt: time.Now().UTC(),
	}}
}

func (m *Manager) publishProgress(ctx context.Context, p model.DownloadProgress) {
	p.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	// TTL ~30s per spec.md §3: absence means "not downloading"; each
	// publish re-grants the lease, which is how this key is "renewed".
	if _, _, err := m.s.PutWithLease(ctx, model.DownloadProgressKey(p.UID, p.ReplicaID), raw, 30*time.Second); err != nil {
		logging.FromContext(ctx).Info("failed to publish download progress", "error", err)
	}
}

func (m *Manager) clearProgress(ctx context.Context, uid, replicaID string) {
	_ = m.s.Delete(ctx, model.DownloadProgressKey(uid, replicaID))
}

// ScanOnce enumerates one round of candidate cache directories and
// rewrites /model_cache/{node}/{hash(name)} for each found on disk, then
// deletes this node's other /model_cache/ records. It is called by
// RunScanLoop every cfg.ScanInterval, and directly by tests.
func (m *Manager) ScanOnce(ctx context.Context, knownModelNames []string) ([]model.CacheEntry, error) {
	seen := make(map[string]bool, len(knownModelNames))
	var entries []model.CacheEntry
	for _, name := range knownModelNames {
		path, _, complete := DetectLayout(m.cfg.Root, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		size, files := measureDir(path)
		entry := model.CacheEntry{
			NodeID: m.cfg.NodeID, ModelName: name, CachePath: path,
			SizeBytes: size, FileCount: files, Complete: complete, ScannedAt: time.Now().UTC(),
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		if _, err := store.Upsert(ctx, m.s, model.ModelCacheKey(m.cfg.NodeID, name), raw); err != nil {
			return nil, err
		}
		seen[model.HashName(name)] = true
		entries = append(entries, entry)
	}

	existing, err := m.s.ListPrefix(ctx, model.ModelCachePrefix(m.cfg.NodeID))
	if err != nil {
		return nil, err
	}
	for _, kv := range existing {
		hash := filepath.Base(kv.Key)
		if !seen[hash] {
			_ = m.s.Delete(ctx, kv.Key)
		}
	}
	return entries, nil
}

// RunScanLoop runs ScanOnce every cfg.ScanInterval until ctx is canceled.
// modelNames returns the model names whose cache directories are looked
// for under the cache root; it is re-evaluated every tick.
func (m *Manager) RunScanLoop(ctx context.Context, modelNames func() []string) {
	_ = wait.PollUntilContextCancel(ctx, m.cfg.ScanInterval, true, func(ctx context.Context) (bool, error) {
		if _, err := m.ScanOnce(ctx, modelNames()); err != nil {
			logging.FromContext(ctx).Info("cache scan failed", "error", err)
		}
		return false, nil
	})
}

// ReportDisk measures the cache root and publishes /node_disk/{node} plus
// any disk_warning/disk_critical alert transitions, per §4.3.
func (m *Manager) ReportDisk(ctx context.Context) (model.DiskStatus, error) {
	disk, err := measureDisk(m.cfg.NodeID, m.cfg.Root)
	if err != nil {
		return model.DiskStatus{}, err
	}
	raw, err := json.Marshal(disk)
	if err != nil {
		return disk, err
	}
	if _, err := store.Upsert(ctx, m.s, model.NodeDiskKey(m.cfg.NodeID), raw); err != nil {
		return disk, err
	}

	used := disk.UsedFraction()
	if err := m.updateAlert(ctx, model.AlertDiskWarning, used, m.cfg.DiskWarningPct); err != nil {
		return disk, err
	}
	if err := m.updateAlert(ctx, model.AlertDiskCritical, used, m.cfg.DiskCriticalPct); err != nil {
		return disk, err
	}
	return disk, nil
}

func (m *Manager) updateAlert(ctx context.Context, alertType model.AlertType, used, threshold float64) error {
	key := model.AlertKey(m.cfg.NodeID, string(alertType))
	_, wasActive, err := m.s.Get(ctx, key)
	if err != nil {
		return err
	}
	active := evaluateAlert(used, threshold, wasActive)
	switch {
	case active && !wasActive:
		alert := model.Alert{NodeID: m.cfg.NodeID, Type: alertType, UsedPct: used, RaisedAt: time.Now().UTC()}
		raw, err := json.Marshal(alert)
		if err != nil {
			return err
		}
		_, err = store.Upsert(ctx, m.s, key, raw)
		return err
	case !active && wasActive:
		return m.s.Delete(ctx, key)
	default:
		return nil
	}
}
